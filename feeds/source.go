package feeds

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rss2social/models"

	"github.com/PuerkitoBio/goquery"
	"github.com/cenkalti/backoff/v4"
	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultFetchTimeout = 30 * time.Second
	DefaultMaxRetries   = 2

	userAgent = "rss2social/1.0 (+https://github.com/rss2social/rss2social)"
)

// Source fetches and parses feeds into entries
type Source struct {
	parser     *gofeed.Parser
	timeout    time.Duration
	maxRetries uint64
	// newBackOff is replaceable so tests do not sleep
	newBackOff func() backoff.BackOff
}

type SourceConfig struct {
	// Timeout bounds a single fetch attempt
	Timeout    time.Duration
	MaxRetries uint64
	Client     *http.Client
}

func NewSource(cfg SourceConfig) *Source {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: cfg.Timeout}
	}

	parser := gofeed.NewParser()
	parser.Client = cfg.Client
	parser.UserAgent = userAgent

	return &Source{
		parser:     parser,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

// Fetch downloads feedURL and returns its entries in source order.
// Transient failures (network errors, 5xx, 429) are retried.
func (s *Source) Fetch(ctx context.Context, feedURL string) ([]models.FeedEntry, error) {
	var feed *gofeed.Feed

	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		parsed, err := s.parser.ParseURLWithContext(feedURL, attemptCtx)
		if err != nil {
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		feed = parsed
		return nil
	}

	notify := func(err error, wait time.Duration) {
		log.WithFields(log.Fields{
			"feed":  feedURL,
			"error": err,
			"wait":  wait,
		}).Warn("Retrying feed fetch")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), s.maxRetries), ctx)
	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		return nil, fmt.Errorf("failed to fetch feed %s: %w", feedURL, err)
	}

	entries := make([]models.FeedEntry, 0, len(feed.Items))
	for _, item := range feed.Items {
		entries = append(entries, entryFromItem(feedURL, item))
	}

	return entries, nil
}

func retryable(err error) bool {
	var httpErr gofeed.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	if errors.Is(err, gofeed.ErrFeedTypeNotDetected) {
		return false
	}
	// Anything else is a transport failure
	return true
}

func entryFromItem(feedURL string, item *gofeed.Item) models.FeedEntry {
	link := strings.TrimSpace(item.Link)

	return models.FeedEntry{
		Title:     strings.TrimSpace(item.Title),
		Summary:   summary(item),
		Link:      link,
		MediaURL:  mediaURL(item, link),
		FeedURL:   feedURL,
		Published: publishedTime(item),
	}
}

func publishedTime(item *gofeed.Item) *time.Time {
	if item.PublishedParsed != nil {
		t := *item.PublishedParsed
		return &t
	}
	if item.UpdatedParsed != nil {
		t := *item.UpdatedParsed
		return &t
	}
	return nil
}

func summary(item *gofeed.Item) string {
	raw := item.Description
	if strings.TrimSpace(raw) == "" {
		raw = item.Content
	}
	return plainText(raw)
}

// plainText strips markup and collapses whitespace
func plainText(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	text := raw
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw)); err == nil {
		text = doc.Text()
	}
	return strings.Join(strings.Fields(text), " ")
}

// mediaURL picks the best image reference an item carries
func mediaURL(item *gofeed.Item, link string) string {
	candidates := []string{}

	if item.Image != nil {
		candidates = append(candidates, item.Image.URL)
	}

	for _, enc := range item.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") {
			candidates = append(candidates, enc.URL)
		}
	}

	candidates = append(candidates, mediaExtensionURLs(item.Extensions)...)
	candidates = append(candidates, firstImgSrc(item.Description), firstImgSrc(item.Content))

	for _, c := range candidates {
		if resolved := resolveURL(link, c); resolved != "" {
			return resolved
		}
	}
	return ""
}

func mediaExtensionURLs(extensions ext.Extensions) []string {
	media, ok := extensions["media"]
	if !ok {
		return nil
	}

	var urls []string
	for _, e := range media["thumbnail"] {
		urls = append(urls, e.Attrs["url"])
	}
	for _, e := range media["content"] {
		if e.Attrs["medium"] == "image" || strings.HasPrefix(e.Attrs["type"], "image/") {
			urls = append(urls, e.Attrs["url"])
		}
	}
	// media:group wraps media:content in some feeds (e.g. YouTube)
	for _, group := range media["group"] {
		for _, e := range group.Children["thumbnail"] {
			urls = append(urls, e.Attrs["url"])
		}
	}
	return urls
}

func firstImgSrc(html string) string {
	if !strings.Contains(html, "<img") {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	src, _ := doc.Find("img[src]").First().Attr("src")
	return src
}

func resolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}

	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if u.IsAbs() {
		if u.Scheme != "http" && u.Scheme != "https" {
			return ""
		}
		return u.String()
	}

	b, err := url.Parse(base)
	if err != nil || !b.IsAbs() {
		return ""
	}
	return b.ResolveReference(u).String()
}
