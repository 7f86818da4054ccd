package publish

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"rss2social/bluesky"
	"rss2social/config"
	"rss2social/models"

	"github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	"mvdan.cc/xurls/v2"
)

const (
	BlueskyName = "bluesky"

	// BlueskyMaxImageBytes is the blob limit of the reference PDS
	BlueskyMaxImageBytes int64 = 1_000_000

	blueskyTextLimit        = 300
	blueskyDescriptionLimit = 300

	linkFacetType     = "app.bsky.richtext.facet#link"
	externalEmbedType = "app.bsky.embed.external"
	imagesEmbedType   = "app.bsky.embed.images"
)

func init() {
	Register(BlueskyName, newBluesky)
}

type blueskyPublisher struct {
	host       string
	creds      bluesky.Credentials
	maxImage   int64
	httpClient *http.Client
	languages  *languageDetector
	newBackOff func() backoff.BackOff
	now        func() time.Time

	mu     sync.Mutex
	client *bluesky.Client
}

func newBluesky(cfg *config.Config) (Publisher, error) {
	c := cfg.Bluesky
	if c.Identifier == "" || c.Password == "" {
		return nil, fmt.Errorf("%w: BLUESKY_IDENTIFIER and BLUESKY_PASSWORD must be set", ErrMissingCredentials)
	}

	host := c.Host
	if host == "" {
		host = bluesky.DefaultPDSHost
	}
	maxImage := c.MaxImageBytes
	if maxImage <= 0 {
		maxImage = BlueskyMaxImageBytes
	}

	return &blueskyPublisher{
		host:       host,
		creds:      bluesky.Credentials{Identifier: c.Identifier, Password: c.Password},
		maxImage:   maxImage,
		httpClient: &http.Client{},
		languages:  newLanguageDetector(c.Languages),
		newBackOff: defaultBackOff,
		now:        time.Now,
	}, nil
}

func (b *blueskyPublisher) Name() string { return BlueskyName }

func (b *blueskyPublisher) MaxImageBytes() int64 { return b.maxImage }

// session logs in on first use and keeps the client for the rest of the run
func (b *blueskyPublisher) session(ctx context.Context) (*bluesky.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return b.client, nil
	}

	var client *bluesky.Client
	err := retry(ctx, b.newBackOff(), BlueskyName, "create session", func() error {
		var err error
		client, err = bluesky.ClientFromCredentials(ctx, b.host, &b.creds, b.httpClient)
		return classifyXRPC(err)
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"destination": BlueskyName,
		"did":         client.DID(),
	}).Info("Logged in")

	b.client = client
	return client, nil
}

func (b *blueskyPublisher) Publish(ctx context.Context, post *models.Post) error {
	client, err := b.session(ctx)
	if err != nil {
		return err
	}

	record := b.record(post)

	var blob *lexutil.LexBlob
	if post.HasImage() {
		blob, err = b.upload(ctx, client, post)
		if err != nil {
			log.WithFields(log.Fields{
				"destination": BlueskyName,
				"link":        post.Link,
				"error":       err,
			}).Warn("Posting without thumbnail")
		}
	}
	record.Embed = embedFor(post, blob)

	var uri string
	err = retry(ctx, b.newBackOff(), BlueskyName, "create post", func() error {
		var err error
		uri, err = client.CreatePost(ctx, record)
		if err != nil && !isThrottled(err) {
			// only a throttled create is known not to have been written
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"destination": BlueskyName,
		"uri":         uri,
		"link":        post.Link,
	}).Info("Posted")
	return nil
}

func (b *blueskyPublisher) upload(ctx context.Context, client *bluesky.Client, post *models.Post) (*lexutil.LexBlob, error) {
	var blob *lexutil.LexBlob
	err := retry(ctx, b.newBackOff(), BlueskyName, "upload blob", func() error {
		r, err := post.Image.Open()
		if err != nil {
			return backoff.Permanent(err)
		}
		defer r.Close()

		blob, err = client.UploadBlob(ctx, r)
		return classifyXRPC(err)
	})
	return blob, err
}

// record builds the post without its embed
func (b *blueskyPublisher) record(post *models.Post) *bsky.FeedPost {
	text := truncate(post.Title, blueskyTextLimit)
	if text == "" {
		text = truncate(post.Link, blueskyTextLimit)
	}

	return &bsky.FeedPost{
		Text:      text,
		CreatedAt: bluesky.FormatTime(b.now()),
		Facets:    linkFacets(text),
		Langs:     b.languages.Detect(post.Title + "\n" + post.Description),
	}
}

// embedFor prefers a link card and falls back to a plain image when the
// entry has no link
func embedFor(post *models.Post, blob *lexutil.LexBlob) *bsky.FeedPost_Embed {
	if post.Link != "" {
		return &bsky.FeedPost_Embed{
			EmbedExternal: &bsky.EmbedExternal{
				LexiconTypeID: externalEmbedType,
				External: &bsky.EmbedExternal_External{
					Uri:         post.Link,
					Title:       truncate(post.Title, blueskyTextLimit),
					Description: truncate(post.Description, blueskyDescriptionLimit),
					Thumb:       blob,
				},
			},
		}
	}

	if blob != nil {
		return &bsky.FeedPost_Embed{
			EmbedImages: &bsky.EmbedImages{
				LexiconTypeID: imagesEmbedType,
				Images: []*bsky.EmbedImages_Image{
					{Alt: post.ImageAlt, Image: blob},
				},
			},
		}
	}

	return nil
}

// linkFacets marks every URL in text, indexed by UTF-8 byte offsets
func linkFacets(text string) []*bsky.RichtextFacet {
	var facets []*bsky.RichtextFacet
	for _, loc := range xurls.Strict().FindAllStringIndex(text, -1) {
		facets = append(facets, &bsky.RichtextFacet{
			Index: &bsky.RichtextFacet_ByteSlice{
				ByteStart: int64(loc[0]),
				ByteEnd:   int64(loc[1]),
			},
			Features: []*bsky.RichtextFacet_Features_Elem{
				{
					RichtextFacet_Link: &bsky.RichtextFacet_Link{
						LexiconTypeID: linkFacetType,
						Uri:           text[loc[0]:loc[1]],
					},
				},
			},
		})
	}
	return facets
}

// classifyXRPC stops retrying on client errors other than rate limiting
func classifyXRPC(err error) error {
	if err == nil {
		return nil
	}
	var xerr *xrpc.Error
	if errors.As(err, &xerr) {
		if xerr.StatusCode == http.StatusTooManyRequests || xerr.StatusCode >= 500 {
			return err
		}
		return backoff.Permanent(err)
	}
	return err
}

func isThrottled(err error) bool {
	var xerr *xrpc.Error
	return errors.As(err, &xerr) && xerr.StatusCode == http.StatusTooManyRequests
}
