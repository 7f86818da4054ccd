package publish

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"rss2social/config"
	"rss2social/models"

	log "github.com/sirupsen/logrus"
	"github.com/vartanbeno/go-reddit/v2/reddit"
)

const (
	RedditName = "reddit"

	redditTitleLimit = 300
)

var errNoLink = errors.New("entry has no link to submit")

func init() {
	Register(RedditName, newReddit)
}

// linkSubmitter is the part of the reddit post service the publisher uses
type linkSubmitter interface {
	SubmitLink(ctx context.Context, opts reddit.SubmitLinkRequest) (*reddit.Submitted, *reddit.Response, error)
}

type redditPublisher struct {
	subreddit string
	posts     linkSubmitter
}

func newReddit(cfg *config.Config) (Publisher, error) {
	c := cfg.Reddit
	if c.ClientID == "" || c.ClientSecret == "" || c.Username == "" || c.Password == "" {
		return nil, fmt.Errorf("%w: REDDIT_CLIENT_ID, REDDIT_CLIENT_SECRET, REDDIT_USERNAME and REDDIT_PASSWORD must be set", ErrMissingCredentials)
	}
	if c.Subreddit == "" {
		return nil, fmt.Errorf("%w: REDDIT_SUBREDDIT must be set", ErrMissingCredentials)
	}

	client, err := reddit.NewClient(
		reddit.Credentials{
			ID:       c.ClientID,
			Secret:   c.ClientSecret,
			Username: c.Username,
			Password: c.Password,
		},
		reddit.WithUserAgent(c.UserAgent),
		reddit.WithHTTPClient(&http.Client{}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reddit client: %w", err)
	}

	return &redditPublisher{subreddit: c.Subreddit, posts: client.Post}, nil
}

func (r *redditPublisher) Name() string { return RedditName }

func (r *redditPublisher) MaxImageBytes() int64 { return 0 }

// Publish submits the entry link. Submissions are not idempotent, so a
// failed call is not repeated.
func (r *redditPublisher) Publish(ctx context.Context, post *models.Post) error {
	if post.Link == "" {
		return fmt.Errorf("%s: %w", RedditName, errNoLink)
	}

	title := truncate(post.Title, redditTitleLimit)
	if title == "" {
		title = truncate(post.Link, redditTitleLimit)
	}

	submitted, _, err := r.posts.SubmitLink(ctx, reddit.SubmitLinkRequest{
		Subreddit: r.subreddit,
		Title:     title,
		URL:       post.Link,
	})
	if err != nil {
		return fmt.Errorf("%s: submit link: %w", RedditName, err)
	}

	log.WithFields(log.Fields{
		"destination": RedditName,
		"subreddit":   r.subreddit,
		"id":          submitted.FullID,
		"url":         submitted.URL,
	}).Info("Posted")
	return nil
}
