package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"rss2social/config"
	"rss2social/models"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

const (
	DiscordName = "discord"

	discordContentLimit = 2000
	maxRetryAfter       = 30 * time.Second
)

func init() {
	Register(DiscordName, newDiscord)
}

type discordPublisher struct {
	webhookURL string
	username   string
	client     *http.Client
	newBackOff func() backoff.BackOff
}

type webhookMessage struct {
	Content         string          `json:"content"`
	Username        string          `json:"username,omitempty"`
	AllowedMentions allowedMentions `json:"allowed_mentions"`
}

// allowedMentions with an empty parse list keeps feed text from pinging anyone
type allowedMentions struct {
	Parse []string `json:"parse"`
}

type rateLimited struct {
	RetryAfter float64 `json:"retry_after"`
}

func newDiscord(cfg *config.Config) (Publisher, error) {
	if cfg.Discord.WebhookURL == "" {
		return nil, fmt.Errorf("%w: DISCORD_WEBHOOK_URL must be set", ErrMissingCredentials)
	}

	return &discordPublisher{
		webhookURL: cfg.Discord.WebhookURL,
		username:   cfg.Discord.Username,
		client:     &http.Client{},
		newBackOff: defaultBackOff,
	}, nil
}

func (d *discordPublisher) Name() string { return DiscordName }

func (d *discordPublisher) MaxImageBytes() int64 { return 0 }

func (d *discordPublisher) Publish(ctx context.Context, post *models.Post) error {
	body, err := json.Marshal(webhookMessage{
		Content:         discordContent(post),
		Username:        d.username,
		AllowedMentions: allowedMentions{Parse: []string{}},
	})
	if err != nil {
		return fmt.Errorf("%s: encode message: %w", DiscordName, err)
	}

	err = retry(ctx, d.newBackOff(), DiscordName, "execute webhook", func() error {
		return d.send(ctx, body)
	})
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"destination": DiscordName,
		"link":        post.Link,
	}).Info("Posted")
	return nil
}

func (d *discordPublisher) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := retryAfter(resp.Header, payload)
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		case <-time.After(wait):
		}
		return fmt.Errorf("rate limited for %s", wait)
	case resp.StatusCode >= 500:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	}
}

// retryAfter reads the wait Discord asks for from the body, falling back to
// the Retry-After header
func retryAfter(h http.Header, body []byte) time.Duration {
	var wait time.Duration

	var limited rateLimited
	if err := json.Unmarshal(body, &limited); err == nil && limited.RetryAfter > 0 {
		wait = time.Duration(limited.RetryAfter * float64(time.Second))
	} else if d, err := time.ParseDuration(h.Get("Retry-After") + "s"); err == nil {
		wait = d
	}

	return min(max(wait, 0), maxRetryAfter)
}

// discordContent is the bold title, the summary and the link, cutting the
// summary first so the link survives
func discordContent(post *models.Post) string {
	var head string
	if post.Title != "" {
		head = "**" + post.Title + "**"
	}

	parts := func(summary string) string {
		var out []string
		for _, p := range []string{head, summary, post.Link} {
			if p != "" {
				out = append(out, p)
			}
		}
		return strings.Join(out, "\n\n")
	}

	content := parts(post.Description)
	if len([]rune(content)) <= discordContentLimit {
		return content
	}

	budget := discordContentLimit - len([]rune(parts(""))) - 2
	if budget > 1 {
		return parts(truncate(post.Description, budget))
	}
	return truncate(parts(""), discordContentLimit)
}
