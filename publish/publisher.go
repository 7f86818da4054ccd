// Package publish holds the destination publishers and the registry the run
// coordinator looks them up in.
package publish

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"rss2social/config"
	"rss2social/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// ErrMissingCredentials marks a destination that cannot run with the current config
var ErrMissingCredentials = errors.New("missing credentials")

// Publisher submits posts to one external platform
type Publisher interface {
	Name() string
	// MaxImageBytes is the largest image the destination accepts, 0 if it
	// takes no image at all
	MaxImageBytes() int64
	Publish(ctx context.Context, post *models.Post) error
}

// Factory builds a publisher from the run config
type Factory func(cfg *config.Config) (Publisher, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a publisher available under name
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Names lists the registered destinations in sorted order
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := lo.Keys(registry)
	slices.Sort(names)
	return names
}

// Active builds the publishers named in names, sorted by name. Unknown names
// and destinations that fail to configure are logged and left out.
func Active(cfg *config.Config, names []string) []Publisher {
	registryMu.RLock()
	defer registryMu.RUnlock()

	sorted := lo.Uniq(names)
	slices.Sort(sorted)

	var publishers []Publisher
	for _, name := range sorted {
		factory, ok := registry[name]
		if !ok {
			log.WithFields(log.Fields{
				"destination": name,
				"known":       lo.Keys(registry),
			}).Warn("Ignoring unknown destination")
			continue
		}

		p, err := factory(cfg)
		if err != nil {
			log.WithFields(log.Fields{
				"destination": name,
				"error":       err,
			}).Error("Destination is inactive for this run")
			continue
		}

		publishers = append(publishers, p)
	}

	return publishers
}

// Outcome is the result of publishing one post to one destination
type Outcome struct {
	Destination string
	Duration    time.Duration
	Err         error
}

func (o Outcome) OK() bool {
	return o.Err == nil
}

// Attempt publishes post with p under timeout. It never panics: errors and
// panics from the publisher are both reported in the outcome.
func Attempt(ctx context.Context, p Publisher, post *models.Post, timeout time.Duration) (out Outcome) {
	out.Destination = p.Name()
	start := time.Now()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		out.Duration = time.Since(start)
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("publisher panicked: %v", r)
		}
	}()

	out.Err = p.Publish(ctx, post)
	return out
}

const maxPublishRetries = 3

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 10 * time.Second
	return b
}

// retry runs op until it succeeds, returns a permanent error, or the retries
// or ctx run out
func retry(ctx context.Context, b backoff.BackOff, destination, action string, op func() error) error {
	notify := func(err error, wait time.Duration) {
		log.WithFields(log.Fields{
			"destination": destination,
			"action":      action,
			"error":       err,
			"wait":        wait,
		}).Warn("Retrying")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, maxPublishRetries), ctx), notify)
	if err != nil {
		return fmt.Errorf("%s: %s: %w", destination, action, err)
	}
	return nil
}

// truncate shortens s to at most limit runes, marking cut text with an ellipsis
func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if limit <= 1 {
		return string(runes[:limit])
	}
	return string(runes[:limit-1]) + "…"
}
