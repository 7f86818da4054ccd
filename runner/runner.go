// Package runner drives one polling pass: fetch every feed, pick the entries
// to publish, fan them out to the active destinations and move the
// watermarks forward.
package runner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"rss2social/feeds"
	"rss2social/models"
	"rss2social/post"
	"rss2social/publish"
	"rss2social/state"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// ErrStorage wraps watermark load and save failures
var ErrStorage = errors.New("watermark storage failure")

// FeedSource fetches the entries of one feed
type FeedSource interface {
	Fetch(ctx context.Context, feedURL string) ([]models.FeedEntry, error)
}

// Options wires a Runner. Publishers are used in name order and Clock
// defaults to time.Now.
type Options struct {
	FeedURLs       []string
	ForceLatest    int
	DryRun         bool
	PublishTimeout time.Duration

	Source     FeedSource
	Resolver   post.ImageResolver
	Publishers []publish.Publisher
	Store      state.Store
	Clock      func() time.Time
}

type Runner struct {
	feedURLs       []string
	force          int
	dryRun         bool
	publishTimeout time.Duration

	source     FeedSource
	resolver   post.ImageResolver
	publishers []publish.Publisher
	store      state.Store
	clock      func() time.Time
}

func New(opts Options) *Runner {
	publishers := slices.Clone(opts.Publishers)
	slices.SortStableFunc(publishers, func(a, b publish.Publisher) int {
		return strings.Compare(a.Name(), b.Name())
	})

	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Runner{
		feedURLs:       opts.FeedURLs,
		force:          opts.ForceLatest,
		dryRun:         opts.DryRun,
		publishTimeout: opts.PublishTimeout,
		source:         opts.Source,
		resolver:       opts.Resolver,
		publishers:     publishers,
		store:          opts.Store,
		clock:          clock,
	}
}

// Run performs one pass over every feed. Feed and publish failures are logged
// and reported but do not fail the run; only storage problems and
// cancellation are returned as errors.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	runStart := time.Now()
	defer func() { runDuration.Observe(time.Since(runStart).Seconds()) }()

	// watermarks are stored with second precision
	start := r.clock().Truncate(time.Second)
	report := &Report{
		Start:        start,
		Destinations: map[string]*DestinationCounts{},
	}

	log.WithFields(log.Fields{
		"feeds":        len(r.feedURLs),
		"destinations": publisherNames(r.publishers),
		"force":        r.force,
		"dry_run":      r.dryRun,
		"state":        r.store.Location(),
	}).Info("Running RSS to Social")

	watermarks, err := r.store.Load(ctx)
	if err != nil {
		return report, fmt.Errorf("%w: load %s: %w", ErrStorage, r.store.Location(), err)
	}

	for idx, feedURL := range r.feedURLs {
		if ctx.Err() != nil {
			break
		}
		report.Feeds = append(report.Feeds, r.processFeed(ctx, idx+1, feedURL, watermarks, start, report))
	}

	if r.dryRun {
		log.Info("Dry run: not saving watermarks")
		return report, ctx.Err()
	}

	// a cancelled run still records the feeds it finished
	if err := r.store.Save(context.WithoutCancel(ctx), watermarks); err != nil {
		return report, fmt.Errorf("%w: save %s: %w", ErrStorage, r.store.Location(), err)
	}
	report.Saved = true
	lastRun.Set(float64(start.Unix()))

	return report, ctx.Err()
}

func (r *Runner) processFeed(ctx context.Context, idx int, feedURL string, wm state.Watermarks, start time.Time, report *Report) *FeedReport {
	fr := newFeedReport(feedURL)
	defer fr.enter(Done)

	logger := log.WithFields(log.Fields{
		"feed":  feedURL,
		"index": idx,
	})
	logger.Info("Parsing feed")

	entries, err := r.source.Fetch(ctx, feedURL)
	if err != nil {
		logger.WithError(err).Error("Failed to fetch feed")
		fr.Err = err
		fr.enter(Failed)
		feedsProcessed.WithLabelValues("failed").Inc()
		return fr
	}
	fr.enter(Fetched)
	fr.Entries = len(entries)

	dated := feeds.Dated(entries)
	if undated := len(entries) - len(dated); undated > 0 {
		fr.Undated = undated
		logger.WithField("undated", undated).Warn("Ignoring entries without a publish date")
	}

	watermark := wm.Get(feedURL)
	selected := feeds.Select(dated, watermark, r.force)
	fr.Selected = len(selected)
	fr.enter(Selected)
	entriesSelected.Add(float64(len(selected)))

	if len(selected) == 0 {
		logger.Info("Nothing to do for feed: skipping")
		fr.enter(SkippedNoNew)
		feedsProcessed.WithLabelValues("skipped").Inc()
		return fr
	}

	logger.WithField("selected", len(selected)).Info("Feed was updated: processing")
	for _, entry := range selected {
		if ctx.Err() != nil {
			break
		}
		r.publishEntry(ctx, entry, report)
	}

	// an interrupted feed keeps its watermark so the next run retries it
	if err := ctx.Err(); err != nil {
		logger.WithError(err).Warn("Run interrupted while publishing: keeping watermark")
		fr.Err = err
		fr.enter(Failed)
		feedsProcessed.WithLabelValues("failed").Inc()
		return fr
	}

	if !r.dryRun {
		fr.enter(Published)
	}
	feedsProcessed.WithLabelValues("published").Inc()

	wm.Advance(feedURL, start)
	fr.enter(WatermarkUpdated)
	return fr
}

// publishEntry hands entry to every destination in name order
func (r *Runner) publishEntry(ctx context.Context, entry models.FeedEntry, report *Report) {
	logger := log.WithFields(log.Fields{
		"feed":      entry.FeedURL,
		"title":     entry.Title,
		"link":      entry.Link,
		"published": entry.Published,
	})

	if r.dryRun {
		logger.WithField("destinations", publisherNames(r.publishers)).Info("Dry run: would publish")
		return
	}

	for _, p := range r.publishers {
		out := r.publishTo(ctx, p, entry)
		report.count(out.Destination, out.OK())
		publishOutcomes.WithLabelValues(out.Destination, result(out.OK())).Inc()
		publishDuration.WithLabelValues(out.Destination).Observe(out.Duration.Seconds())

		if out.OK() {
			logger.WithFields(log.Fields{
				"destination": out.Destination,
				"duration":    out.Duration,
			}).Info("Published entry")
		} else {
			logger.WithFields(log.Fields{
				"destination": out.Destination,
				"error":       out.Err,
			}).Error("Failed to publish entry")
		}
	}
}

func (r *Runner) publishTo(ctx context.Context, p publish.Publisher, entry models.FeedEntry) publish.Outcome {
	pst := post.FromEntry(ctx, entry, r.resolver, p.MaxImageBytes())
	defer func() {
		if err := pst.Release(); err != nil {
			log.WithFields(log.Fields{
				"destination": p.Name(),
				"error":       err,
			}).Warn("Failed to remove temporary image")
		}
	}()

	return publish.Attempt(ctx, p, pst, r.publishTimeout)
}

func publisherNames(publishers []publish.Publisher) []string {
	return lo.Map(publishers, func(p publish.Publisher, _ int) string { return p.Name() })
}
