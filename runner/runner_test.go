package runner_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"rss2social/media"
	"rss2social/models"
	"rss2social/publish"
	"rss2social/runner"
	"rss2social/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	now   = time.Date(2024, 3, 10, 12, 0, 0, 500_000_000, time.UTC)
	start = now.Truncate(time.Second)
)

func at(hoursAgo int) *time.Time {
	t := now.Add(-time.Duration(hoursAgo) * time.Hour)
	return &t
}

func entry(feed, title string, published *time.Time) models.FeedEntry {
	return models.FeedEntry{
		Title:     title,
		Link:      "https://example.com/" + title,
		MediaURL:  "https://example.com/" + title + ".jpg",
		FeedURL:   feed,
		Published: published,
	}
}

type fakeSource struct {
	entries map[string][]models.FeedEntry
	errs    map[string]error
	fetched []string
}

func (f *fakeSource) Fetch(_ context.Context, feedURL string) ([]models.FeedEntry, error) {
	f.fetched = append(f.fetched, feedURL)
	if err := f.errs[feedURL]; err != nil {
		return nil, err
	}
	return f.entries[feedURL], nil
}

type memStore struct {
	wm      state.Watermarks
	loadErr error
	saveErr error
	saves   int
}

func (m *memStore) Load(context.Context) (state.Watermarks, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if m.wm == nil {
		return state.Watermarks{}, nil
	}
	return m.wm.Clone(), nil
}

func (m *memStore) Save(_ context.Context, wm state.Watermarks) error {
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.wm = wm.Clone()
	return nil
}

func (m *memStore) Location() string { return "memory" }
func (m *memStore) Close() error     { return nil }

// journal records publish calls across publishers in call order
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

type fakePublisher struct {
	name     string
	maxImage int64
	err      error
	panics   bool
	journal  *journal
	images   []*media.Image
	after    func()
}

func (f *fakePublisher) Name() string         { return f.name }
func (f *fakePublisher) MaxImageBytes() int64 { return f.maxImage }

func (f *fakePublisher) Publish(_ context.Context, p *models.Post) error {
	f.journal.add(f.name + ":" + p.Title)
	if p.HasImage() {
		f.images = append(f.images, p.Image)
		if p.Image.Released() {
			return errors.New("image released before publish")
		}
	}
	if f.panics {
		panic("publisher exploded")
	}
	if f.after != nil {
		f.after()
	}
	return f.err
}

type fakeResolver struct {
	dir      string
	ceilings []int64
}

func (r *fakeResolver) Resolve(_ context.Context, url string, ceiling int64) (*media.Image, error) {
	r.ceilings = append(r.ceilings, ceiling)
	path := filepath.Join(r.dir, fmt.Sprintf("img-%d.jpg", len(r.ceilings)))
	if err := os.WriteFile(path, []byte(url), 0o644); err != nil {
		return nil, err
	}
	return &media.Image{Path: path, Size: int64(len(url)), ContentType: "image/jpeg"}, nil
}

type fixture struct {
	ctx        context.Context
	source     *fakeSource
	store      *memStore
	resolver   *fakeResolver
	journal    *journal
	publishers []*fakePublisher
}

func newFixture(t *testing.T) *fixture {
	j := &journal{}
	return &fixture{
		ctx:      context.Background(),
		source:   &fakeSource{entries: map[string][]models.FeedEntry{}, errs: map[string]error{}},
		store:    &memStore{},
		resolver: &fakeResolver{dir: t.TempDir()},
		journal:  j,
		publishers: []*fakePublisher{
			{name: "reddit", journal: j},
			{name: "bluesky", maxImage: 1_000_000, journal: j},
		},
	}
}

func (f *fixture) run(t *testing.T, feeds []string, force int, dryRun bool) (*runner.Report, error) {
	t.Helper()
	pubs := make([]publish.Publisher, 0, len(f.publishers))
	for _, p := range f.publishers {
		pubs = append(pubs, p)
	}
	r := runner.New(runner.Options{
		FeedURLs:       feeds,
		ForceLatest:    force,
		DryRun:         dryRun,
		PublishTimeout: time.Second,
		Source:         f.source,
		Resolver:       f.resolver,
		Publishers:     pubs,
		Store:          f.store,
		Clock:          func() time.Time { return now },
	})
	return r.Run(f.ctx)
}

const (
	feedA = "https://a.example/feed"
	feedB = "https://b.example/feed"
)

func TestFirstRunPublishesEverythingNewestFirst(t *testing.T) {
	f := newFixture(t)
	f.source.entries[feedA] = []models.FeedEntry{
		entry(feedA, "old", at(5)),
		entry(feedA, "undated", nil),
		entry(feedA, "new", at(1)),
	}

	report, err := f.run(t, []string{feedA}, 0, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"bluesky:new", "reddit:new", "bluesky:old", "reddit:old"}, f.journal.entries)
	assert.Equal(t, 1, f.store.saves)
	assert.Equal(t, start, f.store.wm[feedA])
	assert.True(t, report.Saved)

	fr := report.Feed(feedA)
	require.NotNil(t, fr)
	assert.Equal(t, []runner.FeedState{
		runner.NotStarted, runner.Fetched, runner.Selected, runner.Published, runner.WatermarkUpdated, runner.Done,
	}, fr.History)
	assert.Equal(t, 3, fr.Entries)
	assert.Equal(t, 1, fr.Undated)
	assert.Equal(t, 2, fr.Selected)
	assert.Equal(t, &runner.DestinationCounts{Succeeded: 2}, report.Destinations["bluesky"])
	assert.Equal(t, &runner.DestinationCounts{Succeeded: 2}, report.Destinations["reddit"])
}

func TestOnlyEntriesAfterWatermark(t *testing.T) {
	f := newFixture(t)
	f.store.wm = state.Watermarks{feedA: *at(3)}
	f.source.entries[feedA] = []models.FeedEntry{
		entry(feedA, "before", at(4)),
		entry(feedA, "equal", at(3)),
		entry(feedA, "after", at(2)),
	}

	_, err := f.run(t, []string{feedA}, 0, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"bluesky:after", "reddit:after"}, f.journal.entries)
	assert.Equal(t, start, f.store.wm[feedA])
}

func TestForceReplaysLatest(t *testing.T) {
	f := newFixture(t)
	f.store.wm = state.Watermarks{feedA: now}
	f.source.entries[feedA] = []models.FeedEntry{
		entry(feedA, "c", at(3)),
		entry(feedA, "a", at(1)),
		entry(feedA, "b", at(2)),
	}

	_, err := f.run(t, []string{feedA}, 2, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"bluesky:a", "reddit:a", "bluesky:b", "reddit:b"}, f.journal.entries)
}

func TestNoNewEntriesKeepsWatermark(t *testing.T) {
	tests := []struct {
		name    string
		entries []models.FeedEntry
	}{
		{name: "only seen entries", entries: []models.FeedEntry{entry(feedA, "seen", at(2))}},
		{name: "empty feed", entries: nil},
		{name: "only undated entries", entries: []models.FeedEntry{entry(feedA, "undated", nil)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			old := *at(1)
			f.store.wm = state.Watermarks{feedA: old}
			f.source.entries[feedA] = tt.entries

			report, err := f.run(t, []string{feedA}, 0, false)
			require.NoError(t, err)

			assert.Empty(t, f.journal.entries)
			fr := report.Feed(feedA)
			assert.Equal(t, []runner.FeedState{
				runner.NotStarted, runner.Fetched, runner.Selected, runner.SkippedNoNew, runner.Done,
			}, fr.History)
			assert.Equal(t, old, f.store.wm[feedA])
		})
	}
}

func TestNoNewEntriesLeavesStoredFileUntouched(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "last_runs.json")
	original := []byte("{\n  \"https://a.example/feed\": 1700000000\n}\n")
	require.NoError(t, os.WriteFile(path, original, 0o644))
	seen := time.Unix(1600000000, 0).UTC()
	f.source.entries[feedA] = []models.FeedEntry{entry(feedA, "seen", &seen)}

	r := runner.New(runner.Options{
		FeedURLs: []string{feedA},
		Source:   f.source,
		Store:    state.NewFileStore(path),
		Clock:    func() time.Time { return time.Unix(1800000000, 0) },
	})
	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Feed(feedA).Reached(runner.WatermarkUpdated))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(original), string(data))
}

func TestCancelledWhilePublishingKeepsWatermark(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.ctx = ctx

	old := *at(10)
	f.store.wm = state.Watermarks{feedA: old}
	f.publishers = []*fakePublisher{{name: "discord", journal: f.journal, after: cancel}}
	f.source.entries[feedA] = []models.FeedEntry{
		entry(feedA, "older", at(2)),
		entry(feedA, "newer", at(1)),
	}

	report, err := f.run(t, []string{feedA}, 0, false)
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []string{"discord:newer"}, f.journal.entries)
	fr := report.Feed(feedA)
	assert.True(t, fr.Reached(runner.Failed))
	assert.False(t, fr.Reached(runner.WatermarkUpdated))
	assert.ErrorIs(t, fr.Err, context.Canceled)

	assert.True(t, report.Saved)
	assert.Equal(t, old, f.store.wm[feedA])
}

func TestWatermarkNeverMovesBackwards(t *testing.T) {
	f := newFixture(t)
	future := now.Add(24 * time.Hour)
	f.store.wm = state.Watermarks{feedA: future}
	f.source.entries[feedA] = []models.FeedEntry{entry(feedA, "x", at(1))}

	_, err := f.run(t, []string{feedA}, 1, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"bluesky:x", "reddit:x"}, f.journal.entries)
	assert.Equal(t, future, f.store.wm[feedA])
}

func TestFetchFailureSkipsFeedOnly(t *testing.T) {
	f := newFixture(t)
	old := *at(10)
	f.store.wm = state.Watermarks{feedA: old}
	f.source.errs[feedA] = errors.New("connection refused")
	f.source.entries[feedB] = []models.FeedEntry{entry(feedB, "b1", at(1))}

	report, err := f.run(t, []string{feedA, feedB}, 0, false)
	require.NoError(t, err)

	assert.Equal(t, []string{feedA, feedB}, f.source.fetched)
	assert.Equal(t, old, f.store.wm[feedA])
	assert.Equal(t, start, f.store.wm[feedB])

	fa := report.Feed(feedA)
	assert.Equal(t, []runner.FeedState{runner.NotStarted, runner.Failed, runner.Done}, fa.History)
	assert.Error(t, fa.Err)
	assert.True(t, report.Feed(feedB).Reached(runner.Published))
}

func TestPublisherFailuresDoNotStopOthers(t *testing.T) {
	f := newFixture(t)
	f.publishers[0].err = errors.New("reddit is down")
	f.publishers = append(f.publishers, &fakePublisher{name: "discord", panics: true, journal: f.journal})
	f.source.entries[feedA] = []models.FeedEntry{entry(feedA, "x", at(1))}

	report, err := f.run(t, []string{feedA}, 0, false)
	require.NoError(t, err)

	assert.Equal(t, []string{"bluesky:x", "discord:x", "reddit:x"}, f.journal.entries)
	assert.Equal(t, &runner.DestinationCounts{Succeeded: 1}, report.Destinations["bluesky"])
	assert.Equal(t, &runner.DestinationCounts{Failed: 1}, report.Destinations["discord"])
	assert.Equal(t, &runner.DestinationCounts{Failed: 1}, report.Destinations["reddit"])
	assert.Equal(t, start, f.store.wm[feedA])
}

func TestImagesResolvedPerDestinationAndReleased(t *testing.T) {
	f := newFixture(t)
	f.publishers = append(f.publishers, &fakePublisher{name: "discord", maxImage: 500, journal: f.journal})
	f.source.entries[feedA] = []models.FeedEntry{entry(feedA, "x", at(1))}

	_, err := f.run(t, []string{feedA}, 0, false)
	require.NoError(t, err)

	// reddit accepts no image, so only the others resolve one
	assert.Equal(t, []int64{1_000_000, 500}, f.resolver.ceilings)

	for _, p := range f.publishers {
		for _, img := range p.images {
			assert.True(t, img.Released(), p.name)
			_, err := os.Stat(img.Path)
			assert.True(t, os.IsNotExist(err), p.name)
		}
	}
	assert.Len(t, f.publishers[1].images, 1)
}

func TestDryRunPublishesAndSavesNothing(t *testing.T) {
	f := newFixture(t)
	f.source.entries[feedA] = []models.FeedEntry{entry(feedA, "x", at(1))}

	report, err := f.run(t, []string{feedA}, 0, true)
	require.NoError(t, err)

	assert.Empty(t, f.journal.entries)
	assert.Empty(t, f.resolver.ceilings)
	assert.Zero(t, f.store.saves)
	assert.False(t, report.Saved)
	assert.Equal(t, 1, report.Feed(feedA).Selected)
}

func TestStorageFailures(t *testing.T) {
	t.Run("load", func(t *testing.T) {
		f := newFixture(t)
		f.store.loadErr = errors.New("disk on fire")

		_, err := f.run(t, []string{feedA}, 0, false)
		assert.ErrorIs(t, err, runner.ErrStorage)
		assert.Empty(t, f.source.fetched)
		assert.Zero(t, f.store.saves)
	})

	t.Run("save", func(t *testing.T) {
		f := newFixture(t)
		f.store.saveErr = errors.New("read-only file system")
		f.source.entries[feedA] = []models.FeedEntry{entry(feedA, "x", at(1))}

		report, err := f.run(t, []string{feedA}, 0, false)
		assert.ErrorIs(t, err, runner.ErrStorage)
		assert.ErrorIs(t, err, f.store.saveErr)
		assert.False(t, report.Saved)
		assert.Equal(t, 1, f.store.saves)
	})
}

func TestRunWithFileStore(t *testing.T) {
	f := newFixture(t)
	f.source.entries[feedA] = []models.FeedEntry{entry(feedA, "x", at(1))}

	store := state.NewFileStore(filepath.Join(t.TempDir(), "last_runs.json"))
	r := runner.New(runner.Options{
		FeedURLs: []string{feedA},
		Source:   f.source,
		Store:    store,
		Clock:    func() time.Time { return now },
	})

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	wm, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, start.Equal(wm[feedA]))

	// second run sees the watermark and publishes nothing new
	report, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Feed(feedA).Reached(runner.SkippedNoNew))
}
