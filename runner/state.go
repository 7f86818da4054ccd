package runner

import (
	"slices"
	"time"
)

// FeedState is a step in the life of one feed during a run
type FeedState int

const (
	NotStarted FeedState = iota
	Fetched
	Selected
	Published
	SkippedNoNew
	WatermarkUpdated
	Done
	Failed
)

func (s FeedState) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Fetched:
		return "fetched"
	case Selected:
		return "selected"
	case Published:
		return "published"
	case SkippedNoNew:
		return "skipped_no_new"
	case WatermarkUpdated:
		return "watermark_updated"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// FeedReport records what happened to one feed. History lists every state
// the feed went through, starting at NotStarted.
type FeedReport struct {
	URL      string
	History  []FeedState
	Entries  int
	Undated  int
	Selected int
	Err      error
}

func newFeedReport(url string) *FeedReport {
	return &FeedReport{URL: url, History: []FeedState{NotStarted}}
}

func (f *FeedReport) enter(s FeedState) {
	f.History = append(f.History, s)
}

// State is the latest state of the feed
func (f *FeedReport) State() FeedState {
	return f.History[len(f.History)-1]
}

// Reached reports whether the feed passed through s
func (f *FeedReport) Reached(s FeedState) bool {
	return slices.Contains(f.History, s)
}

// DestinationCounts tallies publish outcomes for one destination
type DestinationCounts struct {
	Succeeded int
	Failed    int
}

// Report summarizes a run for logging and tests. Saved is false for dry runs
// and runs that failed before saving.
type Report struct {
	Start        time.Time
	Feeds        []*FeedReport
	Destinations map[string]*DestinationCounts
	Saved        bool
}

func (r *Report) Feed(url string) *FeedReport {
	for _, f := range r.Feeds {
		if f.URL == url {
			return f
		}
	}
	return nil
}

func (r *Report) count(destination string, ok bool) {
	c, found := r.Destinations[destination]
	if !found {
		c = &DestinationCounts{}
		r.Destinations[destination] = c
	}
	if ok {
		c.Succeeded++
	} else {
		c.Failed++
	}
}
