package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	feedsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rss2social_feeds_processed_total",
		Help: "Feeds handled per run by result",
	}, []string{"result"})

	entriesSelected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rss2social_entries_selected_total",
		Help: "Feed entries selected for publishing",
	})

	publishOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rss2social_publish_total",
		Help: "Publish attempts by destination and result",
	}, []string{"destination", "result"})

	publishDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rss2social_publish_duration_seconds",
		Help:    "Time spent publishing one post to one destination",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"destination"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rss2social_run_duration_seconds",
		Help:    "Duration of a full polling pass",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	lastRun = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rss2social_last_run_timestamp_seconds",
		Help: "Start of the last completed run as a unix timestamp",
	})
)

// WriteMetrics dumps the default registry in the textfile collector format
func WriteMetrics(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
