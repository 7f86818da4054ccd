package feeds

import (
	"slices"
	"time"

	"rss2social/models"
)

// Select returns the entries that should be published this run, most recent first.
//
// Entries are ranked by publish time, newest first, keeping source order for
// ties. The entry at rank n is selected if the feed has no watermark yet, if
// n < force, or if it was published strictly after the watermark. Entries
// without a publish time are never selected and take no rank.
func Select(entries []models.FeedEntry, watermark *time.Time, force int) []models.FeedEntry {
	dated := Dated(entries)

	slices.SortStableFunc(dated, func(a, b models.FeedEntry) int {
		return b.Published.Compare(*a.Published)
	})

	selected := make([]models.FeedEntry, 0, len(dated))
	for n, entry := range dated {
		if watermark == nil || n < force || entry.Published.After(*watermark) {
			selected = append(selected, entry)
		}
	}

	return selected
}

// Dated drops entries that carry no publish time
func Dated(entries []models.FeedEntry) []models.FeedEntry {
	dated := make([]models.FeedEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Published != nil {
			dated = append(dated, entry)
		}
	}
	return dated
}
