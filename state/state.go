// Package state persists the per-feed watermarks between runs.
package state

import (
	"context"
	"errors"
	"strings"
	"time"

	"rss2social/db"
)

// ErrNoLocation is returned when no storage location is configured
var ErrNoLocation = errors.New("watermark store location is not set")

// Watermarks maps a feed URL to the instant the feed was last processed.
// A missing key means the feed has never been processed.
type Watermarks map[string]time.Time

// Get returns the watermark for feedURL, or nil if the feed was never processed
func (w Watermarks) Get(feedURL string) *time.Time {
	t, ok := w[feedURL]
	if !ok {
		return nil
	}
	return &t
}

// Advance records at for feedURL unless a later watermark is already stored
func (w Watermarks) Advance(feedURL string, at time.Time) {
	if prev, ok := w[feedURL]; ok && !at.After(prev) {
		return
	}
	w[feedURL] = at
}

func (w Watermarks) Clone() Watermarks {
	c := make(Watermarks, len(w))
	for k, v := range w {
		c[k] = v
	}
	return c
}

// Store loads and saves watermarks
type Store interface {
	// Load returns an empty map when nothing has been stored yet
	Load(ctx context.Context) (Watermarks, error)
	// Save either writes all of wm or leaves the previous state untouched
	Save(ctx context.Context, wm Watermarks) error
	// Location describes where state lives, for logging
	Location() string
	Close() error
}

// Open picks a backend from the location. SQLite is used for "sqlite://"
// locations and .db, .sqlite or .sqlite3 files; anything else is a JSON file.
func Open(location string) (Store, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, ErrNoLocation
	}

	if path, ok := SQLitePath(location); ok {
		s, err := db.Open(path)
		if err != nil {
			return nil, err
		}
		return &sqliteStore{db: s}, nil
	}

	return NewFileStore(location), nil
}

// SQLitePath returns the database path when location names a SQLite store
func SQLitePath(location string) (string, bool) {
	if path, ok := strings.CutPrefix(location, "sqlite://"); ok {
		return path, true
	}
	for _, ext := range []string{".db", ".sqlite", ".sqlite3"} {
		if strings.HasSuffix(strings.ToLower(location), ext) {
			return location, true
		}
	}
	return "", false
}

// sqliteStore adapts db.DB to the Store interface
type sqliteStore struct {
	db *db.DB
}

func (s *sqliteStore) Load(ctx context.Context) (Watermarks, error) {
	rows, err := s.db.LoadWatermarks(ctx)
	if err != nil {
		return nil, err
	}
	return Watermarks(rows), nil
}

func (s *sqliteStore) Save(ctx context.Context, wm Watermarks) error {
	return s.db.SaveWatermarks(ctx, wm)
}

func (s *sqliteStore) Location() string {
	return "sqlite://" + s.db.Path()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
