package models

import (
	"time"

	"rss2social/media"
)

// FeedEntry is a single item read from an RSS or Atom feed. Published is nil
// when the feed carried no usable publish or update date.
type FeedEntry struct {
	Title     string     `json:"title"`
	Summary   string     `json:"summary"`
	Link      string     `json:"link"`
	MediaURL  string     `json:"mediaUrl,omitempty"`
	FeedURL   string     `json:"feedUrl"`
	Published *time.Time `json:"published,omitempty"`
}

// Post holds the fields every destination needs to publish an entry.
// A post owns its Image; call Release once no destination needs it.
type Post struct {
	Title       string
	Description string
	Link        string
	Image       *media.Image
	ImageAlt    string
}

// Release deletes the image backing file and drops the reference.
// It is safe to call more than once.
func (p *Post) Release() error {
	if p == nil || p.Image == nil {
		return nil
	}
	img := p.Image
	p.Image = nil
	p.ImageAlt = ""
	return img.Release()
}

// HasImage reports whether the post still owns an image payload
func (p *Post) HasImage() bool {
	return p != nil && p.Image != nil
}
