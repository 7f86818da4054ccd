// Package post turns feed entries into posts ready for a destination.
package post

import (
	"context"

	"rss2social/media"
	"rss2social/models"

	log "github.com/sirupsen/logrus"
)

// AltSuffix is appended to the entry title to form the image alt text
const AltSuffix = " Thumbnail"

// ImageResolver produces an image payload under a byte ceiling
type ImageResolver interface {
	Resolve(ctx context.Context, url string, ceiling int64) (*media.Image, error)
}

// FromEntry builds a post for a destination that accepts images up to ceiling
// bytes. A ceiling of zero or less means the destination takes no image.
// Image problems are logged and leave the post without an image.
func FromEntry(ctx context.Context, entry models.FeedEntry, resolver ImageResolver, ceiling int64) *models.Post {
	p := &models.Post{
		Title:       entry.Title,
		Description: entry.Summary,
		Link:        entry.Link,
	}

	if entry.MediaURL == "" || ceiling <= 0 || resolver == nil {
		return p
	}

	img, err := resolver.Resolve(ctx, entry.MediaURL, ceiling)
	if err != nil {
		log.WithFields(log.Fields{
			"title":   entry.Title,
			"media":   entry.MediaURL,
			"ceiling": ceiling,
			"error":   err,
		}).Warn("Posting without image")
		return p
	}

	p.Image = img
	p.ImageAlt = entry.Title + AltSuffix
	return p
}
