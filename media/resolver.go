package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // Register the GIF decoder
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // Register the WebP decoder
)

const (
	// DefaultCeiling applies when a destination does not state its own limit
	DefaultCeiling int64 = 1 << 20

	DefaultTimeout     = 30 * time.Second
	DefaultMaxDownload = 20 << 20
	DefaultJPEGQuality = 85

	userAgent = "rss2social/1.0 (+https://github.com/rss2social/rss2social)"
	cacheSize = 32
)

// DefaultHeights is the resize ladder, tallest first
var DefaultHeights = []int{720, 480, 360, 240}

var (
	ErrImageTooLarge    = errors.New("image too large")
	ErrNotImage         = errors.New("payload is not a supported image")
	ErrDownloadTooLarge = errors.New("download exceeds size limit")
	ErrReleased         = errors.New("image already released")
)

// Format is the encoding used when an image has to be re-encoded
type Format string

const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	}
	return "", fmt.Errorf("unknown image format %q", s)
}

func (f Format) contentType() string {
	if f == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

// Resolver downloads images and shrinks them until they fit a byte ceiling
type Resolver struct {
	client      *http.Client
	heights     []int
	format      Format
	quality     int
	tempDir     string
	maxDownload int64
	cache       *lru.Cache[string, []byte]
}

type Option func(*Resolver)

func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

// WithHeights sets the resize ladder. Heights must be strictly decreasing.
func WithHeights(heights []int) Option {
	return func(r *Resolver) { r.heights = heights }
}

func WithFormat(f Format) Option {
	return func(r *Resolver) { r.format = f }
}

func WithQuality(q int) Option {
	return func(r *Resolver) { r.quality = q }
}

func WithTempDir(dir string) Option {
	return func(r *Resolver) { r.tempDir = dir }
}

func WithMaxDownload(n int64) Option {
	return func(r *Resolver) { r.maxDownload = n }
}

func NewResolver(opts ...Option) (*Resolver, error) {
	r := &Resolver{
		client:      &http.Client{Timeout: DefaultTimeout},
		heights:     DefaultHeights,
		format:      FormatJPEG,
		quality:     DefaultJPEGQuality,
		maxDownload: DefaultMaxDownload,
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := validateHeights(r.heights); err != nil {
		return nil, err
	}

	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create download cache: %w", err)
	}
	r.cache = cache

	return r, nil
}

func validateHeights(heights []int) error {
	if len(heights) < 3 {
		return fmt.Errorf("resize ladder needs at least 3 heights, got %d", len(heights))
	}
	for i, h := range heights {
		if h <= 0 {
			return fmt.Errorf("resize height must be positive, got %d", h)
		}
		if i > 0 && h >= heights[i-1] {
			return fmt.Errorf("resize ladder must be strictly decreasing: %v", heights)
		}
	}
	return nil
}

// Resolve fetches the image at url and returns a payload no larger than ceiling
// bytes, stored in a temporary file owned by the caller.
func (r *Resolver) Resolve(ctx context.Context, url string, ceiling int64) (*Image, error) {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}

	raw, err := r.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	fitted, err := r.Fit(raw, ceiling)
	if err != nil {
		return nil, err
	}

	return r.store(fitted)
}

// Fetch downloads url, serving repeated requests from an in-memory cache
func (r *Resolver) Fetch(ctx context.Context, url string) ([]byte, error) {
	if raw, ok := r.cache.Get(url); ok {
		return raw, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create image request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch image: unexpected status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, r.maxDownload+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(raw)) > r.maxDownload {
		return nil, ErrDownloadTooLarge
	}

	r.cache.Add(url, raw)
	return raw, nil
}

// Fitted is an encoded image that satisfies a ceiling
type Fitted struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// Fit returns raw unchanged when it is already within ceiling, otherwise walks
// the resize ladder and returns the first re-encoding at or under ceiling.
func (r *Resolver) Fit(raw []byte, ceiling int64) (*Fitted, error) {
	cfg, kind, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}

	if int64(len(raw)) <= ceiling {
		return &Fitted{
			Data:        raw,
			ContentType: "image/" + kind,
			Width:       cfg.Width,
			Height:      cfg.Height,
		}, nil
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}

	bounds := src.Bounds()
	lastHeight := 0
	for _, height := range r.heights {
		width, target := scaledSize(bounds.Dx(), bounds.Dy(), height)
		if target == lastHeight {
			// Source is shorter than this rung too, re-encoding gives the same result
			continue
		}
		lastHeight = target

		data, err := r.encode(scale(src, width, target))
		if err != nil {
			return nil, err
		}

		log.WithFields(log.Fields{
			"height":  target,
			"width":   width,
			"size":    len(data),
			"ceiling": ceiling,
		}).Debug("Re-encoded image")

		if int64(len(data)) <= ceiling {
			return &Fitted{
				Data:        data,
				ContentType: r.format.contentType(),
				Width:       width,
				Height:      target,
			}, nil
		}
	}

	return nil, ErrImageTooLarge
}

// scaledSize fits w x h to the given height keeping the aspect ratio. Images
// are never upscaled.
func scaledSize(w, h, height int) (int, int) {
	if h <= height {
		return w, h
	}
	width := w * height / h
	if width < 1 {
		width = 1
	}
	return width, height
}

func scale(src image.Image, width, height int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	// JPEG has no alpha channel so flatten onto white
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)
	return dst
}

func (r *Resolver) encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch r.format {
	case FormatPNG:
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		err = enc.Encode(&buf, img)
	default:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: r.quality})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Resolver) store(f *Fitted) (*Image, error) {
	file, err := os.CreateTemp(r.tempDir, "rss2social-*"+extension(f.ContentType))
	if err != nil {
		return nil, fmt.Errorf("failed to create image file: %w", err)
	}

	if _, err := file.Write(f.Data); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, fmt.Errorf("failed to write image file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return nil, fmt.Errorf("failed to close image file: %w", err)
	}

	return &Image{
		Path:        file.Name(),
		Size:        int64(len(f.Data)),
		ContentType: f.ContentType,
		Width:       f.Width,
		Height:      f.Height,
	}, nil
}

func extension(contentType string) string {
	switch contentType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
