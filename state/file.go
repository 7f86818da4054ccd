package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/renameio/v2"
	log "github.com/sirupsen/logrus"
)

// FileStore keeps watermarks in a JSON object of feed URL to Unix seconds
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Location() string {
	return s.path
}

func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) Load(_ context.Context) (Watermarks, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		log.WithField("path", s.path).Info("No previous watermarks found")
		return Watermarks{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read watermarks: %w", err)
	}

	wm, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse watermarks %s: %w", s.path, err)
	}

	log.WithFields(log.Fields{
		"path":  s.path,
		"feeds": len(wm),
	}).Info("Loaded watermarks")

	return wm, nil
}

func (s *FileStore) Save(_ context.Context, wm Watermarks) error {
	data, err := encode(wm)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create watermark directory: %w", err)
		}
	}

	// renameio writes to a temporary file in the same directory and renames it
	// into place, so readers see either the old or the new file.
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write watermarks: %w", err)
	}

	log.WithFields(log.Fields{
		"path":  s.path,
		"feeds": len(wm),
	}).Info("Saved watermarks")

	return nil
}

func encode(wm Watermarks) ([]byte, error) {
	out := make(map[string]json.Number, len(wm))
	for feed, at := range wm {
		out[feed] = formatInstant(at)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode watermarks: %w", err)
	}
	return append(data, '\n'), nil
}

// formatInstant writes whole seconds as integers and keeps sub-second
// precision as a fraction, so fractional files written by older versions
// round-trip unchanged.
func formatInstant(at time.Time) json.Number {
	if at.Nanosecond() == 0 {
		return json.Number(strconv.FormatInt(at.Unix(), 10))
	}
	secs := float64(at.UnixNano()) / float64(time.Second)
	return json.Number(strconv.FormatFloat(secs, 'f', -1, 64))
}

// decode accepts integer or fractional Unix seconds as well as RFC 3339 strings
func decode(data []byte) (Watermarks, error) {
	wm := Watermarks{}
	if len(bytes.TrimSpace(data)) == 0 {
		return wm, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	for feed, value := range raw {
		at, err := parseInstant(value)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", feed, err)
		}
		wm[feed] = at
	}

	return wm, nil
}

func parseInstant(value any) (time.Time, error) {
	switch v := value.(type) {
	case json.Number:
		if secs, err := v.Int64(); err == nil {
			return time.Unix(secs, 0).UTC(), nil
		}
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q", v.String())
		}
		secs, frac := math.Modf(f)
		return time.Unix(int64(secs), int64(frac*float64(time.Second))).UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", v, err)
		}
		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp value %v", value)
	}
}
