package media

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"sync"
)

// Image is a resolved image payload stored in a temporary file.
// The file exists until Release is called.
type Image struct {
	Path        string
	Size        int64
	ContentType string
	Width       int
	Height      int

	mu       sync.Mutex
	released bool
}

// Open returns a reader over the payload
func (i *Image) Open() (io.ReadCloser, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.released {
		return nil, ErrReleased
	}
	return os.Open(i.Path)
}

// Release removes the backing file. Calling it again is a no-op.
func (i *Image) Release() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.released {
		return nil
	}
	i.released = true
	if err := os.Remove(i.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Released reports whether Release has been called
func (i *Image) Released() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.released
}
