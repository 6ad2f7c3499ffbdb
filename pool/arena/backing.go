package arena

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/joshuapare/handlepool/internal/mmfile"
	"github.com/joshuapare/handlepool/pool/dirty"
)

var (
	// ErrFixed is returned when growing a fixed arena.
	ErrFixed = errors.New("arena: fixed arena cannot grow")

	// ErrUnsupportedMode is returned for modes without a backing implementation.
	ErrUnsupportedMode = errors.New("arena: unsupported mode")

	// ErrClosed is returned by operations on a closed arena.
	ErrClosed = errors.New("arena: closed")
)

// backing owns the bytes of an arena.
type backing interface {
	bytes() []byte
	// grow resizes the store to n bytes. Bytes past the old length are zero.
	grow(n int) error
	flush(ctx context.Context) error
	close() error
}

// heapBacking is a Go-allocated buffer.
type heapBacking struct {
	buf      []byte
	growable bool
}

func newHeap(size int, growable bool) *heapBacking {
	return &heapBacking{buf: make([]byte, size), growable: growable}
}

func (h *heapBacking) bytes() []byte { return h.buf }

func (h *heapBacking) grow(n int) error {
	if !h.growable {
		return ErrFixed
	}
	old := len(h.buf)
	if n <= old {
		return nil
	}
	h.buf = slices.Grow(h.buf, n-old)[:n]
	clear(h.buf[old:])
	return nil
}

func (h *heapBacking) flush(context.Context) error { return nil }

func (h *heapBacking) close() error {
	h.buf = nil
	return nil
}

// fileBacking is a shared mapping of a file with dirty page tracking.
type fileBacking struct {
	f     *mmfile.File
	dirty *dirty.Tracker
	mode  dirty.FlushMode
}

func newFile(path string, size, pageSize int, mode dirty.FlushMode) (*fileBacking, error) {
	if path == "" {
		return nil, fmt.Errorf("arena: file mode requires a path")
	}
	f, err := mmfile.Create(path, size)
	if err != nil {
		return nil, err
	}
	return &fileBacking{f: f, dirty: dirty.NewTracker(pageSize), mode: mode}, nil
}

func (fb *fileBacking) bytes() []byte { return fb.f.Bytes() }

func (fb *fileBacking) grow(n int) error {
	if n <= len(fb.f.Bytes()) {
		return nil
	}
	return fb.f.Resize(n)
}

func (fb *fileBacking) flush(ctx context.Context) error {
	return fb.dirty.Flush(ctx, fb.f.Bytes(), fb.f.Fd(), fb.mode)
}

func (fb *fileBacking) close() error {
	fb.dirty.Reset()
	return fb.f.Close()
}
