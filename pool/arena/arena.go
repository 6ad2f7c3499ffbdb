// Package arena owns the contiguous byte buffer a pool carves into blocks,
// together with the arena-wide state that is not stored in block headers:
// the handle counter, the expand switch, the compaction event mask and the
// number of pinned blocks.
package arena

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/joshuapare/handlepool/internal/format"
	"github.com/joshuapare/handlepool/pool/dirty"
)

// Config describes the arena to open.
type Config struct {
	Mode     Mode
	Capacity int // Bytes; must be a multiple of format.BlockUnit

	// ModeFile only.
	Path      string
	PageSize  int             // Dirty tracking granularity, 0 = OS page size
	FlushMode dirty.FlushMode // Durability of Flush
}

// Arena is the backing store plus its bookkeeping. It is not safe for
// concurrent use; the owning pool serializes access.
type Arena struct {
	mode    Mode
	backing backing

	nextHandle uint64
	expand     bool
	defrag     Event
	acquired   int
}

// Open allocates the backing store described by cfg.
func Open(cfg Config) (*Arena, error) {
	if cfg.Capacity < format.BlockUnit || cfg.Capacity%format.BlockUnit != 0 || cfg.Capacity > format.MaxCapacity {
		return nil, fmt.Errorf("arena: invalid capacity %d", cfg.Capacity)
	}

	var b backing
	switch cfg.Mode {
	case ModeFixed, ModeGrowable:
		b = newHeap(cfg.Capacity, cfg.Mode == ModeGrowable)
	case ModeFile:
		fb, err := newFile(cfg.Path, cfg.Capacity, cfg.PageSize, cfg.FlushMode)
		if err != nil {
			return nil, err
		}
		b = fb
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMode, cfg.Mode)
	}

	return &Arena{
		mode:       cfg.Mode,
		backing:    b,
		nextHandle: 1,
	}, nil
}

// Mode returns the backing mode.
func (a *Arena) Mode() Mode { return a.mode }

// Bytes returns the arena buffer. The slice is invalidated by Grow.
func (a *Arena) Bytes() []byte {
	if a.backing == nil {
		return nil
	}
	return a.backing.bytes()
}

// Capacity returns the arena size in bytes.
func (a *Arena) Capacity() int { return len(a.Bytes()) }

// Base returns the address of the first arena byte, or 0 when closed.
func (a *Arena) Base() uintptr {
	b := a.Bytes()
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// Grow resizes the arena to newCapacity bytes and reports whether the base
// address changed. The added bytes are zero and not yet linked into the block
// chain.
func (a *Arena) Grow(newCapacity int) (moved bool, err error) {
	if a.backing == nil {
		return false, ErrClosed
	}
	if newCapacity%format.BlockUnit != 0 || newCapacity > format.MaxCapacity {
		return false, fmt.Errorf("arena: invalid capacity %d", newCapacity)
	}
	oldBase := a.Base()
	if err := a.backing.grow(newCapacity); err != nil {
		return false, err
	}
	return a.Base() != oldBase, nil
}

// Dirty returns the dirty page tracker of a file arena, or nil.
func (a *Arena) Dirty() *dirty.Tracker {
	if fb, ok := a.backing.(*fileBacking); ok {
		return fb.dirty
	}
	return nil
}

// Path returns the backing file of a file arena.
func (a *Arena) Path() string {
	if fb, ok := a.backing.(*fileBacking); ok {
		return fb.f.Name()
	}
	return ""
}

// Flush writes dirty pages of a file arena to disk. It is a no-op for heap
// arenas.
func (a *Arena) Flush(ctx context.Context) error {
	if a.backing == nil {
		return ErrClosed
	}
	return a.backing.flush(ctx)
}

// Close releases the backing store. It is safe to call more than once.
func (a *Arena) Close() error {
	if a.backing == nil {
		return nil
	}
	err := a.backing.close()
	a.backing = nil
	return err
}

// NextHandle returns a fresh handle. Handles start at 1 and are never reused.
func (a *Arena) NextHandle() uint64 {
	h := a.nextHandle
	a.nextHandle++
	return h
}

// PeekHandle returns the handle the next NextHandle call will return.
func (a *Arena) PeekHandle() uint64 { return a.nextHandle }

// ResumeHandles makes the counter continue at next, if that is ahead of it.
func (a *Arena) ResumeHandles(next uint64) {
	if next > a.nextHandle {
		a.nextHandle = next
	}
}

// ExpandEnabled reports whether the arena may grow on demand.
func (a *Arena) ExpandEnabled() bool { return a.expand }

// SetExpand sets the expand bit.
func (a *Arena) SetExpand(on bool) { a.expand = on }

// DefragMask returns the events that trigger a compaction pass.
func (a *Arena) DefragMask() Event { return a.defrag }

// SetDefragMask replaces the defrag event mask.
func (a *Arena) SetDefragMask(e Event) { a.defrag = e }

// DefragOn reports whether e is in the defrag mask.
func (a *Arena) DefragOn(e Event) bool { return a.defrag.Has(e) }

// Acquired returns the number of pinned blocks.
func (a *Arena) Acquired() int { return a.acquired }

// Pin and Unpin track the number of acquired blocks.
func (a *Arena) Pin() { a.acquired++ }

func (a *Arena) Unpin() {
	if a.acquired > 0 {
		a.acquired--
	}
}
