package pool

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/joshuapare/handlepool/pool/ledger"
)

type counters struct {
	allocs, frees, resizes uint64
	acquires, releases     uint64
	passes, moves, shifts  uint64
	throttled              uint64
	grows, remaps          uint64
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Mode      Mode
	Alignment Alignment
	Fit       Fit
	Capacity  int
	Expand    bool
	Defrag    Event
	Path      string // File arenas only

	Blocks           int
	FreeBlocks       int
	AllocatedBlocks  int
	AcquiredBlocks   int
	AvailableTotal   int
	AvailableLargest int
	UsedTotal        int
	UsedLargest      int
	Fragmentation    float64 // 1 - AvailableLargest/AvailableTotal
	NextHandle       Handle
	DirtyPages       int // File arenas only

	Allocs          uint64
	Frees           uint64
	Resizes         uint64
	Acquires        uint64
	Releases        uint64
	Passes          uint64
	Moves           uint64
	Shifts          uint64
	ThrottledPasses uint64
	Grows           uint64
	Remaps          uint64
}

// Stats returns a snapshot of the pool state and its operation counters.
func (p *Pool) Stats() (Stats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ready(); err != nil {
		return Stats{}, err
	}
	s := p.ledger.Summarize()
	st := Stats{
		Mode:      p.arena.Mode(),
		Alignment: p.opts.alignment,
		Fit:       p.opts.fit,
		Capacity:  p.arena.Capacity(),
		Expand:    p.arena.ExpandEnabled(),
		Defrag:    p.arena.DefragMask(),
		Path:      p.arena.Path(),

		Blocks:           s.Blocks,
		FreeBlocks:       s.FreeBlocks,
		AllocatedBlocks:  s.AllocatedBlocks,
		AcquiredBlocks:   s.AcquiredBlocks,
		AvailableTotal:   s.AvailableTotal,
		AvailableLargest: s.AvailableLargest,
		UsedTotal:        s.UsedTotal,
		UsedLargest:      s.UsedLargest,
		Fragmentation:    s.Fragmentation(),
		NextHandle:       Handle(p.arena.PeekHandle()),

		Allocs:          p.counters.allocs,
		Frees:           p.counters.frees,
		Resizes:         p.counters.resizes,
		Acquires:        p.counters.acquires,
		Releases:        p.counters.releases,
		Passes:          p.counters.passes,
		Moves:           p.counters.moves,
		Shifts:          p.counters.shifts,
		ThrottledPasses: p.counters.throttled,
		Grows:           p.counters.grows,
		Remaps:          p.counters.remaps,
	}
	if t := p.arena.Dirty(); t != nil {
		st.DirtyPages = t.Len()
	}
	return st, nil
}

// BlockInfo describes one block of the arena.
type BlockInfo struct {
	Offset   int
	Handle   Handle
	Size     int
	Acquired bool
	Last     bool
}

// Free reports whether the block is unallocated.
func (b BlockInfo) Free() bool { return b.Handle == 0 }

// Blocks lists every block in arena order.
func (p *Pool) Blocks() ([]BlockInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ready(); err != nil {
		return nil, err
	}
	blocks := p.ledger.Blocks()
	out := make([]BlockInfo, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, BlockInfo{
			Offset:   b.Off,
			Handle:   Handle(b.Handle),
			Size:     int(b.Size),
			Acquired: b.Acquired(),
			Last:     b.Last(),
		})
	}
	return out, nil
}

// summary applies fn to a fresh summary, returning 0 when not initialized.
func (p *Pool) summary(fn func(ledger.Summary) int) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ready() != nil {
		return 0
	}
	return fn(p.ledger.Summarize())
}

// AvailableLargest returns the payload size of the largest free block.
func (p *Pool) AvailableLargest() int {
	return p.summary(func(s ledger.Summary) int { return s.AvailableLargest })
}

// AvailableTotal returns the free payload bytes.
func (p *Pool) AvailableTotal() int {
	return p.summary(func(s ledger.Summary) int { return s.AvailableTotal })
}

// UsedLargest returns the payload size of the largest allocated block.
func (p *Pool) UsedLargest() int {
	return p.summary(func(s ledger.Summary) int { return s.UsedLargest })
}

// UsedTotal returns the allocated payload bytes.
func (p *Pool) UsedTotal() int {
	return p.summary(func(s ledger.Summary) int { return s.UsedTotal })
}

// Capacity returns the arena size in bytes, 0 when not initialized.
func (p *Pool) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ready() != nil {
		return 0
	}
	return p.arena.Capacity()
}

// SizeOf returns the payload size of h's block. It can exceed the requested
// size by the alignment padding and by slack too small to split off.
func (p *Pool) SizeOf(h Handle) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ready(); err != nil {
		return 0, err
	}
	b, err := p.lookup(h)
	if err != nil {
		return 0, err
	}
	return int(b.Size), nil
}

// Checksum returns the xxhash64 of h's payload.
func (p *Pool) Checksum(h Handle) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ready(); err != nil {
		return 0, err
	}
	b, err := p.lookup(h)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(p.ledger.Payload(b)), nil
}

// Verify checks every block header and chain invariant.
func (p *Pool) Verify() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ready(); err != nil {
		return err
	}
	if err := p.ledger.Verify(); err != nil {
		return wrap(ErrCorruptArena, err)
	}
	if n := p.ledger.Summarize().AcquiredBlocks; n != p.arena.Acquired() {
		return wrap(ErrCorruptArena, fmt.Errorf("%d acquired blocks, %d pins counted", n, p.arena.Acquired()))
	}
	return nil
}
