package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/joshuapare/handlepool/internal/format"
	"github.com/joshuapare/handlepool/pool/arena"
	"github.com/joshuapare/handlepool/pool/ledger"
)

// Handle identifies an allocated block. Handles are unique for the lifetime
// of a pool and never reused. The zero Handle is never valid.
type Handle uint64

type state uint8

const (
	stateUninitialized state = iota
	stateInitialized
	stateDestroyed
)

// Pool is a handle-based allocator over a single arena. The zero value is an
// uninitialized pool ready for Init.
type Pool struct {
	mu    sync.Mutex
	state state

	opts    options
	log     *slog.Logger
	arena   *arena.Arena
	ledger  *ledger.Ledger
	limiter *rate.Limiter

	// reserved is the capacity charged to opts.budget.
	reserved int

	counters counters
}

// New returns an initialized pool. See Init.
func New(mode Mode, size int, opts ...Option) (*Pool, error) {
	p := &Pool{}
	if err := p.Init(mode, size, opts...); err != nil {
		return nil, err
	}
	return p, nil
}

// Init creates the arena of at least size bytes (rounded up to the block
// unit) as a single free block. A pool can be initialized once.
func (p *Pool) Init(mode Mode, size int, opts ...Option) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateUninitialized {
		return ErrAlreadyInitialized
	}
	if size <= 0 || size > format.MaxCapacity {
		return fmt.Errorf("%w: size %d", ErrInvalidParameter, size)
	}
	if err := p.open(mode, format.AlignUnit(size), opts); err != nil {
		return err
	}

	l, err := ledger.Format(p.arena.Bytes(), p.dirtyTracker())
	if err != nil {
		_ = p.teardown()
		return wrap(ErrInvalidParameter, err)
	}
	p.ledger = l
	p.state = stateInitialized
	p.log.Debug("pool initialized",
		"mode", mode, "capacity", p.arena.Capacity(), "alignment", p.opts.alignment)
	return nil
}

// open applies opts and allocates the arena without formatting it.
func (p *Pool) open(mode Mode, capacity int, opts []Option) error {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if mode == ModeShared {
		return fmt.Errorf("%w: %s", ErrUnsupportedMode, mode)
	}
	if mode > ModeShared {
		return fmt.Errorf("%w: mode %d", ErrInvalidParameter, mode)
	}
	if err := o.validate(mode); err != nil {
		return err
	}
	if capacity > format.MaxCapacity {
		return fmt.Errorf("%w: capacity %d", ErrInvalidParameter, capacity)
	}

	if err := o.budget.reserve(capacity); err != nil {
		return wrap(ErrNotEnoughMemory, err)
	}
	a, err := arena.Open(arena.Config{
		Mode:      mode,
		Capacity:  capacity,
		Path:      o.path,
		PageSize:  o.pageSize,
		FlushMode: o.flushMode,
	})
	if err != nil {
		o.budget.release(capacity)
		return wrap(ErrBackingStore, err)
	}
	a.SetExpand(o.expand)
	a.SetDefragMask(o.defrag)

	p.opts = o
	p.arena = a
	p.reserved = capacity
	p.log = o.logger
	if p.log == nil {
		p.log = slog.New(slog.DiscardHandler)
	}
	if o.defragLimit != rate.Inf {
		p.limiter = rate.NewLimiter(o.defragLimit, max(o.defragBurst, 1))
	}
	return nil
}

func (p *Pool) dirtyTracker() ledger.DirtyTracker {
	if t := p.arena.Dirty(); t != nil {
		return t
	}
	return nil
}

// ready reports whether the pool accepts operations. Callers hold mu.
func (p *Pool) ready() error {
	if p.state != stateInitialized {
		return ErrNotInitialized
	}
	return nil
}

// payloadSize validates a requested size and rounds it to the alignment.
func payloadSize(size int) (uint32, error) {
	if size <= 0 || size > format.MaxCapacity-format.HeaderSize {
		return 0, fmt.Errorf("%w: size %d", ErrInvalidParameter, size)
	}
	return uint32(format.Align8(size)), nil
}

// Allocate reserves a block of at least size bytes and returns its handle.
func (p *Pool) Allocate(size int) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ready(); err != nil {
		return 0, err
	}
	need, err := payloadSize(size)
	if err != nil {
		return 0, err
	}
	b, err := p.reserve(need)
	if err != nil {
		return 0, err
	}

	b, _, _ = p.ledger.Split(b, need)
	b = p.ledger.Claim(b, p.arena.NextHandle())
	p.counters.allocs++
	p.maybeCompact(DefragOnAllocate)
	return Handle(b.Handle), nil
}

// Free zero-fills the block of h and returns it to the free space.
func (p *Pool) Free(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ready(); err != nil {
		return err
	}
	b, err := p.lookup(h)
	if err != nil {
		return err
	}
	if b.Acquired() {
		return ErrIDIsAcquired
	}
	p.ledger.MergeFree(p.ledger.Clear(b))
	p.counters.frees++
	p.maybeCompact(DefragOnFree)
	return nil
}

// Acquire pins the block of h and returns its payload. The slice aliases the
// arena and stays valid until Release; the block cannot move while pinned.
func (p *Pool) Acquire(h Handle) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ready(); err != nil {
		return nil, err
	}
	// The pass only moves unpinned blocks, so it runs before the lookup.
	p.maybeCompact(DefragOnAcquire)

	b, err := p.lookup(h)
	if err != nil {
		return nil, err
	}
	if b.Acquired() {
		return nil, ErrIDIsAcquired
	}
	b = p.ledger.SetAcquired(b, true)
	p.arena.Pin()
	p.counters.acquires++
	return p.ledger.Payload(b), nil
}

// Release unpins the block of h. Its payload may move afterwards.
func (p *Pool) Release(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ready(); err != nil {
		return err
	}
	b, err := p.lookup(h)
	if err != nil {
		return err
	}
	if !b.Acquired() {
		return ErrIDIsNotAcquired
	}
	b = p.ledger.SetAcquired(b, false)
	p.arena.Unpin()
	if t := p.arena.Dirty(); t != nil {
		// The caller may have written the payload while it was pinned.
		t.Add(b.PayloadOff(), int(b.Size))
	}
	p.counters.releases++
	p.maybeCompact(DefragOnRelease)
	return nil
}

// Resize changes the payload size of h's block, keeping its content up to
// the smaller of the two sizes. The returned handle always equals h; the
// block may have moved.
func (p *Pool) Resize(h Handle, size int) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ready(); err != nil {
		return 0, err
	}
	need, err := payloadSize(size)
	if err != nil {
		return 0, err
	}
	b, err := p.lookup(h)
	if err != nil {
		return 0, err
	}
	if b.Acquired() {
		return 0, ErrIDIsAcquired
	}

	switch {
	case need == b.Size:
		return h, nil
	case need < b.Size:
		if int(b.Size-need) < format.BlockUnit {
			return 0, ErrResizeTooSmall
		}
		_, tail, _ := p.ledger.Split(b, need)
		p.ledger.MergeFree(tail)
	default:
		if err := p.grow(h, b, need); err != nil {
			return 0, err
		}
	}

	p.counters.resizes++
	p.maybeCompact(DefragOnResize)
	return h, nil
}

// grow enlarges b to need bytes, in place if the next block is free and
// large enough, otherwise by moving it into a block found by reserve.
func (p *Pool) grow(h Handle, b ledger.Block, need uint32) error {
	if next, ok := p.ledger.Next(b); ok && next.Free() && int(b.Size)+next.Span() >= int(need) {
		b, _ = p.ledger.MergeWithNext(b)
		if _, tail, ok := p.ledger.Split(b, need); ok {
			p.ledger.MergeFree(tail)
		}
		return nil
	}

	dst, err := p.reserve(need)
	if err != nil {
		return err
	}
	// Compaction or growth inside reserve may have moved the source.
	src, err := p.lookup(h)
	if err != nil {
		return err
	}
	dst, err = p.ledger.Move(src, dst)
	if err != nil {
		return wrap(ErrCorruptArena, err)
	}
	if _, tail, ok := p.ledger.Split(dst, need); ok {
		p.ledger.MergeFree(tail)
	}
	return nil
}

// reserve returns a free block of at least need bytes, escalating through
// compaction and growth as enabled.
func (p *Pool) reserve(need uint32) (ledger.Block, error) {
	if b, ok := p.find(need); ok {
		return b, nil
	}

	if p.arena.DefragOn(DefragOnAllocate) {
		if err := p.compactFull(); err != nil {
			return ledger.Block{}, err
		}
		if b, ok := p.find(need); ok {
			return b, nil
		}
		if !p.arena.ExpandEnabled() {
			return ledger.Block{}, ErrNotEnoughMemoryAfterDefrag
		}
	}

	if p.arena.ExpandEnabled() {
		b, err := p.growFor(need)
		if err != nil {
			p.log.Warn("expand failed", "need", need, "capacity", p.arena.Capacity(), "error", err)
			return ledger.Block{}, wrap(ErrNotEnoughMemoryAfterExpand, err)
		}
		return b, nil
	}
	return ledger.Block{}, ErrNotEnoughMemory
}

func (p *Pool) find(need uint32) (ledger.Block, bool) {
	if p.opts.fit == FitBest {
		return p.ledger.FindBestFit(need)
	}
	return p.ledger.FindFree(need)
}

func (p *Pool) lookup(h Handle) (ledger.Block, error) {
	b, ok := p.ledger.FindByHandle(uint64(h))
	if !ok {
		return ledger.Block{}, ErrInvalidID
	}
	return b, nil
}

// Destroy releases the arena. Blocks still allocated or acquired are
// reported as ErrDestroyedAllocatedMemory or ErrDestroyedAcquiredMemory,
// but the arena is released either way and the pool becomes unusable.
//
// Destroy is terminal: a second call returns ErrNotInitialized even when the
// first one succeeded, since there is no arena left to release.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ready(); err != nil {
		return err
	}

	s := p.ledger.Summarize()
	var diag error
	switch {
	case s.AcquiredBlocks > 0:
		diag = ErrDestroyedAcquiredMemory
	case s.AllocatedBlocks > 0:
		diag = ErrDestroyedAllocatedMemory
	}
	if diag != nil {
		p.log.Warn("destroying pool with live blocks",
			"allocated", s.AllocatedBlocks, "acquired", s.AcquiredBlocks)
	}

	err := p.teardown()
	p.state = stateDestroyed
	if diag != nil {
		return diag
	}
	if err != nil {
		return wrap(ErrBackingStore, err)
	}
	return nil
}

// teardown closes the arena and returns its budget.
func (p *Pool) teardown() error {
	if p.arena == nil {
		return nil
	}
	err := p.arena.Close()
	p.opts.budget.release(p.reserved)
	p.reserved = 0
	p.arena = nil
	p.ledger = nil
	return err
}

// Flush writes the dirty pages of a file arena to disk. Heap arenas have
// nothing to flush.
func (p *Pool) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ready(); err != nil {
		return err
	}
	if err := p.arena.Flush(ctx); err != nil {
		return wrap(ErrBackingStore, err)
	}
	return nil
}

// OnRemap replaces the remap callback. nil removes it.
func (p *Pool) OnRemap(fn func(AddressMap)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts.onRemap = fn
}

// OnSizeChange replaces the growth callback. nil removes it.
func (p *Pool) OnSizeChange(fn func(newCapacity int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts.onSizeChange = fn
}

// ExpandEnable allows the arena to grow when allocation runs out of space.
func (p *Pool) ExpandEnable() error { return p.setExpand(true) }

// ExpandDisable forbids arena growth.
func (p *Pool) ExpandDisable() error { return p.setExpand(false) }

func (p *Pool) setExpand(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ready(); err != nil {
		return err
	}
	p.arena.SetExpand(on)
	return nil
}
