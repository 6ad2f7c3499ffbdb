// Package pool implements a handle-based memory pool over one contiguous
// arena of raw bytes.
//
// # Overview
//
// A Pool carves its arena into variable-sized blocks. Every block starts with
// an in-place header (see internal/format) and blocks form a chain that can be
// walked in both directions. Callers never see addresses directly; they get an
// opaque Handle from Allocate and translate it into bytes with Acquire. While
// a block is acquired it is pinned: the compactor will not move it and the
// arena will not grow. After Release the pool may relocate the payload at any
// time, so a slice returned by Acquire must not be used after Release.
//
// # Operations
//
//   - Allocate(size): first-fit search, then the escalation chain below
//   - Free(h): zero-fill the payload and coalesce with free neighbours
//   - Acquire(h) / Release(h): pin and unpin a block
//   - Resize(h, size): shrink in place, grow into a free neighbour, or move
//   - DefragNow(): compact until no block can be moved
//   - Destroy(): release the arena, reporting live blocks as diagnostics
//
// # Escalation
//
// When no free block is large enough, Allocate (and a growing Resize) tries
// in order:
//
//  1. compaction, if DefragOnAllocate is enabled (ErrNotEnoughMemoryAfterDefrag)
//  2. growing the arena, if expansion is enabled (ErrNotEnoughMemoryAfterExpand)
//  3. otherwise ErrNotEnoughMemory
//
// Growth is refused while any block is acquired. A growable heap arena is
// reallocated when it grows; the pool then delivers an AddressMap from every
// allocated payload's old address to its new one to the OnRemap callback
// before the operation returns.
//
// # Modes
//
//   - ModeFixed: heap buffer, never grows
//   - ModeGrowable: heap buffer, grows by reallocation
//   - ModeFile: memory-mapped file (WithFile), grows by truncate and remap,
//     Flush syncs dirty pages
//   - ModeShared: reserved, rejected with ErrUnsupportedMode
//
// # Usage Example
//
//	p, err := pool.New(pool.ModeGrowable, 4096, pool.WithExpand(true))
//	if err != nil {
//	    return err
//	}
//	defer p.Destroy()
//
//	h, err := p.Allocate(128)
//	if err != nil {
//	    return err
//	}
//	buf, err := p.Acquire(h)
//	if err != nil {
//	    return err
//	}
//	copy(buf, data)
//	_ = p.Release(h)
//
// # Thread Safety
//
// Every method takes the pool-wide lock for its whole duration. Callbacks run
// with the lock held and must not call back into the Pool.
package pool
