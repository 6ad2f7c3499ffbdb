package ledger

import (
	"fmt"

	"github.com/joshuapare/handlepool/internal/format"
)

// Split carves size payload bytes off the front of b and turns the remainder
// into a trailing free block. Nothing happens when the remainder would be
// smaller than format.BlockUnit; the slack stays attached to b.
//
// size must already be 8-byte aligned. Returns the updated b and, if a split
// happened, the new tail.
func (l *Ledger) Split(b Block, size uint32) (Block, Block, bool) {
	if size > b.Size {
		return b, Block{}, false
	}
	rem := int(b.Size - size)
	if rem < format.BlockUnit {
		return b, Block{}, false
	}

	tail := Block{Off: b.PayloadOff() + int(size), Header: format.Header{
		Size:  uint32(rem - format.HeaderSize),
		Back:  uint32(format.HeaderSize) + size,
		Flags: b.Flags & format.FlagLast,
	}}
	b.Size = size
	b.Flags &^= format.FlagLast

	if b.Allocated() {
		// The tail payload held live bytes; free payloads are zero.
		l.zero(tail.PayloadOff(), int(tail.Size))
	}
	l.put(b)
	l.put(tail)
	l.fixNextBack(tail)
	return b, tail, true
}

// MergeWithNext absorbs the free block following b into b. b itself may be
// allocated (a resize growing in place). The absorbed header bytes are zeroed.
func (l *Ledger) MergeWithNext(b Block) (Block, bool) {
	next, ok := l.Next(b)
	if !ok || !next.Free() {
		return b, false
	}
	b.Size += uint32(next.Span())
	b.Flags |= next.Flags & format.FlagLast
	l.zero(next.Off, format.HeaderSize)
	l.put(b)
	l.fixNextBack(b)
	return b, true
}

// MergeWithPrev absorbs the free block b into its free predecessor and
// returns the merged block.
func (l *Ledger) MergeWithPrev(b Block) (Block, bool) {
	if !b.Free() {
		return b, false
	}
	prev, ok := l.Prev(b)
	if !ok || !prev.Free() {
		return b, false
	}
	return l.MergeWithNext(prev)
}

// MergeFree merges a free block with both neighbours when they are free.
// Allocated blocks are returned unchanged.
func (l *Ledger) MergeFree(b Block) Block {
	if !b.Free() {
		return b
	}
	b, _ = l.MergeWithNext(b)
	b, _ = l.MergeWithPrev(b)
	return b
}

// Claim marks the free block b as allocated under handle. The payload is
// already zero.
func (l *Ledger) Claim(b Block, handle uint64) Block {
	b.Handle = handle
	b.Flags = format.FlagAllocated | b.Flags&format.FlagLast
	l.put(b)
	return b
}

// Clear zero-fills the payload of b and marks it free. Neighbours are not
// merged; call MergeFree for that.
func (l *Ledger) Clear(b Block) Block {
	l.zero(b.PayloadOff(), int(b.Size))
	b.Handle = 0
	b.Flags &= format.FlagLast
	l.put(b)
	return b
}

// SetAcquired sets or clears the pin of an allocated block.
func (l *Ledger) SetAcquired(b Block, on bool) Block {
	if on {
		b.Flags |= format.FlagAcquired
	} else {
		b.Flags &^= format.FlagAcquired
	}
	l.put(b)
	return b
}

// Move copies the payload of the allocated block src into the free block
// dst, transfers the handle and state, then frees src and merges it with its
// free neighbours. dst keeps its own size; callers split it afterwards if it
// is larger than needed.
func (l *Ledger) Move(src, dst Block) (Block, error) {
	switch {
	case src.Free():
		return dst, fmt.Errorf("ledger: move from free block at %d", src.Off)
	case !dst.Free():
		return dst, fmt.Errorf("ledger: move into allocated block at %d", dst.Off)
	case dst.Size < src.Size:
		return dst, fmt.Errorf("ledger: move of %d bytes into %d-byte block", src.Size, dst.Size)
	}

	copy(l.buf[dst.PayloadOff():dst.PayloadOff()+int(src.Size)], l.buf[src.PayloadOff():src.PayloadOff()+int(src.Size)])
	l.touch(dst.PayloadOff(), int(src.Size))

	dst.Handle = src.Handle
	dst.Flags = src.Flags&^format.FlagLast | dst.Flags&format.FlagLast
	l.put(dst)

	l.MergeFree(l.Clear(src))
	return dst, nil
}

// Shift slides the allocated block following the free block f down into f's
// position, so the free space ends up after it. It is the compactor's
// fallback when no relocation donor fits into f. Returns the moved block and
// the free block after it (already merged with its free neighbours).
func (l *Ledger) Shift(f Block) (Block, Block, error) {
	if !f.Free() {
		return Block{}, Block{}, fmt.Errorf("ledger: shift into allocated block at %d", f.Off)
	}
	n, ok := l.Next(f)
	if !ok {
		return Block{}, Block{}, fmt.Errorf("ledger: shift past last block at %d", f.Off)
	}
	if n.Free() {
		merged, _ := l.MergeWithNext(f)
		return Block{}, merged, nil
	}

	// Source and destination overlap when n is larger than f; copy is memmove.
	copy(l.buf[f.PayloadOff():f.PayloadOff()+int(n.Size)], l.buf[n.PayloadOff():n.PayloadOff()+int(n.Size)])

	moved := Block{Off: f.Off, Header: format.Header{
		Handle: n.Handle,
		Size:   n.Size,
		Back:   f.Back,
		Flags:  n.Flags &^ format.FlagLast,
	}}
	gap := Block{Off: moved.End(), Header: format.Header{
		Size:  f.Size,
		Back:  uint32(moved.Span()),
		Flags: n.Flags & format.FlagLast,
	}}
	l.touch(f.PayloadOff(), int(n.Size))
	l.zero(gap.Off, gap.Span())
	l.put(moved)
	l.put(gap)
	l.fixNextBack(gap)
	return moved, l.MergeFree(gap), nil
}

// Extend links the bytes between oldCapacity and the current buffer length
// into the chain after the arena grew. A free last block absorbs them;
// otherwise a new free last block is appended. The new bytes must be zero.
// A chain that does not end at oldCapacity is reported, not repaired.
func (l *Ledger) Extend(oldCapacity int) (Block, error) {
	delta := len(l.buf) - oldCapacity
	if delta < 0 || delta%format.BlockUnit != 0 || (delta > 0 && delta < format.BlockUnit) {
		return Block{}, fmt.Errorf("ledger: cannot extend by %d bytes", delta)
	}
	if err := checkCapacity(len(l.buf)); err != nil {
		return Block{}, err
	}
	last, err := l.lastWithin(oldCapacity)
	if err != nil {
		return Block{}, err
	}
	if delta == 0 {
		return last, nil
	}

	if last.Free() {
		last.Size += uint32(delta)
		l.put(last)
		return last, nil
	}

	last.Flags &^= format.FlagLast
	l.put(last)
	tail := Block{Off: oldCapacity, Header: format.Header{
		Size:  uint32(delta - format.HeaderSize),
		Back:  uint32(last.Span()),
		Flags: format.FlagLast,
	}}
	l.put(tail)
	return tail, nil
}

// lastWithin walks the chain with checked reads and returns the last block,
// which must end exactly at limit.
func (l *Ledger) lastWithin(limit int) (Block, error) {
	off := 0
	for {
		b, err := l.read(off)
		if err != nil {
			return Block{}, err
		}
		if b.Last() {
			if b.End() != limit {
				return Block{}, corrupt(b.Off, "last block ends at %d, want %d", b.End(), limit)
			}
			return b, nil
		}
		if b.End() >= limit {
			return Block{}, corrupt(b.Off, "chain runs past %d without a last block", limit)
		}
		off = b.End()
	}
}
