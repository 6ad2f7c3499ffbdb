package ledger

import (
	"fmt"

	"github.com/joshuapare/handlepool/internal/buf"
	"github.com/joshuapare/handlepool/internal/format"
)

// DirtyTracker receives every byte range the ledger modifies.
type DirtyTracker interface {
	Add(off, length int)
}

// Block is a decoded header together with its offset in the arena.
type Block struct {
	Off int
	format.Header
}

// PayloadOff returns the offset of the first payload byte.
func (b Block) PayloadOff() int { return b.Off + format.HeaderSize }

// End returns the offset just past the block.
func (b Block) End() int { return b.Off + b.Span() }

// Free reports whether the block has no owner.
func (b Block) Free() bool { return !b.Allocated() }

// Ledger is a view over an arena buffer that reads and rewrites block headers
// in place.
type Ledger struct {
	buf []byte
	dt  DirtyTracker
}

// Format writes a single free block spanning b and returns a ledger over it.
// len(b) must be a positive multiple of format.BlockUnit.
func Format(b []byte, dt DirtyTracker) (*Ledger, error) {
	if err := checkCapacity(len(b)); err != nil {
		return nil, err
	}
	l := &Ledger{buf: b, dt: dt}
	clear(b)
	l.put(Block{Off: 0, Header: format.Header{
		Size:  uint32(len(b) - format.HeaderSize),
		Flags: format.FlagLast,
	}})
	l.touch(format.HeaderSize, len(b)-format.HeaderSize)
	return l, nil
}

// Load wraps an already formatted buffer and verifies its block chain.
func Load(b []byte, dt DirtyTracker) (*Ledger, error) {
	if err := checkCapacity(len(b)); err != nil {
		return nil, err
	}
	l := &Ledger{buf: b, dt: dt}
	if err := l.Verify(); err != nil {
		return nil, err
	}
	return l, nil
}

func checkCapacity(n int) error {
	if n < format.BlockUnit || n%format.BlockUnit != 0 || n > format.MaxCapacity {
		return fmt.Errorf("%w: capacity %d is not a multiple of %d in [%d, %d]",
			format.ErrCorrupt, n, format.BlockUnit, format.BlockUnit, format.MaxCapacity)
	}
	return nil
}

// Rebind points the ledger at a new buffer holding the same blocks, e.g. after
// the backing store moved.
func (l *Ledger) Rebind(b []byte) { l.buf = b }

// Bytes returns the arena buffer.
func (l *Ledger) Bytes() []byte { return l.buf }

// Capacity returns the arena size in bytes.
func (l *Ledger) Capacity() int { return len(l.buf) }

// At decodes the block at off. Offsets must come from the ledger itself; a
// bad offset is a programming error and panics.
func (l *Ledger) At(off int) Block {
	b, err := l.read(off)
	if err != nil {
		panic(fmt.Sprintf("ledger: %v", err))
	}
	return b
}

func (l *Ledger) read(off int) (Block, error) {
	if _, err := buf.CheckSpan(len(l.buf), off, format.HeaderSize); err != nil {
		return Block{}, fmt.Errorf("%w: header at %d: %w", format.ErrCorrupt, off, err)
	}
	h, err := format.ReadHeader(l.buf, off)
	if err != nil {
		return Block{}, fmt.Errorf("%w: header at %d: %w", format.ErrCorrupt, off, err)
	}
	return Block{Off: off, Header: h}, nil
}

// First returns the block at offset zero.
func (l *Ledger) First() Block { return l.At(0) }

// Next returns the block following b, or false if b is the last block.
func (l *Ledger) Next(b Block) (Block, bool) {
	if b.Last() {
		return Block{}, false
	}
	return l.At(b.End()), true
}

// Prev returns the block preceding b, or false if b is the first block.
func (l *Ledger) Prev(b Block) (Block, bool) {
	if b.Back == 0 {
		return Block{}, false
	}
	return l.At(b.Off - int(b.Back)), true
}

// Walk calls fn for every block from start onwards until fn returns false.
func (l *Ledger) Walk(start Block, fn func(Block) bool) {
	for b, ok := start, true; ok; b, ok = l.Next(b) {
		if !fn(b) {
			return
		}
	}
}

// Blocks returns every block in arena order.
func (l *Ledger) Blocks() []Block {
	var out []Block
	l.Walk(l.First(), func(b Block) bool {
		out = append(out, b)
		return true
	})
	return out
}

// Payload returns the payload of b, capped so appends cannot spill into the
// next header.
func (l *Ledger) Payload(b Block) []byte {
	p, ok := buf.Slice(l.buf, b.PayloadOff(), int(b.Size))
	if !ok {
		panic(fmt.Sprintf("ledger: payload of block at %d out of bounds", b.Off))
	}
	return p
}

// put encodes b's header and reports it dirty.
func (l *Ledger) put(b Block) {
	format.PutHeader(l.buf, b.Off, b.Header)
	l.touch(b.Off, format.HeaderSize)
}

// setBack rewrites only the back-offset of the block at off.
func (l *Ledger) setBack(off int, back uint32) {
	format.PutU32(l.buf, off+format.BackOffset, back)
	l.touch(off+format.BackOffset, 4)
}

// fixNextBack repairs the back-offset of the block following b.
func (l *Ledger) fixNextBack(b Block) {
	if b.Last() {
		return
	}
	l.setBack(b.End(), uint32(b.Span()))
}

func (l *Ledger) zero(off, n int) {
	if n <= 0 {
		return
	}
	clear(l.buf[off : off+n])
	l.touch(off, n)
}

func (l *Ledger) touch(off, n int) {
	if l.dt != nil {
		l.dt.Add(off, n)
	}
}
