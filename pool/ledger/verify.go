package ledger

import (
	"fmt"

	"github.com/joshuapare/handlepool/internal/buf"
	"github.com/joshuapare/handlepool/internal/format"
)

// Verify checks every chain invariant and returns the first violation,
// wrapped in format.ErrCorrupt. It never panics, so it is safe on buffers of
// unknown origin.
func (l *Ledger) Verify() error {
	var (
		off      int
		back     uint32
		prevFree bool
		lasts    int
		handles  = make(map[uint64]struct{})
	)
	for off < len(l.buf) {
		b, err := l.read(off)
		if err != nil {
			return err
		}
		if b.Back != back {
			return corrupt(off, "back-offset %d, want %d", b.Back, back)
		}
		if int(b.Size)%format.Alignment != 0 {
			return corrupt(off, "unaligned size %d", b.Size)
		}
		if !buf.Has(l.buf, b.PayloadOff(), int(b.Size)) {
			return corrupt(off, "block end %d beyond capacity %d", b.End(), len(l.buf))
		}
		if b.Allocated() != (b.Handle != 0) {
			return corrupt(off, "handle %d with flags %#x", b.Handle, uint32(b.Flags))
		}
		if b.Acquired() && !b.Allocated() {
			return corrupt(off, "acquired but free")
		}
		if b.Allocated() {
			if _, dup := handles[b.Handle]; dup {
				return corrupt(off, "duplicate handle %d", b.Handle)
			}
			handles[b.Handle] = struct{}{}
		}
		if b.Free() && prevFree {
			return corrupt(off, "adjacent free blocks")
		}
		if b.Last() {
			lasts++
			if b.End() != len(l.buf) {
				return corrupt(off, "last block ends at %d, capacity %d", b.End(), len(l.buf))
			}
		}
		prevFree = b.Free()
		back = uint32(b.Span())
		off = b.End()
	}
	if off != len(l.buf) {
		return corrupt(off, "spans add up to %d, capacity %d", off, len(l.buf))
	}
	if lasts != 1 {
		return corrupt(off, "%d blocks flagged last", lasts)
	}
	return nil
}

func corrupt(off int, msg string, args ...any) error {
	return fmt.Errorf("%w: block at %d: %s", format.ErrCorrupt, off, fmt.Sprintf(msg, args...))
}

// MaxHandle returns the largest handle in use, or 0.
func (l *Ledger) MaxHandle() uint64 {
	var h uint64
	l.Walk(l.First(), func(b Block) bool {
		h = max(h, b.Handle)
		return true
	})
	return h
}

// ClearAcquired unpins every block and returns how many were pinned. Pins are
// process-local and do not survive a snapshot restore.
func (l *Ledger) ClearAcquired() int {
	n := 0
	l.Walk(l.First(), func(b Block) bool {
		if b.Acquired() {
			l.SetAcquired(b, false)
			n++
		}
		return true
	})
	return n
}
