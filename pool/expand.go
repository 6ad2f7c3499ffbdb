package pool

import (
	"errors"
	"fmt"

	"github.com/joshuapare/handlepool/internal/format"
	"github.com/joshuapare/handlepool/pool/ledger"
)

// errPinned is the cause when growth is refused because blocks are acquired.
// Growing may move the arena, which would invalidate the pinned slices.
var errPinned = errors.New("pool: cannot grow while blocks are acquired")

// growFor grows the arena so that the last block is free and holds at least
// need bytes, and returns that block. A free last block is reused, so only
// the missing part is added.
func (p *Pool) growFor(need uint32) (ledger.Block, error) {
	last := p.ledger.FindLast()
	var delta int
	if last.Free() {
		delta = int(need) - int(last.Size)
	} else {
		delta = format.HeaderSize + int(need)
	}
	if err := p.growBy(format.AlignTo(delta, p.opts.growthQuantum)); err != nil {
		return ledger.Block{}, err
	}

	last = p.ledger.FindLast()
	if !last.Free() || last.Size < need {
		return ledger.Block{}, wrap(ErrCorruptArena, fmt.Errorf("grown tail holds %d of %d bytes", last.Size, need))
	}
	return last, nil
}

// growBy adds delta bytes (a block unit multiple) to the arena, links them
// into the chain and runs the remap and size callbacks.
func (p *Pool) growBy(delta int) error {
	if n := p.arena.Acquired(); n > 0 {
		return fmt.Errorf("%w: %d acquired", errPinned, n)
	}
	oldCap := p.arena.Capacity()
	newCap := oldCap + delta
	if newCap > format.MaxCapacity {
		return fmt.Errorf("capacity %d exceeds maximum %d", newCap, format.MaxCapacity)
	}
	if err := p.opts.budget.reserve(delta); err != nil {
		return err
	}

	oldBase := p.arena.Base()
	moved, err := p.arena.Grow(newCap)
	if err != nil {
		p.opts.budget.release(delta)
		return err
	}
	p.ledger.Rebind(p.arena.Bytes())
	if _, err := p.ledger.Extend(oldCap); err != nil {
		p.opts.budget.release(delta)
		return wrap(ErrCorruptArena, err)
	}
	p.reserved += delta
	p.counters.grows++
	p.log.Debug("arena grown",
		"old_capacity", oldCap, "new_capacity", newCap, "moved", moved)

	if moved {
		p.counters.remaps++
		if p.opts.onRemap != nil {
			m := p.buildAddressMap(oldBase, p.arena.Base())
			p.log.Debug("arena moved", "entries", len(m.Entries))
			p.opts.onRemap(m)
		}
	}
	if p.opts.onSizeChange != nil {
		p.opts.onSizeChange(newCap)
	}
	return nil
}
