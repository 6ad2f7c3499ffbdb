// Package compact relocates allocated blocks to consolidate free space.
//
// A pass walks the arena from a start block. For each free block F it looks
// for a donor: the largest unpinned allocated block after F that fits. The
// donor is moved into F and F is split back to the donor's size. When no
// donor fits, the block right after F is slid down into F so the free space
// travels towards the end of the arena, unless that block is pinned, which
// ends the pass. Pinned blocks are never selected or moved.
package compact

import (
	"fmt"

	"github.com/joshuapare/handlepool/pool/ledger"
)

// Result counts the work done by one or more passes.
type Result struct {
	Passes int // Passes run
	Moves  int // Donor relocations into a free block
	Shifts int // Slides of the following block into a free block
}

// Progress reports whether any block was relocated.
func (r Result) Progress() bool { return r.Moves+r.Shifts > 0 }

func (r *Result) add(o Result) {
	r.Passes += o.Passes
	r.Moves += o.Moves
	r.Shifts += o.Shifts
}

// SinglePass runs one sweep from start to the end of the arena.
func SinglePass(l *ledger.Ledger, start ledger.Block) (Result, error) {
	res := Result{Passes: 1}
	cur := start
	for {
		f, ok := l.FindFreeFrom(cur)
		if !ok || f.Last() {
			return res, nil
		}

		if c, ok := l.FindRelocationCandidate(f); ok {
			size := c.Size
			dst, err := l.Move(c, f)
			if err != nil {
				return res, fmt.Errorf("compact: %w", err)
			}
			if _, tail, split := l.Split(dst, size); split {
				l.MergeFree(tail)
			}
			res.Moves++
			cur = l.At(dst.Off)
			continue
		}

		next, _ := l.Next(f)
		if next.Acquired() {
			return res, nil
		}
		_, gap, err := l.Shift(f)
		if err != nil {
			return res, fmt.Errorf("compact: %w", err)
		}
		res.Shifts++
		cur = gap
	}
}

// MultiPass repeats SinglePass from start until a pass makes no progress.
func MultiPass(l *ledger.Ledger, start ledger.Block) (Result, error) {
	var total Result
	for {
		r, err := SinglePass(l, l.At(start.Off))
		total.add(r)
		if err != nil || !r.Progress() {
			return total, err
		}
	}
}
