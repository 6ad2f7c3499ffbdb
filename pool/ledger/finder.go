package ledger

// FindFree returns the first free block with at least min payload bytes.
func (l *Ledger) FindFree(min uint32) (Block, bool) {
	var found Block
	ok := false
	l.Walk(l.First(), func(b Block) bool {
		if b.Free() && b.Size >= min {
			found, ok = b, true
			return false
		}
		return true
	})
	return found, ok
}

// FindBestFit returns the smallest free block with at least min payload
// bytes. Ties go to the lowest offset.
func (l *Ledger) FindBestFit(min uint32) (Block, bool) {
	var found Block
	ok := false
	l.Walk(l.First(), func(b Block) bool {
		if b.Free() && b.Size >= min && (!ok || b.Size < found.Size) {
			found, ok = b, true
			if b.Size == min {
				return false
			}
		}
		return true
	})
	return found, ok
}

// FindFreeFrom returns the first free block at or after start.
func (l *Ledger) FindFreeFrom(start Block) (Block, bool) {
	var found Block
	ok := false
	l.Walk(start, func(b Block) bool {
		if b.Free() {
			found, ok = b, true
			return false
		}
		return true
	})
	return found, ok
}

// FindByHandle returns the allocated block owning handle.
func (l *Ledger) FindByHandle(handle uint64) (Block, bool) {
	if handle == 0 {
		return Block{}, false
	}
	var found Block
	ok := false
	l.Walk(l.First(), func(b Block) bool {
		if b.Handle == handle {
			found, ok = b, true
			return false
		}
		return true
	})
	return found, ok
}

// FindLast returns the block carrying FlagLast.
func (l *Ledger) FindLast() Block {
	b := l.First()
	for !b.Last() {
		b = l.At(b.End())
	}
	return b
}

// FindRelocationCandidate returns the best donor for compacting into the free
// block f: the largest allocated, unpinned block after f whose payload fits
// into f. Among equal sizes the first one wins.
func (l *Ledger) FindRelocationCandidate(f Block) (Block, bool) {
	start, ok := l.Next(f)
	if !ok {
		return Block{}, false
	}
	var found Block
	ok = false
	l.Walk(start, func(b Block) bool {
		if b.Allocated() && !b.Acquired() && b.Size <= f.Size && (!ok || b.Size > found.Size) {
			found, ok = b, true
			if b.Size == f.Size {
				return false
			}
		}
		return true
	})
	return found, ok
}
