package ledger

// Summary aggregates block statistics in a single pass.
type Summary struct {
	Blocks           int
	FreeBlocks       int
	AllocatedBlocks  int
	AcquiredBlocks   int
	AvailableTotal   int // Free payload bytes
	AvailableLargest int // Largest free payload
	UsedTotal        int // Allocated payload bytes
	UsedLargest      int // Largest allocated payload
}

// Summarize walks the whole chain.
func (l *Ledger) Summarize() Summary {
	var s Summary
	l.Walk(l.First(), func(b Block) bool {
		s.Blocks++
		size := int(b.Size)
		if b.Free() {
			s.FreeBlocks++
			s.AvailableTotal += size
			s.AvailableLargest = max(s.AvailableLargest, size)
			return true
		}
		s.AllocatedBlocks++
		if b.Acquired() {
			s.AcquiredBlocks++
		}
		s.UsedTotal += size
		s.UsedLargest = max(s.UsedLargest, size)
		return true
	})
	return s
}

// Fragmentation returns 1 - largest/total over free space, in [0, 1]. Zero
// means all free space is one contiguous block.
func (s Summary) Fragmentation() float64 {
	if s.AvailableTotal == 0 {
		return 0
	}
	return 1 - float64(s.AvailableLargest)/float64(s.AvailableTotal)
}
