// Package dirty tracks modified pages of a file-backed arena and flushes them
// to disk.
//
// Dirty byte ranges are folded into a page bitmap as they are reported, so
// repeated writes to the same header cost nothing extra at flush time. Flush
// walks the bitmap in order, coalesces adjacent pages and syncs each run with
// msync.
package dirty

import (
	"context"
	"os"

	"github.com/RoaringBitmap/roaring/v2"
)

// FlushMode controls durability guarantees for Flush.
type FlushMode int

const (
	// FlushDataOnly only msyncs dirty pages.
	FlushDataOnly FlushMode = iota

	// FlushFull msyncs dirty pages and then syncs the file descriptor.
	FlushFull
)

// Range represents a page-aligned dirty byte range.
type Range struct {
	Off int64 // Offset from the arena start
	Len int64 // Length in bytes
}

// Tracker accumulates dirty pages.
//
// NOT thread-safe. The owning pool serializes access.
type Tracker struct {
	pages    *roaring.Bitmap
	pageSize int64
}

// NewTracker creates a tracker for pages of pageSize bytes. A pageSize <= 0
// uses the OS page size.
func NewTracker(pageSize int) *Tracker {
	if pageSize <= 0 {
		pageSize = os.Getpagesize()
	}
	return &Tracker{
		pages:    roaring.New(),
		pageSize: int64(pageSize),
	}
}

// Add records length bytes starting at off as dirty.
func (t *Tracker) Add(off, length int) {
	if length <= 0 || off < 0 {
		return
	}
	first := uint64(int64(off) / t.pageSize)
	last := uint64((int64(off) + int64(length) - 1) / t.pageSize)
	t.pages.AddRange(first, last+1)
}

// Len returns the number of dirty pages.
func (t *Tracker) Len() int {
	return int(t.pages.GetCardinality())
}

// PageSize returns the tracking granularity in bytes.
func (t *Tracker) PageSize() int {
	return int(t.pageSize)
}

// Ranges returns the dirty pages coalesced into sorted, non-overlapping
// ranges.
func (t *Tracker) Ranges() []Range {
	if t.pages.IsEmpty() {
		return nil
	}
	var out []Range
	it := t.pages.Iterator()
	start := it.Next()
	prev := start
	for it.HasNext() {
		p := it.Next()
		if p == prev+1 {
			prev = p
			continue
		}
		out = append(out, t.pageRange(start, prev))
		start, prev = p, p
	}
	return append(out, t.pageRange(start, prev))
}

func (t *Tracker) pageRange(first, last uint32) Range {
	return Range{
		Off: int64(first) * t.pageSize,
		Len: int64(last-first+1) * t.pageSize,
	}
}

// Flush syncs every dirty range of data to its backing file and clears the
// tracker. With FlushFull the file descriptor fd is synced afterwards.
//
// The context is checked between ranges. If cancelled midway, the ranges
// already flushed are cleared and the rest stay dirty.
func (t *Tracker) Flush(ctx context.Context, data []byte, fd int, mode FlushMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, r := range t.Ranges() {
		if err := ctx.Err(); err != nil {
			return err
		}
		start := int(r.Off)
		if start >= len(data) {
			t.clearRange(r)
			continue
		}
		end := min(int(r.Off+r.Len), len(data))
		if err := msync(data[start:end]); err != nil {
			return err
		}
		t.clearRange(r)
	}
	if mode == FlushFull && fd >= 0 {
		return fdatasync(fd)
	}
	return nil
}

func (t *Tracker) clearRange(r Range) {
	first := uint64(r.Off / t.pageSize)
	t.pages.RemoveRange(first, first+uint64(r.Len/t.pageSize))
}

// Reset clears all tracked pages.
func (t *Tracker) Reset() {
	t.pages.Clear()
}
