package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/handlepool/internal/format"
)

// newTestLedger formats a fresh arena of capacity bytes.
func newTestLedger(t testing.TB, capacity int) *Ledger {
	t.Helper()
	l, err := Format(make([]byte, capacity), nil)
	require.NoError(t, err)
	return l
}

// claim allocates size bytes first-fit under handle, the way the pool does.
func claim(t testing.TB, l *Ledger, size int, handle uint64) Block {
	t.Helper()
	b, ok := l.FindFree(uint32(format.Align8(size)))
	require.True(t, ok, "no free block for %d bytes", size)
	b, _, _ = l.Split(b, uint32(format.Align8(size)))
	return l.Claim(b, handle)
}

// release frees handle and merges, the way the pool does.
func release(t testing.TB, l *Ledger, handle uint64) Block {
	t.Helper()
	b, ok := l.FindByHandle(handle)
	require.True(t, ok, "handle %d not found", handle)
	return l.MergeFree(l.Clear(b))
}

// fill writes a recognizable pattern into the payload of b.
func fill(l *Ledger, b Block, seed byte) {
	p := l.Payload(b)
	for i := range p {
		p[i] = seed + byte(i)
	}
}

// requirePattern checks a payload written by fill for the first n bytes.
func requirePattern(t testing.TB, p []byte, seed byte, n int) {
	t.Helper()
	require.GreaterOrEqual(t, len(p), n)
	for i := 0; i < n; i++ {
		require.Equal(t, seed+byte(i), p[i], "byte %d", i)
	}
}

// assertInvariants verifies the chain and the span sum.
func assertInvariants(t testing.TB, l *Ledger) {
	t.Helper()
	require.NoError(t, l.Verify())
	total := 0
	lasts := 0
	for _, b := range l.Blocks() {
		total += b.Span()
		if b.Last() {
			lasts++
		}
	}
	require.Equal(t, l.Capacity(), total)
	require.Equal(t, 1, lasts)
}

type recordingTracker struct {
	ranges [][2]int
}

func (r *recordingTracker) Add(off, length int) {
	r.ranges = append(r.ranges, [2]int{off, length})
}
