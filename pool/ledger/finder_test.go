package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindFreeIsFirstFit(t *testing.T) {
	l := newTestLedger(t, 1024)
	claim(t, l, 128, 1)
	claim(t, l, 32, 2)
	claim(t, l, 64, 3)
	claim(t, l, 32, 4)
	release(t, l, 1) // 128 hole at 0
	release(t, l, 3) // 64 hole later

	first, ok := l.FindFree(48)
	require.True(t, ok)
	assert.Equal(t, 0, first.Off)

	best, ok := l.FindBestFit(48)
	require.True(t, ok)
	assert.Equal(t, uint32(64), best.Size)

	_, ok = l.FindFree(4096)
	assert.False(t, ok)
}

func TestFindByHandle(t *testing.T) {
	l := newTestLedger(t, 512)
	claim(t, l, 16, 10)
	b := claim(t, l, 16, 11)

	got, ok := l.FindByHandle(11)
	require.True(t, ok)
	assert.Equal(t, b.Off, got.Off)

	_, ok = l.FindByHandle(12)
	assert.False(t, ok)
	_, ok = l.FindByHandle(0)
	assert.False(t, ok, "handle 0 marks free blocks and is never found")
}

func TestFindRelocationCandidate(t *testing.T) {
	l := newTestLedger(t, 1024)
	claim(t, l, 64, 1)
	claim(t, l, 16, 2)
	claim(t, l, 48, 3)
	claim(t, l, 64, 4)
	claim(t, l, 128, 5)
	release(t, l, 1)

	hole := l.First()
	require.True(t, hole.Free())

	c, ok := l.FindRelocationCandidate(hole)
	require.True(t, ok)
	assert.Equal(t, uint64(4), c.Handle, "largest fitting donor wins")

	l.SetAcquired(c, true)
	c, ok = l.FindRelocationCandidate(hole)
	require.True(t, ok)
	assert.Equal(t, uint64(3), c.Handle, "acquired blocks are never donors")
}

func TestFindRelocationCandidateNone(t *testing.T) {
	l := newTestLedger(t, 512)
	claim(t, l, 16, 1)
	claim(t, l, 64, 2)
	release(t, l, 1)

	_, ok := l.FindRelocationCandidate(l.First())
	assert.False(t, ok)
}

func TestSummarize(t *testing.T) {
	l := newTestLedger(t, 1024)
	claim(t, l, 64, 1)
	b := claim(t, l, 128, 2)
	claim(t, l, 32, 3)
	l.SetAcquired(b, true)
	release(t, l, 1)

	s := l.Summarize()
	assert.Equal(t, 4, s.Blocks)
	assert.Equal(t, 2, s.FreeBlocks)
	assert.Equal(t, 2, s.AllocatedBlocks)
	assert.Equal(t, 1, s.AcquiredBlocks)
	assert.Equal(t, 160, s.UsedTotal)
	assert.Equal(t, 128, s.UsedLargest)
	tailFree := 1024 - 4*24 - 64 - 128 - 32
	assert.Equal(t, 64+tailFree, s.AvailableTotal)
	assert.Equal(t, tailFree, s.AvailableLargest)
	assert.InDelta(t, 1-float64(tailFree)/float64(64+tailFree), s.Fragmentation(), 1e-9)
}
