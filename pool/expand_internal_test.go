package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshuapare/handlepool/internal/format"
)

func TestGrowReturnsBudgetWhenLinkingFails(t *testing.T) {
	b := NewBudget(4096)
	p, err := New(ModeGrowable, 256, WithBudget(b), WithExpand(true))
	require.NoError(t, err)
	require.Equal(t, int64(256), b.Used())

	// A broken first header makes the chain unwalkable after the arena grew.
	sig := p.arena.Bytes()[format.SignatureOffset : format.SignatureOffset+4]
	saved := [4]byte(sig)
	copy(sig, "XXXX")

	err = p.growBy(64)
	require.ErrorIs(t, err, ErrCorruptArena)
	assert.Equal(t, int64(256), b.Used(), "failed growth must not keep its reservation")
	assert.Equal(t, 256, p.reserved)

	// The arena did grow; teardown must still release only what was charged.
	copy(p.arena.Bytes()[format.SignatureOffset:], saved[:])
	require.NoError(t, p.Destroy())
	assert.Zero(t, b.Used())
}

func TestGrowChargesBudget(t *testing.T) {
	b := NewBudget(4096)
	p, err := New(ModeGrowable, 256, WithBudget(b), WithExpand(true))
	require.NoError(t, err)

	require.NoError(t, p.growBy(128))
	assert.Equal(t, int64(384), b.Used())
	assert.Equal(t, 384, p.reserved)
	require.NoError(t, p.ledger.Verify())

	require.NoError(t, p.Destroy())
	assert.Zero(t, b.Used())
}
