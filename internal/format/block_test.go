package format

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTripKeepsFieldOrder(t *testing.T) {
	b := make([]byte, 2*HeaderSize)
	h := Header{Handle: 0x0102030405060708, Size: 64, Back: 88, Flags: FlagAllocated | FlagLast}
	PutHeader(b, HeaderSize, h)

	require.Equal(t, uint64(0x0102030405060708), ReadU64(b, HeaderSize+HandleOffset))
	require.Equal(t, uint32(64), ReadU32(b, HeaderSize+SizeOffset))
	require.Equal(t, uint32(88), ReadU32(b, HeaderSize+BackOffset))
	require.Equal(t, []byte("hblk"), b[HeaderSize+SignatureOffset:HeaderSize+HeaderSize])

	got, err := ReadHeader(b, HeaderSize)
	require.NoError(t, err)
	require.Equal(t, h, got)
	require.True(t, got.Allocated())
	require.False(t, got.Acquired())
	require.True(t, got.Last())
	require.Equal(t, HeaderSize+64, got.Span())
}

func TestReadHeaderRejectsMissingSignature(t *testing.T) {
	b := make([]byte, HeaderSize)
	_, err := ReadHeader(b, 0)
	require.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestAlign(t *testing.T) {
	tests := []struct {
		in, align8, unit int
	}{
		{1, 8, 32},
		{8, 8, 32},
		{9, 16, 32},
		{32, 32, 32},
		{33, 40, 64},
		{256, 256, 256},
		{257, 264, 288},
	}
	for _, tt := range tests {
		require.Equal(t, tt.align8, Align8(tt.in), "Align8(%d)", tt.in)
		require.Equal(t, tt.unit, AlignUnit(tt.in), "AlignUnit(%d)", tt.in)
	}

	require.Equal(t, 4096, AlignTo(1, 4096))
	require.Equal(t, 8192, AlignTo(4097, 4096))
	require.Equal(t, 64, AlignTo(33, 0))
	require.Zero(t, MaxCapacity%BlockUnit)
}
