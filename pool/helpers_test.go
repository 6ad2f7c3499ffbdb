package pool_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/handlepool/pool"
)

func newPool(t *testing.T, mode pool.Mode, size int, opts ...pool.Option) *pool.Pool {
	t.Helper()
	p, err := pool.New(mode, size, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Destroy() })
	return p
}

func allocate(t *testing.T, p *pool.Pool, size int) pool.Handle {
	t.Helper()
	h, err := p.Allocate(size)
	require.NoError(t, err)
	require.NotZero(t, h)
	return h
}

// write fills the first n payload bytes of h with seed+i.
func write(t *testing.T, p *pool.Pool, h pool.Handle, seed byte, n int) {
	t.Helper()
	buf, err := p.Acquire(h)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(buf), n)
	for i := 0; i < n; i++ {
		buf[i] = seed + byte(i)
	}
	require.NoError(t, p.Release(h))
}

// check verifies the pattern written by write.
func check(t *testing.T, p *pool.Pool, h pool.Handle, seed byte, n int) {
	t.Helper()
	buf, err := p.Acquire(h)
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Release(h)) }()
	require.GreaterOrEqual(t, len(buf), n)
	for i := 0; i < n; i++ {
		require.Equal(t, seed+byte(i), buf[i], "handle %d byte %d", h, i)
	}
}

func offsetOf(t *testing.T, p *pool.Pool, h pool.Handle) int {
	t.Helper()
	blocks, err := p.Blocks()
	require.NoError(t, err)
	for _, b := range blocks {
		if b.Handle == h {
			return b.Offset
		}
	}
	t.Fatalf("handle %d not found", h)
	return -1
}

func addr(b []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// requireInvariants checks the block chain and the capacity accounting.
func requireInvariants(t *testing.T, p *pool.Pool) {
	t.Helper()
	require.NoError(t, p.Verify())

	blocks, err := p.Blocks()
	require.NoError(t, err)
	total, lasts := 0, 0
	for i, b := range blocks {
		total += 24 + b.Size
		if b.Last {
			lasts++
			require.Equal(t, len(blocks)-1, i)
		}
	}
	require.Equal(t, p.Capacity(), total)
	require.Equal(t, 1, lasts)
}
