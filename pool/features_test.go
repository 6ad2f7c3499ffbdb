package pool_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/joshuapare/handlepool/internal/format"
	"github.com/joshuapare/handlepool/pool"
)

func TestBudget(t *testing.T) {
	b := pool.NewBudget(1024)
	p1, err := pool.New(pool.ModeGrowable, 512, pool.WithBudget(b), pool.WithExpand(true))
	require.NoError(t, err)
	assert.Equal(t, int64(512), b.Used())

	_, err = pool.New(pool.ModeFixed, 1024, pool.WithBudget(b))
	require.ErrorIs(t, err, pool.ErrNotEnoughMemory)
	require.ErrorIs(t, err, pool.ErrBudgetExhausted)
	assert.Equal(t, int64(512), b.Used())

	_, err = p1.Allocate(2000)
	require.ErrorIs(t, err, pool.ErrNotEnoughMemoryAfterExpand)
	require.ErrorIs(t, err, pool.ErrBudgetExhausted)
	assert.Equal(t, 512, p1.Capacity())

	h := allocate(t, p1, 900)
	assert.Equal(t, int64(p1.Capacity()), b.Used())
	require.NoError(t, p1.Free(h))
	require.NoError(t, p1.Destroy())
	assert.Zero(t, b.Used())
	assert.Equal(t, int64(1024), b.Limit())
}

func TestNilBudgetIsUnlimited(t *testing.T) {
	var b *pool.Budget
	assert.Zero(t, b.Used())
	assert.Zero(t, b.Limit())
	newPool(t, pool.ModeFixed, 4096, pool.WithBudget(b))
}

func TestDefragOnFree(t *testing.T) {
	p := newPool(t, pool.ModeFixed, 512, pool.WithDefrag(pool.DefragOnFree))
	a := allocate(t, p, 32)
	allocate(t, p, 32)
	c := allocate(t, p, 32)
	write(t, p, c, 8, 32)

	require.NoError(t, p.Free(a))
	st, err := p.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.FreeBlocks)
	assert.Equal(t, uint64(1), st.Passes)
	assert.Positive(t, st.Moves)
	check(t, p, c, 8, 32)

	require.NoError(t, p.DefragDisable())
	st, err = p.Stats()
	require.NoError(t, err)
	assert.Equal(t, pool.DefragNone, st.Defrag)
}

func TestDefragOnAcquireSkipsPinned(t *testing.T) {
	p := newPool(t, pool.ModeFixed, 512, pool.WithDefrag(pool.DefragOnAcquire|pool.DefragOnRelease))
	a := allocate(t, p, 32)
	b := allocate(t, p, 32)
	c := allocate(t, p, 32)
	write(t, p, c, 1, 32)

	buf, err := p.Acquire(b)
	require.NoError(t, err)
	bOff := offsetOf(t, p, b)
	require.NoError(t, p.Free(a))

	// The pass before acquiring c moves c into a's hole; b stays.
	bufC, err := p.Acquire(c)
	require.NoError(t, err)
	assert.Equal(t, 0, offsetOf(t, p, c))
	assert.Equal(t, bOff, offsetOf(t, p, b))
	assert.Equal(t, byte(1), bufC[0])
	buf[0] = 0xEE
	require.NoError(t, p.Release(c))
	require.NoError(t, p.Release(b))
	requireInvariants(t, p)
}

func TestDefragRateLimit(t *testing.T) {
	p := newPool(t, pool.ModeFixed, 1024,
		pool.WithDefrag(pool.DefragOnFree),
		pool.WithDefragRate(rate.Every(time.Hour), 1))

	var hs []pool.Handle
	for i := 0; i < 6; i++ {
		hs = append(hs, allocate(t, p, 16))
	}
	require.NoError(t, p.Free(hs[0]))
	require.NoError(t, p.Free(hs[2]))
	require.NoError(t, p.Free(hs[4]))

	st, err := p.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Passes)
	assert.Equal(t, uint64(2), st.ThrottledPasses)

	// Explicit compaction ignores the limiter.
	require.NoError(t, p.DefragNow())
	st, err = p.Stats()
	require.NoError(t, err)
	assert.Greater(t, st.Passes, uint64(1))
	assert.Equal(t, 1, st.FreeBlocks)
}

func TestStats(t *testing.T) {
	p := newPool(t, pool.ModeGrowable, 256, pool.WithFit(pool.FitBest), pool.WithExpand(true))
	h1 := allocate(t, p, 64)
	h2 := allocate(t, p, 16)
	_, err := p.Acquire(h2)
	require.NoError(t, err)
	require.NoError(t, p.Release(h2))
	require.NoError(t, p.Free(h1))

	st, err := p.Stats()
	require.NoError(t, err)
	assert.Equal(t, pool.ModeGrowable, st.Mode)
	assert.Equal(t, pool.FitBest, st.Fit)
	assert.True(t, st.Expand)
	assert.Equal(t, 256, st.Capacity)
	assert.Equal(t, 3, st.Blocks)
	assert.Equal(t, 1, st.AllocatedBlocks)
	assert.Equal(t, 16, st.UsedTotal)
	assert.Equal(t, 16, p.UsedLargest())
	assert.Equal(t, 16, p.UsedTotal())
	assert.Equal(t, pool.Handle(3), st.NextHandle)
	assert.Equal(t, uint64(2), st.Allocs)
	assert.Equal(t, uint64(1), st.Frees)
	assert.Equal(t, uint64(1), st.Acquires)
	assert.Equal(t, uint64(1), st.Releases)
	assert.InDelta(t, 1-float64(st.AvailableLargest)/float64(st.AvailableTotal), st.Fragmentation, 1e-9)
}

func TestChecksum(t *testing.T) {
	p := newPool(t, pool.ModeFixed, 1024)
	h1 := allocate(t, p, 64)
	h2 := allocate(t, p, 64)
	write(t, p, h1, 1, 64)
	write(t, p, h2, 1, 64)

	s1, err := p.Checksum(h1)
	require.NoError(t, err)
	s2, err := p.Checksum(h2)
	require.NoError(t, err)
	assert.Equal(t, s1, s2)

	write(t, p, h2, 2, 64)
	s2, err = p.Checksum(h2)
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)
}

func TestFileMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file arenas need unix mappings")
	}
	path := filepath.Join(t.TempDir(), "pool.arena")
	p, err := pool.New(pool.ModeFile, 4096,
		pool.WithFile(path), pool.WithExpand(true), pool.WithFullSync())
	require.NoError(t, err)

	h := allocate(t, p, 100)
	write(t, p, h, 42, 100)
	st, err := p.Stats()
	require.NoError(t, err)
	assert.Positive(t, st.DirtyPages)
	assert.Equal(t, path, st.Path)

	require.NoError(t, p.Flush(context.Background()))
	st, err = p.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.DirtyPages)

	allocate(t, p, 8000)
	check(t, p, h, 42, 100)
	capacity := p.Capacity()
	require.NoError(t, p.Flush(context.Background()))
	require.ErrorIs(t, p.Destroy(), pool.ErrDestroyedAllocatedMemory)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, capacity)
	// First payload starts after the 24-byte header.
	assert.Equal(t, byte(42), data[24])
	assert.Equal(t, byte(42+99), data[24+99])
}

func TestSnapshotRoundTrip(t *testing.T) {
	p := newPool(t, pool.ModeFixed, 2048, pool.WithAlignment(pool.Align32))
	var handles []pool.Handle
	for i := 0; i < 8; i++ {
		h := allocate(t, p, 50+i*10)
		write(t, p, h, byte(i), 50+i*10)
		handles = append(handles, h)
	}
	require.NoError(t, p.Free(handles[3]))
	_, err := p.Acquire(handles[0])
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, p.WriteSnapshot(context.Background(), &buf))
	require.NoError(t, p.Release(handles[0]))

	r, err := pool.Restore(context.Background(), &buf, pool.ModeGrowable)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Destroy() })
	requireInvariants(t, r)

	st, err := r.Stats()
	require.NoError(t, err)
	assert.Equal(t, pool.Align32, st.Alignment)
	assert.Zero(t, st.AcquiredBlocks, "pins do not survive a restore")
	assert.Equal(t, 2048, st.Capacity)

	for i, h := range handles {
		if i == 3 {
			_, err := r.SizeOf(h)
			require.ErrorIs(t, err, pool.ErrInvalidID)
			continue
		}
		check(t, r, h, byte(i), 50+i*10)
	}
	h := allocate(t, r, 8)
	assert.Greater(t, h, handles[len(handles)-1])
}

func TestRestoreRejectsBadInput(t *testing.T) {
	p := newPool(t, pool.ModeFixed, 256)
	allocate(t, p, 32)
	var buf bytes.Buffer
	require.NoError(t, p.WriteSnapshot(context.Background(), &buf))

	t.Run("truncated", func(t *testing.T) {
		_, err := pool.Restore(context.Background(), bytes.NewReader(buf.Bytes()[:buf.Len()/2]), pool.ModeFixed)
		require.Error(t, err)
	})

	t.Run("bad magic", func(t *testing.T) {
		enc, err := zstd.NewWriter(nil)
		require.NoError(t, err)
		junk := enc.EncodeAll(make([]byte, 64), nil)
		_, err = pool.Restore(context.Background(), bytes.NewReader(junk), pool.ModeFixed)
		require.ErrorIs(t, err, pool.ErrCorruptArena)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := pool.Restore(ctx, bytes.NewReader(buf.Bytes()), pool.ModeFixed)
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("bad alignment", func(t *testing.T) {
		raw := decodeSnapshot(t, buf.Bytes())
		raw[6] = 7
		_, err := pool.Restore(context.Background(), bytes.NewReader(encodeSnapshot(t, raw)), pool.ModeFixed)
		require.ErrorIs(t, err, pool.ErrCorruptArena)
		assert.Equal(t, pool.KindIntegrity, pool.KindOf(err))
	})

	t.Run("bad checksum", func(t *testing.T) {
		raw := decodeSnapshot(t, buf.Bytes())
		raw[len(raw)-1] ^= 0xff
		enc, err := zstd.NewWriter(nil)
		require.NoError(t, err)
		_, err = pool.Restore(context.Background(), bytes.NewReader(enc.EncodeAll(raw, nil)), pool.ModeFixed)
		require.ErrorIs(t, err, pool.ErrCorruptArena)
	})
}

func TestRestoreChecksImageBeforeOpeningArena(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file arenas need unix mappings")
	}
	// A preamble claiming a near-4GiB arena followed by a few bytes only.
	raw := make([]byte, 24+13)
	copy(raw, "HPSN")
	binary.LittleEndian.PutUint16(raw[4:], 1)
	raw[6] = byte(pool.Align8)
	binary.LittleEndian.PutUint32(raw[8:], uint32(format.MaxCapacity))
	binary.LittleEndian.PutUint64(raw[16:], 1)
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	stream := enc.EncodeAll(raw, nil)

	path := filepath.Join(t.TempDir(), "restored.arena")
	_, err = pool.Restore(context.Background(), bytes.NewReader(stream), pool.ModeFile, pool.WithFile(path))
	require.ErrorIs(t, err, pool.ErrCorruptArena)
	require.ErrorIs(t, err, format.ErrTruncated)

	_, statErr := os.Stat(path)
	require.ErrorIs(t, statErr, fs.ErrNotExist, "no backing file may be created for a rejected snapshot")

	_, err = pool.Restore(context.Background(), bytes.NewReader(stream), pool.ModeGrowable)
	require.ErrorIs(t, err, pool.ErrCorruptArena)
}

// decodeSnapshot returns the uncompressed snapshot stream.
func decodeSnapshot(t *testing.T, data []byte) []byte {
	t.Helper()
	dec, err := zstd.NewReader(nil)
	require.NoError(t, err)
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	require.NoError(t, err)
	return raw
}

// encodeSnapshot recomputes the trailing checksum of raw and compresses it.
func encodeSnapshot(t *testing.T, raw []byte) []byte {
	t.Helper()
	body := raw[:len(raw)-8]
	binary.LittleEndian.PutUint64(raw[len(raw)-8:], xxhash.Sum64(body))
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	return enc.EncodeAll(raw, nil)
}

func TestConcurrentUse(t *testing.T) {
	p := newPool(t, pool.ModeFixed, 64<<10, pool.WithDefrag(pool.DefragOnFree|pool.DefragOnRelease))

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed byte) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				n := 8 + (i*13)%200
				h, err := p.Allocate(n)
				if !assert.NoError(t, err) {
					return
				}
				buf, err := p.Acquire(h)
				if !assert.NoError(t, err) {
					return
				}
				for j := 0; j < n; j++ {
					buf[j] = seed
				}
				assert.NoError(t, p.Release(h))

				buf, err = p.Acquire(h)
				if !assert.NoError(t, err) {
					return
				}
				for j := 0; j < n; j++ {
					if buf[j] != seed {
						assert.Failf(t, "corrupt payload", "handle %d byte %d", h, j)
						break
					}
				}
				assert.NoError(t, p.Release(h))
				assert.NoError(t, p.Free(h))
			}
		}(byte(g + 1))
	}
	wg.Wait()
	requireInvariants(t, p)
	assert.Zero(t, p.UsedTotal())
}

// TestRandomOperations drives a pool with random operations and checks the
// chain invariants after each one and all payloads periodically.
func TestRandomOperations(t *testing.T) {
	type content struct {
		seed byte
		n    int
	}
	for _, mode := range []pool.Mode{pool.ModeFixed, pool.ModeGrowable} {
		t.Run(mode.String(), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(7, uint64(mode)))
			p := newPool(t, mode, 4096,
				pool.WithExpand(mode == pool.ModeGrowable),
				pool.WithDefrag(pool.DefragAll))
			live := map[pool.Handle]content{}
			var order []pool.Handle

			pick := func() (pool.Handle, int) {
				i := rng.IntN(len(order))
				return order[i], i
			}

			for step := 0; step < 2000; step++ {
				switch op := rng.IntN(10); {
				case op < 4 || len(order) == 0:
					n := 1 + rng.IntN(300)
					h, err := p.Allocate(n)
					if err != nil {
						require.Equal(t, pool.KindResourceExhausted, pool.KindOf(err))
						continue
					}
					c := content{seed: byte(rng.IntN(256)), n: n}
					write(t, p, h, c.seed, c.n)
					live[h] = c
					order = append(order, h)
				case op < 7:
					h, i := pick()
					require.NoError(t, p.Free(h))
					delete(live, h)
					order = append(order[:i], order[i+1:]...)
				case op < 9:
					h, _ := pick()
					n := 1 + rng.IntN(400)
					_, err := p.Resize(h, n)
					switch {
					case err == nil:
						c := live[h]
						c.n = min(c.n, n)
						live[h] = c
					case pool.KindOf(err) == pool.KindResourceExhausted,
						err == pool.ErrResizeTooSmall:
					default:
						require.NoError(t, err)
					}
				default:
					require.NoError(t, p.DefragNow())
				}

				requireInvariants(t, p)
				if step%50 == 0 {
					for h, c := range live {
						check(t, p, h, c.seed, c.n)
					}
				}
			}
			for h, c := range live {
				check(t, p, h, c.seed, c.n)
			}
		})
	}
}
