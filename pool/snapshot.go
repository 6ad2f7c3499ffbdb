package pool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/joshuapare/handlepool/internal/format"
	"github.com/joshuapare/handlepool/pool/ledger"
)

// Snapshot stream layout, zstd compressed as a whole:
//
//	Offset  Size      Description
//	0x00    4         Magic "HPSN"
//	0x04    2         Version
//	0x06    1         Alignment in bits
//	0x07    1         Mode of the pool that wrote it
//	0x08    4         Capacity in bytes
//	0x0C    4         Reserved, zero
//	0x10    8         Next handle
//	0x18    capacity  Raw arena
//	...     8         xxhash64 of everything before it
const (
	snapshotVersion    = 1
	snapshotHeaderSize = 0x18
	snapshotChunk      = 1 << 20
)

var snapshotMagic = [4]byte{'H', 'P', 'S', 'N'}

// WriteSnapshot writes a compressed image of the arena to w. Pins are not
// preserved by Restore, but everything else is, including the handle counter.
// The pool stays locked while the image is written.
func (p *Pool) WriteSnapshot(ctx context.Context, w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ready(); err != nil {
		return err
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return wrap(ErrBackingStore, err)
	}
	digest := xxhash.New()
	out := io.MultiWriter(enc, digest)

	var hdr [snapshotHeaderSize]byte
	copy(hdr[:4], snapshotMagic[:])
	format.PutU16(hdr[:], 0x04, snapshotVersion)
	hdr[6] = byte(p.opts.alignment)
	hdr[7] = byte(p.arena.Mode())
	format.PutU32(hdr[:], 0x08, uint32(p.arena.Capacity()))
	format.PutU64(hdr[:], 0x10, p.arena.PeekHandle())

	err = writeChunked(ctx, out, hdr[:], p.arena.Bytes())
	if err == nil {
		var sum [8]byte
		format.PutU64(sum[:], 0, digest.Sum64())
		_, err = enc.Write(sum[:])
	}
	if cerr := enc.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return wrap(ErrBackingStore, err)
	}
	p.log.Debug("snapshot written", "capacity", p.arena.Capacity())
	return nil
}

func writeChunked(ctx context.Context, w io.Writer, hdr, data []byte) error {
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	for off := 0; off < len(data); off += snapshotChunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := w.Write(data[off:min(off+snapshotChunk, len(data))]); err != nil {
			return err
		}
	}
	return nil
}

// Restore rebuilds a pool from a snapshot written by WriteSnapshot. The new
// pool uses mode and opts; the alignment stored in the snapshot applies unless
// opts override it. All blocks come back unpinned.
//
// The image is read and checked in memory before the arena is opened, so a
// malformed stream never allocates or maps the capacity its preamble claims.
func Restore(ctx context.Context, r io.Reader, mode Mode, opts ...Option) (*Pool, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, wrap(ErrBackingStore, err)
	}
	defer dec.Close()

	digest := xxhash.New()
	in := io.TeeReader(dec, digest)

	var hdr [snapshotHeaderSize]byte
	if _, err := io.ReadFull(in, hdr[:]); err != nil {
		return nil, wrap(ErrCorruptArena, fmt.Errorf("%w: snapshot header: %w", format.ErrTruncated, err))
	}
	if [4]byte(hdr[:4]) != snapshotMagic {
		return nil, wrap(ErrCorruptArena, errors.New("snapshot magic mismatch"))
	}
	if v := format.ReadU16(hdr[:], 0x04); v != snapshotVersion {
		return nil, wrap(ErrCorruptArena, fmt.Errorf("snapshot version %d", v))
	}
	align := Alignment(hdr[6])
	if !align.valid() {
		return nil, wrap(ErrCorruptArena, fmt.Errorf("snapshot alignment %d bits", hdr[6]))
	}
	capacity := int(format.ReadU32(hdr[:], 0x08))
	if capacity < format.BlockUnit || capacity%format.BlockUnit != 0 {
		return nil, wrap(ErrCorruptArena, fmt.Errorf("snapshot capacity %d", capacity))
	}
	next := format.ReadU64(hdr[:], 0x10)

	image, err := readImage(ctx, in, capacity)
	if err != nil {
		return nil, err
	}
	want := digest.Sum64()
	var sum [8]byte
	if _, err := io.ReadFull(dec, sum[:]); err != nil {
		return nil, wrap(ErrCorruptArena, fmt.Errorf("%w: snapshot checksum: %w", format.ErrTruncated, err))
	}
	if got := format.ReadU64(sum[:], 0); got != want {
		return nil, wrap(ErrCorruptArena, fmt.Errorf("snapshot checksum %#x, computed %#x", got, want))
	}
	if _, err := ledger.Load(image, nil); err != nil {
		return nil, wrap(ErrCorruptArena, err)
	}

	p := &Pool{}
	opts = append([]Option{WithAlignment(align)}, opts...)
	if err := p.open(mode, capacity, opts); err != nil {
		return nil, err
	}
	if err := p.adopt(image, next); err != nil {
		_ = p.teardown()
		return nil, err
	}
	p.state = stateInitialized
	return p, nil
}

// readImage reads exactly n arena bytes from r. The buffer grows with the data
// actually decoded, not with n.
func readImage(ctx context.Context, r io.Reader, n int) ([]byte, error) {
	var b bytes.Buffer
	for b.Len() < n {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk := min(snapshotChunk, n-b.Len())
		if _, err := io.CopyN(&b, r, int64(chunk)); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, wrap(ErrCorruptArena, fmt.Errorf("%w: snapshot arena holds %d of %d bytes",
					format.ErrTruncated, b.Len(), n))
			}
			return nil, wrap(ErrCorruptArena, fmt.Errorf("snapshot arena: %w", err))
		}
	}
	return b.Bytes(), nil
}

// adopt copies a verified image into the opened arena and resumes handles.
func (p *Pool) adopt(image []byte, next uint64) error {
	buf := p.arena.Bytes()
	copy(buf, image)
	l, err := ledger.Load(buf, p.dirtyTracker())
	if err != nil {
		return wrap(ErrCorruptArena, err)
	}
	if n := l.ClearAcquired(); n > 0 {
		p.log.Debug("cleared stale pins", "count", n)
	}
	if t := p.arena.Dirty(); t != nil {
		t.Add(0, len(buf))
	}
	p.ledger = l
	p.arena.ResumeHandles(max(next, l.MaxHandle()+1))
	p.log.Debug("snapshot restored", "capacity", len(buf), "next_handle", p.arena.PeekHandle())
	return nil
}
