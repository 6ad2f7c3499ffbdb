// Package format defines the in-place binary layout of pool blocks. Every
// block in an arena starts with a fixed-width, little-endian header followed
// by its payload. The layout is identical for every backing mode so a raw
// arena image can be written to disk or mapped by another process unchanged.
package format

// Block header layout (little-endian):
//
//	Offset  Size  Description
//	0x00    8     Handle. Zero when the block is free.
//	0x08    4     Payload size in bytes (multiple of Alignment).
//	0x0C    4     Back-offset to the previous header (0 for the first block).
//	0x10    4     Flags (see Flag*).
//	0x14    4     Signature "hblk".
//	0x18    ...   Payload.
const (
	HandleOffset    = 0x00
	SizeOffset      = 0x08
	BackOffset      = 0x0C
	FlagsOffset     = 0x10
	SignatureOffset = 0x14

	// HeaderSize is the number of bytes preceding every payload.
	HeaderSize = 0x18

	// Alignment is the payload size granularity. Payload addresses are
	// aligned to it as long as the arena base is.
	Alignment     = 8
	AlignmentMask = Alignment - 1

	// BlockUnit is the smallest possible block (header plus one aligned
	// payload word). Arena capacity is always a multiple of it, and a split
	// only happens when the remainder is at least this large.
	BlockUnit = HeaderSize + Alignment

	// MaxCapacity is the largest arena size whose sizes and back-offsets
	// still fit the 32-bit header fields.
	MaxCapacity = (1<<32 - 1) &^ (BlockUnit - 1)
)

// Signature identifies a valid block header.
var Signature = [4]byte{'h', 'b', 'l', 'k'}

// signatureU32 is Signature read as a little-endian uint32.
var signatureU32 = uint32(Signature[0]) | uint32(Signature[1])<<8 |
	uint32(Signature[2])<<16 | uint32(Signature[3])<<24

// Flags holds the per-block state bits.
type Flags uint32

const (
	// FlagAllocated marks a block that owns a handle.
	FlagAllocated Flags = 1 << iota
	// FlagAcquired marks a pinned block. The compactor never moves it.
	FlagAcquired
	// FlagLast marks the final block of the arena.
	FlagLast
)

// Has reports whether all bits of f2 are set in f.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// Header is the decoded form of a block header.
type Header struct {
	Handle uint64
	Size   uint32
	Back   uint32
	Flags  Flags
}

// Allocated reports whether the block owns a handle.
func (h Header) Allocated() bool { return h.Flags.Has(FlagAllocated) }

// Acquired reports whether the block is pinned.
func (h Header) Acquired() bool { return h.Flags.Has(FlagAcquired) }

// Last reports whether this is the final block of the arena.
func (h Header) Last() bool { return h.Flags.Has(FlagLast) }

// Span returns the full block footprint, header included.
func (h Header) Span() int { return HeaderSize + int(h.Size) }

// ReadHeader decodes the header at off. The caller must ensure
// off+HeaderSize <= len(b).
func ReadHeader(b []byte, off int) (Header, error) {
	if ReadU32(b, off+SignatureOffset) != signatureU32 {
		return Header{}, ErrSignatureMismatch
	}
	return Header{
		Handle: ReadU64(b, off+HandleOffset),
		Size:   ReadU32(b, off+SizeOffset),
		Back:   ReadU32(b, off+BackOffset),
		Flags:  Flags(ReadU32(b, off+FlagsOffset)),
	}, nil
}

// PutHeader encodes h at off, signature included.
func PutHeader(b []byte, off int, h Header) {
	PutU64(b, off+HandleOffset, h.Handle)
	PutU32(b, off+SizeOffset, h.Size)
	PutU32(b, off+BackOffset, h.Back)
	PutU32(b, off+FlagsOffset, uint32(h.Flags))
	PutU32(b, off+SignatureOffset, signatureU32)
}
