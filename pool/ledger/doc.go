// Package ledger manages the chain of block headers embedded in a pool arena.
//
// # Layout
//
// An arena is a sequence of [header][payload] blocks with no gaps. The header
// layout is defined in internal/format. Blocks are traversed forward by adding
// the header and payload size, and backward through the back-offset stored in
// each header, so no side index is needed:
//
//	next = off + HeaderSize + Size
//	prev = off - Back
//
// # Invariants
//
//   - The spans of all blocks add up to the arena capacity.
//   - Exactly one block, the final one, carries FlagLast.
//   - A block has a non-zero handle iff FlagAllocated is set.
//   - FlagAcquired implies FlagAllocated.
//   - Free payloads are zero-filled.
//
// Verify checks all of them and is used by tests and by snapshot restore.
//
// # Primitives
//
// Split, MergeWithNext, MergeWithPrev, MergeFree, Move and Shift are the only
// code that rewrites headers. Higher layers (the compactor and the pool
// facade) compose them and never touch header bytes directly.
//
// # Thread Safety
//
// A Ledger is not thread-safe. The owning pool serializes access.
package ledger
