package format

import "errors"

var (
	// ErrSignatureMismatch indicates a header without the block signature.
	ErrSignatureMismatch = errors.New("format: signature mismatch")
	// ErrTruncated indicates the buffer lacked the bytes required for a structure.
	ErrTruncated = errors.New("format: truncated buffer")
	// ErrCorrupt indicates headers that do not form a valid block chain.
	ErrCorrupt = errors.New("format: corrupt block chain")
)
