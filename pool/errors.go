package pool

import (
	"errors"
	"fmt"
)

// Code is an error condition reported by the pool. Codes are comparable
// values, so errors.Is works on wrapped errors and no allocation is needed to
// return one.
type Code uint8

const (
	// ErrInvalidParameter reports a bad size, alignment or option.
	ErrInvalidParameter Code = iota + 1
	// ErrUnsupportedMode reports a mode without a backing implementation.
	ErrUnsupportedMode
	// ErrInvalidID reports a handle that does not name an allocated block.
	ErrInvalidID

	// ErrAlreadyInitialized reports Init on a pool that was initialized before.
	ErrAlreadyInitialized
	// ErrNotInitialized reports use of a pool before Init or after Destroy.
	ErrNotInitialized
	// ErrIDIsAcquired reports an operation that needs an unpinned block.
	ErrIDIsAcquired
	// ErrIDIsNotAcquired reports Release of a block that is not pinned.
	ErrIDIsNotAcquired
	// ErrResizeTooSmall reports a shrink that would leave a remainder too
	// small to become a free block.
	ErrResizeTooSmall

	// ErrNotEnoughMemory reports that no free block fits and no escalation
	// was enabled.
	ErrNotEnoughMemory
	// ErrNotEnoughMemoryAfterDefrag reports failure after a compaction retry.
	ErrNotEnoughMemoryAfterDefrag
	// ErrNotEnoughMemoryAfterExpand reports that growing the arena failed.
	ErrNotEnoughMemoryAfterExpand

	// ErrDestroyedAllocatedMemory reports Destroy with blocks still allocated.
	ErrDestroyedAllocatedMemory
	// ErrDestroyedAcquiredMemory reports Destroy with blocks still acquired.
	ErrDestroyedAcquiredMemory

	// ErrCorruptArena reports a block chain that fails verification.
	ErrCorruptArena
	// ErrBackingStore reports an I/O failure of the backing store.
	ErrBackingStore
)

var codeMessages = [...]string{
	ErrInvalidParameter:           "invalid parameter",
	ErrUnsupportedMode:            "unsupported mode",
	ErrInvalidID:                  "invalid id",
	ErrAlreadyInitialized:         "already initialized",
	ErrNotInitialized:             "not initialized",
	ErrIDIsAcquired:               "id is acquired",
	ErrIDIsNotAcquired:            "id is not acquired",
	ErrResizeTooSmall:             "resize remainder too small",
	ErrNotEnoughMemory:            "not enough memory",
	ErrNotEnoughMemoryAfterDefrag: "not enough memory after defrag",
	ErrNotEnoughMemoryAfterExpand: "not enough memory after expand",
	ErrDestroyedAllocatedMemory:   "destroyed allocated memory",
	ErrDestroyedAcquiredMemory:    "destroyed acquired memory",
	ErrCorruptArena:               "corrupt arena",
	ErrBackingStore:               "backing store failure",
}

func (c Code) Error() string {
	if int(c) < len(codeMessages) && codeMessages[c] != "" {
		return "pool: " + codeMessages[c]
	}
	return fmt.Sprintf("pool: error %d", uint8(c))
}

// Kind groups codes by how a caller should react to them.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindInvalidParameter is a caller error. Retrying will not help.
	KindInvalidParameter
	// KindState is an operation invalid for the lifecycle or pin state.
	KindState
	// KindResourceExhausted means the arena is out of space.
	KindResourceExhausted
	// KindTeardown is a diagnostic from Destroy. Teardown still completed.
	KindTeardown
	// KindIntegrity is a corrupt arena or snapshot.
	KindIntegrity
	// KindIO is a failure of the backing file.
	KindIO
)

var kindNames = [...]string{
	KindUnknown:           "unknown",
	KindInvalidParameter:  "invalid parameter",
	KindState:             "state",
	KindResourceExhausted: "resource exhausted",
	KindTeardown:          "teardown violation",
	KindIntegrity:         "integrity",
	KindIO:                "io",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindUnknown]
}

// Kind returns the category of c.
func (c Code) Kind() Kind {
	switch c {
	case ErrInvalidParameter, ErrUnsupportedMode, ErrInvalidID, ErrResizeTooSmall:
		return KindInvalidParameter
	case ErrAlreadyInitialized, ErrNotInitialized, ErrIDIsAcquired, ErrIDIsNotAcquired:
		return KindState
	case ErrNotEnoughMemory, ErrNotEnoughMemoryAfterDefrag, ErrNotEnoughMemoryAfterExpand:
		return KindResourceExhausted
	case ErrDestroyedAllocatedMemory, ErrDestroyedAcquiredMemory:
		return KindTeardown
	case ErrCorruptArena:
		return KindIntegrity
	case ErrBackingStore:
		return KindIO
	default:
		return KindUnknown
	}
}

// KindOf returns the category of the first Code in err's chain.
func KindOf(err error) Kind {
	var c Code
	if errors.As(err, &c) {
		return c.Kind()
	}
	return KindUnknown
}

// wrap attaches cause to code, keeping both visible to errors.Is.
func wrap(code Code, cause error) error {
	if cause == nil {
		return code
	}
	return fmt.Errorf("%w: %w", code, cause)
}
