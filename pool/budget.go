package pool

import (
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrBudgetExhausted is the cause attached when a Budget has no room left.
var ErrBudgetExhausted = errors.New("pool: memory budget exhausted")

// Budget caps the total arena bytes held by the pools sharing it. A nil
// *Budget is unlimited. Reservations never block.
type Budget struct {
	limit int64
	sem   *semaphore.Weighted
	used  atomic.Int64
}

// NewBudget returns a budget of limit bytes. A limit <= 0 only tracks usage.
func NewBudget(limit int64) *Budget {
	b := &Budget{limit: limit}
	if limit > 0 {
		b.sem = semaphore.NewWeighted(limit)
	}
	return b
}

func (b *Budget) reserve(n int) error {
	if b == nil || n <= 0 {
		return nil
	}
	if b.sem != nil && !b.sem.TryAcquire(int64(n)) {
		return fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			ErrBudgetExhausted, n, b.used.Load(), b.limit)
	}
	b.used.Add(int64(n))
	return nil
}

func (b *Budget) release(n int) {
	if b == nil || n <= 0 {
		return
	}
	if b.sem != nil {
		b.sem.Release(int64(n))
	}
	b.used.Add(-int64(n))
}

// Used returns the reserved bytes.
func (b *Budget) Used() int64 {
	if b == nil {
		return 0
	}
	return b.used.Load()
}

// Limit returns the configured limit, 0 if unlimited.
func (b *Budget) Limit() int64 {
	if b == nil {
		return 0
	}
	return b.limit
}
