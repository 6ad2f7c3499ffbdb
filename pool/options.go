package pool

import (
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/joshuapare/handlepool/internal/format"
	"github.com/joshuapare/handlepool/pool/arena"
	"github.com/joshuapare/handlepool/pool/dirty"
)

// Mode selects the arena backing store.
type Mode = arena.Mode

const (
	ModeFixed    = arena.ModeFixed
	ModeGrowable = arena.ModeGrowable
	ModeFile     = arena.ModeFile
	ModeShared   = arena.ModeShared
)

// Event is a bit mask of operations after which a compaction pass runs.
type Event = arena.Event

const (
	DefragOnAllocate = arena.DefragOnAllocate
	DefragOnFree     = arena.DefragOnFree
	DefragOnAcquire  = arena.DefragOnAcquire
	DefragOnRelease  = arena.DefragOnRelease
	DefragOnResize   = arena.DefragOnResize
	DefragNone       = arena.DefragNone
	DefragAll        = arena.DefragAll
)

// Alignment is the payload address alignment in bits.
//
// Payloads always start on an 8-byte boundary, which satisfies every
// supported value; the setting is validated and reported in Stats.
type Alignment uint8

const (
	Align8  Alignment = 8
	Align16 Alignment = 16
	Align32 Alignment = 32
	Align64 Alignment = 64
)

func (a Alignment) valid() bool {
	switch a {
	case Align8, Align16, Align32, Align64:
		return true
	}
	return false
}

// Fit selects the free block search strategy.
type Fit uint8

const (
	// FitFirst takes the first free block that is large enough.
	FitFirst Fit = iota
	// FitBest takes the smallest free block that is large enough.
	FitBest
)

func (f Fit) String() string {
	if f == FitBest {
		return "best"
	}
	return "first"
}

// DefaultGrowthQuantum is the default granularity of arena growth in bytes.
const DefaultGrowthQuantum = format.BlockUnit

type options struct {
	alignment     Alignment
	fit           Fit
	expand        bool
	defrag        Event
	growthQuantum int
	budget        *Budget
	defragLimit   rate.Limit
	defragBurst   int

	path      string
	pageSize  int
	flushMode dirty.FlushMode

	logger       *slog.Logger
	onRemap      func(AddressMap)
	onSizeChange func(int)
}

// Option configures a Pool at Init.
type Option func(*options)

func defaultOptions() options {
	return options{
		alignment:     Align8,
		fit:           FitFirst,
		growthQuantum: DefaultGrowthQuantum,
		defragLimit:   rate.Inf,
	}
}

func (o *options) validate(mode Mode) error {
	if !o.alignment.valid() {
		return fmt.Errorf("%w: alignment %d bits", ErrInvalidParameter, o.alignment)
	}
	if o.growthQuantum <= 0 {
		return fmt.Errorf("%w: growth quantum %d", ErrInvalidParameter, o.growthQuantum)
	}
	if mode == ModeFile && o.path == "" {
		return fmt.Errorf("%w: file mode requires WithFile", ErrInvalidParameter)
	}
	return nil
}

// WithAlignment sets the payload alignment in bits.
func WithAlignment(a Alignment) Option {
	return func(o *options) { o.alignment = a }
}

// WithFit selects first-fit (default) or best-fit block search.
func WithFit(f Fit) Option {
	return func(o *options) { o.fit = f }
}

// WithExpand enables arena growth when no free block fits. Equivalent to
// calling ExpandEnable after Init.
func WithExpand(on bool) Option {
	return func(o *options) { o.expand = on }
}

// WithDefrag sets the events that trigger a compaction pass. Equivalent to
// calling DefragEnable after Init.
func WithDefrag(mask Event) Option {
	return func(o *options) { o.defrag = mask }
}

// WithGrowthQuantum rounds every growth step up to a multiple of n bytes.
// n is itself rounded up to the block unit.
func WithGrowthQuantum(n int) Option {
	return func(o *options) { o.growthQuantum = n }
}

// WithBudget charges the arena capacity against a budget shared between
// pools. Init and growth fail once the budget is exhausted.
func WithBudget(b *Budget) Option {
	return func(o *options) { o.budget = b }
}

// WithDefragRate throttles event-triggered compaction passes to r per second
// with the given burst. Passes run by DefragNow or by allocation escalation
// are not throttled.
func WithDefragRate(r rate.Limit, burst int) Option {
	return func(o *options) {
		o.defragLimit = r
		o.defragBurst = burst
	}
}

// WithFile sets the backing file for ModeFile. The file is created or
// truncated.
func WithFile(path string) Option {
	return func(o *options) { o.path = path }
}

// WithPageSize sets the dirty tracking granularity of a file arena.
func WithPageSize(n int) Option {
	return func(o *options) { o.pageSize = n }
}

// WithFullSync makes Flush sync the file descriptor after msync.
func WithFullSync() Option {
	return func(o *options) { o.flushMode = dirty.FlushFull }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOnRemap registers the callback receiving address maps after the arena
// moved.
func WithOnRemap(fn func(AddressMap)) Option {
	return func(o *options) { o.onRemap = fn }
}

// WithOnSizeChange registers the callback receiving the new capacity after
// the arena grew.
func WithOnSizeChange(fn func(newCapacity int)) Option {
	return func(o *options) { o.onSizeChange = fn }
}
