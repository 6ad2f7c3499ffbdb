package arena

import (
	"fmt"
	"strings"
)

// Mode selects the arena backing store.
type Mode uint8

const (
	// ModeFixed is a heap buffer that never grows.
	ModeFixed Mode = iota
	// ModeGrowable is a heap buffer that is reallocated on growth. Growth
	// usually moves the base address.
	ModeGrowable
	// ModeFile is a shared mapping of a file. Growth truncates and remaps
	// the file.
	ModeFile
	// ModeShared is reserved for a cross-process shared memory arena.
	ModeShared
)

var modeNames = [...]string{
	ModeFixed:    "fixed",
	ModeGrowable: "growable",
	ModeFile:     "file",
	ModeShared:   "shared",
}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return "unknown"
}

// MarshalText renders the mode name, e.g. in JSON stats.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText accepts the names produced by MarshalText.
func (m *Mode) UnmarshalText(b []byte) error {
	v, ok := ParseMode(string(b))
	if !ok {
		return fmt.Errorf("arena: unknown mode %q", b)
	}
	*m = v
	return nil
}

// ParseMode maps a mode name back to its Mode.
func ParseMode(s string) (Mode, bool) {
	for m, name := range modeNames {
		if strings.EqualFold(s, name) {
			return Mode(m), true
		}
	}
	return 0, false
}

// Event is a bit mask of pool operations that trigger a compaction pass.
type Event uint8

const (
	DefragOnAllocate Event = 1 << iota
	DefragOnFree
	DefragOnAcquire
	DefragOnRelease
	DefragOnResize

	// DefragNone disables event-triggered compaction.
	DefragNone Event = 0
	// DefragAll enables compaction after every kind of operation.
	DefragAll = DefragOnAllocate | DefragOnFree | DefragOnAcquire | DefragOnRelease | DefragOnResize
)

// Has reports whether any bit of e2 is set in e.
func (e Event) Has(e2 Event) bool { return e&e2 != 0 }

// MarshalText renders the mask as its String form.
func (e Event) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

// UnmarshalText accepts the String form.
func (e *Event) UnmarshalText(b []byte) error {
	v, err := ParseEvent(string(b))
	if err != nil {
		return err
	}
	*e = v
	return nil
}

var eventNames = []struct {
	bit  Event
	name string
}{
	{DefragOnAllocate, "allocate"},
	{DefragOnFree, "free"},
	{DefragOnAcquire, "acquire"},
	{DefragOnRelease, "release"},
	{DefragOnResize, "resize"},
}

func (e Event) String() string {
	if e == DefragNone {
		return "none"
	}
	var parts []string
	for _, x := range eventNames {
		if e.Has(x.bit) {
			parts = append(parts, x.name)
		}
	}
	return strings.Join(parts, "|")
}

// ParseEvent parses event names separated by "|" or ",". "all" and "none"
// are accepted as well as the empty string.
func ParseEvent(s string) (Event, error) {
	var mask Event
	for _, name := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		name = strings.ToLower(strings.TrimSpace(name))
		switch name {
		case "", "none":
			continue
		case "all":
			mask |= DefragAll
			continue
		}
		found := false
		for _, x := range eventNames {
			if x.name == name {
				mask |= x.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("arena: unknown defrag event %q", name)
		}
	}
	return mask, nil
}
