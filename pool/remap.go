package pool

import (
	"cmp"
	"slices"
)

// Relocation maps one allocated payload from its address before an arena
// move to its address after it.
type Relocation struct {
	Handle Handle
	Old    uintptr
	New    uintptr
}

// AddressMap describes a move of the whole arena. Entries are sorted by Old
// and cover every allocated block. The map is only valid during the OnRemap
// callback that receives it.
type AddressMap struct {
	OldBase uintptr
	NewBase uintptr
	Entries []Relocation
}

// Lookup returns the new address of the payload that started at old.
func (m AddressMap) Lookup(old uintptr) (uintptr, bool) {
	i, ok := slices.BinarySearchFunc(m.Entries, old, func(r Relocation, t uintptr) int {
		return cmp.Compare(r.Old, t)
	})
	if !ok {
		return 0, false
	}
	return m.Entries[i].New, true
}

// ByHandle returns the relocation of h.
func (m AddressMap) ByHandle(h Handle) (Relocation, bool) {
	for _, r := range m.Entries {
		if r.Handle == h {
			return r, true
		}
	}
	return Relocation{}, false
}

// buildAddressMap lists every allocated payload. Offsets are unchanged by a
// move; only the base differs.
func (p *Pool) buildAddressMap(oldBase, newBase uintptr) AddressMap {
	m := AddressMap{OldBase: oldBase, NewBase: newBase}
	for _, b := range p.ledger.Blocks() {
		if b.Free() {
			continue
		}
		off := uintptr(b.PayloadOff())
		m.Entries = append(m.Entries, Relocation{
			Handle: Handle(b.Handle),
			Old:    oldBase + off,
			New:    newBase + off,
		})
	}
	return m
}
