package ioreq

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vhm/internal/hv"
)

// Range is an address interval claimed by a client. End is inclusive.
type Range struct {
	Type  hv.RequestType
	Start uint64
	End   uint64
}

func (r Range) String() string {
	return fmt.Sprintf("%s[0x%x-0x%x]", r.Type, r.Start, r.End)
}

// contains reports whether the access [addr, addr+size) lies within r.
func (r Range) contains(addr, size uint64) bool {
	if addr < r.Start || addr > r.End {
		return false
	}
	if size == 0 {
		return true
	}
	last := addr + size - 1
	if last < addr {
		return false
	}
	return last <= r.End
}

// RangeTable is the set of ranges owned by a single client. Overlapping
// entries are permitted; callers are responsible for keeping them sensible.
type RangeTable struct {
	mu      sync.Mutex
	entries []Range
}

// Add inserts a range at the head of the table.
func (t *RangeTable) Add(typ hv.RequestType, start, end uint64) error {
	if end < start {
		return fmt.Errorf("%w: %s 0x%x-0x%x", ErrInvalidRange, typ, start, end)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = append(t.entries, Range{})
	copy(t.entries[1:], t.entries)
	t.entries[0] = Range{Type: typ, Start: start, End: end}
	return nil
}

// Remove deletes the first entry matching (typ, start, end). Non-range types
// match on type alone. Removing an absent range is not an error.
func (t *RangeTable) Remove(typ hv.RequestType, start, end uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, r := range t.entries {
		if r.Type != typ {
			continue
		}
		if typ.IsRange() && (r.Start != start || r.End != end) {
			continue
		}
		t.entries = append(t.entries[:i], t.entries[i+1:]...)
		return
	}
}

// Find reports whether req falls entirely within one of the table's ranges.
func (t *RangeTable) Find(req *hv.Request) bool {
	addr, size, ok := req.Bounds()
	if !ok {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range t.entries {
		if r.Type == req.Type && r.contains(addr, size) {
			return true
		}
	}
	return false
}

// Ranges returns a copy of the table, most recently added first.
func (t *RangeTable) Ranges() []Range {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Range, len(t.entries))
	copy(out, t.entries)
	return out
}

// Clear drops every entry.
func (t *RangeTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
}

func (t *RangeTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
