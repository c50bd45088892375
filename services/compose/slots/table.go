// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package slots

import (
	"fmt"
	"slices"
	"sort"
)

// minCapacity is the smallest backing array allocated on growth.
const minCapacity = 32

// -----------------------------------------------------------------------------
// Table
// -----------------------------------------------------------------------------

// Table is the gap-buffered slot array backing one composition tree.
//
// Thread Safety: NOT safe for concurrent use.
type Table struct {
	buf      []Slot
	gapStart int
	gapLen   int

	// anchors is sorted by resolved location.
	anchors []*Anchor
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{}
}

// Len returns the number of live slots.
func (t *Table) Len() int {
	return len(t.buf) - t.gapLen
}

// Gap returns the logical position of the gap. Exposed for diagnostics.
func (t *Table) Gap() int {
	return t.gapStart
}

// At returns the slot at logical position i.
//
// At panics if i is out of range, like a slice index.
func (t *Table) At(i int) Slot {
	if i < 0 || i >= t.Len() {
		panic(fmt.Errorf("%w: %d (len %d)", ErrOutOfRange, i, t.Len()))
	}
	return t.buf[t.phys(i)]
}

// Update applies fn to the slot at logical position i in place.
func (t *Table) Update(i int, fn func(s *Slot)) error {
	if i < 0 || i >= t.Len() {
		return fmt.Errorf("%w: %d (len %d)", ErrOutOfRange, i, t.Len())
	}
	fn(&t.buf[t.phys(i)])
	return nil
}

// End returns the position just past the item starting at pos: the group end
// for a header, pos+1 for a value.
func (t *Table) End(pos int) int {
	return pos + t.At(pos).span()
}

// Insert places slots at logical position at, shifting later slots right.
//
// Description:
//
//	Moves the gap to at, grows the backing array if the gap is too small,
//	and copies the new slots into the front of the gap. Anchors at or after
//	at keep naming the same slots.
//
// Inputs:
//   - at: Insert position in [0, Len()].
//   - slots: Slots to insert.
//
// Outputs:
//   - error: ErrOutOfRange if at is outside the table.
func (t *Table) Insert(at int, slots ...Slot) error {
	if at < 0 || at > t.Len() {
		return fmt.Errorf("insert %w: %d (len %d)", ErrOutOfRange, at, t.Len())
	}
	if len(slots) == 0 {
		return nil
	}
	t.moveGap(at)
	t.ensureGap(len(slots))
	copy(t.buf[t.gapStart:], slots)
	t.gapStart += len(slots)
	t.gapLen -= len(slots)
	return nil
}

// Remove deletes n slots starting at logical position at.
//
// Description:
//
//	Moves the gap to at and widens it over the removed range. Anchors inside
//	the range become invalid. The removed slots are returned so the caller
//	can release what they own.
//
// Inputs:
//   - at: First slot to remove.
//   - n: Number of slots to remove.
//
// Outputs:
//   - []Slot: The removed slots, in order.
//   - error: ErrOutOfRange if the range is outside the table.
func (t *Table) Remove(at, n int) ([]Slot, error) {
	if at < 0 || n < 0 || at+n > t.Len() {
		return nil, fmt.Errorf("remove %w: [%d,%d) (len %d)", ErrOutOfRange, at, at+n, t.Len())
	}
	if n == 0 {
		return nil, nil
	}
	t.moveGap(at)

	start := t.gapStart + t.gapLen
	removed := make([]Slot, n)
	copy(removed, t.buf[start:start+n])
	clear(t.buf[start : start+n])

	lo, hi := t.searchAnchors(at), t.searchAnchors(at+n)
	for _, a := range t.anchors[lo:hi] {
		a.invalidate()
	}
	t.anchors = slices.Delete(t.anchors, lo, hi)

	t.gapLen += n
	return removed, nil
}

// Move relocates the n slots starting at from so they begin at to.
//
// Description:
//
//	to is expressed in positions before the move, like an insert point.
//	Anchors inside the moved range follow the slots. Moving a range into
//	itself is a no-op.
//
// Inputs:
//   - from: First slot of the range.
//   - n: Length of the range.
//   - to: Insert point in [0, Len()].
//
// Outputs:
//   - error: ErrOutOfRange if either range is outside the table.
func (t *Table) Move(from, n, to int) error {
	if from < 0 || n < 0 || from+n > t.Len() || to < 0 || to > t.Len() {
		return fmt.Errorf("move %w: [%d,%d) -> %d (len %d)", ErrOutOfRange, from, from+n, to, t.Len())
	}
	if n == 0 || (to >= from && to <= from+n) {
		return nil
	}

	// Detach anchors in the range so Remove does not invalidate them.
	lo, hi := t.searchAnchors(from), t.searchAnchors(from+n)
	moved := slices.Clone(t.anchors[lo:hi])
	offsets := make([]int, len(moved))
	for i, a := range moved {
		pos, _ := t.Resolve(a)
		offsets[i] = pos - from
	}
	t.anchors = slices.Delete(t.anchors, lo, hi)

	removed, err := t.Remove(from, n)
	if err != nil {
		return err
	}
	if to > from {
		to -= n
	}
	if err := t.Insert(to, removed...); err != nil {
		return err
	}
	for i, a := range moved {
		t.place(a, to+offsets[i])
	}
	return nil
}

// CloseGroup records the final extent of the group whose header is at start.
//
// Description:
//
//	Called when a group is closed. Checks that start holds a group header and
//	that end lies within the table, then stores the size and child count.
//
// Inputs:
//   - start: Position of the group header.
//   - end: Position just past the group's last slot.
//   - children: Number of direct child groups.
//
// Outputs:
//   - error: Wraps ErrStructuralFault when the boundaries are unbalanced.
func (t *Table) CloseGroup(start, end, children int) error {
	if start < 0 || start >= t.Len() {
		return fmt.Errorf("%w: close of group at %d outside table (len %d)", ErrStructuralFault, start, t.Len())
	}
	s := &t.buf[t.phys(start)]
	if s.Kind != KindGroup {
		return fmt.Errorf("%w: close of %s slot at %d", ErrStructuralFault, s.Kind, start)
	}
	if end <= start || end > t.Len() {
		return fmt.Errorf("%w: group at %d closed at %d (len %d)", ErrStructuralFault, start, end, t.Len())
	}
	if children < 0 || children > end-start-1 {
		return fmt.Errorf("%w: group at %d declares %d children in %d slots", ErrStructuralFault, start, children, end-start-1)
	}
	s.Size = end - start
	s.Children = children
	return nil
}

// Verify walks the whole table and checks group nesting.
//
// Outputs:
//   - error: Wraps ErrStructuralFault describing the first inconsistency.
func (t *Table) Verify() error {
	pos := 0
	for pos < t.Len() {
		end, err := t.verifyItem(pos, t.Len())
		if err != nil {
			return err
		}
		pos = end
	}
	return nil
}

func (t *Table) verifyItem(pos, limit int) (int, error) {
	s := t.At(pos)
	switch s.Kind {
	case KindValue:
		return pos + 1, nil
	case KindGroup:
		end := pos + s.Size
		if s.Size < 1 || end > limit {
			return 0, fmt.Errorf("%w: group at %d with size %d exceeds parent end %d", ErrStructuralFault, pos, s.Size, limit)
		}
		children := 0
		for p := pos + 1; p < end; {
			if t.At(p).IsGroup() {
				children++
			}
			next, err := t.verifyItem(p, end)
			if err != nil {
				return 0, err
			}
			p = next
		}
		if children != s.Children {
			return 0, fmt.Errorf("%w: group at %d has %d children, header says %d", ErrStructuralFault, pos, children, s.Children)
		}
		return end, nil
	default:
		return 0, fmt.Errorf("%w: %s slot at %d", ErrStructuralFault, s.Kind, pos)
	}
}

// Walk visits every item in document order. fn receives the nesting depth,
// the position and the slot; returning false skips a group's content.
func (t *Table) Walk(fn func(depth, pos int, s Slot) bool) {
	t.walkRange(0, t.Len(), 0, fn)
}

func (t *Table) walkRange(start, end, depth int, fn func(depth, pos int, s Slot) bool) {
	for pos := start; pos < end; {
		s := t.At(pos)
		next := pos + s.span()
		if fn(depth, pos, s) && s.IsGroup() {
			t.walkRange(pos+1, next, depth+1, fn)
		}
		pos = next
	}
}

// -----------------------------------------------------------------------------
// Gap management
// -----------------------------------------------------------------------------

func (t *Table) phys(i int) int {
	if i < t.gapStart {
		return i
	}
	return i + t.gapLen
}

// moveGap moves the gap so it starts at logical position to.
func (t *Table) moveGap(to int) {
	from := t.gapStart
	if to == from {
		return
	}
	n := t.Len()
	if to < from {
		// Anchors in [to, from) cross to the after-gap side.
		lo, hi := t.searchAnchors(to), t.searchAnchors(from)
		for _, a := range t.anchors[lo:hi] {
			a.loc -= n
		}
		copy(t.buf[to+t.gapLen:], t.buf[to:from])
		clear(t.buf[to : to+t.gapLen])
	} else {
		// Anchors in [from, to) cross to the before-gap side.
		lo, hi := t.searchAnchors(from), t.searchAnchors(to)
		for _, a := range t.anchors[lo:hi] {
			a.loc += n
		}
		copy(t.buf[from:], t.buf[from+t.gapLen:to+t.gapLen])
		clear(t.buf[to : to+t.gapLen])
	}
	t.gapStart = to
}

// ensureGap grows the backing array until the gap holds at least k slots.
func (t *Table) ensureGap(k int) {
	if t.gapLen >= k {
		return
	}
	n := t.Len()
	size := max(len(t.buf)*2, n+k, minCapacity)
	buf := make([]Slot, size)
	copy(buf, t.buf[:t.gapStart])
	tail := t.buf[t.gapStart+t.gapLen:]
	copy(buf[size-len(tail):], tail)
	t.buf = buf
	t.gapLen = size - n
}

// -----------------------------------------------------------------------------
// Anchor bookkeeping
// -----------------------------------------------------------------------------

// AnchorFor returns an anchor naming logical position pos.
//
// Anchors are shared: asking twice for the same position returns the same
// anchor with its reference count raised. Each call must be paired with
// Release.
func (t *Table) AnchorFor(pos int) (*Anchor, error) {
	if pos < 0 || pos >= t.Len() {
		return nil, fmt.Errorf("anchor %w: %d (len %d)", ErrOutOfRange, pos, t.Len())
	}
	i := t.searchAnchors(pos)
	if i < len(t.anchors) {
		if at, _ := t.Resolve(t.anchors[i]); at == pos {
			t.anchors[i].refs++
			return t.anchors[i], nil
		}
	}
	a := &Anchor{table: t, valid: true, refs: 1}
	a.loc = t.encode(pos)
	t.anchors = slices.Insert(t.anchors, i, a)
	return a, nil
}

// Resolve returns the current logical position of a.
//
// Outputs:
//   - int: The position, or -1 when invalid.
//   - bool: False when the anchored slot was removed or a belongs to another
//     table.
func (t *Table) Resolve(a *Anchor) (int, bool) {
	if a == nil || !a.valid || a.table != t {
		return -1, false
	}
	if a.loc >= 0 {
		return a.loc, true
	}
	return a.loc + t.Len(), true
}

// Release drops one reference to a. The anchor is detached when the last
// reference is released.
func (t *Table) Release(a *Anchor) {
	if a == nil || !a.valid || a.table != t {
		return
	}
	a.refs--
	if a.refs > 0 {
		return
	}
	pos, _ := t.Resolve(a)
	for i := t.searchAnchors(pos); i < len(t.anchors); i++ {
		if t.anchors[i] == a {
			t.anchors = slices.Delete(t.anchors, i, i+1)
			break
		}
		if at, _ := t.Resolve(t.anchors[i]); at != pos {
			break
		}
	}
	a.invalidate()
}

// Anchors returns the number of live anchors.
func (t *Table) Anchors() int {
	return len(t.anchors)
}

// searchAnchors returns the index of the first anchor located at or after pos.
func (t *Table) searchAnchors(pos int) int {
	return sort.Search(len(t.anchors), func(i int) bool {
		at, _ := t.Resolve(t.anchors[i])
		return at >= pos
	})
}

// encode converts a logical position into gap-relative form.
func (t *Table) encode(pos int) int {
	if pos < t.gapStart {
		return pos
	}
	return pos - t.Len()
}

// place re-attaches a detached anchor at pos.
func (t *Table) place(a *Anchor, pos int) {
	a.loc = t.encode(pos)
	i := t.searchAnchors(pos)
	t.anchors = slices.Insert(t.anchors, i, a)
}
