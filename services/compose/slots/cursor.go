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

import "fmt"

// Cursor is a read/write head over a Table.
//
// Description:
//
//	The cursor walks items in document order. Between BeginInsert and the
//	matching EndInsert, writes are counted as one insertion run; nesting is
//	allowed and tracked.
//
// Thread Safety: NOT safe for concurrent use.
type Cursor struct {
	table   *Table
	pos     int
	inserts []int
}

// NewCursor returns a cursor positioned at the start of t.
func NewCursor(t *Table) *Cursor {
	return &Cursor{table: t}
}

// Table returns the table the cursor walks.
func (c *Cursor) Table() *Table {
	return c.table
}

// Pos returns the current logical position.
func (c *Cursor) Pos() int {
	return c.pos
}

// Seek moves the cursor to pos.
func (c *Cursor) Seek(pos int) {
	c.pos = pos
}

// Current returns the slot under the cursor, if any.
func (c *Cursor) Current() (Slot, bool) {
	if c.pos < 0 || c.pos >= c.table.Len() {
		return Slot{}, false
	}
	return c.table.At(c.pos), true
}

// Advance moves past the item under the cursor: a whole group or one value.
func (c *Cursor) Advance() {
	if c.pos < c.table.Len() {
		c.pos = c.table.End(c.pos)
	}
}

// Skip moves forward n slots.
func (c *Cursor) Skip(n int) {
	c.pos += n
}

// BeginInsert opens an insertion run at the cursor.
func (c *Cursor) BeginInsert() {
	c.inserts = append(c.inserts, c.pos)
}

// EndInsert closes the innermost insertion run.
//
// Outputs:
//   - int: Number of slots between the run start and the cursor.
//   - error: Wraps ErrStructuralFault if no run is open.
func (c *Cursor) EndInsert() (int, error) {
	if len(c.inserts) == 0 {
		return 0, fmt.Errorf("%w: end insert without begin", ErrStructuralFault)
	}
	start := c.inserts[len(c.inserts)-1]
	c.inserts = c.inserts[:len(c.inserts)-1]
	return c.pos - start, nil
}

// Inserting reports whether an insertion run is open.
func (c *Cursor) Inserting() bool {
	return len(c.inserts) > 0
}

// Write inserts s at the cursor and advances past it.
func (c *Cursor) Write(s Slot) error {
	if err := c.table.Insert(c.pos, s); err != nil {
		return err
	}
	c.pos++
	return nil
}

// RemoveTo deletes the slots in [Pos(), end).
func (c *Cursor) RemoveTo(end int) ([]Slot, error) {
	if end <= c.pos {
		return nil, nil
	}
	return c.table.Remove(c.pos, end-c.pos)
}
