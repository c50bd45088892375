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

// Anchor is a stable handle to a logical position in a Table.
//
// The stored location is gap-relative; use Table.Resolve or Location to get
// the logical position. An anchor becomes invalid when its slot is removed
// or its last reference is released.
type Anchor struct {
	table *Table
	loc   int
	refs  int
	valid bool
}

// Valid reports whether the anchored slot still exists.
func (a *Anchor) Valid() bool {
	return a != nil && a.valid
}

// Location resolves the anchor against its table.
func (a *Anchor) Location() (int, bool) {
	if a == nil {
		return -1, false
	}
	return a.table.Resolve(a)
}

func (a *Anchor) invalidate() {
	a.valid = false
	a.refs = 0
}
