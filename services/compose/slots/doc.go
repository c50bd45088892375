// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package slots provides the positional tree store used by the composer.
//
// # Layout
//
// The tree is flattened into one array of slots. A group occupies a
// contiguous run that starts with a group header slot and is followed by its
// content: remembered values and child groups, in call order.
//
//	index:  0        1       2        3       4        5
//	      ┌────────┬───────┬────────┬───────┬────────┬───────┐
//	      │ G root │ value │ G a    │ value │ G b    │ value │
//	      │ size=6 │       │ size=2 │       │ size=2 │       │
//	      └────────┴───────┴────────┴───────┴────────┴───────┘
//
// The header stores the total size of the group (header included), so the
// end of any group is found in O(1) and whole subtrees can be skipped.
//
// # Gap Buffer
//
// The array is a gap buffer. Inserts and removes at the gap are amortized
// O(1); moving the gap costs O(distance). The composer edits close to its
// cursor, so the gap follows it and most edits are local.
//
// # Anchors
//
// An Anchor names a logical position that survives structural edits. Anchor
// locations are stored relative to the gap: non-negative when the anchored
// slot is before the gap, and as a negative distance from the end when it is
// after. Inserting or removing at the gap leaves every stored location
// valid; only anchors that the gap crosses when it moves are rewritten, and
// anchors inside a removed range are invalidated.
//
// # Thread Safety
//
// Table and Cursor are not safe for concurrent use. The composer serializes
// all structural edits on a tree.
package slots
