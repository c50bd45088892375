// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package composer walks the slot table during a composition pass.
//
// # Overview
//
// A Composition owns one slot table, one content Composable and a set of
// restartable scopes. Each call to Recompose runs one pass:
//
//	Recompose(ctx)
//	  ├─ scheduler.BeginPass          (frame ceiling)
//	  ├─ open mutable pass snapshot   (reads recorded per scope)
//	  ├─ full pass:    run content from the root
//	  │  partial pass: descend only into groups holding invalid scopes
//	  ├─ apply pass snapshot          (conflict → scopes re-invalidated)
//	  └─ dispose removed state        (exactly once, after apply)
//
// # Groups
//
// StartGroup reuses the group under the cursor when its key matches. On the
// first mismatch inside a parent the composer indexes the parent's unvisited
// children by key; a later match is moved to the cursor, so keyed children
// keep their state across reorders. Unmatched keys insert a fresh group.
// EndGroup removes whatever the body did not revisit.
//
// # Scopes
//
// Call opens a group bound to a Scope. The call's inputs are remembered in
// the group; when they are deep-equal to the previous pass and the scope is
// not invalid, the body is skipped and the cursor jumps to the group end.
//
// # Faults
//
// Unbalanced groups, duplicate explicit keys and remembered values of the
// wrong type are structural faults. They abort the pass with a
// *StructuralFaultError; the composition refuses further passes.
//
// # Thread Safety
//
// A Composition serializes its passes. A Composer is only valid inside the
// pass that created it and must not be retained or shared.
package composer
