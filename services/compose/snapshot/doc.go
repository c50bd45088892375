// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot provides the multi-version state store used by the
// composition runtime.
//
// # Architecture Overview
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│                            System                                │
//	│                                                                  │
//	│   id counter ──► Open(mutable) ──► Snapshot{id, base, overlay}   │
//	│                                                                  │
//	│   objects:  ObjectID ──► record chain [ (id, value) ... ]        │
//	│                                                                  │
//	│   Apply: validate overlay vs records in (base, now]              │
//	│          ├─ conflict ──► ConflictError, nothing changes          │
//	│          └─ ok ──► one fresh id, one record per entry,           │
//	│                    WriteSet to observers                         │
//	└──────────────────────────────────────────────────────────────────┘
//
// # Core Concepts
//
// ## Snapshot
//
// A snapshot is an isolated view of every object at one logical point in
// time. It observes records committed with id <= its base plus its own
// write overlay. Mutable snapshots buffer writes in the overlay; nothing is
// visible to anyone else until Apply.
//
// ## Record chain
//
// Each object keeps its committed values ordered by id. Chains are
// copy-on-write slices published through an atomic pointer, so reads never
// take a lock and never wait for a commit.
//
// ## Global snapshot
//
// The System always has one mutable global snapshot. It reads the newest
// committed state. Writes made outside an explicit transaction land in its
// overlay and are committed, last-writer-wins, by AdvanceGlobal and after
// every successful Apply.
//
// ## Garbage collection
//
// Records older than the newest record visible at the minimum open base can
// never be read again and are dropped by Collect. Disposed objects are
// removed once their tombstone is below that threshold.
//
// # Thread Safety
//
// System and Snapshot are safe for concurrent use. Apply validation and
// commit run in one short critical section shared by all snapshots.
//
// # Usage Example
//
//	sys := snapshot.NewSystem(snapshot.DefaultConfig())
//	defer sys.Close()
//
//	x, _ := sys.NewObject(0, nil)
//
//	s := sys.Open(true)
//	_ = s.Write(x, 1)
//	if err := s.Apply(ctx); errors.Is(err, snapshot.ErrConflict) {
//	    // retry with a fresh snapshot
//	}
package snapshot
