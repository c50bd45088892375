// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"log/slog"
	"slices"
	"sort"
)

// Threshold returns the smallest base among open snapshots, or the newest
// commit when none are open. Records superseded at or before the threshold
// are unreachable.
func (sys *System) Threshold() ID {
	sys.openMu.Lock()
	defer sys.openMu.Unlock()

	threshold := sys.Committed()
	for _, s := range sys.open {
		if b := s.Base(); b < threshold {
			threshold = b
		}
	}
	return threshold
}

// Collect drops records no open or future snapshot can observe.
//
// Description:
//
//	For every object, the newest record with id <= Threshold is kept along
//	with everything after it; older records are dropped. An object whose
//	only remaining record is a tombstone at or below the threshold is
//	removed from the system.
//
// Outputs:
//   - int: Number of records dropped.
//
// Thread Safety: Safe for concurrent use. Blocks commits while running.
func (sys *System) Collect() int {
	threshold := sys.Threshold()

	sys.commitMu.Lock()
	defer sys.commitMu.Unlock()
	sys.objMu.Lock()
	defer sys.objMu.Unlock()

	dropped, removed := 0, 0
	for oid, o := range sys.objects {
		recs := o.records()
		i := sort.Search(len(recs), func(i int) bool { return recs[i].id > threshold })
		if i == 0 {
			continue
		}
		keep := i - 1
		if recs[keep].tombstone && keep == len(recs)-1 {
			delete(sys.objects, oid)
			dropped += len(recs)
			removed++
			continue
		}
		if keep == 0 {
			continue
		}
		trimmed := slices.Clone(recs[keep:])
		o.chain.Store(&trimmed)
		dropped += keep
	}

	if dropped > 0 {
		recordsLive.Sub(float64(dropped))
		recordsCollected.Add(float64(dropped))
		sys.logger.Debug("snapshot records collected",
			slog.Uint64("threshold", uint64(threshold)),
			slog.Int("records", dropped),
			slog.Int("objects_removed", removed),
		)
	}
	return dropped
}
