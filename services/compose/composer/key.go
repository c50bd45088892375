// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package composer

import (
	"encoding/binary"
	"hash/fnv"
	"runtime"
	"strconv"

	"github.com/AleutianAI/recompose/services/compose/slots"
)

// Key identifies a group among its siblings.
type Key = slots.Key

// rootKey opens the group that holds the composition's content.
var rootKey = NamedKey("recompose/root", nil)

// LocationKey returns a key for the caller's source location.
//
// Repeated calls from one call site produce the same key, so groups opened
// in a loop should use WithKey to stay distinguishable. Separate call sites
// differ even when they share a line.
func LocationKey() Key {
	return siteKey(2, nil)
}

// WithKey returns a key for the caller's source location carrying data as
// its explicit identity. data must be comparable and unique among siblings.
func WithKey(data any) Key {
	return siteKey(2, data)
}

// NamedKey returns a key whose site is derived from name instead of a
// source location.
func NamedKey(name string, data any) Key {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return Key{Site: h.Sum64(), Data: data}
}

func siteKey(skip int, data any) Key {
	pc, file, line, ok := runtime.Caller(skip)
	if !ok {
		return Key{Data: data}
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(file))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(strconv.Itoa(line)))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(pc))
	_, _ = h.Write(buf[:])
	return Key{Site: h.Sum64(), Data: data}
}
