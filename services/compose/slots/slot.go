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
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrStructuralFault indicates unbalanced groups or a slot that does not
	// hold what the reader expected.
	ErrStructuralFault = errors.New("structural fault")

	// ErrOutOfRange indicates a position outside the table.
	ErrOutOfRange = errors.New("position out of range")

	// ErrInvalidAnchor indicates an anchor whose slot was removed.
	ErrInvalidAnchor = errors.New("anchor is invalid")
)

// -----------------------------------------------------------------------------
// Slot
// -----------------------------------------------------------------------------

// Kind discriminates the content of a slot.
type Kind uint8

const (
	// KindEmpty is the zero slot. It only appears inside the gap.
	KindEmpty Kind = iota

	// KindGroup marks a group header.
	KindGroup

	// KindValue marks a remembered value owned by the enclosing group.
	KindValue
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindGroup:
		return "group"
	case KindValue:
		return "value"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Key identifies a group among its siblings.
//
// Site is the call-site hash of the composable that opened the group. Data
// is an optional explicit key supplied by the caller; when set it must be a
// comparable value and must be unique among siblings.
type Key struct {
	Site uint64
	Data any
}

// Explicit reports whether the key carries caller supplied data.
func (k Key) Explicit() bool {
	return k.Data != nil
}

// String formats the key for logs and tree dumps.
func (k Key) String() string {
	if k.Data == nil {
		return fmt.Sprintf("%x", k.Site)
	}
	return fmt.Sprintf("%x/%v", k.Site, k.Data)
}

// Slot is one storage cell of the table.
//
// Group headers use Key, Size, Children, Node, Nodes and Scope. Value slots
// use Value only.
type Slot struct {
	Kind Kind

	// Key identifies a group header among its siblings.
	Key Key

	// Size is the number of slots spanned by the group, header included.
	Size int

	// Children is the number of direct child groups.
	Children int

	// Node marks a group that emitted a structural node.
	Node bool

	// Nodes is the number of structural nodes directly under the group: its
	// node children for a node group, the nodes it passes through otherwise.
	Nodes int

	// Scope is the recompose scope bound to the group, 0 if none.
	Scope uint64

	// Value is the payload of a value slot.
	Value any
}

// IsGroup reports whether the slot is a group header.
func (s Slot) IsGroup() bool {
	return s.Kind == KindGroup
}

// Emits returns the number of structural nodes the item contributes to its
// nearest node ancestor.
func (s Slot) Emits() int {
	switch {
	case s.Kind != KindGroup:
		return 0
	case s.Node:
		return 1
	default:
		return s.Nodes
	}
}

// Group returns a new group header for key with no content yet.
func Group(key Key) Slot {
	return Slot{Kind: KindGroup, Key: key, Size: 1}
}

// Value returns a new value slot.
func Value(v any) Slot {
	return Slot{Kind: KindValue, Value: v}
}

// span returns the number of slots the item starting with s covers.
func (s Slot) span() int {
	if s.Kind == KindGroup {
		return s.Size
	}
	return 1
}
