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
	"fmt"
	"slices"
	"strings"
)

// Applier receives the structural node edits a pass produces.
//
// Indices are positions among the children of the current node. The
// composer calls Down before emitting a node's children and Up after.
type Applier interface {
	// Down makes node the current node.
	Down(node any)

	// Up makes the parent of the current node current.
	Up()

	// Insert places node at index among the current node's children.
	Insert(index int, node any)

	// Remove deletes count children starting at index.
	Remove(index, count int)

	// Move relocates count children starting at from so they begin at to,
	// with to expressed in positions before the move.
	Move(from, to, count int)

	// Reset makes the root current again.
	Reset()

	// Clear removes every node.
	Clear()
}

// Node is the element type kept by MemoryApplier.
type Node struct {
	Name     string
	Value    any
	Children []*Node
}

// String renders the subtree, one node per line, indented by depth.
func (n *Node) String() string {
	var b strings.Builder
	n.write(&b, 0)
	return b.String()
}

func (n *Node) write(b *strings.Builder, depth int) {
	b.WriteString(strings.Repeat("  ", depth))
	b.WriteString(n.Name)
	if n.Value != nil {
		fmt.Fprintf(b, "=%v", n.Value)
	}
	b.WriteByte('\n')
	for _, c := range n.Children {
		c.write(b, depth+1)
	}
}

// Names returns the names of n's direct children.
func (n *Node) Names() []string {
	out := make([]string, len(n.Children))
	for i, c := range n.Children {
		out[i] = c.Name
	}
	return out
}

// MemoryApplier keeps the emitted nodes as an in-memory *Node tree.
//
// Node factories used with a MemoryApplier must return *Node.
//
// Thread Safety: NOT safe for concurrent use; driven by one composition.
type MemoryApplier struct {
	root  *Node
	stack []*Node
}

// NewMemoryApplier returns an applier with an empty root named "root".
func NewMemoryApplier() *MemoryApplier {
	root := &Node{Name: "root"}
	return &MemoryApplier{root: root, stack: []*Node{root}}
}

// Root returns the root node.
func (a *MemoryApplier) Root() *Node {
	return a.root
}

func (a *MemoryApplier) current() *Node {
	return a.stack[len(a.stack)-1]
}

// Down implements Applier.
func (a *MemoryApplier) Down(node any) {
	n, ok := node.(*Node)
	if !ok {
		panic(&StructuralFaultError{Reason: fmt.Sprintf("memory applier node has type %T, want *composer.Node", node)})
	}
	a.stack = append(a.stack, n)
}

// Up implements Applier.
func (a *MemoryApplier) Up() {
	if len(a.stack) > 1 {
		a.stack = a.stack[:len(a.stack)-1]
	}
}

// Insert implements Applier.
func (a *MemoryApplier) Insert(index int, node any) {
	n, ok := node.(*Node)
	if !ok {
		panic(&StructuralFaultError{Reason: fmt.Sprintf("memory applier node has type %T, want *composer.Node", node)})
	}
	cur := a.current()
	cur.Children = slices.Insert(cur.Children, index, n)
}

// Remove implements Applier.
func (a *MemoryApplier) Remove(index, count int) {
	cur := a.current()
	cur.Children = slices.Delete(cur.Children, index, index+count)
}

// Move implements Applier.
func (a *MemoryApplier) Move(from, to, count int) {
	cur := a.current()
	moved := slices.Clone(cur.Children[from : from+count])
	cur.Children = slices.Delete(cur.Children, from, from+count)
	if to > from {
		to -= count
	}
	cur.Children = slices.Insert(cur.Children, to, moved...)
}

// Reset implements Applier.
func (a *MemoryApplier) Reset() {
	a.stack = a.stack[:1]
}

// Clear implements Applier.
func (a *MemoryApplier) Clear() {
	a.root.Children = nil
	a.stack = a.stack[:1]
}

// nopApplier is used when a composition emits no nodes.
type nopApplier struct{}

func (nopApplier) Down(any) {}
func (nopApplier) Up() {}
func (nopApplier) Insert(int, any) {}
func (nopApplier) Remove(int, int) {}
func (nopApplier) Move(int, int, int) {}
func (nopApplier) Reset() {}
func (nopApplier) Clear() {}
