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
	"reflect"
	"sort"

	"github.com/AleutianAI/recompose/services/compose/slots"
	"github.com/AleutianAI/recompose/services/compose/snapshot"
)

// -----------------------------------------------------------------------------
// Units
// -----------------------------------------------------------------------------

// Composable is a unit of composition. Compose emits groups, remembered
// values and nodes through c.
type Composable interface {
	Compose(c *Composer)
}

// ComposableFunc adapts a function to Composable.
type ComposableFunc func(c *Composer)

// Compose calls f(c).
func (f ComposableFunc) Compose(c *Composer) {
	f(c)
}

// Disposer is implemented by remembered values that own resources. Dispose
// is called once, after the pass that removed the value has applied.
type Disposer interface {
	Dispose() error
}

// Entered reports how StartGroup satisfied a key.
type Entered uint8

const (
	// Reused means the group under the cursor matched.
	Reused Entered = iota

	// Moved means a later sibling with the key was moved to the cursor.
	Moved

	// Inserted means a fresh group was created.
	Inserted
)

// String returns the outcome name.
func (e Entered) String() string {
	switch e {
	case Reused:
		return "reused"
	case Moved:
		return "moved"
	case Inserted:
		return "inserted"
	default:
		return fmt.Sprintf("entered(%d)", uint8(e))
	}
}

// -----------------------------------------------------------------------------
// Composer
// -----------------------------------------------------------------------------

// frame is one open group.
type frame struct {
	// start is the header position, -1 for the root.
	start int

	// end is the end of the group's not yet visited content. It moves with
	// every insert and remove made while the frame is open.
	end int

	children int
	nodes    int
	node     bool
	scope    *Scope

	// keys holds the explicit keys started in this group during the pass.
	keys map[Key]struct{}

	// index maps keys of unvisited children to their anchors, oldest first.
	// Built on the first key mismatch.
	index map[Key][]*slots.Anchor
}

// Composer is the cursor of one composition pass.
//
// Description:
//
//	Composables receive the Composer and use it to open groups, call child
//	units, remember values and emit nodes. Every edit happens at the cursor
//	position; ancestors' extents are tracked on the frame stack and written
//	back to their headers when they close.
//
// Thread Safety: NOT safe for concurrent use. Valid only during the pass.
type Composer struct {
	comp    *Composition
	table   *slots.Table
	applier Applier
	snap    *snapshot.Snapshot

	pos    int
	frames []*frame
	scopes []*Scope

	pending   map[ScopeID]struct{}
	reads     map[snapshot.ObjectID][]ScopeID
	ran       []ScopeID
	disposals []Disposer
	stats     PassStats
}

func newComposer(comp *Composition, pending []ScopeID) *Composer {
	c := &Composer{
		comp:    comp,
		table:   comp.table,
		applier: comp.applier,
		pending: make(map[ScopeID]struct{}, len(pending)),
		reads:   make(map[snapshot.ObjectID][]ScopeID),
	}
	for _, id := range pending {
		c.pending[id] = struct{}{}
	}
	return c
}

// Snapshot returns the pass snapshot. Reads through it are recorded as
// dependencies of the running scope.
func (c *Composer) Snapshot() *snapshot.Snapshot {
	return c.snap
}

// Composition returns the composition running the pass.
func (c *Composer) Composition() *Composition {
	return c.comp
}

// Scope returns the id of the innermost running scope, 0 if none.
func (c *Composer) Scope() ScopeID {
	if len(c.scopes) == 0 {
		return 0
	}
	return c.scopes[len(c.scopes)-1].id
}

// Pos returns the cursor position.
func (c *Composer) Pos() int {
	return c.pos
}

// Depth returns the number of open groups, excluding the root.
func (c *Composer) Depth() int {
	return len(c.frames) - 1
}

func (c *Composer) top() *frame {
	if len(c.frames) == 0 {
		c.fault("no open group", nil)
		return nil
	}
	return c.frames[len(c.frames)-1]
}

// fault aborts the pass. The panic is recovered by Composition.Recompose.
func (c *Composer) fault(reason string, err error) {
	fe := &StructuralFaultError{Pos: c.pos, Reason: reason, Err: err}
	if n := len(c.frames); n > 0 && c.frames[n-1].start >= 0 && c.frames[n-1].start < c.table.Len() {
		fe.Key = c.table.At(c.frames[n-1].start).Key
	}
	panic(fe)
}

// -----------------------------------------------------------------------------
// Table edits
// -----------------------------------------------------------------------------

// shift moves the end of every open frame. All open frames contain the
// cursor, so an edit at the cursor changes all of them by the same amount.
func (c *Composer) shift(n int) {
	for _, f := range c.frames {
		f.end += n
	}
}

func (c *Composer) insert(s ...slots.Slot) {
	if err := c.table.Insert(c.pos, s...); err != nil {
		c.fault("insert", err)
	}
	c.shift(len(s))
}

// removeRange deletes [from, to), drops the scopes of removed groups and
// queues removed disposers.
func (c *Composer) removeRange(from, to int) {
	n := to - from
	if n <= 0 {
		return
	}
	removed, err := c.table.Remove(from, n)
	if err != nil {
		c.fault("remove", err)
	}
	c.shift(-n)

	for _, s := range removed {
		switch s.Kind {
		case slots.KindGroup:
			c.stats.Removed++
			if s.Scope != 0 {
				id := ScopeID(s.Scope)
				delete(c.pending, id)
				c.comp.dropScope(id)
			}
		case slots.KindValue:
			if d, ok := s.Value.(Disposer); ok {
				c.disposals = append(c.disposals, d)
			}
		}
	}
}

// emitsIn sums the nodes contributed by the items in [from, to).
func (c *Composer) emitsIn(from, to int) int {
	n := 0
	for p := from; p < to; p = c.table.End(p) {
		n += c.table.At(p).Emits()
	}
	return n
}

// nodeIndex returns the child index the next node takes under the current
// applier node.
func (c *Composer) nodeIndex() int {
	idx := 0
	for i := len(c.frames) - 1; i >= 0; i-- {
		f := c.frames[i]
		idx += f.nodes
		if f.node {
			break
		}
	}
	return idx
}

// -----------------------------------------------------------------------------
// Groups
// -----------------------------------------------------------------------------

// StartGroup opens a group identified by key at the cursor.
//
// Description:
//
//	If the group under the cursor has key it is reused. Otherwise the
//	parent's unvisited children are indexed by key (once per parent per
//	pass) and the oldest unvisited match is moved to the cursor. With no
//	match a fresh group is inserted. Explicit keys repeated within one
//	parent, and key data of an incomparable type, are structural faults.
//
// Outputs:
//   - Entered: Reused, Moved or Inserted.
func (c *Composer) StartGroup(key Key) Entered {
	if key.Data != nil && !reflect.TypeOf(key.Data).Comparable() {
		c.fault(fmt.Sprintf("key data of type %T is not comparable", key.Data), nil)
	}
	parent := c.top()
	if key.Explicit() {
		if _, dup := parent.keys[key]; dup {
			c.fault(fmt.Sprintf("duplicate key %s among siblings", key), nil)
		}
		if parent.keys == nil {
			parent.keys = make(map[Key]struct{})
		}
		parent.keys[key] = struct{}{}
	}
	parent.children++

	entered := Inserted
	if c.pos < parent.end {
		if cur := c.table.At(c.pos); cur.IsGroup() && cur.Key == key {
			entered = Reused
		} else {
			entered = c.seek(parent, key)
		}
	}
	if entered == Inserted {
		c.insert(slots.Group(key))
		c.stats.Inserted++
	}

	hdr := c.table.At(c.pos)
	c.frames = append(c.frames, &frame{start: c.pos, end: c.pos + hdr.Size})
	c.pos++
	return entered
}

// seek moves the oldest unvisited sibling with key to the cursor.
func (c *Composer) seek(parent *frame, key Key) Entered {
	if parent.index == nil {
		c.buildIndex(parent)
	}
	queue := parent.index[key]
	defer func() {
		if len(queue) == 0 {
			delete(parent.index, key)
		} else {
			parent.index[key] = queue
		}
	}()

	for len(queue) > 0 {
		a := queue[0]
		queue = queue[1:]
		loc, ok := c.table.Resolve(a)
		c.table.Release(a)
		if !ok || loc <= c.pos || loc >= parent.end {
			continue
		}

		moved := c.table.At(loc)
		if n := moved.Emits(); n > 0 {
			to := c.nodeIndex()
			c.applier.Move(to+c.emitsIn(c.pos, loc), to, n)
		}
		if err := c.table.Move(loc, moved.Size, c.pos); err != nil {
			c.fault("move", err)
		}
		c.stats.Moved++
		return Moved
	}
	return Inserted
}

func (c *Composer) buildIndex(parent *frame) {
	parent.index = make(map[Key][]*slots.Anchor)
	for p := c.pos; p < parent.end; p = c.table.End(p) {
		s := c.table.At(p)
		if !s.IsGroup() {
			continue
		}
		a, err := c.table.AnchorFor(p)
		if err != nil {
			c.fault("index children", err)
		}
		parent.index[s.Key] = append(parent.index[s.Key], a)
	}
}

// EndGroup closes the innermost group, removing whatever the pass did not
// revisit in it.
func (c *Composer) EndGroup() {
	f := c.top()
	if len(c.frames) <= 1 || (f.scope != nil && len(c.scopes) > 0 && c.scopes[len(c.scopes)-1] == f.scope) {
		c.fault("end group without matching start", nil)
	}
	c.trim(f)
	c.frames = c.frames[:len(c.frames)-1]
	c.close(f)
}

// trim removes the unvisited tail of f. f must be the innermost frame.
func (c *Composer) trim(f *frame) {
	if c.pos >= f.end {
		return
	}
	if n := c.emitsIn(c.pos, f.end); n > 0 {
		c.applier.Remove(c.nodeIndex(), n)
	}
	c.removeRange(c.pos, f.end)
}

// close writes f's extent back to its header. f must already be popped.
func (c *Composer) close(f *frame) {
	if f.start >= 0 {
		if err := c.table.CloseGroup(f.start, c.pos, f.children); err != nil {
			c.fault("close group", err)
		}
		if err := c.table.Update(f.start, func(s *slots.Slot) {
			s.Node = f.node
			s.Nodes = f.nodes
		}); err != nil {
			c.fault("close group", err)
		}
	}
	for _, queue := range f.index {
		for _, a := range queue {
			c.table.Release(a)
		}
	}
	if f.node {
		c.applier.Up()
	}
	if len(c.frames) > 0 {
		parent := c.frames[len(c.frames)-1]
		if f.node {
			parent.nodes++
		} else {
			parent.nodes += f.nodes
		}
	}
}

// SkipCurrentGroup moves the cursor to the end of the innermost group,
// keeping its remaining content unchanged.
//
// When no child group has been visited yet the header's cached counts are
// used and the skip is O(1).
func (c *Composer) SkipCurrentGroup() {
	c.skipRest(c.top())
}

func (c *Composer) skipRest(f *frame) {
	if f.start >= 0 && f.children == 0 && f.nodes == 0 {
		hdr := c.table.At(f.start)
		f.children, f.nodes = hdr.Children, hdr.Nodes
	} else {
		for p := c.pos; p < f.end; p = c.table.End(p) {
			if s := c.table.At(p); s.IsGroup() {
				f.children++
				f.nodes += s.Emits()
			}
		}
	}
	c.pos = f.end
}

// -----------------------------------------------------------------------------
// Values
// -----------------------------------------------------------------------------

// Remember returns the value stored at the cursor, or stores and returns
// calc() when the group has none there yet.
func (c *Composer) Remember(calc func() any) any {
	f := c.top()
	if c.pos < f.end {
		if s := c.table.At(c.pos); s.Kind == slots.KindValue {
			c.pos++
			return s.Value
		}
	}
	v := calc()
	c.insert(slots.Value(v))
	c.pos++
	return v
}

// changed stores v at the cursor and reports whether it differs from the
// value stored there by the previous pass.
func (c *Composer) changed(v any) bool {
	f := c.top()
	if c.pos < f.end {
		if s := c.table.At(c.pos); s.Kind == slots.KindValue {
			if reflect.DeepEqual(s.Value, v) {
				c.pos++
				return false
			}
			if err := c.table.Update(c.pos, func(s *slots.Slot) { s.Value = v }); err != nil {
				c.fault("update input", err)
			}
			c.pos++
			return true
		}
	}
	c.insert(slots.Value(v))
	c.pos++
	return true
}

// -----------------------------------------------------------------------------
// Scopes
// -----------------------------------------------------------------------------

// Call runs unit in a restartable scope identified by key.
//
// Description:
//
//	The inputs are remembered in the scope's group. When they are
//	deep-equal to the previous pass's inputs and the scope is not invalid,
//	unit is not run: the cursor skips to the group end, descending only
//	where a nested scope is invalid. Otherwise unit runs and the reads it
//	makes through the pass snapshot replace the scope's dependencies.
//
// Inputs:
//   - key: Group key, usually LocationKey() or WithKey(id).
//   - unit: The body.
//   - inputs: Values the body depends on besides state reads.
func (c *Composer) Call(key Key, unit Composable, inputs ...any) {
	entered := c.StartGroup(key)
	f := c.top()
	scope := c.scopeFor(f)

	var in any
	if len(inputs) > 0 {
		in = inputs
	}
	changed := c.changed(in)
	c.runScope(f, scope, unit, entered == Inserted || changed)
	c.EndGroup()
}

// scopeFor returns the scope bound to f's group, creating it on first use.
func (c *Composer) scopeFor(f *frame) *Scope {
	hdr := c.table.At(f.start)
	if hdr.Scope != 0 {
		if s, ok := c.comp.scopes[ScopeID(hdr.Scope)]; ok {
			f.scope = s
			return s
		}
	}
	s := c.comp.newScope(hdr.Key, f.start)
	if err := c.table.Update(f.start, func(sl *slots.Slot) { sl.Scope = uint64(s.id) }); err != nil {
		c.fault("bind scope", err)
	}
	f.scope = s
	return s
}

func (c *Composer) runScope(f *frame, scope *Scope, unit Composable, force bool) {
	_, invalid := c.pending[scope.id]
	if !force && !invalid && scope.body != nil {
		scope.body = unit
		c.stats.Skipped++
		if c.hasPendingIn(c.pos, f.end) {
			c.walk(f)
		} else {
			c.skipRest(f)
		}
		return
	}

	delete(c.pending, scope.id)
	c.comp.sched.Clear(scope.id)
	scope.body = unit
	scope.runs++
	c.stats.Executed++
	c.ran = append(c.ran, scope.id)

	c.comp.sched.BeginScope(scope.id)
	c.scopes = append(c.scopes, scope)
	depth := len(c.frames)

	unit.Compose(c)

	if len(c.frames) != depth || c.frames[depth-1] != f {
		c.fault("unbalanced groups in scope body", nil)
	}
	c.scopes = c.scopes[:len(c.scopes)-1]
	c.comp.sched.CommitScope(scope.id)
}

// recordRead is the pass snapshot's read observer.
func (c *Composer) recordRead(oid snapshot.ObjectID) {
	if len(c.scopes) == 0 {
		return
	}
	id := c.scopes[len(c.scopes)-1].id
	c.comp.sched.Record(id, oid)
	c.reads[oid] = append(c.reads[oid], id)
}

// outdated returns the objects read during the pass that a concurrent
// commit has changed since the pass snapshot was taken.
func (c *Composer) outdated() []snapshot.ObjectID {
	var out []snapshot.ObjectID
	for oid := range c.reads {
		if c.snap.Outdated(oid) {
			out = append(out, oid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// -----------------------------------------------------------------------------
// Partial recomposition
// -----------------------------------------------------------------------------

// nextPending returns the smallest header position in [from, to) of an
// invalid scope.
func (c *Composer) nextPending(from, to int) (int, bool) {
	best, found := 0, false
	for id := range c.pending {
		s, ok := c.comp.scopes[id]
		if !ok {
			delete(c.pending, id)
			continue
		}
		pos, ok := c.table.Resolve(s.anchor)
		if !ok {
			delete(c.pending, id)
			continue
		}
		if pos >= from && pos < to && (!found || pos < best) {
			best, found = pos, true
		}
	}
	return best, found
}

func (c *Composer) hasPendingIn(from, to int) bool {
	if len(c.pending) == 0 {
		return false
	}
	_, ok := c.nextPending(from, to)
	return ok
}

// walk visits the rest of f touching only groups that contain an invalid
// scope; everything else is skipped through cached header sizes.
func (c *Composer) walk(f *frame) {
	for c.pos < f.end {
		target, ok := c.nextPending(c.pos, f.end)
		if !ok {
			break
		}
		for {
			end := c.table.End(c.pos)
			if end > target {
				break
			}
			if s := c.table.At(c.pos); s.IsGroup() {
				f.children++
				f.nodes += s.Emits()
			}
			c.pos = end
		}

		s := c.table.At(c.pos)
		if c.pos == target && s.Scope != 0 {
			c.rerun(s)
		} else {
			c.descend(s)
		}
	}
	c.skipRest(f)
}

// descend enters the group at the cursor without running anything and
// walks it.
func (c *Composer) descend(s slots.Slot) {
	if !s.IsGroup() {
		c.fault(fmt.Sprintf("descend into %s slot", s.Kind), nil)
	}
	c.top().children++
	f := &frame{start: c.pos, end: c.pos + s.Size, node: s.Node}
	c.frames = append(c.frames, f)
	c.pos++
	if s.Node {
		c.applier.Down(c.table.At(c.pos).Value)
	}
	c.walk(f)
	c.frames = c.frames[:len(c.frames)-1]
	c.close(f)
}

// rerun re-enters the invalid scope whose header is at the cursor.
func (c *Composer) rerun(s slots.Slot) {
	scope, ok := c.comp.scopes[ScopeID(s.Scope)]
	if !ok || scope.body == nil {
		delete(c.pending, ScopeID(s.Scope))
		c.descend(s)
		return
	}
	c.top().children++
	f := &frame{start: c.pos, end: c.pos + s.Size, scope: scope}
	c.frames = append(c.frames, f)
	c.pos++
	if c.pos < f.end && c.table.At(c.pos).Kind == slots.KindValue {
		c.pos++
	}
	c.runScope(f, scope, scope.body, true)
	c.EndGroup()
}

// -----------------------------------------------------------------------------
// Nodes
// -----------------------------------------------------------------------------

// StartNode opens a group that emits a structural node.
//
// Description:
//
//	On first composition factory creates the node, which is remembered in
//	the group and inserted into the applier at the current child index.
//	Later passes reuse the remembered node. Children emitted before the
//	matching EndNode become the node's children.
//
// Outputs:
//   - any: The node.
func (c *Composer) StartNode(key Key, factory func() any) any {
	idx := c.nodeIndex()
	entered := c.StartGroup(key)
	f := c.top()
	f.node = true

	var node any
	if entered != Inserted && c.pos < f.end && c.table.At(c.pos).Kind == slots.KindValue {
		node = c.table.At(c.pos).Value
		c.pos++
	} else {
		node = factory()
		c.insert(slots.Value(node))
		c.pos++
		c.applier.Insert(idx, node)
	}
	c.applier.Down(node)
	return node
}

// EndNode closes the group opened by StartNode.
func (c *Composer) EndNode() {
	if f := c.top(); !f.node {
		c.fault("end node closes a plain group", nil)
	}
	c.EndGroup()
}

// -----------------------------------------------------------------------------
// Pass entry
// -----------------------------------------------------------------------------

// compose runs one pass. A full pass re-runs content from the root; a
// partial pass only visits invalid scopes.
func (c *Composer) compose(content Composable, full bool) {
	root := &frame{start: -1, end: c.table.Len()}
	c.frames = []*frame{root}
	c.pos = 0

	if full {
		c.StartGroup(rootKey)
		f := c.top()
		scope := c.scopeFor(f)
		c.changed(nil)
		c.runScope(f, scope, content, true)
		c.EndGroup()
		c.trim(root)
	} else {
		c.walk(root)
	}

	if len(c.frames) != 1 {
		c.fault("groups left open at end of pass", nil)
	}
	c.frames = nil
}

// execute runs compose and converts structural faults into errors.
func (c *Composer) execute(content Composable, full bool) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		for _, s := range c.scopes {
			c.comp.sched.AbortScope(s.id)
		}
		fe, ok := r.(*StructuralFaultError)
		if !ok {
			panic(r)
		}
		if fe.Pos == 0 {
			fe.Pos = c.pos
		}
		err = fe
	}()
	c.compose(content, full)
	return nil
}
