// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package listview is a keyed list composition used by the CLI and the HTTP
// server.
//
// The list is held in one state object. Its content emits a "list" node with
// one keyed row per item. Each row remembers the label of the edit that
// first composed it, so a row that moves keeps its value and a row that is
// removed and added again starts over.
package listview

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/AleutianAI/recompose/services/compose/composer"
	"github.com/AleutianAI/recompose/services/compose/host"
	"github.com/AleutianAI/recompose/services/compose/snapshot"
	"github.com/AleutianAI/recompose/services/compose/state"
)

// List is a keyed list bound to one snapshot system.
//
// Thread Safety: SetItems is safe from any goroutine. Content must be
// composed by one composition.
type List struct {
	items *state.Handle[[]string]
	label atomic.Pointer[string]
}

// New creates the list state with initial items, labelled label.
func New(sys *snapshot.System, label string, initial []string) (*List, error) {
	h, err := state.New(sys, initial)
	if err != nil {
		return nil, fmt.Errorf("create list state: %w", err)
	}
	l := &List{items: h}
	l.label.Store(&label)
	return l, nil
}

// Items returns the list's state handle.
func (l *List) Items() *state.Handle[[]string] {
	return l.items
}

// Label returns the label of the latest edit.
func (l *List) Label() string {
	return *l.label.Load()
}

// SetItems writes items through the global snapshot. Rows first composed
// by the resulting pass remember label.
func (l *List) SetItems(label string, items []string) error {
	l.label.Store(&label)
	return l.items.Set(items)
}

// Content returns the list's root content.
func (l *List) Content() composer.Composable {
	return composer.ComposableFunc(func(c *composer.Composer) {
		list, err := composer.Get(c, l.items)
		if err != nil {
			return
		}
		c.StartNode(composer.NamedKey("list", nil), func() any { return &composer.Node{Name: "list"} })
		for _, it := range list {
			c.Call(composer.WithKey(it), l.row(it), it)
		}
		c.EndNode()
	})
}

func (l *List) row(name string) composer.Composable {
	return composer.ComposableFunc(func(c *composer.Composer) {
		born := composer.Remember(c, l.Label)
		composer.OnDispose(c, func() {
			slog.Debug("row disposed", slog.String("row", name), slog.String("born", born))
		})
		c.StartNode(composer.NamedKey("row", nil), func() any {
			return &composer.Node{Name: "row", Value: name + " (since " + born + ")"}
		})
		c.EndNode()
	})
}

// Rows lists the values of the rows under root's list node.
func Rows(root *composer.Node) []string {
	var out []string
	for _, list := range root.Children {
		for _, r := range list.Children {
			out = append(out, fmt.Sprint(r.Value))
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Scripted edits
// -----------------------------------------------------------------------------

// Step is one scripted edit.
type Step struct {
	Name  string
	Items []string
}

// DefaultSteps reorders, removes and inserts rows.
var DefaultSteps = []Step{
	{Name: "initial", Items: []string{"a", "b", "c"}},
	{Name: "reorder", Items: []string{"c", "a", "b"}},
	{Name: "remove b", Items: []string{"c", "a"}},
	{Name: "insert d", Items: []string{"c", "d", "a"}},
}

// Result is what one settled step produced.
type Result struct {
	Step   string             `json:"step"`
	Items  []string           `json:"items"`
	Frames int                `json:"frames"`
	Pass   composer.PassStats `json:"pass"`
	Rows   []string           `json:"rows"`
}

// Runner plays steps against one composition.
type Runner struct {
	Comp    *composer.Composition
	Applier *composer.MemoryApplier
	Loop    *host.Loop
}

// Run drives a new list through steps, settling after each edit.
//
// Description:
//
//	The first step creates the list and installs its content, then settles
//	a full pass. Every later step writes the items through the global
//	snapshot and settles, which commits the write, invalidates the list
//	scope and recomposes it. The slot table is verified after every step.
//	each, when not nil, sees every result as it is produced; its error
//	stops the run.
//
// Outputs:
//   - []Result: One result per completed step, in order.
//   - error: Non-nil if a step failed to settle or left the table invalid.
func (r Runner) Run(ctx context.Context, steps []Step, each func(Result) error) ([]Result, error) {
	if len(steps) == 0 {
		return nil, nil
	}

	list, err := New(r.Comp.System(), steps[0].Name, steps[0].Items)
	if err != nil {
		return nil, err
	}
	r.Comp.SetContent(list.Content())

	results := make([]Result, 0, len(steps))
	for i, step := range steps {
		if i > 0 {
			if err := list.SetItems(step.Name, step.Items); err != nil {
				return results, fmt.Errorf("step %q: %w", step.Name, err)
			}
			r.Loop.Request()
		}

		frames, err := r.Loop.Settle(ctx)
		if err != nil {
			return results, fmt.Errorf("step %q: %w", step.Name, err)
		}
		if err := r.Comp.Verify(); err != nil {
			return results, fmt.Errorf("step %q: %w", step.Name, err)
		}

		res := Result{
			Step:   step.Name,
			Items:  step.Items,
			Frames: frames,
			Pass:   r.Comp.LastPass(),
			Rows:   Rows(r.Applier.Root()),
		}
		results = append(results, res)
		if each != nil {
			if err := each(res); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}
