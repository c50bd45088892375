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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/recompose/services/compose/scheduler"
	"github.com/AleutianAI/recompose/services/compose/slots"
	"github.com/AleutianAI/recompose/services/compose/snapshot"
	"github.com/AleutianAI/recompose/services/compose/state"
)

type fixture struct {
	sys     *snapshot.System
	sched   *scheduler.Scheduler
	applier *MemoryApplier
	comp    *Composition
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sys := snapshot.NewSystem(snapshot.DefaultConfig())
	t.Cleanup(func() { _ = sys.Close() })
	sched := scheduler.New(scheduler.DefaultConfig())
	app := NewMemoryApplier()
	return &fixture{
		sys:     sys,
		sched:   sched,
		applier: app,
		comp:    New(sys, sched, WithApplier(app)),
	}
}

// pass runs one successful pass in a fresh frame and checks the table.
func (f *fixture) pass(t *testing.T) PassStats {
	t.Helper()
	f.sched.BeginFrame()
	stats, err := f.comp.Recompose(context.Background())
	require.NoError(t, err)
	require.NoError(t, f.comp.Verify())
	return stats
}

// commit writes v to h through a separate snapshot.
func commit[T any](t *testing.T, sys *snapshot.System, h *state.Handle[T], v T) {
	t.Helper()
	s := sys.Open(true)
	require.NoError(t, h.SetIn(s, v))
	require.NoError(t, s.Apply(context.Background()))
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

func TestComposition_Errors(t *testing.T) {
	f := newFixture(t)

	//nolint:staticcheck // nil context is the case under test
	_, err := f.comp.Recompose(nil)
	assert.ErrorIs(t, err, ErrNilContext)

	_, err = f.comp.Recompose(context.Background())
	assert.ErrorIs(t, err, ErrNoContent)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.comp.SetContent(ComposableFunc(func(*Composer) {}))
	_, err = f.comp.Recompose(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	f.comp.Dispose()
	_, err = f.comp.Recompose(context.Background())
	assert.ErrorIs(t, err, ErrDisposed)
	f.comp.Dispose()
}

func TestComposition_NoWorkWithoutInvalidation(t *testing.T) {
	f := newFixture(t)
	runs := 0
	f.comp.SetContent(ComposableFunc(func(*Composer) { runs++ }))

	assert.True(t, f.comp.NeedsRecompose())
	stats := f.pass(t)
	assert.True(t, stats.Full)
	assert.Equal(t, 1, stats.Executed)

	assert.False(t, f.comp.NeedsRecompose())
	stats = f.pass(t)
	assert.Equal(t, PassStats{}, stats)
	assert.Equal(t, 1, runs)
}

// -----------------------------------------------------------------------------
// Skipping
// -----------------------------------------------------------------------------

func counter(runs *int) Composable {
	return ComposableFunc(func(*Composer) { *runs++ })
}

func TestComposition_SkipsUnchangedInputs(t *testing.T) {
	f := newFixture(t)
	var runsA, runsB int

	content := func(a, b int) Composable {
		return ComposableFunc(func(c *Composer) {
			c.Call(WithKey("a"), counter(&runsA), a)
			c.Call(WithKey("b"), counter(&runsB), b)
		})
	}

	f.comp.SetContent(content(1, 2))
	stats := f.pass(t)
	assert.Equal(t, 3, stats.Executed)
	assert.Equal(t, 3, stats.Inserted)

	f.comp.SetContent(content(1, 2))
	stats = f.pass(t)
	assert.Equal(t, 1, stats.Executed, "only the root runs")
	assert.Equal(t, 2, stats.Skipped)
	assert.Equal(t, 0, stats.Inserted)

	f.comp.SetContent(content(1, 3))
	stats = f.pass(t)
	assert.Equal(t, 2, stats.Executed)
	assert.Equal(t, 1, runsA)
	assert.Equal(t, 2, runsB)
}

func TestComposition_PartialPassRunsOnlyInvalidScopes(t *testing.T) {
	f := newFixture(t)
	h, err := state.New(f.sys, 0)
	require.NoError(t, err)

	var rootRuns, readerRuns, otherRuns int
	var seen []int
	f.comp.SetContent(ComposableFunc(func(c *Composer) {
		rootRuns++
		c.Call(WithKey("reader"), ComposableFunc(func(c *Composer) {
			readerRuns++
			v, err := Get(c, h)
			require.NoError(t, err)
			seen = append(seen, v)
		}))
		c.Call(WithKey("other"), counter(&otherRuns))
	}))
	f.pass(t)

	reader := f.comp.Scopes()[1]
	assert.Equal(t, []snapshot.ObjectID{h.ID()}, f.sched.Dependencies(reader))
	assert.True(t, f.comp.SkipEligible(reader))

	require.NoError(t, h.Set(5))
	require.NoError(t, f.sys.AdvanceGlobal(context.Background()))
	assert.False(t, f.comp.SkipEligible(reader))
	assert.True(t, f.comp.NeedsRecompose())

	stats := f.pass(t)
	assert.False(t, stats.Full)
	assert.Equal(t, 1, stats.Executed)
	assert.Equal(t, []int{0, 5}, seen)
	assert.Equal(t, 1, rootRuns)
	assert.Equal(t, 1, otherRuns)
	assert.Equal(t, 2, readerRuns)

	// Writes to an object nobody reads invalidate nothing.
	other, err := state.New(f.sys, "x")
	require.NoError(t, err)
	commit(t, f.sys, other, "y")
	assert.False(t, f.comp.NeedsRecompose())
}

func TestComposition_NestedInvalidScopeInsideSkippedParent(t *testing.T) {
	f := newFixture(t)
	h, err := state.New(f.sys, "a")
	require.NoError(t, err)

	var outerRuns, innerRuns int
	var got string
	f.comp.SetContent(ComposableFunc(func(c *Composer) {
		c.Call(LocationKey(), ComposableFunc(func(c *Composer) {
			outerRuns++
			c.StartGroup(NamedKey("wrapper", nil))
			c.Call(LocationKey(), ComposableFunc(func(c *Composer) {
				innerRuns++
				got, _ = Get(c, h)
			}))
			c.EndGroup()
		}))
	}))
	f.pass(t)
	size := f.comp.Size()

	commit(t, f.sys, h, "b")
	stats := f.pass(t)
	assert.Equal(t, 1, stats.Executed)
	assert.Equal(t, 1, outerRuns)
	assert.Equal(t, 2, innerRuns)
	assert.Equal(t, "b", got)
	assert.Equal(t, size, f.comp.Size())
}

func TestComposer_SkipCurrentGroup(t *testing.T) {
	f := newFixture(t)
	first := true
	var entered []Entered
	f.comp.SetContent(ComposableFunc(func(c *Composer) {
		entered = append(entered, c.StartGroup(NamedKey("g", nil)))
		if first {
			c.Remember(func() any { return "kept" })
			c.StartGroup(NamedKey("child", nil))
			c.EndGroup()
		} else {
			c.SkipCurrentGroup()
		}
		c.EndGroup()
	}))
	f.pass(t)
	size := f.comp.Size()

	first = false
	f.comp.SetContent(f.comp.content)
	stats := f.pass(t)
	assert.Equal(t, 0, stats.Removed)
	assert.Equal(t, size, f.comp.Size())
	assert.Equal(t, []Entered{Inserted, Reused}, entered)
}

// -----------------------------------------------------------------------------
// Keys, nodes and disposal
// -----------------------------------------------------------------------------

type listRecorder struct {
	runs    map[string]int
	handles map[string][]*state.Handle[string]
	gone    map[string]int
}

func newListRecorder() *listRecorder {
	return &listRecorder{
		runs:    make(map[string]int),
		handles: make(map[string][]*state.Handle[string]),
		gone:    make(map[string]int),
	}
}

func (p *listRecorder) content(version int, ids ...string) Composable {
	return ComposableFunc(func(c *Composer) {
		for _, id := range ids {
			c.Call(WithKey(id), ComposableFunc(func(c *Composer) {
				p.runs[id]++
				p.handles[id] = append(p.handles[id], RememberState(c, "state-"+id))
				OnDispose(c, func() { p.gone[id]++ })
				c.StartNode(LocationKey(), func() any { return &Node{Name: id} })
				c.EndNode()
			}), id, version)
		}
	})
}

func TestComposition_KeyedReorderKeepsState(t *testing.T) {
	f := newFixture(t)
	p := newListRecorder()

	f.comp.SetContent(p.content(1, "a", "b", "c"))
	f.pass(t)
	assert.Equal(t, []string{"a", "b", "c"}, f.applier.Root().Names())

	f.comp.SetContent(p.content(2, "c", "a", "b"))
	stats := f.pass(t)
	assert.Equal(t, 1, stats.Moved)
	assert.Equal(t, 0, stats.Inserted)
	assert.Equal(t, 0, stats.Removed)
	assert.Equal(t, []string{"c", "a", "b"}, f.applier.Root().Names())

	for _, id := range []string{"a", "b", "c"} {
		require.Len(t, p.handles[id], 2)
		assert.Same(t, p.handles[id][0], p.handles[id][1], "state of %s follows its key", id)
		v, err := p.handles[id][1].Get()
		require.NoError(t, err)
		assert.Equal(t, "state-"+id, v)
	}
}

func TestComposition_RemovalDisposesOnce(t *testing.T) {
	f := newFixture(t)
	p := newListRecorder()

	f.comp.SetContent(p.content(1, "a", "b", "c"))
	f.pass(t)
	scopes := len(f.comp.Scopes())

	f.comp.SetContent(p.content(1, "c", "b"))
	stats := f.pass(t)
	assert.Equal(t, 2, stats.Removed, "call group and node group of a")
	assert.Equal(t, 2, stats.Disposed, "state handle and dispose hook of a")
	assert.Equal(t, []string{"c", "b"}, f.applier.Root().Names())
	assert.Len(t, f.comp.Scopes(), scopes-1)

	assert.True(t, p.handles["a"][0].Disposed())
	assert.False(t, p.handles["b"][0].Disposed())
	assert.Equal(t, map[string]int{"a": 1}, p.gone)

	f.comp.SetContent(p.content(1, "c", "b"))
	f.pass(t)
	assert.Equal(t, map[string]int{"a": 1}, p.gone)

	f.comp.Dispose()
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, p.gone)
	assert.True(t, p.handles["c"][0].Disposed())
	assert.Empty(t, f.applier.Root().Children)
}

func TestComposition_RemovedStateStaysVisibleToOlderSnapshots(t *testing.T) {
	f := newFixture(t)
	p := newListRecorder()

	f.comp.SetContent(p.content(1, "a", "b", "c"))
	f.pass(t)
	hb := p.handles["b"][0]

	old := f.sys.Open(false)
	defer old.Dispose()

	f.comp.SetContent(p.content(1, "a", "c"))
	f.pass(t)
	assert.Equal(t, map[string]int{"b": 1}, p.gone)
	assert.True(t, hb.Disposed())

	v, err := hb.GetIn(old)
	require.NoError(t, err)
	assert.Equal(t, "state-b", v)

	later := f.sys.Open(false)
	defer later.Dispose()
	_, err = hb.GetIn(later)
	assert.True(t, errors.Is(err, state.ErrDisposed))
	assert.True(t, errors.Is(err, snapshot.ErrObjectAbsent))

	_, err = hb.Get()
	assert.True(t, errors.Is(err, state.ErrDisposed))
}

func TestComposition_ReinsertedKeyGetsFreshState(t *testing.T) {
	f := newFixture(t)
	p := newListRecorder()

	f.comp.SetContent(p.content(1, "a"))
	f.pass(t)
	f.comp.SetContent(p.content(1))
	f.pass(t)
	f.comp.SetContent(p.content(1, "a"))
	f.pass(t)

	require.Len(t, p.handles["a"], 2)
	assert.NotSame(t, p.handles["a"][0], p.handles["a"][1])
	assert.Equal(t, 2, p.runs["a"])
}

func TestComposition_ConditionalNodes(t *testing.T) {
	f := newFixture(t)
	show, err := state.New(f.sys, true)
	require.NoError(t, err)

	f.comp.SetContent(ComposableFunc(func(c *Composer) {
		c.StartNode(LocationKey(), func() any { return &Node{Name: "panel"} })
		c.Call(LocationKey(), ComposableFunc(func(c *Composer) {
			if v, _ := Get(c, show); v {
				c.StartNode(LocationKey(), func() any { return &Node{Name: "banner"} })
				c.EndNode()
			}
			c.StartNode(LocationKey(), func() any { return &Node{Name: "footer"} })
			c.EndNode()
		}))
		c.EndNode()
	}))
	f.pass(t)

	root := f.applier.Root()
	require.Equal(t, []string{"panel"}, root.Names())
	panel := root.Children[0]
	assert.Equal(t, []string{"banner", "footer"}, panel.Names())

	commit(t, f.sys, show, false)
	stats := f.pass(t)
	assert.Equal(t, 1, stats.Executed)
	assert.Equal(t, []string{"footer"}, panel.Names())
	footer := panel.Children[0]

	commit(t, f.sys, show, true)
	f.pass(t)
	assert.Equal(t, []string{"banner", "footer"}, panel.Names())
	assert.Same(t, footer, panel.Children[1])
	assert.Equal(t, "panel\n  banner\n  footer\n", panel.String())
}

// -----------------------------------------------------------------------------
// Faults
// -----------------------------------------------------------------------------

func TestComposition_DuplicateKeyFault(t *testing.T) {
	f := newFixture(t)
	f.comp.SetContent(ComposableFunc(func(c *Composer) {
		for _, id := range []string{"x", "x"} {
			c.Call(WithKey(id), ComposableFunc(func(*Composer) {}))
		}
	}))

	_, err := f.comp.Recompose(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, slots.ErrStructuralFault)
	var fe *StructuralFaultError
	require.True(t, errors.As(err, &fe))
	assert.Contains(t, fe.Reason, "duplicate key")

	assert.Error(t, f.comp.Broken())
	assert.False(t, f.comp.NeedsRecompose())
	_, err = f.comp.Recompose(context.Background())
	assert.ErrorIs(t, err, ErrBroken)
}

func TestComposition_StructuralFaults(t *testing.T) {
	tests := []struct {
		name   string
		body   func(c *Composer)
		reason string
	}{
		{
			name:   "group left open",
			body:   func(c *Composer) { c.StartGroup(LocationKey()) },
			reason: "unbalanced",
		},
		{
			name:   "end without start",
			body:   func(c *Composer) { c.EndGroup() },
			reason: "without matching start",
		},
		{
			name:   "incomparable key",
			body:   func(c *Composer) { c.StartGroup(WithKey([]int{1})) },
			reason: "not comparable",
		},
		{
			name: "end node on plain group",
			body: func(c *Composer) {
				c.StartGroup(LocationKey())
				c.EndNode()
			},
			reason: "end node",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.comp.SetContent(ComposableFunc(tt.body))
			_, err := f.comp.Recompose(context.Background())
			var fe *StructuralFaultError
			require.True(t, errors.As(err, &fe), "got %v", err)
			assert.Contains(t, fe.Reason, tt.reason)
		})
	}
}

func TestComposition_RememberTypeMismatch(t *testing.T) {
	f := newFixture(t)
	asString := false
	f.comp.SetContent(ComposableFunc(func(c *Composer) {
		if asString {
			Remember(c, func() string { return "s" })
			return
		}
		assert.Equal(t, 7, Remember(c, func() int { return 7 }))
	}))
	f.pass(t)

	asString = true
	f.comp.SetContent(f.comp.content)
	_, err := f.comp.Recompose(context.Background())
	assert.ErrorIs(t, err, slots.ErrStructuralFault)
}

// -----------------------------------------------------------------------------
// Concurrency with commits
// -----------------------------------------------------------------------------

func TestComposition_ConflictReinvalidates(t *testing.T) {
	f := newFixture(t)
	h, err := state.New(f.sys, 0)
	require.NoError(t, err)

	injected := false
	f.comp.SetContent(ComposableFunc(func(c *Composer) {
		c.Call(LocationKey(), ComposableFunc(func(c *Composer) {
			require.NoError(t, Set(c, h, 1))
			if !injected {
				injected = true
				commit(t, f.sys, h, 2)
			}
		}))
	}))

	f.sched.BeginFrame()
	_, err = f.comp.Recompose(context.Background())
	require.ErrorIs(t, err, snapshot.ErrConflict)
	v, err := h.Get()
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	ids := f.comp.Scopes()
	require.Len(t, ids, 2)
	for _, id := range ids {
		assert.True(t, f.sched.IsPending(id))
	}

	f.pass(t)
	v, err = h.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestComposition_ReadOvertakenByCommit(t *testing.T) {
	f := newFixture(t)
	h, err := state.New(f.sys, 0)
	require.NoError(t, err)

	var seen []int
	f.comp.SetContent(ComposableFunc(func(c *Composer) {
		c.Call(LocationKey(), ComposableFunc(func(c *Composer) {
			v, err := Get(c, h)
			require.NoError(t, err)
			seen = append(seen, v)
			if len(seen) == 1 {
				commit(t, f.sys, h, 7)
			}
		}))
	}))

	f.pass(t)
	assert.True(t, f.comp.NeedsRecompose())
	f.pass(t)
	assert.Equal(t, []int{0, 7}, seen)
	assert.False(t, f.comp.NeedsRecompose())
}

func TestComposition_PassLimit(t *testing.T) {
	f := newFixture(t)
	h, err := state.New(f.sys, 0)
	require.NoError(t, err)

	f.comp.SetContent(ComposableFunc(func(c *Composer) {
		c.Call(LocationKey(), ComposableFunc(func(c *Composer) {
			v, _ := Get(c, h)
			_ = Set(c, h, v+1)
		}))
	}))

	f.sched.BeginFrame()
	for i := 0; i < scheduler.DefaultConfig().MaxPassesPerFrame; i++ {
		_, err := f.comp.Recompose(context.Background())
		require.NoError(t, err, "pass %d", i)
	}
	_, err = f.comp.Recompose(context.Background())
	var ple *scheduler.PassLimitError
	require.True(t, errors.As(err, &ple))
	assert.ErrorIs(t, err, scheduler.ErrPassLimitExceeded)
	assert.NotEmpty(t, ple.Scopes)
}

func TestComposition_RememberStateVisibleAfterApply(t *testing.T) {
	f := newFixture(t)
	var h *state.Handle[[]string]
	f.comp.SetContent(ComposableFunc(func(c *Composer) {
		h = RememberState(c, []string{"x"})
		require.NoError(t, Set(c, h, []string{"x", "y"}))
	}))
	f.pass(t)

	v, err := h.Get()
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, v)
	assert.Equal(t, 1, f.comp.LastPass().Executed)
}

func TestComposition_DefaultLoggerTagsComponentOnce(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)
	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	f := newFixture(t)
	f.comp.SetContent(ComposableFunc(func(c *Composer) {}))
	f.pass(t)

	var composerLines int
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		assert.LessOrEqual(t, strings.Count(line, "component="), 1, line)
		if strings.Contains(line, "component=composer") {
			composerLines++
			assert.NotContains(t, line, "system_id=")
		}
	}
	assert.Positive(t, composerLines)
}
