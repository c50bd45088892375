// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/recompose/services/compose/slots"
	"github.com/AleutianAI/recompose/services/compose/snapshot"
)

func TestScheduler_DependenciesReplacedPerRun(t *testing.T) {
	sc := New(DefaultConfig())

	sc.BeginScope(1)
	sc.Record(1, 10)
	sc.Record(1, 11)
	sc.CommitScope(1)
	assert.Equal(t, []snapshot.ObjectID{10, 11}, sc.Dependencies(1))
	assert.Equal(t, []ScopeID{1}, sc.Dependents(10))

	sc.BeginScope(1)
	sc.Record(1, 12)
	assert.Equal(t, []snapshot.ObjectID{10, 11}, sc.Dependencies(1), "old set holds until commit")
	sc.CommitScope(1)

	assert.Equal(t, []snapshot.ObjectID{12}, sc.Dependencies(1))
	assert.Empty(t, sc.Dependents(10))
	assert.Equal(t, Stats{Scopes: 1, Objects: 1}, sc.Stats())

	sc.BeginScope(1)
	sc.Record(1, 99)
	sc.AbortScope(1)
	assert.Equal(t, []snapshot.ObjectID{12}, sc.Dependencies(1))
}

func TestScheduler_OnApply(t *testing.T) {
	sc := New(DefaultConfig())
	sc.Record(1, 10)
	sc.Record(2, 10)
	sc.Record(3, 20)

	sc.OnApply(snapshot.WriteSet{ID: 5, Objects: []snapshot.ObjectID{10}})
	assert.Equal(t, []ScopeID{1, 2}, sc.Pending())
	assert.True(t, sc.IsPending(1))
	assert.False(t, sc.IsPending(3))

	select {
	case <-sc.Notify():
	default:
		t.Fatal("expected a notification")
	}

	// Unrelated writes do not invalidate.
	sc.OnApply(snapshot.WriteSet{ID: 6, Objects: []snapshot.ObjectID{30}})
	select {
	case <-sc.Notify():
		t.Fatal("unexpected notification")
	default:
	}

	assert.Equal(t, []ScopeID{1, 2}, sc.TakePending())
	assert.False(t, sc.HasPending())
}

func TestScheduler_StagingScopesAreReaders(t *testing.T) {
	sc := New(DefaultConfig())
	sc.BeginScope(7)
	sc.Record(7, 40)

	sc.OnApply(snapshot.WriteSet{Objects: []snapshot.ObjectID{40}})
	assert.True(t, sc.IsPending(7))
}

func TestScheduler_NotifyCoalesces(t *testing.T) {
	sc := New(DefaultConfig())
	for i := ScopeID(1); i <= 5; i++ {
		sc.Invalidate(i)
	}
	<-sc.Notify()
	select {
	case <-sc.Notify():
		t.Fatal("signals should coalesce")
	default:
	}
	assert.Len(t, sc.Pending(), 5)
}

func TestScheduler_Forget(t *testing.T) {
	sc := New(DefaultConfig())
	tbl := slots.NewTable()
	require.NoError(t, tbl.Insert(0, slots.Group(slots.Key{Site: 1})))
	a, err := tbl.AnchorFor(0)
	require.NoError(t, err)

	sc.Track(4, a)
	sc.Record(4, 10)
	sc.Invalidate(4)

	got, ok := sc.Anchor(4)
	require.True(t, ok)
	assert.Same(t, a, got)

	sc.Forget(4)
	_, ok = sc.Anchor(4)
	assert.False(t, ok)
	assert.False(t, sc.IsPending(4))
	assert.Empty(t, sc.Dependents(10))
}

func TestScheduler_PassLimit(t *testing.T) {
	sc := New(Config{MaxPassesPerFrame: 2})
	sc.Invalidate(9)

	sc.BeginFrame()
	require.NoError(t, sc.BeginPass())
	require.NoError(t, sc.BeginPass())
	err := sc.BeginPass()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPassLimitExceeded))

	var ple *PassLimitError
	require.True(t, errors.As(err, &ple))
	assert.Equal(t, 2, ple.Limit)
	assert.Equal(t, []ScopeID{9}, ple.Scopes)

	sc.BeginFrame()
	assert.Equal(t, 0, sc.Passes())
	assert.NoError(t, sc.BeginPass())
}

func TestScheduler_AttachedToSystem(t *testing.T) {
	ctx := context.Background()
	sys := snapshot.NewSystem(snapshot.Config{})
	defer func() { _ = sys.Close() }()

	sc := New(DefaultConfig())
	sc.Attach(sys)

	x, err := sys.NewObject(0, nil)
	require.NoError(t, err)
	sc.Record(1, x)

	require.NoError(t, sys.Global().Write(x, 1))
	require.NoError(t, sys.AdvanceGlobal(ctx))
	assert.Equal(t, []ScopeID{1}, sc.TakePending())

	sc.Detach()
	s := sys.Open(true)
	require.NoError(t, s.Write(x, 2))
	require.NoError(t, s.Apply(ctx))
	assert.False(t, sc.HasPending())
}
