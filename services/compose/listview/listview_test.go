// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package listview

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/recompose/services/compose/composer"
	"github.com/AleutianAI/recompose/services/compose/host"
	"github.com/AleutianAI/recompose/services/compose/scheduler"
	"github.com/AleutianAI/recompose/services/compose/snapshot"
)

func newRunner(t *testing.T) Runner {
	t.Helper()
	sys := snapshot.NewSystem(snapshot.DefaultConfig())
	t.Cleanup(func() { _ = sys.Close() })
	app := composer.NewMemoryApplier()
	comp := composer.New(sys, scheduler.New(scheduler.DefaultConfig()), composer.WithApplier(app))
	t.Cleanup(comp.Dispose)
	return Runner{Comp: comp, Applier: app, Loop: host.New(comp)}
}

func TestRunner_KeyedRowsKeepState(t *testing.T) {
	r := newRunner(t)

	results, err := r.Run(context.Background(), DefaultSteps, nil)
	require.NoError(t, err)
	require.Len(t, results, 4)

	initial := results[0]
	assert.True(t, initial.Pass.Full)
	assert.Equal(t, []string{"a (since initial)", "b (since initial)", "c (since initial)"}, initial.Rows)

	reorder := results[1]
	assert.False(t, reorder.Pass.Full)
	assert.Equal(t, 1, reorder.Frames)
	assert.Positive(t, reorder.Pass.Moved)
	assert.Zero(t, reorder.Pass.Inserted)
	assert.Zero(t, reorder.Pass.Removed)
	assert.Equal(t, []string{"c (since initial)", "a (since initial)", "b (since initial)"}, reorder.Rows)

	remove := results[2]
	assert.Positive(t, remove.Pass.Removed)
	assert.Equal(t, 1, remove.Pass.Disposed)
	assert.Equal(t, []string{"c (since initial)", "a (since initial)"}, remove.Rows)

	insert := results[3]
	assert.Positive(t, insert.Pass.Inserted)
	assert.Equal(t, []string{"c (since initial)", "d (since insert d)", "a (since initial)"}, insert.Rows)

	assert.True(t, r.Loop.Idle())
	assert.NoError(t, r.Comp.Verify())
}

func TestRunner_ReaddedRowStartsOver(t *testing.T) {
	r := newRunner(t)
	steps := []Step{
		{Name: "one", Items: []string{"x", "y"}},
		{Name: "two", Items: []string{"y"}},
		{Name: "three", Items: []string{"x", "y"}},
	}

	results, err := r.Run(context.Background(), steps, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"x (since three)", "y (since one)"}, results[2].Rows)
}

func TestRunner_CallbackErrorStops(t *testing.T) {
	r := newRunner(t)

	results, err := r.Run(context.Background(), DefaultSteps, func(res Result) error {
		if res.Step == "reorder" {
			return assert.AnError
		}
		return nil
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Len(t, results, 2)
}

func TestRunner_NoSteps(t *testing.T) {
	r := newRunner(t)
	results, err := r.Run(context.Background(), nil, nil)
	assert.NoError(t, err)
	assert.Nil(t, results)
	assert.False(t, r.Comp.NeedsRecompose())
}

func TestList_SetItems(t *testing.T) {
	sys := snapshot.NewSystem(snapshot.DefaultConfig())
	t.Cleanup(func() { _ = sys.Close() })

	l, err := New(sys, "first", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, "first", l.Label())

	require.NoError(t, l.SetItems("second", []string{"b", "c"}))
	assert.Equal(t, "second", l.Label())
	got, err := l.Items().Get()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, got)
}

func TestRows(t *testing.T) {
	root := &composer.Node{Name: "root", Children: []*composer.Node{
		{Name: "list", Children: []*composer.Node{
			{Name: "row", Value: "a"},
			{Name: "row", Value: "b"},
		}},
	}}
	assert.Equal(t, []string{"a", "b"}, Rows(root))
	assert.Nil(t, Rows(&composer.Node{Name: "root"}))
}
