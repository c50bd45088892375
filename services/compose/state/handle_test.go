// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/recompose/services/compose/snapshot"
)

func newSystem(t *testing.T, policy string) *snapshot.System {
	t.Helper()
	sys := snapshot.NewSystem(snapshot.Config{EqualityPolicy: policy})
	t.Cleanup(func() { _ = sys.Close() })
	return sys
}

func TestHandle_GetSet(t *testing.T) {
	ctx := context.Background()
	sys := newSystem(t, PolicyStructural)

	h, err := New(sys, 1)
	require.NoError(t, err)

	v, err := h.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, h.Set(2))
	v, err = h.Get()
	require.NoError(t, err)
	assert.Equal(t, 2, v, "the global snapshot sees its own writes")

	other := sys.Open(false)
	v, err = h.GetIn(other)
	require.NoError(t, err)
	assert.Equal(t, 1, v, "global writes are private until advanced")
	other.Dispose()

	require.NoError(t, sys.AdvanceGlobal(ctx))
	other = sys.Open(false)
	defer other.Dispose()
	v, err = h.GetIn(other)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestHandle_SnapshotScoped(t *testing.T) {
	ctx := context.Background()
	sys := newSystem(t, PolicyStructural)
	h, err := New(sys, "a")
	require.NoError(t, err)

	var reads []snapshot.ObjectID
	s := sys.Open(true, snapshot.WithReadObserver(func(oid snapshot.ObjectID) { reads = append(reads, oid) }))

	require.NoError(t, h.SetIn(s, "b"))
	assert.Empty(t, reads, "the equality check is not a tracked read")

	v, err := h.GetIn(s)
	require.NoError(t, err)
	assert.Equal(t, "b", v)
	assert.Equal(t, []snapshot.ObjectID{h.ID()}, reads)

	require.NoError(t, h.Update(s, func(v string) string { return v + "c" }))
	require.NoError(t, s.Apply(ctx))

	got, err := h.Get()
	require.NoError(t, err)
	assert.Equal(t, "bc", got)
}

func TestHandle_EqualWritesAreDropped(t *testing.T) {
	type point struct{ X, Y int }
	type box struct{ V any }

	tests := []struct {
		name    string
		policy  Policy
		initial any
		next    any
		written bool
	}{
		{"structural equal struct", Structural, point{1, 2}, point{1, 2}, false},
		{"structural equal slice", Structural, []int{1, 2}, []int{1, 2}, false},
		{"structural different", Structural, point{1, 2}, point{2, 1}, true},
		{"referential equal scalar", Referential, 5, 5, false},
		{"referential slices are never equal", Referential, []int{1}, []int{1}, true},
		{"referential boxed scalar", Referential, box{V: 1}, box{V: 1}, false},
		{"referential boxed slice is never equal", Referential, box{V: []int{1}}, box{V: []int{1}}, true},
		{"referential boxed slice against scalar", Referential, box{V: 1}, box{V: []int{1}}, true},
		{"never always writes", Never, 5, 5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sys := newSystem(t, PolicyStructural)
			h, err := New[any](sys, tt.initial, WithPolicy(tt.policy))
			require.NoError(t, err)
			assert.Equal(t, tt.policy.Name(), h.Policy().Name())

			s := sys.Open(true)
			defer s.Dispose()
			require.NoError(t, h.SetIn(s, tt.next))
			if tt.written {
				assert.Equal(t, []snapshot.ObjectID{h.ID()}, s.Modified())
			} else {
				assert.Empty(t, s.Modified())
			}
		})
	}
}

func TestHandle_DefaultPolicyFromSystem(t *testing.T) {
	sys := newSystem(t, PolicyNever)
	h, err := New(sys, 0)
	require.NoError(t, err)
	assert.Equal(t, PolicyNever, h.Policy().Name())

	bad := snapshot.NewSystem(snapshot.Config{EqualityPolicy: "sometimes"})
	defer func() { _ = bad.Close() }()
	_, err = New(bad, 0)
	assert.True(t, errors.Is(err, ErrUnknownPolicy))
}

func TestHandle_Dispose(t *testing.T) {
	sys := newSystem(t, PolicyStructural)
	h, err := New(sys, 10)
	require.NoError(t, err)

	before := sys.Open(false)
	defer before.Dispose()

	require.NoError(t, h.Dispose())
	assert.True(t, h.Disposed())
	assert.True(t, errors.Is(h.Dispose(), ErrDisposed), "dispose takes effect once")

	_, err = h.Get()
	assert.True(t, errors.Is(err, ErrDisposed))
	assert.True(t, errors.Is(h.Set(1), ErrDisposed))

	v, err := h.GetIn(before)
	require.NoError(t, err)
	assert.Equal(t, 10, v, "older snapshots keep the last value")

	after := sys.Open(false)
	defer after.Dispose()
	_, err = h.GetIn(after)
	assert.True(t, errors.Is(err, ErrDisposed))
	assert.True(t, errors.Is(err, snapshot.ErrObjectAbsent))
}

func TestHandle_CreatedInSnapshot(t *testing.T) {
	sys := newSystem(t, PolicyStructural)
	s := sys.Open(true)
	defer s.Dispose()

	h, err := New(sys, 3, In(s))
	require.NoError(t, err)
	v, err := h.GetIn(s)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestHandle_NilValues(t *testing.T) {
	sys := newSystem(t, PolicyStructural)
	h, err := New[*int](sys, nil)
	require.NoError(t, err)

	v, err := h.Get()
	require.NoError(t, err)
	assert.Nil(t, v)

	n := 4
	require.NoError(t, h.Set(&n))
	v, err = h.Get()
	require.NoError(t, err)
	assert.Equal(t, 4, *v)
}

func TestHandle_TypeMismatch(t *testing.T) {
	sys := newSystem(t, PolicyStructural)
	h, err := New(sys, 1)
	require.NoError(t, err)
	require.NoError(t, sys.Global().Write(h.ID(), "not an int"))

	_, err = h.Get()
	assert.True(t, errors.Is(err, ErrTypeMismatch))
}

func TestReferential_IncomparableDynamicValues(t *testing.T) {
	type box struct{ V any }
	type pair [2]any

	assert.NotPanics(t, func() {
		assert.False(t, Referential.Equal(box{V: []int{1}}, box{V: []int{1}}))
		assert.False(t, Referential.Equal(pair{1, map[string]int{}}, pair{1, map[string]int{}}))
		assert.False(t, Referential.Equal(box{V: 1}, box{V: []int{1}}))
	})
	assert.True(t, Referential.Equal(box{V: "x"}, box{V: "x"}))
	assert.True(t, Referential.Equal(pair{1, "a"}, pair{1, "a"}))
}

func TestPolicyByName(t *testing.T) {
	for _, name := range []string{PolicyStructural, PolicyReferential, PolicyNever} {
		p, err := PolicyByName(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name())
	}
	_, err := PolicyByName("")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}
