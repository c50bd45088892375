// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package host

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/AleutianAI/recompose/services/compose/composer"
	"github.com/AleutianAI/recompose/services/compose/scheduler"
	"github.com/AleutianAI/recompose/services/compose/snapshot"
	"github.com/AleutianAI/recompose/services/compose/state"
	"github.com/AleutianAI/recompose/services/compose/telemetry"
)

type rig struct {
	sys  *snapshot.System
	comp *composer.Composition
	app  *composer.MemoryApplier
}

func newRig(t *testing.T) *rig {
	t.Helper()
	sys := snapshot.NewSystem(snapshot.DefaultConfig())
	t.Cleanup(func() { _ = sys.Close() })
	app := composer.NewMemoryApplier()
	comp := composer.New(sys, scheduler.New(scheduler.DefaultConfig()), composer.WithApplier(app))
	t.Cleanup(comp.Dispose)
	return &rig{sys: sys, comp: comp, app: app}
}

// label reads h and emits one node, counting its runs.
func label(h *state.Handle[int], runs *atomic.Int32) composer.Composable {
	return composer.ComposableFunc(func(c *composer.Composer) {
		runs.Add(1)
		_, _ = composer.Get(c, h)
		c.StartNode(composer.NamedKey("label", nil), func() any { return &composer.Node{Name: "label"} })
		c.EndNode()
	})
}

func TestLoop_SettleInitialAndGlobalWrite(t *testing.T) {
	r := newRig(t)
	h, err := state.New(r.sys, 1)
	require.NoError(t, err)

	var runs atomic.Int32
	r.comp.SetContent(label(h, &runs))
	loop := New(r.comp)

	frames, err := loop.Settle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, frames)
	assert.Equal(t, int32(1), runs.Load())
	assert.True(t, loop.Idle())

	require.NoError(t, h.Set(2))
	assert.False(t, loop.Idle(), "uncommitted global write is work")

	frames, err = loop.Settle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, frames)
	assert.Equal(t, int32(2), runs.Load())
	assert.Equal(t, int64(2), loop.Frames())

	frames, err = loop.Settle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, frames)
}

func TestLoop_FrameStats(t *testing.T) {
	r := newRig(t)
	h, err := state.New(r.sys, 0)
	require.NoError(t, err)
	var runs atomic.Int32
	r.comp.SetContent(label(h, &runs))
	loop := New(r.comp)

	fs, err := loop.Frame(context.Background())
	require.NoError(t, err)
	assert.True(t, fs.Ran)
	assert.Equal(t, 1, fs.Passes)
	assert.True(t, fs.Pass.Full)
	assert.False(t, fs.Committed)

	require.NoError(t, h.Set(9))
	fs, err = loop.Frame(context.Background())
	require.NoError(t, err)
	assert.True(t, fs.Committed)
	assert.Equal(t, 1, fs.Pending)
	assert.True(t, fs.Ran)
	assert.False(t, fs.Pass.Full)
	assert.Equal(t, 1, fs.Pass.Executed)

	fs, err = loop.Frame(context.Background())
	require.NoError(t, err)
	assert.False(t, fs.Ran)
	assert.Zero(t, fs.Passes)
}

// counter increments its own state on every run, so it never converges.
func counter(t *testing.T) composer.Composable {
	return composer.ComposableFunc(func(c *composer.Composer) {
		h := composer.RememberState(c, 0)
		v, err := composer.Get(c, h)
		require.NoError(t, err)
		require.NoError(t, composer.Set(c, h, v+1))
	})
}

func TestLoop_FrameHitsPassLimit(t *testing.T) {
	sys := snapshot.NewSystem(snapshot.DefaultConfig())
	t.Cleanup(func() { _ = sys.Close() })
	comp := composer.New(sys, scheduler.New(scheduler.Config{MaxPassesPerFrame: 3}))
	t.Cleanup(comp.Dispose)
	comp.SetContent(counter(t))

	loop := New(comp)
	fs, err := loop.Frame(context.Background())
	var limit *scheduler.PassLimitError
	require.True(t, errors.As(err, &limit))
	assert.ErrorIs(t, err, scheduler.ErrPassLimitExceeded)
	assert.NotEmpty(t, limit.Scopes)
	assert.Equal(t, 3, fs.Passes)
	assert.True(t, fs.Pass.Full)

	frames, err := New(comp).Settle(context.Background())
	assert.ErrorIs(t, err, scheduler.ErrPassLimitExceeded)
	assert.Equal(t, 1, frames)
}

func TestLoop_FrameDrainsReentrantWrites(t *testing.T) {
	r := newRig(t)
	var runs atomic.Int32
	r.comp.SetContent(composer.ComposableFunc(func(c *composer.Composer) {
		runs.Add(1)
		h := composer.RememberState(c, 0)
		v, err := composer.Get(c, h)
		require.NoError(t, err)
		if v < 3 {
			require.NoError(t, composer.Set(c, h, v+1))
		}
	}))

	loop := New(r.comp)
	fs, err := loop.Frame(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, fs.Passes)
	assert.Equal(t, int32(4), runs.Load())
	assert.True(t, loop.Idle())
}

func TestLoop_SettleFailsWithoutConvergence(t *testing.T) {
	r := newRig(t)
	h, err := state.New(r.sys, 0)
	require.NoError(t, err)
	var runs atomic.Int32
	r.comp.SetContent(label(h, &runs))

	// Every frame leaves a fresh global write behind.
	loop := New(r.comp, WithMaxSettleFrames(5), WithFrameHook(func(FrameStats) {
		v, err := h.Get()
		require.NoError(t, err)
		require.NoError(t, h.Set(v+1))
	}))
	frames, err := loop.Settle(context.Background())
	assert.True(t, errors.Is(err, ErrNotSettled))
	assert.Equal(t, 5, frames)
}

func TestLoop_RunStopsOnPassLimit(t *testing.T) {
	r := newRig(t)
	r.comp.SetContent(counter(t))

	loop := New(r.comp, WithInterval(0))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := loop.Run(ctx)
	assert.ErrorIs(t, err, scheduler.ErrPassLimitExceeded)
	assert.NoError(t, ctx.Err())
	assert.Equal(t, int64(1), loop.Frames())
}

func TestLoop_FrameErrors(t *testing.T) {
	r := newRig(t)
	r.comp.SetContent(composer.ComposableFunc(func(c *composer.Composer) {
		c.EndGroup()
	}))
	loop := New(r.comp)

	_, err := loop.Frame(context.Background())
	var fault *composer.StructuralFaultError
	assert.True(t, errors.As(err, &fault))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = loop.Frame(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoop_RunReactsToWrites(t *testing.T) {
	r := newRig(t)
	h, err := state.New(r.sys, 0)
	require.NoError(t, err)
	var runs atomic.Int32
	r.comp.SetContent(label(h, &runs))

	loop := New(r.comp, WithInterval(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, h.Set(4))
	loop.Request()
	require.Eventually(t, func() bool { return runs.Load() == 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestLoop_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())
	m, err := telemetry.NewFrameMetrics(mp.Meter("host-test"))
	require.NoError(t, err)

	r := newRig(t)
	h, err := state.New(r.sys, 0)
	require.NoError(t, err)
	var runs atomic.Int32
	r.comp.SetContent(label(h, &runs))

	loop := New(r.comp, WithMetrics(m))
	_, err = loop.Settle(context.Background())
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	var frames int64
	for _, mt := range rm.ScopeMetrics[0].Metrics {
		if mt.Name != "recompose_host_frames_total" {
			continue
		}
		sum, ok := mt.Data.(metricdata.Sum[int64])
		require.True(t, ok)
		for _, dp := range sum.DataPoints {
			frames += dp.Value
		}
	}
	assert.Equal(t, int64(1), frames)
}

func TestLoop_FrameHook(t *testing.T) {
	r := newRig(t)
	h, err := state.New(r.sys, 0)
	require.NoError(t, err)
	var runs atomic.Int32
	r.comp.SetContent(label(h, &runs))

	var seen []FrameStats
	loop := New(r.comp, WithFrameHook(func(fs FrameStats) { seen = append(seen, fs) }))
	_, err = loop.Settle(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.Set(1))
	_, err = loop.Settle(context.Background())
	require.NoError(t, err)

	require.Len(t, seen, 2)
	assert.True(t, seen[0].Pass.Full)
	assert.True(t, seen[1].Committed)
	assert.Equal(t, []string{"label"}, r.app.Root().Names())
}
