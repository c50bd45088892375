// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package host drives a Composition frame by frame.
//
// A frame commits the global snapshot's pending writes, resets the
// scheduler's pass ceiling and runs composition passes until no scope is
// invalid. Invalidation that keeps re-triggering inside one frame hits the
// scheduler's pass ceiling, which is fatal. Run paces
// frames with a token bucket and sleeps until the scheduler reports invalid
// scopes or a caller requests a frame. Settle runs frames back to back until
// nothing is left to do, failing after a fixed number of frames.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/recompose/services/compose/composer"
	"github.com/AleutianAI/recompose/services/compose/scheduler"
	"github.com/AleutianAI/recompose/services/compose/snapshot"
	"github.com/AleutianAI/recompose/services/compose/telemetry"
)

// DefaultMaxSettleFrames is the frame budget of Settle.
const DefaultMaxSettleFrames = 100

// ErrNotSettled is returned when Settle runs out of frames.
var ErrNotSettled = errors.New("composition failed to settle")

// FrameStats describes one frame.
type FrameStats struct {
	// Committed is true when the frame committed global writes.
	Committed bool `json:"committed"`

	// Pending is the number of invalid scopes at frame start.
	Pending int `json:"pending"`

	// Ran is true when the frame ran at least one composition pass.
	Ran bool `json:"ran"`

	// Passes is the number of passes run.
	Passes int `json:"passes"`

	// Pass sums the statistics of every pass in the frame.
	Pass composer.PassStats `json:"pass"`

	// Duration is the frame's wall time.
	Duration time.Duration `json:"duration"`
}

// Option configures a Loop.
type Option func(*Loop)

// WithInterval sets the minimum spacing of frames in Run. Zero removes the
// limit.
func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d <= 0 {
			l.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		l.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// WithLogger sets the loop's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithMetrics reports frames through m.
func WithMetrics(m *telemetry.FrameMetrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithFrameHook calls fn after every frame on the goroutine running it. A
// nil fn is ignored.
func WithFrameHook(fn func(FrameStats)) Option {
	return func(l *Loop) { l.onFrame = fn }
}

// WithMaxSettleFrames sets the frame budget of Settle.
func WithMaxSettleFrames(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxSettle = n
		}
	}
}

// Loop drives one Composition.
//
// Thread Safety: Frame, Settle and Run must not overlap. Request is safe
// from any goroutine.
type Loop struct {
	comp      *composer.Composition
	sys       *snapshot.System
	sched     *scheduler.Scheduler
	limiter   *rate.Limiter
	logger    *slog.Logger
	metrics   *telemetry.FrameMetrics
	onFrame   func(FrameStats)
	maxSettle int

	requests chan struct{}
	frames   atomic.Int64
}

// New creates a Loop for comp.
func New(comp *composer.Composition, opts ...Option) *Loop {
	l := &Loop{
		comp:      comp,
		sys:       comp.System(),
		sched:     comp.Scheduler(),
		limiter:   rate.NewLimiter(rate.Every(16*time.Millisecond), 1),
		logger:    slog.Default(),
		maxSettle: DefaultMaxSettleFrames,
		requests:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(
		slog.String("component", "host"),
		slog.String("composition_id", comp.ID()),
	)
	return l
}

// Frames returns the number of frames run.
func (l *Loop) Frames() int64 {
	return l.frames.Load()
}

// Request asks Run for a frame. Writers to the global snapshot call it so
// their writes get committed. Requests coalesce.
func (l *Loop) Request() {
	select {
	case l.requests <- struct{}{}:
	default:
	}
}

// Idle reports whether a frame would do nothing.
func (l *Loop) Idle() bool {
	return len(l.sys.Global().Modified()) == 0 && !l.comp.NeedsRecompose()
}

// Frame runs one frame.
//
// Description:
//
//	Commits the global snapshot, resets the pass ceiling and runs passes
//	while the composition needs one, so state written by a pass is picked
//	up in the same frame. A conflicting pass ends the frame without an
//	error: its scopes were invalidated again and the next frame retries
//	them.
//
// Outputs:
//   - FrameStats: What the frame did.
//   - error: A context error, *scheduler.PassLimitError when invalidation
//     did not converge within the ceiling, or any other pass error.
func (l *Loop) Frame(ctx context.Context) (FrameStats, error) {
	start := time.Now()
	var fs FrameStats

	fs.Committed = len(l.sys.Global().Modified()) > 0
	if err := l.sys.AdvanceGlobal(ctx); err != nil {
		return fs, err
	}
	l.sched.BeginFrame()
	fs.Pending = len(l.sched.Pending())

	result := "idle"
	var err error
	for err == nil && l.comp.NeedsRecompose() {
		var ps composer.PassStats
		ps, err = l.comp.Recompose(ctx)
		var limit *scheduler.PassLimitError
		switch {
		case err == nil:
			result = "recomposed"
		case errors.As(err, &limit):
			result = "pass_limit"
			l.logger.Error("invalidation did not converge",
				slog.Int("passes", fs.Passes),
				slog.Any("scopes", limit.Scopes),
			)
			continue
		case errors.Is(err, snapshot.ErrConflict):
			result = "conflict"
			l.logger.Debug("pass conflicted, retrying next frame", slog.String("error", err.Error()))
		default:
			result = "error"
		}
		fs.Ran = true
		fs.Passes++
		fs.Pass = fs.Pass.Add(ps)
		if result == "conflict" {
			err = nil
			break
		}
	}

	fs.Duration = time.Since(start)
	l.frames.Add(1)
	l.report(ctx, fs, result)
	if l.onFrame != nil {
		l.onFrame(fs)
	}
	return fs, err
}

func (l *Loop) report(ctx context.Context, fs FrameStats, result string) {
	if l.metrics == nil {
		return
	}
	l.metrics.FramesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	l.metrics.FrameDuration.Record(ctx, fs.Duration.Seconds())
	l.metrics.PendingScopes.Record(ctx, int64(fs.Pending))
	if fs.Passes > 0 {
		l.metrics.FramePasses.Record(ctx, int64(fs.Passes))
	}
}

// Settle runs frames until the loop is idle.
//
// Outputs:
//   - int: Frames run.
//   - error: ErrNotSettled after the frame budget, or the first frame error.
func (l *Loop) Settle(ctx context.Context) (int, error) {
	n := 0
	defer func() {
		if l.metrics != nil {
			l.metrics.SettleFrames.Record(context.Background(), int64(n))
		}
	}()
	for !l.Idle() {
		if n >= l.maxSettle {
			l.logger.Error("composition failed to settle",
				slog.Int("frames", n),
				slog.Any("pending", l.sched.Pending()),
			)
			return n, fmt.Errorf("%w after %d frames", ErrNotSettled, n)
		}
		if _, err := l.Frame(ctx); err != nil {
			return n + 1, err
		}
		n++
	}
	return n, nil
}

// Run runs frames until ctx is done.
//
// Description:
//
//	Waits for invalid scopes or a Request, waits for the limiter, then runs
//	a frame. Conflicts are retried by the next frame; any other frame error
//	stops the loop.
//
// Outputs:
//   - error: ctx.Err() on cancellation, or the error that stopped the loop.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("host loop started", slog.Float64("frame_rate", float64(l.limiter.Limit())))
	defer func() {
		l.logger.Info("host loop stopped", slog.Int64("frames", l.frames.Load()))
	}()

	for {
		if l.Idle() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-l.sched.Notify():
			case <-l.requests:
			}
		}
		if err := l.limiter.Wait(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
		if _, err := l.Frame(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			l.logger.Error("host loop aborted", slog.String("error", err.Error()))
			return err
		}
	}
}
