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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/recompose/services/compose/scheduler"
	"github.com/AleutianAI/recompose/services/compose/slots"
	"github.com/AleutianAI/recompose/services/compose/snapshot"
	"github.com/AleutianAI/recompose/services/compose/state"
)

// -----------------------------------------------------------------------------
// Scopes
// -----------------------------------------------------------------------------

// ScopeID identifies a restartable scope.
type ScopeID = scheduler.ScopeID

// Scope is a restartable region: the group opened by one Call plus the
// body that fills it.
type Scope struct {
	id     ScopeID
	key    Key
	anchor *slots.Anchor
	body   Composable
	runs   int
}

// ID returns the scope id.
func (s *Scope) ID() ScopeID { return s.id }

// Key returns the key of the scope's group.
func (s *Scope) Key() Key { return s.key }

// Runs returns how many times the body has run.
func (s *Scope) Runs() int { return s.runs }

// -----------------------------------------------------------------------------
// Pass statistics
// -----------------------------------------------------------------------------

// PassStats summarizes one pass.
type PassStats struct {
	// Full is true when content ran from the root.
	Full bool `json:"full"`

	// Executed counts scope bodies run.
	Executed int `json:"executed"`

	// Skipped counts scope bodies skipped.
	Skipped int `json:"skipped"`

	// Inserted, Moved and Removed count group edits. Removed includes
	// nested groups.
	Inserted int `json:"inserted"`
	Moved    int `json:"moved"`
	Removed  int `json:"removed"`

	// Disposed counts remembered values disposed after apply.
	Disposed int `json:"disposed"`

	Duration time.Duration `json:"duration"`
}

// Add returns the sum of p and o. Full is true when either pass was full.
func (p PassStats) Add(o PassStats) PassStats {
	return PassStats{
		Full:     p.Full || o.Full,
		Executed: p.Executed + o.Executed,
		Skipped:  p.Skipped + o.Skipped,
		Inserted: p.Inserted + o.Inserted,
		Moved:    p.Moved + o.Moved,
		Removed:  p.Removed + o.Removed,
		Disposed: p.Disposed + o.Disposed,
		Duration: p.Duration + o.Duration,
	}
}

func (p PassStats) kind() string {
	if p.Full {
		return "full"
	}
	return "partial"
}

// -----------------------------------------------------------------------------
// Composition
// -----------------------------------------------------------------------------

// Option configures a Composition.
type Option func(*Composition)

// WithApplier routes node edits to a.
func WithApplier(a Applier) Option {
	return func(c *Composition) { c.applier = a }
}

// WithLogger sets the logger. The composition adds its component and id.
func WithLogger(l *slog.Logger) Option {
	return func(c *Composition) { c.logger = l }
}

// Composition owns a slot table and drives passes over it.
//
// Description:
//
//	The composition attaches its scheduler to the snapshot system, so every
//	apply invalidates the scopes that read a changed object. Recompose then
//	re-runs exactly those scopes, or the whole content after SetContent.
//
// Thread Safety: Safe for concurrent use. Passes are serialized.
type Composition struct {
	id      string
	sys     *snapshot.System
	sched   *scheduler.Scheduler
	applier Applier
	logger  *slog.Logger

	mu        sync.Mutex
	table     *slots.Table
	content   Composable
	full      bool
	scopes    map[ScopeID]*Scope
	nextScope ScopeID
	broken    error
	disposed  bool
	last      PassStats
}

// New creates a Composition over sys and attaches sched to it.
//
// Inputs:
//   - sys: Snapshot system holding the composition's state.
//   - sched: Invalidation scheduler. One scheduler per composition.
//   - opts: WithApplier, WithLogger.
//
// Outputs:
//   - *Composition: Ready for SetContent.
func New(sys *snapshot.System, sched *scheduler.Scheduler, opts ...Option) *Composition {
	c := &Composition{
		id:     uuid.NewString(),
		sys:    sys,
		sched:  sched,
		table:  slots.NewTable(),
		scopes: make(map[ScopeID]*Scope),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.applier == nil {
		c.applier = nopApplier{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(
		slog.String("component", "composer"),
		slog.String("composition_id", c.id),
	)
	sched.Attach(sys)
	return c
}

// ID returns the composition's id.
func (c *Composition) ID() string {
	return c.id
}

// Scheduler returns the attached scheduler.
func (c *Composition) Scheduler() *scheduler.Scheduler {
	return c.sched
}

// System returns the snapshot system.
func (c *Composition) System() *snapshot.System {
	return c.sys
}

// SetContent replaces the root content. The next pass is a full pass.
func (c *Composition) SetContent(content Composable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.content = content
	c.full = true
}

// NeedsRecompose reports whether Recompose would do any work.
func (c *Composition) NeedsRecompose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || c.broken != nil || c.content == nil {
		return false
	}
	return c.full || c.sched.HasPending()
}

// Recompose runs one pass.
//
// Description:
//
//	A full pass (first pass, or after SetContent) runs the content from the
//	root. Otherwise only invalid scopes run and everything else is skipped.
//	The pass runs inside a mutable snapshot. Scopes whose reads were
//	overtaken by a concurrent commit are invalidated before apply. When
//	apply conflicts, the scopes that ran are invalidated again and the
//	error is returned; the slot table keeps the pass's structure. Values
//	removed by the pass are disposed only after apply.
//
// Inputs:
//   - ctx: Must not be nil.
//
// Outputs:
//   - PassStats: What the pass did.
//   - error: ErrNilContext, ErrNoContent, ErrDisposed, ErrBroken,
//     *scheduler.PassLimitError, *StructuralFaultError, or an apply error
//     wrapping snapshot.ErrConflict.
func (c *Composition) Recompose(ctx context.Context) (PassStats, error) {
	if ctx == nil {
		return PassStats{}, ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return PassStats{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.disposed:
		return PassStats{}, ErrDisposed
	case c.broken != nil:
		return PassStats{}, fmt.Errorf("%w: %w", ErrBroken, c.broken)
	case c.content == nil:
		return PassStats{}, ErrNoContent
	}
	if !c.full && !c.sched.HasPending() {
		return PassStats{}, nil
	}
	if err := c.sched.BeginPass(); err != nil {
		return PassStats{}, err
	}

	full := c.full
	ctx, span := tracer.Start(ctx, "composer.Recompose",
		trace.WithAttributes(
			attribute.String("composition.id", c.id),
			attribute.Bool("composition.full", full),
		),
	)
	defer span.End()
	start := time.Now()

	pending := c.sched.TakePending()
	cp := newComposer(c, pending)
	cp.stats.Full = full
	cp.snap = c.sys.Open(true,
		snapshot.WithReadObserver(cp.recordRead),
		snapshot.WithLabel("composition/"+c.id),
	)
	defer func() {
		if cp.snap.Status() == snapshot.StatusOpen {
			cp.snap.Dispose()
		}
	}()

	if err := cp.execute(c.content, full); err != nil {
		c.broken = err
		c.applier.Reset()
		passesTotal.WithLabelValues(cp.stats.kind(), "fault").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "structural fault")
		c.logger.Error("composition pass aborted",
			slog.Bool("full", full),
			slog.String("error", err.Error()),
		)
		return cp.stats, err
	}
	c.full = false
	c.applier.Reset()

	for _, oid := range cp.outdated() {
		for _, id := range cp.reads[oid] {
			if _, ok := c.scopes[id]; ok {
				c.sched.Invalidate(id)
			}
		}
	}

	result := "ok"
	applyErr := cp.snap.Apply(ctx)
	if applyErr != nil {
		result = "error"
		if errors.Is(applyErr, snapshot.ErrConflict) {
			result = "conflict"
			for _, id := range cp.ran {
				if _, ok := c.scopes[id]; ok {
					c.sched.Invalidate(id)
				}
			}
			c.logger.Warn("composition apply conflicted, scopes invalidated",
				slog.Int("scopes", len(cp.ran)),
				slog.String("error", applyErr.Error()),
			)
		}
		applyErr = fmt.Errorf("applying composition pass: %w", applyErr)
		span.RecordError(applyErr)
		span.SetStatus(codes.Error, result)
	}

	cp.stats.Disposed = c.dispose(cp.disposals)
	cp.stats.Duration = time.Since(start)
	c.last = cp.stats
	c.record(cp.stats, result)
	span.SetAttributes(
		attribute.Int("composition.executed", cp.stats.Executed),
		attribute.Int("composition.skipped", cp.stats.Skipped),
	)

	c.logger.Debug("composition pass complete",
		slog.Bool("full", full),
		slog.Int("executed", cp.stats.Executed),
		slog.Int("skipped", cp.stats.Skipped),
		slog.Int("inserted", cp.stats.Inserted),
		slog.Int("moved", cp.stats.Moved),
		slog.Int("removed", cp.stats.Removed),
		slog.Int("disposed", cp.stats.Disposed),
		slog.Duration("duration", cp.stats.Duration),
	)
	return cp.stats, applyErr
}

func (c *Composition) record(s PassStats, result string) {
	kind := s.kind()
	passesTotal.WithLabelValues(kind, result).Inc()
	passDuration.WithLabelValues(kind).Observe(s.Duration.Seconds())
	scopesExecuted.Add(float64(s.Executed))
	scopesSkipped.Add(float64(s.Skipped))
	groupEdits.WithLabelValues("insert").Add(float64(s.Inserted))
	groupEdits.WithLabelValues("move").Add(float64(s.Moved))
	groupEdits.WithLabelValues("remove").Add(float64(s.Removed))
}

// dispose runs the disposers queued by a pass and returns how many ran.
func (c *Composition) dispose(list []Disposer) int {
	for _, d := range list {
		if err := d.Dispose(); err != nil {
			if errors.Is(err, state.ErrDisposed) {
				disposalsTotal.WithLabelValues("already").Inc()
				continue
			}
			disposalsTotal.WithLabelValues("error").Inc()
			c.logger.Warn("disposing removed value failed",
				slog.String("type", fmt.Sprintf("%T", d)),
				slog.String("error", err.Error()),
			)
			continue
		}
		disposalsTotal.WithLabelValues("ok").Inc()
	}
	return len(list)
}

// newScope must be called with mu held.
func (c *Composition) newScope(key Key, pos int) *Scope {
	anchor, err := c.table.AnchorFor(pos)
	if err != nil {
		panic(&StructuralFaultError{Pos: pos, Key: key, Reason: "anchor scope", Err: err})
	}
	c.nextScope++
	s := &Scope{id: c.nextScope, key: key, anchor: anchor}
	c.scopes[s.id] = s
	c.sched.Track(s.id, anchor)
	liveScopes.Inc()
	return s
}

// dropScope must be called with mu held.
func (c *Composition) dropScope(id ScopeID) {
	s, ok := c.scopes[id]
	if !ok {
		return
	}
	delete(c.scopes, id)
	c.table.Release(s.anchor)
	c.sched.Forget(id)
	liveScopes.Dec()
}

// -----------------------------------------------------------------------------
// Inspection
// -----------------------------------------------------------------------------

// SkipEligible reports whether the next pass would skip scope's body if
// its inputs are unchanged.
func (c *Composition) SkipEligible(id ScopeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.scopes[id]
	return ok && s.body != nil && !c.sched.IsPending(id)
}

// Scope returns the scope with id.
func (c *Composition) Scope(id ScopeID) (*Scope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.scopes[id]
	return s, ok
}

// Scopes returns the live scope ids in ascending order.
func (c *Composition) Scopes() []ScopeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ScopeID, 0, len(c.scopes))
	for id := range c.scopes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LastPass returns the statistics of the most recent successful pass.
func (c *Composition) LastPass() PassStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Size returns the number of slots in the table.
func (c *Composition) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.Len()
}

// Verify checks the table's structural invariants.
func (c *Composition) Verify() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table.Verify()
}

// Walk visits every slot in document order. fn returns false to skip a
// group's content.
func (c *Composition) Walk(fn func(depth int, s slots.Slot) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table.Walk(func(depth, _ int, s slots.Slot) bool {
		return fn(depth, s)
	})
}

// Broken returns the fault that broke the composition, if any.
func (c *Composition) Broken() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken
}

// Dispose removes the whole table, disposing every remembered value, and
// detaches the scheduler. Later passes return ErrDisposed.
func (c *Composition) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.disposed = true

	var disposals []Disposer
	if n := c.table.Len(); n > 0 {
		removed, err := c.table.Remove(0, n)
		if err != nil {
			c.logger.Error("clearing slot table", slog.String("error", err.Error()))
		}
		for _, s := range removed {
			if d, ok := s.Value.(Disposer); ok && s.Kind == slots.KindValue {
				disposals = append(disposals, d)
			}
		}
	}
	for id := range c.scopes {
		c.dropScope(id)
	}
	c.dispose(disposals)
	c.applier.Clear()
	c.sched.Detach()
	c.logger.Info("composition disposed", slog.Int("disposed", len(disposals)))
}
