// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler maps committed writes to the composition scopes that
// read them.
//
// The scheduler owns three indexes keyed by id: object → readers,
// scope → dependencies and scope → anchor. It never owns scopes or objects.
// Committed write sets union the readers of every written object into a
// pending-invalid set that the next composition pass drains.
//
// Thread Safety: Safe for concurrent use. OnApply may run on any goroutine
// that commits a snapshot.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/recompose/services/compose/slots"
	"github.com/AleutianAI/recompose/services/compose/snapshot"
)

// ErrPassLimitExceeded is returned when invalidation keeps re-triggering
// within one frame past the configured ceiling.
var ErrPassLimitExceeded = errors.New("recomposition pass limit exceeded")

// PassLimitError lists the scopes still invalid when the ceiling was hit.
//
// Unwraps to ErrPassLimitExceeded.
type PassLimitError struct {
	Limit  int
	Scopes []ScopeID
}

// Error implements error.
func (e *PassLimitError) Error() string {
	return fmt.Sprintf("%v: %d passes, still invalid %v", ErrPassLimitExceeded, e.Limit, e.Scopes)
}

// Unwrap returns ErrPassLimitExceeded.
func (e *PassLimitError) Unwrap() error {
	return ErrPassLimitExceeded
}

// ScopeID identifies a restartable composition scope.
type ScopeID uint64

// Config configures a Scheduler.
type Config struct {
	// MaxPassesPerFrame bounds the passes BeginPass allows between
	// BeginFrame calls. Default: 10.
	MaxPassesPerFrame int

	// Logger for scheduler events. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{MaxPassesPerFrame: 10}
}

var (
	invalidations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recompose",
		Subsystem: "scheduler",
		Name:      "invalidations_total",
		Help:      "Scopes marked invalid by committed writes or manual invalidation",
	})

	passLimitExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recompose",
		Subsystem: "scheduler",
		Name:      "pass_limit_exceeded_total",
		Help:      "Frames aborted because invalidation did not converge",
	})
)

type set[K comparable] map[K]struct{}

// Scheduler tracks scope dependencies and pending invalidations.
type Scheduler struct {
	logger    *slog.Logger
	maxPasses int

	mu      sync.Mutex
	readers map[snapshot.ObjectID]set[ScopeID]
	deps    map[ScopeID]set[snapshot.ObjectID]
	staging map[ScopeID]set[snapshot.ObjectID]
	anchors map[ScopeID]*slots.Anchor
	pending set[ScopeID]
	passes  int
	detach  func()

	notify chan struct{}
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.MaxPassesPerFrame <= 0 {
		cfg.MaxPassesPerFrame = DefaultConfig().MaxPassesPerFrame
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:    logger.With(slog.String("component", "scheduler")),
		maxPasses: cfg.MaxPassesPerFrame,
		readers:   make(map[snapshot.ObjectID]set[ScopeID]),
		deps:      make(map[ScopeID]set[snapshot.ObjectID]),
		staging:   make(map[ScopeID]set[snapshot.ObjectID]),
		anchors:   make(map[ScopeID]*slots.Anchor),
		pending:   make(set[ScopeID]),
		notify:    make(chan struct{}, 1),
	}
}

// Attach registers the scheduler as an apply observer of sys. A previous
// attachment is released.
func (sc *Scheduler) Attach(sys *snapshot.System) {
	detach := sys.Observe(sc.OnApply)

	sc.mu.Lock()
	prev := sc.detach
	sc.detach = detach
	sc.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// Detach stops observing the attached system.
func (sc *Scheduler) Detach() {
	sc.mu.Lock()
	detach := sc.detach
	sc.detach = nil
	sc.mu.Unlock()

	if detach != nil {
		detach()
	}
}

// -----------------------------------------------------------------------------
// Scopes and dependencies
// -----------------------------------------------------------------------------

// Track binds scope to the anchor of its group.
func (sc *Scheduler) Track(scope ScopeID, anchor *slots.Anchor) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.anchors[scope] = anchor
}

// Anchor returns the anchor bound to scope.
func (sc *Scheduler) Anchor(scope ScopeID) (*slots.Anchor, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	a, ok := sc.anchors[scope]
	return a, ok
}

// BeginScope starts collecting a fresh dependency set for scope. The
// previous set stays in force until CommitScope.
func (sc *Scheduler) BeginScope(scope ScopeID) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.staging[scope] = make(set[snapshot.ObjectID])
}

// Record notes that scope read obj. Outside BeginScope/CommitScope the
// object is added to the scope's current set.
func (sc *Scheduler) Record(scope ScopeID, obj snapshot.ObjectID) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if st, ok := sc.staging[scope]; ok {
		st[obj] = struct{}{}
		return
	}
	sc.link(scope, obj)
}

// CommitScope replaces scope's dependency set with the objects recorded
// since BeginScope.
func (sc *Scheduler) CommitScope(scope ScopeID) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	st, ok := sc.staging[scope]
	if !ok {
		return
	}
	delete(sc.staging, scope)
	sc.unlinkAll(scope)
	for obj := range st {
		sc.link(scope, obj)
	}
}

// AbortScope discards the dependencies recorded since BeginScope.
func (sc *Scheduler) AbortScope(scope ScopeID) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	delete(sc.staging, scope)
}

// Forget removes every trace of scope.
func (sc *Scheduler) Forget(scope ScopeID) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.unlinkAll(scope)
	delete(sc.staging, scope)
	delete(sc.anchors, scope)
	delete(sc.pending, scope)
}

// link must be called with mu held.
func (sc *Scheduler) link(scope ScopeID, obj snapshot.ObjectID) {
	d, ok := sc.deps[scope]
	if !ok {
		d = make(set[snapshot.ObjectID])
		sc.deps[scope] = d
	}
	d[obj] = struct{}{}

	r, ok := sc.readers[obj]
	if !ok {
		r = make(set[ScopeID])
		sc.readers[obj] = r
	}
	r[scope] = struct{}{}
}

// unlinkAll must be called with mu held.
func (sc *Scheduler) unlinkAll(scope ScopeID) {
	for obj := range sc.deps[scope] {
		if r, ok := sc.readers[obj]; ok {
			delete(r, scope)
			if len(r) == 0 {
				delete(sc.readers, obj)
			}
		}
	}
	delete(sc.deps, scope)
}

// Dependencies returns the objects scope currently depends on, ascending.
func (sc *Scheduler) Dependencies(scope ScopeID) []snapshot.ObjectID {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sortedSet(sc.deps[scope])
}

// Dependents returns the scopes that read obj, ascending.
func (sc *Scheduler) Dependents(obj snapshot.ObjectID) []ScopeID {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sortedSet(sc.readers[obj])
}

// -----------------------------------------------------------------------------
// Invalidation
// -----------------------------------------------------------------------------

// OnApply marks every reader of the written objects invalid. Scopes still
// collecting dependencies count as readers of what they recorded so far.
func (sc *Scheduler) OnApply(ws snapshot.WriteSet) {
	sc.mu.Lock()
	marked := 0
	for _, obj := range ws.Objects {
		for scope := range sc.readers[obj] {
			if sc.mark(scope) {
				marked++
			}
		}
		for scope, st := range sc.staging {
			if _, ok := st[obj]; ok && sc.mark(scope) {
				marked++
			}
		}
	}
	sc.mu.Unlock()

	if marked > 0 {
		sc.logger.Debug("scopes invalidated",
			slog.Uint64("commit_id", uint64(ws.ID)),
			slog.Int("objects", len(ws.Objects)),
			slog.Int("scopes", marked),
		)
		sc.signal()
	}
}

// Invalidate marks scope invalid regardless of its dependencies.
func (sc *Scheduler) Invalidate(scope ScopeID) {
	sc.mu.Lock()
	marked := sc.mark(scope)
	sc.mu.Unlock()
	if marked {
		sc.signal()
	}
}

// mark must be called with mu held.
func (sc *Scheduler) mark(scope ScopeID) bool {
	if _, ok := sc.pending[scope]; ok {
		return false
	}
	sc.pending[scope] = struct{}{}
	invalidations.Inc()
	return true
}

func (sc *Scheduler) signal() {
	select {
	case sc.notify <- struct{}{}:
	default:
	}
}

// Notify returns a channel that receives a value whenever new scopes become
// invalid. Signals coalesce; the channel never blocks a committer.
func (sc *Scheduler) Notify() <-chan struct{} {
	return sc.notify
}

// Pending returns the invalid scopes, ascending.
func (sc *Scheduler) Pending() []ScopeID {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sortedSet(sc.pending)
}

// TakePending returns and clears the invalid scopes.
func (sc *Scheduler) TakePending() []ScopeID {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := sortedSet(sc.pending)
	clear(sc.pending)
	return out
}

// IsPending reports whether scope is invalid.
func (sc *Scheduler) IsPending(scope ScopeID) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, ok := sc.pending[scope]
	return ok
}

// Clear removes scope from the invalid set.
func (sc *Scheduler) Clear(scope ScopeID) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	delete(sc.pending, scope)
}

// HasPending reports whether any scope is invalid.
func (sc *Scheduler) HasPending() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.pending) > 0
}

// -----------------------------------------------------------------------------
// Frames
// -----------------------------------------------------------------------------

// BeginFrame resets the per-frame pass counter.
func (sc *Scheduler) BeginFrame() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.passes = 0
}

// BeginPass counts one composition pass against the frame ceiling.
//
// Outputs:
//   - error: *PassLimitError once more than MaxPassesPerFrame passes have
//     begun in the current frame.
func (sc *Scheduler) BeginPass() error {
	sc.mu.Lock()
	sc.passes++
	if sc.passes <= sc.maxPasses {
		sc.mu.Unlock()
		return nil
	}
	err := &PassLimitError{Limit: sc.maxPasses, Scopes: sortedSet(sc.pending)}
	sc.mu.Unlock()

	passLimitExceeded.Inc()
	sc.logger.Error("recomposition did not converge",
		slog.Int("limit", err.Limit),
		slog.Any("scopes", err.Scopes),
	)
	return err
}

// Passes returns the passes begun in the current frame.
func (sc *Scheduler) Passes() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.passes
}

// Stats summarizes the scheduler's indexes.
type Stats struct {
	Scopes  int
	Objects int
	Pending int
}

// Stats returns current index sizes.
func (sc *Scheduler) Stats() Stats {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return Stats{Scopes: len(sc.deps), Objects: len(sc.readers), Pending: len(sc.pending)}
}

func sortedSet[K interface{ ~uint64 }](s map[K]struct{}) []K {
	out := make([]K, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
