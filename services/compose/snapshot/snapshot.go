// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Snapshot is an isolated view of the object store.
//
// Description:
//
//	Reads see the snapshot's own overlay, then its ancestors' overlays, then
//	the newest record committed at or before Base. Writes (mutable only) go
//	to the overlay and become visible to others only through Apply.
//
// Thread Safety: Safe for concurrent use. A snapshot is normally driven by
// one goroutine; the global snapshot is shared.
type Snapshot struct {
	sys      *System
	id       ID
	base     atomic.Uint64
	mutable  bool
	global   bool
	label    string
	parent   *Snapshot
	openedAt time.Time

	readObserver  func(ObjectID)
	writeObserver func(ObjectID)

	mu      sync.RWMutex
	status  Status
	overlay map[ObjectID]any
	created map[ObjectID]any
	child   *Snapshot
}

// ID returns the snapshot's id.
func (s *Snapshot) ID() ID { return s.id }

// Base returns the newest commit id visible to the snapshot. The global
// snapshot always reads the newest commit.
func (s *Snapshot) Base() ID {
	if s.global {
		return s.sys.Committed()
	}
	return ID(s.base.Load())
}

// Mutable reports whether the snapshot accepts writes.
func (s *Snapshot) Mutable() bool { return s.mutable }

// IsGlobal reports whether s is the system's global snapshot.
func (s *Snapshot) IsGlobal() bool { return s.global }

// Label returns the label given at Open.
func (s *Snapshot) Label() string { return s.label }

// Parent returns the enclosing snapshot, nil for top-level snapshots.
func (s *Snapshot) Parent() *Snapshot { return s.parent }

// System returns the owning system.
func (s *Snapshot) System() *System { return s.sys }

// Status returns the lifecycle state.
func (s *Snapshot) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Modified returns the objects written in this snapshot's overlay, ascending.
func (s *Snapshot) Modified() []ObjectID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.overlay)
}

func (s *Snapshot) root() *Snapshot {
	r := s
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// -----------------------------------------------------------------------------
// Reads and writes
// -----------------------------------------------------------------------------

// Read returns the value of oid as seen by this snapshot.
//
// Every read is reported to the read observers of the snapshot and its
// ancestors before the value is resolved.
//
// Outputs:
//   - any: The visible value.
//   - error: ErrSnapshotClosed or ErrObjectAbsent.
func (s *Snapshot) Read(oid ObjectID) (any, error) {
	if s.Status() != StatusOpen {
		return nil, fmt.Errorf("%w: snapshot %d", ErrSnapshotClosed, s.id)
	}
	for cur := s; cur != nil; cur = cur.parent {
		if cur.readObserver != nil {
			cur.readObserver(oid)
		}
	}
	return s.peek(oid)
}

// Peek is Read without notifying read observers.
func (s *Snapshot) Peek(oid ObjectID) (any, error) {
	if s.Status() != StatusOpen {
		return nil, fmt.Errorf("%w: snapshot %d", ErrSnapshotClosed, s.id)
	}
	return s.peek(oid)
}

func (s *Snapshot) peek(oid ObjectID) (any, error) {
	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := cur.pending(oid); ok {
			return v, nil
		}
	}
	o := s.sys.object(oid)
	if o == nil {
		return nil, fmt.Errorf("%w: object %d", ErrObjectAbsent, oid)
	}
	// Chain before base: a chain trimmed by Collect still holds the newest
	// record at or below any base loaded afterwards.
	recs := o.records()
	base := s.Base()
	rec, ok := visibleAt(recs, base)
	if !ok || rec.tombstone {
		return nil, fmt.Errorf("%w: object %d at %d", ErrObjectAbsent, oid, base)
	}
	return rec.value, nil
}

func (s *Snapshot) pending(oid ObjectID) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.overlay[oid]; ok {
		return v, true
	}
	v, ok := s.created[oid]
	return v, ok
}

func (s *Snapshot) noteCreated(oid ObjectID, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusOpen {
		return
	}
	if s.created == nil {
		s.created = make(map[ObjectID]any)
	}
	s.created[oid] = v
}

// Write records v for oid in the snapshot's overlay.
//
// Outputs:
//   - error: ErrReadOnly, ErrSnapshotClosed, ErrNestedPending while a mutable
//     child is open, or ErrObjectAbsent if oid is not visible.
func (s *Snapshot) Write(oid ObjectID, v any) error {
	if !s.mutable {
		return fmt.Errorf("%w: snapshot %d", ErrReadOnly, s.id)
	}
	if _, err := s.peek(oid); err != nil {
		return err
	}

	s.mu.Lock()
	if s.status != StatusOpen {
		s.mu.Unlock()
		return fmt.Errorf("%w: snapshot %d", ErrSnapshotClosed, s.id)
	}
	if s.child != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: snapshot %d has child %d", ErrNestedPending, s.id, s.child.id)
	}
	s.overlay[oid] = v
	s.mu.Unlock()

	for cur := s; cur != nil; cur = cur.parent {
		if cur.writeObserver != nil {
			cur.writeObserver(oid)
		}
	}
	return nil
}

// Outdated reports whether oid has been committed by another writer since
// the snapshot's base, or no longer exists.
func (s *Snapshot) Outdated(oid ObjectID) bool {
	o := s.sys.object(oid)
	if o == nil {
		return true
	}
	return o.changedSince(s.Base(), s.root().id)
}

// -----------------------------------------------------------------------------
// Nesting
// -----------------------------------------------------------------------------

// Nested opens a child snapshot that sees this snapshot's overlay.
//
// Description:
//
//	A mutable child's Apply merges its overlay into this snapshot instead of
//	committing globally. Only one mutable child may be pending at a time and
//	this snapshot cannot be written or applied while it is. Read-only children
//	are unrestricted.
//
// Outputs:
//   - *Snapshot: The child.
//   - error: ErrSnapshotClosed, ErrReadOnly for a mutable child of a
//     read-only snapshot, or ErrNestedPending.
func (s *Snapshot) Nested(mutable bool, opts ...Option) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusOpen {
		return nil, fmt.Errorf("%w: snapshot %d", ErrSnapshotClosed, s.id)
	}
	if mutable {
		if !s.mutable {
			return nil, fmt.Errorf("%w: snapshot %d", ErrReadOnly, s.id)
		}
		if s.child != nil {
			return nil, fmt.Errorf("%w: snapshot %d has child %d", ErrNestedPending, s.id, s.child.id)
		}
	}
	child := s.sys.openSnapshot(mutable, s, opts)
	if mutable {
		s.child = child
	}
	return child, nil
}

// -----------------------------------------------------------------------------
// Apply / Dispose
// -----------------------------------------------------------------------------

// Apply publishes the overlay.
//
// Description:
//
//	A top-level snapshot validates every written object: if any record newer
//	than Base was committed by another writer, nothing is changed and a
//	*ConflictError is returned; the snapshot stays open so the caller can
//	Dispose it. Otherwise one fresh commit id is assigned, one record per
//	written object is published, observers receive the write set, and the
//	global snapshot is advanced.
//
//	A nested snapshot merges its overlay into its parent.
//
//	Applying the global snapshot is AdvanceGlobal.
//
// Inputs:
//   - ctx: Context for tracing. Must not be nil.
//
// Outputs:
//   - error: ErrNilContext, ErrReadOnly, ErrSnapshotClosed,
//     ErrNestedPending, or *ConflictError (wraps ErrConflict).
func (s *Snapshot) Apply(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.global {
		return s.sys.AdvanceGlobal(ctx)
	}
	if !s.mutable {
		return fmt.Errorf("%w: snapshot %d", ErrReadOnly, s.id)
	}

	_, span := tracer.Start(ctx, "snapshot.Apply",
		trace.WithAttributes(
			attribute.Int64("snapshot.id", int64(s.id)),
			attribute.Int64("snapshot.base", int64(s.Base())),
			attribute.String("snapshot.label", s.label),
			attribute.Bool("snapshot.nested", s.parent != nil),
		),
	)
	defer span.End()

	start := time.Now()
	var err error
	if s.parent != nil {
		err = s.applyNested()
	} else {
		err = s.applyRoot(span)
	}
	applyDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		applyTotal.WithLabelValues("ok").Inc()
		span.SetStatus(codes.Ok, "")
	case isConflict(err):
		applyTotal.WithLabelValues("conflict").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "conflict")
		s.sys.logger.Debug("snapshot apply conflict",
			slog.Uint64("snapshot_id", uint64(s.id)),
			slog.String("label", s.label),
			slog.String("error", err.Error()),
		)
	default:
		applyTotal.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func isConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

func (s *Snapshot) applyRoot(span trace.Span) error {
	sys := s.sys

	s.mu.Lock()
	if s.status != StatusOpen {
		s.mu.Unlock()
		return fmt.Errorf("%w: snapshot %d", ErrSnapshotClosed, s.id)
	}
	if s.child != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: snapshot %d has child %d", ErrNestedPending, s.id, s.child.id)
	}

	objs := sortedKeys(s.overlay)
	var (
		ws      *WriteSet
		collect bool
	)
	if len(objs) > 0 {
		base := s.Base()

		sys.commitMu.Lock()
		var conflicts []ObjectID
		for _, oid := range objs {
			o := sys.object(oid)
			if o == nil || o.changedSince(base, s.id) {
				conflicts = append(conflicts, oid)
			}
		}
		if len(conflicts) > 0 {
			sys.commitMu.Unlock()
			s.mu.Unlock()
			return &ConflictError{Snapshot: s.id, Objects: conflicts}
		}

		id := ID(sys.clock.Add(1))
		for _, oid := range objs {
			sys.object(oid).append(record{id: id, writer: s.id, value: s.overlay[oid]})
		}
		sys.committed.Store(uint64(id))
		collect = sys.countCommit()
		sys.commitMu.Unlock()

		ws = &WriteSet{ID: id, Snapshot: s.id, Label: s.label, Objects: objs, Time: time.Now()}
		span.SetAttributes(
			attribute.Int64("snapshot.commit", int64(id)),
			attribute.Int("snapshot.objects", len(objs)),
		)
	}
	s.status = StatusApplied
	s.overlay = nil
	s.created = nil
	s.mu.Unlock()
	sys.unregister(s)

	if ws != nil {
		sys.logger.Debug("snapshot applied",
			slog.Uint64("snapshot_id", uint64(s.id)),
			slog.Uint64("commit_id", uint64(ws.ID)),
			slog.Int("objects", len(ws.Objects)),
		)
		sys.emit(*ws)
	}
	sys.advanceGlobal()
	if collect {
		sys.Collect()
	}
	return nil
}

func (s *Snapshot) applyNested() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusOpen {
		return fmt.Errorf("%w: snapshot %d", ErrSnapshotClosed, s.id)
	}
	if s.child != nil {
		return fmt.Errorf("%w: snapshot %d has child %d", ErrNestedPending, s.id, s.child.id)
	}

	p := s.parent
	p.mu.Lock()
	if p.status != StatusOpen {
		p.mu.Unlock()
		return fmt.Errorf("%w: parent snapshot %d", ErrSnapshotClosed, p.id)
	}
	for oid, v := range s.overlay {
		p.overlay[oid] = v
	}
	if len(s.created) > 0 {
		if p.created == nil {
			p.created = make(map[ObjectID]any, len(s.created))
		}
		for oid, v := range s.created {
			p.created[oid] = v
		}
	}
	if p.child == s {
		p.child = nil
	}
	p.mu.Unlock()

	s.status = StatusApplied
	s.overlay = nil
	s.created = nil
	s.sys.unregister(s)
	return nil
}

// Dispose discards the snapshot and any pending child. Idempotent.
//
// Disposing the global snapshot has no effect.
func (s *Snapshot) Dispose() {
	if s.global {
		return
	}

	s.mu.Lock()
	if s.status != StatusOpen {
		s.mu.Unlock()
		return
	}
	s.status = StatusDisposed
	s.overlay = nil
	s.created = nil
	child := s.child
	s.child = nil
	s.mu.Unlock()

	if child != nil {
		child.Dispose()
	}
	if p := s.parent; p != nil && s.mutable {
		p.mu.Lock()
		if p.child == s {
			p.child = nil
		}
		p.mu.Unlock()
	}
	s.sys.unregister(s)
}
