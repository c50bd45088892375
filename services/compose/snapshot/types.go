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
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrConflict is returned by Apply when another snapshot committed a
	// write to the same object after this snapshot's base.
	ErrConflict = errors.New("snapshot apply conflict")

	// ErrReadOnly is returned when writing to or applying a read-only snapshot.
	ErrReadOnly = errors.New("snapshot is read-only")

	// ErrSnapshotClosed is returned when using an applied or disposed snapshot.
	ErrSnapshotClosed = errors.New("snapshot is closed")

	// ErrObjectAbsent is returned when an object does not exist in the
	// snapshot's view: created later, never created, or disposed.
	ErrObjectAbsent = errors.New("object absent in snapshot")

	// ErrNestedPending is returned when a snapshot with an open mutable child
	// is written, applied, or asked for a second mutable child.
	ErrNestedPending = errors.New("nested mutable snapshot pending")

	// ErrSystemClosed is returned after System.Close.
	ErrSystemClosed = errors.New("snapshot system is closed")
)

// ConflictError describes a failed Apply.
//
// Unwraps to ErrConflict.
type ConflictError struct {
	// Snapshot is the id of the snapshot that failed to apply.
	Snapshot ID

	// Objects lists the overlapping objects, ascending.
	Objects []ObjectID
}

// Error implements error.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("snapshot %d: %v: objects %v", e.Snapshot, ErrConflict, e.Objects)
}

// Unwrap returns ErrConflict.
func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// -----------------------------------------------------------------------------
// Identifiers
// -----------------------------------------------------------------------------

// ID identifies a snapshot or a commit. Snapshot ids and commit ids are
// drawn from the same strictly increasing counter.
type ID uint64

// ObjectID identifies a state object.
type ObjectID uint64

// Status is the lifecycle state of a snapshot.
type Status int32

const (
	// StatusOpen snapshots can be read and, if mutable, written.
	StatusOpen Status = iota

	// StatusApplied snapshots committed their overlay.
	StatusApplied

	// StatusDisposed snapshots discarded their overlay.
	StatusDisposed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusApplied:
		return "applied"
	case StatusDisposed:
		return "disposed"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// -----------------------------------------------------------------------------
// Write sets
// -----------------------------------------------------------------------------

// WriteSet describes one commit. It is delivered to every ApplyObserver.
type WriteSet struct {
	// ID is the commit id assigned to the records.
	ID ID

	// Snapshot is the id of the committing snapshot, 0 for system commits.
	Snapshot ID

	// Label is the committing snapshot's label.
	Label string

	// Objects lists the written objects, ascending.
	Objects []ObjectID

	// Disposed is true when the commit tombstoned the objects.
	Disposed bool

	// Time is when the commit was published.
	Time time.Time
}

// ApplyObserver receives write sets after they are committed.
//
// Observers run synchronously on the committing goroutine, outside any
// System lock. They must not block.
type ApplyObserver func(ws WriteSet)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config configures a System.
type Config struct {
	// CollectEvery runs Collect after this many commits. 0 disables
	// automatic collection.
	CollectEvery int

	// EqualityPolicy names the default policy state handles use to decide
	// whether a write of an equal value is suppressed: "structural",
	// "referential" or "never".
	EqualityPolicy string

	// Logger for snapshot operations. Default: slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		CollectEvery:   64,
		EqualityPolicy: "structural",
	}
}

// Option configures a snapshot at Open.
type Option func(*Snapshot)

// WithReadObserver registers fn to be called with every object read through
// the snapshot and its nested children.
func WithReadObserver(fn func(ObjectID)) Option {
	return func(s *Snapshot) {
		s.readObserver = fn
	}
}

// WithWriteObserver registers fn to be called with every object written
// through the snapshot and its nested children.
func WithWriteObserver(fn func(ObjectID)) Option {
	return func(s *Snapshot) {
		s.writeObserver = fn
	}
}

// WithLabel names the snapshot in logs, spans and write sets.
func WithLabel(label string) Option {
	return func(s *Snapshot) {
		s.label = label
	}
}
