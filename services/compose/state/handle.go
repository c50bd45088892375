// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state provides typed handles over snapshot state objects.
//
// A Handle reads and writes through a snapshot; reads are reported to the
// snapshot's read observer, which is how the composition runtime learns which
// scopes depend on which objects. Handles used outside a composition pass go
// through the system's global snapshot.
package state

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/AleutianAI/recompose/services/compose/snapshot"
)

var (
	// ErrDisposed is returned by every operation on a disposed handle.
	ErrDisposed = errors.New("state handle disposed")

	// ErrUnknownPolicy is returned for an unrecognized equality policy name.
	ErrUnknownPolicy = errors.New("unknown equality policy")

	// ErrTypeMismatch is returned when the stored value is not a T.
	ErrTypeMismatch = errors.New("state value type mismatch")
)

// Option configures a Handle at creation.
type Option func(*options)

type options struct {
	policy  Policy
	creator *snapshot.Snapshot
}

// WithPolicy overrides the system's default equality policy.
func WithPolicy(p Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// In creates the handle's object inside s, so it is readable there before s
// is applied.
func In(s *snapshot.Snapshot) Option {
	return func(o *options) {
		o.creator = s
	}
}

// Handle is a typed reference to one state object.
//
// Thread Safety: Safe for concurrent use. Dispose takes effect exactly once.
type Handle[T any] struct {
	sys      *snapshot.System
	id       snapshot.ObjectID
	policy   Policy
	disposed atomic.Bool
}

// New creates a state object holding initial.
//
// Inputs:
//   - sys: Owning snapshot system.
//   - initial: Initial value.
//   - opts: WithPolicy, In.
//
// Outputs:
//   - *Handle[T]: The handle.
//   - error: ErrUnknownPolicy if the system's configured policy is invalid,
//     snapshot.ErrSystemClosed if sys is closed.
func New[T any](sys *snapshot.System, initial T, opts ...Option) (*Handle[T], error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.policy == nil {
		p, err := PolicyByName(sys.Config().EqualityPolicy)
		if err != nil {
			return nil, err
		}
		o.policy = p
	}

	id, err := sys.NewObject(initial, o.creator)
	if err != nil {
		return nil, fmt.Errorf("creating state object: %w", err)
	}
	return &Handle[T]{sys: sys, id: id, policy: o.policy}, nil
}

// ID returns the underlying object id.
func (h *Handle[T]) ID() snapshot.ObjectID {
	return h.id
}

// Policy returns the handle's equality policy.
func (h *Handle[T]) Policy() Policy {
	return h.policy
}

// Get reads the value through the global snapshot.
func (h *Handle[T]) Get() (T, error) {
	return h.GetIn(h.sys.Global())
}

// GetIn reads the value as seen by s and reports the read to s's observers.
// Snapshots opened before Dispose keep seeing the last value.
//
// Outputs:
//   - T: The value.
//   - error: ErrDisposed (also matching snapshot.ErrObjectAbsent) when s no
//     longer sees a disposed object, ErrTypeMismatch, or a snapshot read
//     error.
func (h *Handle[T]) GetIn(s *snapshot.Snapshot) (T, error) {
	var zero T
	v, err := s.Read(h.id)
	if err != nil {
		if h.disposed.Load() && errors.Is(err, snapshot.ErrObjectAbsent) {
			return zero, fmt.Errorf("%w: object %d: %w", ErrDisposed, h.id, err)
		}
		return zero, err
	}
	return h.cast(v)
}

func (h *Handle[T]) cast(v any) (T, error) {
	var zero T
	if v == nil {
		return zero, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: object %d holds %T, want %T", ErrTypeMismatch, h.id, v, zero)
	}
	return t, nil
}

// Set writes v through the global snapshot.
func (h *Handle[T]) Set(v T) error {
	return h.SetIn(h.sys.Global(), v)
}

// SetIn writes v in s unless the equality policy finds it equal to the
// value s currently sees. The comparison read is not reported to observers.
//
// Outputs:
//   - error: ErrDisposed or a snapshot write error.
func (h *Handle[T]) SetIn(s *snapshot.Snapshot, v T) error {
	if h.disposed.Load() {
		return fmt.Errorf("%w: object %d", ErrDisposed, h.id)
	}
	cur, err := s.Peek(h.id)
	if err != nil {
		return err
	}
	if h.policy.Equal(cur, v) {
		return nil
	}
	return s.Write(h.id, v)
}

// Update applies fn to the value seen by s and writes the result.
func (h *Handle[T]) Update(s *snapshot.Snapshot, fn func(T) T) error {
	cur, err := h.GetIn(s)
	if err != nil {
		return err
	}
	return h.SetIn(s, fn(cur))
}

// Dispose tombstones the object. Only the first call has an effect; later
// calls return ErrDisposed.
func (h *Handle[T]) Dispose() error {
	if !h.disposed.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: object %d", ErrDisposed, h.id)
	}
	return h.sys.DisposeObject(h.id)
}

// Disposed reports whether Dispose has been called.
func (h *Handle[T]) Disposed() bool {
	return h.disposed.Load()
}
