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
	"fmt"
	"sync"

	"github.com/AleutianAI/recompose/services/compose/state"
)

// Remember is the typed form of Composer.Remember. A stored value of
// another type is a structural fault.
func Remember[T any](c *Composer, calc func() T) T {
	v := c.Remember(func() any { return calc() })
	var zero T
	if v == nil {
		return zero
	}
	t, ok := v.(T)
	if !ok {
		c.fault(fmt.Sprintf("remembered value has type %T, want %T", v, zero), nil)
	}
	return t
}

// RememberState returns a state handle that lives as long as the
// enclosing group. The object is created in the pass snapshot on first
// composition and disposed after the group is removed.
func RememberState[T any](c *Composer, initial T, opts ...state.Option) *state.Handle[T] {
	return Remember(c, func() *state.Handle[T] {
		opts = append(opts, state.In(c.snap))
		h, err := state.New(c.comp.sys, initial, opts...)
		if err != nil {
			c.fault("remember state", err)
		}
		return h
	})
}

// Get reads h through the pass snapshot, recording the read as a
// dependency of the running scope.
func Get[T any](c *Composer, h *state.Handle[T]) (T, error) {
	return h.GetIn(c.snap)
}

// Set writes v to h in the pass snapshot. The write is committed when the
// pass applies.
func Set[T any](c *Composer, h *state.Handle[T], v T) error {
	return h.SetIn(c.snap, v)
}

// disposeHook runs fn once when its group is removed.
type disposeHook struct {
	once sync.Once
	mu   sync.Mutex
	fn   func()
}

func (h *disposeHook) set(fn func()) {
	h.mu.Lock()
	h.fn = fn
	h.mu.Unlock()
}

// Dispose implements Disposer.
func (h *disposeHook) Dispose() error {
	h.once.Do(func() {
		h.mu.Lock()
		fn := h.fn
		h.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	return nil
}

// OnDispose registers fn to run once after the enclosing group leaves the
// composition. Each pass that reaches the call replaces fn, so the last
// closure seen wins.
func OnDispose(c *Composer, fn func()) {
	h := Remember(c, func() *disposeHook { return &disposeHook{} })
	h.set(fn)
}
