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
	"fmt"
	"reflect"
)

// Policy decides whether a write is redundant.
//
// When Equal(current, next) is true the write is dropped: no overlay entry,
// no record, no invalidation.
type Policy interface {
	// Name returns the configuration name of the policy.
	Name() string

	// Equal reports whether next is equivalent to current.
	Equal(current, next any) bool
}

// Policy names accepted by PolicyByName.
const (
	PolicyStructural  = "structural"
	PolicyReferential = "referential"
	PolicyNever       = "never"
)

var (
	// Structural compares values deeply.
	Structural Policy = structuralPolicy{}

	// Referential compares values with ==. Values that cannot be compared,
	// including structs or arrays holding an incomparable value in an
	// interface field, are never equal.
	Referential Policy = referentialPolicy{}

	// Never treats every write as a change.
	Never Policy = neverPolicy{}
)

// PolicyByName returns the policy registered under name.
//
// Outputs:
//   - Policy: The policy.
//   - error: Wraps ErrUnknownPolicy for any other name.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case PolicyStructural:
		return Structural, nil
	case PolicyReferential:
		return Referential, nil
	case PolicyNever:
		return Never, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
}

type structuralPolicy struct{}

func (structuralPolicy) Name() string { return PolicyStructural }

func (structuralPolicy) Equal(current, next any) bool {
	return reflect.DeepEqual(current, next)
}

type referentialPolicy struct{}

func (referentialPolicy) Name() string { return PolicyReferential }

func (referentialPolicy) Equal(current, next any) bool {
	if current == nil || next == nil {
		return current == nil && next == nil
	}
	cv, nv := reflect.ValueOf(current), reflect.ValueOf(next)
	if cv.Type() != nv.Type() || !cv.Comparable() || !nv.Comparable() {
		return false
	}
	return current == next
}

type neverPolicy struct{}

func (neverPolicy) Name() string { return PolicyNever }

func (neverPolicy) Equal(any, any) bool { return false }
