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
	"errors"
	"fmt"

	"github.com/AleutianAI/recompose/services/compose/slots"
)

var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNoContent is returned by Recompose before SetContent.
	ErrNoContent = errors.New("composition has no content")

	// ErrDisposed is returned after Composition.Dispose.
	ErrDisposed = errors.New("composition disposed")

	// ErrBroken is returned by every pass after a structural fault.
	ErrBroken = errors.New("composition broken by structural fault")
)

// StructuralFaultError aborts a pass.
//
// Unwraps to slots.ErrStructuralFault and, when present, to the underlying
// table error.
type StructuralFaultError struct {
	// Pos is the cursor position when the fault was raised.
	Pos int

	// Key is the key of the innermost open group, if any.
	Key slots.Key

	// Reason describes the fault.
	Reason string

	// Err is the underlying error, if any.
	Err error
}

// Error implements error.
func (e *StructuralFaultError) Error() string {
	msg := fmt.Sprintf("%v at %d (group %s): %s", slots.ErrStructuralFault, e.Pos, e.Key, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the sentinel and the underlying error.
func (e *StructuralFaultError) Unwrap() []error {
	if e.Err != nil {
		return []error{slots.ErrStructuralFault, e.Err}
	}
	return []error{slots.ErrStructuralFault}
}
