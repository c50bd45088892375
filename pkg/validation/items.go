// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package validation checks user-provided list edits before they reach the
// snapshot system.
//
// Items become row keys, so they must be unique among siblings; labels are
// remembered by rows and echoed in logs, spans and responses.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// MaxItems is the largest list accepted in one edit.
	MaxItems = 1000

	// MaxItemLength is the longest accepted item, in bytes.
	MaxItemLength = 64

	// MaxLabelLength is the longest accepted label, in bytes.
	MaxLabelLength = 128
)

var (
	// ErrInvalidItem is returned for an item that is empty, too long or
	// contains characters outside the item alphabet.
	ErrInvalidItem = errors.New("invalid item")

	// ErrDuplicateItem is returned when an item appears twice.
	ErrDuplicateItem = errors.New("duplicate item")

	// ErrTooManyItems is returned for lists longer than MaxItems.
	ErrTooManyItems = errors.New("too many items")

	// ErrInvalidLabel is returned for a label with control characters or
	// over MaxLabelLength.
	ErrInvalidLabel = errors.New("invalid label")
)

// itemPattern allows letters, digits, dot, underscore, colon and hyphen,
// starting with a letter or digit.
var itemPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:\-]*$`)

// ValidateItem checks one item.
//
// Valid items:
//   - 1 to MaxItemLength bytes
//   - ASCII letters, digits, '.', '_', ':' and '-'
//   - First character is a letter or digit
func ValidateItem(item string) error {
	if item == "" {
		return fmt.Errorf("%w: empty", ErrInvalidItem)
	}
	if len(item) > MaxItemLength {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidItem, len(item), MaxItemLength)
	}
	if !itemPattern.MatchString(item) {
		return fmt.Errorf("%w: %q", ErrInvalidItem, item)
	}
	return nil
}

// ValidateItems checks every item and rejects duplicates.
//
// Returns the first failure, wrapping ErrTooManyItems, ErrInvalidItem or
// ErrDuplicateItem.
func ValidateItems(items []string) error {
	if len(items) > MaxItems {
		return fmt.Errorf("%w: %d exceeds %d", ErrTooManyItems, len(items), MaxItems)
	}
	seen := make(map[string]struct{}, len(items))
	for i, it := range items {
		if err := ValidateItem(it); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
		if _, ok := seen[it]; ok {
			return fmt.Errorf("%w: %q", ErrDuplicateItem, it)
		}
		seen[it] = struct{}{}
	}
	return nil
}

// SanitizeLabel trims a label and validates it. An empty result is valid
// and means "no label".
func SanitizeLabel(label string) (string, error) {
	label = strings.TrimSpace(label)
	if len(label) > MaxLabelLength {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidLabel, len(label), MaxLabelLength)
	}
	for _, r := range label {
		if r < 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: control character %U", ErrInvalidLabel, r)
		}
	}
	return label, nil
}
