// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
)

// ErrUnauthorized is returned when a token is missing or invalid.
// Implementations should wrap it with context.
var ErrUnauthorized = errors.New("unauthorized")

// Roles understood by the server.
const (
	RoleEditor = "editor"
	RoleViewer = "viewer"
)

// AuthInfo is the identity behind a validated token.
type AuthInfo struct {
	// UserID identifies the caller. Never empty.
	UserID string

	// Roles the caller holds. Editing the list requires RoleEditor.
	Roles []string
}

// HasRole reports whether the caller holds role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates bearer tokens.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type AuthProvider interface {
	// Validate checks token and returns the caller's identity.
	//
	// Returns ErrUnauthorized (or a wrapped form) for a bad token and any
	// other error for a provider failure.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every token, including none, as a local editor.
//
// Thread-safe: This implementation has no mutable state.
type NopAuthProvider struct{}

// Validate always returns the local user.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user", Roles: []string{RoleEditor}}, nil
}

// TokenAuthProvider accepts exactly one shared token.
//
// Thread-safe: Immutable after construction.
type TokenAuthProvider struct {
	token  []byte
	userID string
}

// NewTokenAuthProvider returns a provider accepting token as an editor
// named "token-user".
func NewTokenAuthProvider(token string) *TokenAuthProvider {
	return &TokenAuthProvider{token: []byte(token), userID: "token-user"}
}

// Validate compares token in constant time.
func (p *TokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token: %w", ErrUnauthorized)
	}
	if len(p.token) == 0 || subtle.ConstantTimeCompare([]byte(token), p.token) != 1 {
		return nil, fmt.Errorf("invalid token: %w", ErrUnauthorized)
	}
	return &AuthInfo{UserID: p.userID, Roles: []string{RoleEditor}}, nil
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*TokenAuthProvider)(nil)
)
