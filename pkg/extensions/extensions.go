// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package extensions defines the pluggable edges of the recompose server.
//
// The local build runs with no-op defaults: every request is a local user
// and audit events are dropped. Deployments that expose the server inject
// real implementations through Options.
//
// # Extension Categories
//
//   - auth.go: Bearer token authentication (AuthProvider)
//   - audit.go: Audit trail of state edits (AuditLogger)
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// Options groups the extension points of a server.
//
// Example:
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(extensions.NewTokenAuthProvider(token)).
//	    WithAudit(extensions.NewMemoryAuditLogger(1000))
type Options struct {
	// Auth validates bearer tokens on mutating endpoints.
	Auth AuthProvider

	// Audit records every accepted or rejected edit.
	Audit AuditLogger
}

// DefaultOptions returns no-op implementations for every extension point.
func DefaultOptions() Options {
	return Options{
		Auth:  &NopAuthProvider{},
		Audit: &NopAuditLogger{},
	}
}

// WithAuth returns a copy of opts using provider.
func (opts Options) WithAuth(provider AuthProvider) Options {
	opts.Auth = provider
	return opts
}

// WithAudit returns a copy of opts using logger.
func (opts Options) WithAudit(logger AuditLogger) Options {
	opts.Audit = logger
	return opts
}

// OrDefault replaces nil fields with no-op implementations.
func (opts Options) OrDefault() Options {
	if opts.Auth == nil {
		opts.Auth = &NopAuthProvider{}
	}
	if opts.Audit == nil {
		opts.Audit = &NopAuditLogger{}
	}
	return opts
}
