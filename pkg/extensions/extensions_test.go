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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Options Tests
// ============================================================================

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if _, ok := opts.Auth.(*NopAuthProvider); !ok {
		t.Error("DefaultOptions().Auth should be *NopAuthProvider")
	}
	if _, ok := opts.Audit.(*NopAuditLogger); !ok {
		t.Error("DefaultOptions().Audit should be *NopAuditLogger")
	}
}

func TestOptions_WithIsCopy(t *testing.T) {
	original := DefaultOptions()
	token := NewTokenAuthProvider("secret")
	mem := NewMemoryAuditLogger(10)

	opts := original.WithAuth(token).WithAudit(mem)
	if opts.Auth != token || opts.Audit != mem {
		t.Error("With* should set the given implementations")
	}
	if _, ok := original.Auth.(*NopAuthProvider); !ok {
		t.Error("original options should be unchanged")
	}
}

func TestOptions_OrDefault(t *testing.T) {
	opts := Options{}.OrDefault()
	if opts.Auth == nil || opts.Audit == nil {
		t.Fatal("OrDefault should fill nil fields")
	}

	mem := NewMemoryAuditLogger(1)
	if got := (Options{Audit: mem}).OrDefault().Audit; got != mem {
		t.Error("OrDefault should keep set fields")
	}
}

// ============================================================================
// Auth Tests
// ============================================================================

func TestNopAuthProvider(t *testing.T) {
	info, err := (&NopAuthProvider{}).Validate(context.Background(), "")
	if err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
	if info.UserID != "local-user" {
		t.Errorf("UserID = %q, want local-user", info.UserID)
	}
	if !info.HasRole(RoleEditor) {
		t.Error("local user should be an editor")
	}
	if info.HasRole("admin") {
		t.Error("local user should not have unknown roles")
	}
}

func TestTokenAuthProvider(t *testing.T) {
	p := NewTokenAuthProvider("s3cret")
	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{"match", "s3cret", false},
		{"empty", "", true},
		{"wrong", "s3cre", true},
		{"longer", "s3cret!", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := p.Validate(context.Background(), tt.token)
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthorized) {
					t.Errorf("Validate(%q) error = %v, want ErrUnauthorized", tt.token, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Validate(%q) unexpected error: %v", tt.token, err)
			}
			if !info.HasRole(RoleEditor) {
				t.Error("token user should be an editor")
			}
		})
	}

	if _, err := NewTokenAuthProvider("").Validate(context.Background(), "x"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("empty configured token should reject everything, got %v", err)
	}
}

// ============================================================================
// Audit Tests
// ============================================================================

func TestNopAuditLogger(t *testing.T) {
	l := &NopAuditLogger{}
	ctx := context.Background()
	if err := l.Log(ctx, AuditEvent{EventType: "list.update"}); err != nil {
		t.Errorf("Log() unexpected error: %v", err)
	}
	events, err := l.Query(ctx, AuditFilter{})
	if err != nil || events == nil || len(events) != 0 {
		t.Errorf("Query() = %v, %v; want empty non-nil slice", events, err)
	}
	if err := l.Flush(ctx); err != nil {
		t.Errorf("Flush() unexpected error: %v", err)
	}
}

func TestMemoryAuditLogger_QueryNewestFirst(t *testing.T) {
	l := NewMemoryAuditLogger(10)
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	events := []AuditEvent{
		{EventType: "list.update", UserID: "ann", Timestamp: base, Outcome: OutcomeSuccess},
		{EventType: "auth.failed", UserID: "anonymous", Timestamp: base.Add(time.Minute), Outcome: OutcomeDenied},
		{EventType: "list.update", UserID: "bob", Timestamp: base.Add(2 * time.Minute), Outcome: OutcomeInvalid},
	}
	for _, e := range events {
		if err := l.Log(ctx, e); err != nil {
			t.Fatalf("Log() unexpected error: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter AuditFilter
		want   []string
	}{
		{"all", AuditFilter{}, []string{"bob", "anonymous", "ann"}},
		{"by type", AuditFilter{EventTypes: []string{"list.update"}}, []string{"bob", "ann"}},
		{"by user", AuditFilter{UserID: "ann"}, []string{"ann"}},
		{"since", AuditFilter{Since: base.Add(time.Minute)}, []string{"bob", "anonymous"}},
		{"limit", AuditFilter{Limit: 1}, []string{"bob"}},
		{"no match", AuditFilter{UserID: "carol"}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Query(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Query() unexpected error: %v", err)
			}
			users := make([]string, len(got))
			for i, e := range got {
				users[i] = e.UserID
			}
			if fmt.Sprint(users) != fmt.Sprint(tt.want) {
				t.Errorf("Query() users = %v, want %v", users, tt.want)
			}
		})
	}
}

func TestMemoryAuditLogger_EvictsOldest(t *testing.T) {
	l := NewMemoryAuditLogger(2)
	ctx := context.Background()
	for _, u := range []string{"a", "b", "c"} {
		_ = l.Log(ctx, AuditEvent{EventType: "list.update", UserID: u})
	}

	got, _ := l.Query(ctx, AuditFilter{})
	if len(got) != 2 || got[0].UserID != "c" || got[1].UserID != "b" {
		t.Errorf("Query() = %+v, want c then b", got)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("Log should stamp zero timestamps")
	}
}

func TestMemoryAuditLogger_CancelledContext(t *testing.T) {
	l := NewMemoryAuditLogger(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Log(ctx, AuditEvent{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Log() error = %v, want context.Canceled", err)
	}
	if _, err := l.Query(ctx, AuditFilter{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Query() error = %v, want context.Canceled", err)
	}
}

func TestMemoryAuditLogger_Concurrent(t *testing.T) {
	l := NewMemoryAuditLogger(1000)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_ = l.Log(ctx, AuditEvent{EventType: "list.update", UserID: fmt.Sprintf("u%d", i)})
			}
		}(i)
	}
	wg.Wait()

	got, _ := l.Query(ctx, AuditFilter{})
	if len(got) != 200 {
		t.Errorf("len(Query()) = %d, want 200", len(got))
	}
}
