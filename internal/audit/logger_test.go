// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestLogAssignsSeverityAndID(t *testing.T) {
	store := NewMemoryStore()
	l := NewLogger(store, nil)

	l.Log(AuthEntry(ActionLoginFailed, "user-1", "", "10.0.0.1", "ua"))
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	entries, err := store.Query(context.Background(), QueryFilter{})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ID == "" {
		t.Error("expected generated ID")
	}
	if e.Timestamp.IsZero() {
		t.Error("expected timestamp to be set")
	}
	if e.Severity != SeverityMedium {
		t.Errorf("expected LOGIN_FAILED to map to MEDIUM, got %s", e.Severity)
	}
}

func TestSeverityRules(t *testing.T) {
	cases := []struct {
		action string
		want   Severity
	}{
		{ActionLoginSuccess, SeverityLow},
		{ActionLoginFailed, SeverityMedium},
		{ActionDeviceMismatch, SeverityHigh},
		{ActionCSRFBlocked, SeverityCritical},
		{ActionMultipleFailures, SeverityHigh},
		{"SOMETHING_NEW", SeverityMedium},
	}
	for _, tc := range cases {
		if got := severityFor(tc.action); got != tc.want {
			t.Errorf("severityFor(%s) = %s, want %s", tc.action, got, tc.want)
		}
	}
}

func TestMinSeverityFilters(t *testing.T) {
	store := NewMemoryStore()
	cfg := DefaultConfig()
	cfg.MinSeverity = SeverityHigh
	l := NewLogger(store, cfg)

	l.Log(AuthEntry(ActionLoginSuccess, "user-1", "", "10.0.0.1", ""))
	l.Log(AuthEntry(ActionDeviceMismatch, "user-1", "", "10.0.0.1", ""))
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	if got := store.Len(); got != 1 {
		t.Fatalf("expected only the HIGH entry stored, got %d", got)
	}
}

func TestDisabledLoggerDropsEverything(t *testing.T) {
	store := NewMemoryStore()
	cfg := DefaultConfig()
	cfg.Enabled = false
	l := NewLogger(store, cfg)

	l.Log(AuthEntry(ActionCSRFBlocked, "user-1", "", "10.0.0.1", ""))
	if got := l.QueueDepth(); got != 0 {
		t.Fatalf("expected empty queue when disabled, got %d", got)
	}
}

func TestHighSeverityRequestsImmediateFlush(t *testing.T) {
	store := NewMemoryStore()
	l := NewLogger(store, nil)

	l.Log(AuthEntry(ActionLoginSuccess, "user-1", "", "10.0.0.1", ""))
	select {
	case <-l.flushNow:
		t.Fatal("LOW entry should not request an immediate flush")
	default:
	}

	l.Log(SecurityEntry(ActionCSRFBlocked, "user-1", "10.0.0.1", nil))
	select {
	case <-l.flushNow:
	default:
		t.Fatal("CRITICAL entry should request an immediate flush")
	}
}

func TestBatchSizeRequestsFlush(t *testing.T) {
	store := NewMemoryStore()
	cfg := DefaultConfig()
	cfg.BatchSize = 10
	l := NewLogger(store, cfg)

	for i := 0; i < 9; i++ {
		l.Log(AuthEntry(ActionLoginSuccess, "user-1", "", "10.0.0.1", ""))
	}
	select {
	case <-l.flushNow:
		t.Fatal("queue below batch size should not request a flush")
	default:
	}

	l.Log(AuthEntry(ActionLoginSuccess, "user-1", "", "10.0.0.1", ""))
	select {
	case <-l.flushNow:
	default:
		t.Fatal("full batch should request a flush")
	}
}

// failingStore fails SaveBatch a configurable number of times.
type failingStore struct {
	MemoryStore
	failures int
	calls    int
}

func (s *failingStore) SaveBatch(ctx context.Context, entries []Entry) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("store unavailable")
	}
	return s.MemoryStore.SaveBatch(ctx, entries)
}

func TestFlushRetriesFailedBatchOnce(t *testing.T) {
	store := &failingStore{failures: 1}
	l := NewLogger(store, nil)
	ctx := context.Background()

	l.Log(AuthEntry(ActionLoginFailed, "user-1", "", "10.0.0.1", ""))

	if err := l.Flush(ctx); err == nil {
		t.Fatal("expected first flush to fail")
	}
	if got := l.QueueDepth(); got != 1 {
		t.Fatalf("expected failed entry re-queued, got depth %d", got)
	}

	if err := l.Flush(ctx); err != nil {
		t.Fatalf("expected retry flush to succeed, got %v", err)
	}
	if got := store.Len(); got != 1 {
		t.Fatalf("expected entry stored on retry, got %d", got)
	}
}

func TestFlushDegradesAfterSecondFailure(t *testing.T) {
	store := &failingStore{failures: 2}
	l := NewLogger(store, nil)
	ctx := context.Background()

	l.Log(AuthEntry(ActionLoginFailed, "user-1", "", "10.0.0.1", ""))

	if err := l.Flush(ctx); err == nil {
		t.Fatal("expected first flush to fail")
	}
	if err := l.Flush(ctx); err == nil {
		t.Fatal("expected second flush to fail")
	}

	// The entry had its one retry; it must not stay queued forever.
	if got := l.QueueDepth(); got != 0 {
		t.Fatalf("expected queue drained after degradation, got %d", got)
	}
	if got := store.Len(); got != 0 {
		t.Fatalf("expected nothing stored, got %d", got)
	}
}

func TestFlushEmptyQueueIsNoop(t *testing.T) {
	l := NewLogger(NewMemoryStore(), nil)
	if err := l.Flush(context.Background()); err != nil {
		t.Fatalf("expected no error on empty flush, got %v", err)
	}
}

func TestRetentionCapKeepsExactlyCap(t *testing.T) {
	store := NewMemoryStore()
	cfg := DefaultConfig()
	cfg.MaxEntries = 100
	l := NewLogger(store, cfg)
	ctx := context.Background()

	for i := 0; i < 150; i++ {
		l.Log(Entry{
			Action:   ActionLoginSuccess,
			Category: CategoryAuthEvent,
			UserID:   fmt.Sprintf("user-%d", i),
		})
	}
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if got := store.Len(); got != 150 {
		t.Fatalf("expected 150 stored before retention, got %d", got)
	}

	l.enforceRetention(ctx)
	if got := store.Len(); got != 100 {
		t.Fatalf("expected exactly 100 entries after cap, got %d", got)
	}

	// The survivors must be the newest 100.
	entries, err := store.Query(ctx, QueryFilter{Limit: 200})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	for _, e := range entries {
		if e.UserID == "user-0" || e.UserID == "user-49" {
			t.Fatalf("expected oldest entries evicted, found %s", e.UserID)
		}
	}
}

func TestRetentionDropsExpiredEntries(t *testing.T) {
	store := NewMemoryStore()
	l := NewLogger(store, nil)
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	old := Entry{
		Action:    ActionLoginSuccess,
		Category:  CategoryAuthEvent,
		Timestamp: base.AddDate(0, 0, -31),
	}
	fresh := Entry{
		Action:    ActionLoginSuccess,
		Category:  CategoryAuthEvent,
		Timestamp: base.AddDate(0, 0, -1),
	}
	l.Log(old)
	l.Log(fresh)
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	l.enforceRetention(ctx)
	if got := store.Len(); got != 1 {
		t.Fatalf("expected 1 entry to survive 30-day retention, got %d", got)
	}
}

func TestGetAuthStats(t *testing.T) {
	store := NewMemoryStore()
	l := NewLogger(store, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.Log(AuthEntry(ActionLoginSuccess, "user-1", "", "10.0.0.1", ""))
	}
	l.Log(AuthEntry(ActionLoginFailed, "user-2", "", "10.0.0.2", ""))
	l.Log(AuthEntry(ActionLogout, "user-1", "", "10.0.0.1", ""))
	l.Log(AuthEntry(ActionSessionCreated, "user-1", "sess-1", "10.0.0.1", ""))
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	stats, err := l.GetAuthStats(ctx, time.Time{})
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.TotalLogins != 3 {
		t.Errorf("expected 3 logins, got %d", stats.TotalLogins)
	}
	if stats.FailedLogins != 1 {
		t.Errorf("expected 1 failed login, got %d", stats.FailedLogins)
	}
	if stats.Logouts != 1 {
		t.Errorf("expected 1 logout, got %d", stats.Logouts)
	}
	if stats.SessionsCreated != 1 {
		t.Errorf("expected 1 session created, got %d", stats.SessionsCreated)
	}
}

func TestGetRecentSecurityEvents(t *testing.T) {
	store := NewMemoryStore()
	l := NewLogger(store, nil)
	ctx := context.Background()

	// An event from two days ago must fall outside a 24h window.
	l.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	l.Log(SecurityEntry(ActionSuspiciousActive, "user-9", "10.0.0.9", nil))

	l.now = time.Now
	l.Log(AuthEntry(ActionLoginSuccess, "user-1", "", "10.0.0.1", ""))
	l.Log(SecurityEntry(ActionMultipleFailures, "user-2", "10.0.0.2",
		map[string]any{"attempts": 10}))
	l.Log(SecurityEntry(ActionSuspiciousActive, "user-3", "10.0.0.3", nil))
	if err := l.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	events, err := l.GetRecentSecurityEvents(ctx, 24, 10)
	if err != nil {
		t.Fatalf("recent events failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 in-window security events, got %d", len(events))
	}
	for _, e := range events {
		if e.Category != CategorySecurityEvent {
			t.Errorf("expected SECURITY_EVENT category, got %s", e.Category)
		}
		if e.UserID == "user-9" {
			t.Error("expected the stale event excluded from the window")
		}
	}
}

func TestServeDrainsQueueOnShutdown(t *testing.T) {
	store := NewMemoryStore()
	l := NewLogger(store, nil)

	l.Log(AuthEntry(ActionLoginSuccess, "user-1", "", "10.0.0.1", ""))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop")
	}

	if got := store.Len(); got != 1 {
		t.Fatalf("expected queue drained to store on shutdown, got %d", got)
	}
}
