// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

package monitor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tomtom215/pitwall/internal/audit"
	"github.com/tomtom215/pitwall/internal/ratelimit"
)

func newTestMonitor() (*Monitor, *ratelimit.Limiter, *audit.MemoryStore) {
	store := audit.NewMemoryStore()
	auditor := audit.NewLogger(store, nil)
	limiter := ratelimit.NewLimiter()
	m := NewMonitor(nil, limiter, auditor)
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	return m, limiter, store
}

func TestTrackFailedAttemptOpensOneIncidentAtThreshold(t *testing.T) {
	m, limiter, _ := newTestMonitor()
	ctx := context.Background()
	id := "driver@team.example"

	for i := 0; i < 12; i++ {
		m.TrackFailedAttempt(ctx, id, "10.0.0.1")
	}

	incidents := m.ListIncidents(false)
	if len(incidents) != 1 {
		t.Fatalf("expected exactly one incident, got %d", len(incidents))
	}
	inc := incidents[0]
	if inc.Type != IncidentMultipleFailedLogins {
		t.Errorf("expected MULTIPLE_FAILED_LOGINS, got %s", inc.Type)
	}
	if inc.Severity != audit.SeverityHigh {
		t.Errorf("expected HIGH severity, got %s", inc.Severity)
	}
	if inc.Identifier != id {
		t.Errorf("expected identifier %s, got %s", id, inc.Identifier)
	}

	// Escalation blocks further login attempts.
	if limiter.CheckLimit(id, ratelimit.ActionLogin) {
		t.Fatal("expected escalation to block logins for the identifier")
	}
}

func TestTrackFailedAttemptBelowThreshold(t *testing.T) {
	m, limiter, _ := newTestMonitor()
	ctx := context.Background()
	id := "driver@team.example"

	for i := 0; i < 9; i++ {
		m.TrackFailedAttempt(ctx, id, "10.0.0.1")
	}

	if got := len(m.ListIncidents(false)); got != 0 {
		t.Fatalf("expected no incidents below threshold, got %d", got)
	}
	if !limiter.CheckLimit(id, ratelimit.ActionLogin) {
		t.Fatal("expected no block below threshold")
	}
	if got := m.FailureCount(id); got != 9 {
		t.Fatalf("expected 9 tracked failures, got %d", got)
	}
}

func TestResetFailuresClearsStreak(t *testing.T) {
	m, _, _ := newTestMonitor()
	ctx := context.Background()
	id := "driver@team.example"

	for i := 0; i < 5; i++ {
		m.TrackFailedAttempt(ctx, id, "10.0.0.1")
	}
	m.ResetFailures(id)

	if got := m.FailureCount(id); got != 0 {
		t.Fatalf("expected cleared streak, got %d", got)
	}
}

func TestFailuresAgeOutOfWindow(t *testing.T) {
	m, _, _ := newTestMonitor()
	ctx := context.Background()
	id := "driver@team.example"

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	current := base
	m.now = func() time.Time { return current }

	for i := 0; i < 9; i++ {
		m.TrackFailedAttempt(ctx, id, "10.0.0.1")
	}

	// 31 minutes later the streak has aged out; one more failure must not
	// open an incident.
	current = base.Add(31 * time.Minute)
	m.TrackFailedAttempt(ctx, id, "10.0.0.1")

	if got := len(m.ListIncidents(false)); got != 0 {
		t.Fatalf("expected no incident after window slide, got %d", got)
	}
	if got := m.FailureCount(id); got != 1 {
		t.Fatalf("expected 1 in-window failure, got %d", got)
	}
}

func TestDetectSuspiciousActivityMultiDevice(t *testing.T) {
	m, _, _ := newTestMonitor()
	m.SetDeviceCounter(func(identifier string) int { return 4 })

	opened := m.DetectSuspiciousActivity(context.Background(), "driver@team.example", "sess-1", "10.0.0.1")
	if len(opened) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(opened))
	}
	if opened[0].Type != IncidentMultipleDevices {
		t.Errorf("expected MULTIPLE_DEVICES, got %s", opened[0].Type)
	}
	if opened[0].Severity != audit.SeverityMedium {
		t.Errorf("expected MEDIUM severity, got %s", opened[0].Severity)
	}
}

func TestDetectSuspiciousActivityRapidRequests(t *testing.T) {
	m, _, _ := newTestMonitor()
	id := "10.0.0.9"

	for i := 0; i < 120; i++ {
		m.TrackRequest(id, "", id)
	}

	opened := m.DetectSuspiciousActivity(context.Background(), id, "", id)
	if len(opened) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(opened))
	}
	if opened[0].Type != IncidentRapidRequests {
		t.Errorf("expected RAPID_REQUESTS, got %s", opened[0].Type)
	}
}

func TestDetectSuspiciousActivityOffHours(t *testing.T) {
	m, _, _ := newTestMonitor()
	m.now = func() time.Time {
		return time.Date(2026, 3, 14, 3, 30, 0, 0, time.UTC)
	}

	opened := m.DetectSuspiciousActivity(context.Background(), "driver@team.example", "sess-1", "10.0.0.1")
	if len(opened) != 1 {
		t.Fatalf("expected 1 incident, got %d", len(opened))
	}
	if opened[0].Type != IncidentOffHoursAccess {
		t.Errorf("expected OFF_HOURS_ACCESS, got %s", opened[0].Type)
	}
	if opened[0].Severity != audit.SeverityLow {
		t.Errorf("expected LOW severity, got %s", opened[0].Severity)
	}
}

func TestDetectSuspiciousActivityQuietForNormalUse(t *testing.T) {
	m, _, _ := newTestMonitor()
	m.SetDeviceCounter(func(identifier string) int { return 1 })

	opened := m.DetectSuspiciousActivity(context.Background(), "driver@team.example", "sess-1", "10.0.0.1")
	if len(opened) != 0 {
		t.Fatalf("expected no incidents for normal activity, got %d", len(opened))
	}
}

// panickingDetector exercises per-detector isolation.
type panickingDetector struct{}

func (d *panickingDetector) Name() string { return "panicking" }

func (d *panickingDetector) Detect(a Activity) (*Finding, error) {
	panic("detector bug")
}

func TestDetectorPanicDoesNotStopOthers(t *testing.T) {
	m, _, _ := newTestMonitor()
	m.detectors = append([]Detector{&panickingDetector{}}, m.detectors...)
	m.SetDeviceCounter(func(identifier string) int { return 4 })

	opened := m.DetectSuspiciousActivity(context.Background(), "driver@team.example", "sess-1", "10.0.0.1")
	if len(opened) != 1 {
		t.Fatalf("expected remaining detectors to run, got %d incidents", len(opened))
	}
	if opened[0].Type != IncidentMultipleDevices {
		t.Errorf("expected MULTIPLE_DEVICES from surviving detector, got %s", opened[0].Type)
	}
}

func TestHandleSecurityIncidentAssignsFields(t *testing.T) {
	m, _, _ := newTestMonitor()

	inc := m.HandleSecurityIncident(context.Background(), Incident{
		Type:       IncidentOffHoursAccess,
		Identifier: "driver@team.example",
	})
	if inc.ID == "" {
		t.Error("expected assigned ID")
	}
	if inc.Severity != audit.SeverityLow {
		t.Errorf("expected severity from type, got %s", inc.Severity)
	}
	if inc.CreatedAt.IsZero() {
		t.Error("expected created timestamp")
	}

	stored, ok := m.GetIncident(inc.ID)
	if !ok {
		t.Fatal("expected incident retrievable by ID")
	}
	if stored.Type != IncidentOffHoursAccess {
		t.Errorf("expected stored type to match, got %s", stored.Type)
	}
}

func TestHandleSecurityIncidentAudits(t *testing.T) {
	m, _, store := newTestMonitor()
	ctx := context.Background()

	m.HandleSecurityIncident(ctx, Incident{
		Type:       IncidentMultipleFailedLogins,
		Identifier: "driver@team.example",
	})
	if err := m.auditor.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	entries, err := store.Query(ctx, audit.QueryFilter{
		Actions: []string{audit.ActionIncidentOpened},
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 audit entry, got %d", len(entries))
	}
	if entries[0].Severity != audit.SeverityHigh {
		t.Errorf("expected HIGH audit severity, got %s", entries[0].Severity)
	}
}

func TestOnIncidentCallback(t *testing.T) {
	m, _, _ := newTestMonitor()

	var seen []Incident
	m.OnIncident(func(inc Incident) { seen = append(seen, inc) })

	m.HandleSecurityIncident(context.Background(), Incident{
		Type:       IncidentRapidRequests,
		Identifier: "10.0.0.9",
	})
	if len(seen) != 1 {
		t.Fatalf("expected callback invoked once, got %d", len(seen))
	}
}

func TestResolveIncident(t *testing.T) {
	m, _, _ := newTestMonitor()
	ctx := context.Background()

	inc := m.HandleSecurityIncident(ctx, Incident{
		Type:       IncidentMultipleDevices,
		Identifier: "driver@team.example",
	})

	if err := m.ResolveIncident(ctx, inc.ID, "driver confirmed the logins"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	stored, _ := m.GetIncident(inc.ID)
	if !stored.Resolved || stored.ResolvedAt == nil {
		t.Fatal("expected incident marked resolved")
	}
	if stored.Resolution != "driver confirmed the logins" {
		t.Errorf("expected resolution note recorded, got %q", stored.Resolution)
	}

	if err := m.ResolveIncident(ctx, inc.ID, "again"); !errors.Is(err, ErrIncidentResolved) {
		t.Fatalf("double resolve returned %v, want ErrIncidentResolved", err)
	}
	if err := m.ResolveIncident(ctx, "missing", "n/a"); !errors.Is(err, ErrIncidentNotFound) {
		t.Fatalf("unknown incident returned %v, want ErrIncidentNotFound", err)
	}
}

func TestIncidentCapDropsOldest(t *testing.T) {
	store := audit.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.MaxIncidents = 3
	m := NewMonitor(cfg, nil, audit.NewLogger(store, nil))
	ctx := context.Background()

	var first Incident
	for i := 0; i < 5; i++ {
		inc := m.HandleSecurityIncident(ctx, Incident{
			Type:       IncidentOffHoursAccess,
			Identifier: "driver@team.example",
		})
		if i == 0 {
			first = inc
		}
	}

	if got := len(m.ListIncidents(false)); got != 3 {
		t.Fatalf("expected 3 retained incidents, got %d", got)
	}
	if _, ok := m.GetIncident(first.ID); ok {
		t.Fatal("expected oldest incident dropped")
	}
}

func TestGenerateSecurityReport(t *testing.T) {
	m, _, _ := newTestMonitor()
	ctx := context.Background()

	inc := m.HandleSecurityIncident(ctx, Incident{
		Type:       IncidentMultipleFailedLogins,
		Identifier: "driver@team.example",
	})
	m.HandleSecurityIncident(ctx, Incident{
		Type:       IncidentOffHoursAccess,
		Identifier: "other@team.example",
	})
	if err := m.ResolveIncident(ctx, inc.ID, "handled"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if err := m.auditor.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	report, err := m.GenerateSecurityReport(ctx)
	if err != nil {
		t.Fatalf("report failed: %v", err)
	}
	if report.TotalIncidents != 2 {
		t.Errorf("expected 2 total incidents, got %d", report.TotalIncidents)
	}
	if report.OpenIncidents != 1 {
		t.Errorf("expected 1 open incident, got %d", report.OpenIncidents)
	}
	if report.IncidentsBySeverity[audit.SeverityHigh] != 1 {
		t.Errorf("expected 1 HIGH incident, got %d", report.IncidentsBySeverity[audit.SeverityHigh])
	}
	if report.IncidentsByType[IncidentOffHoursAccess] != 1 {
		t.Errorf("expected 1 off-hours incident, got %d",
			report.IncidentsByType[IncidentOffHoursAccess])
	}
	if report.AuthStats == nil {
		t.Error("expected auth stats in report")
	}
	if report.RateLimiter.BlockedPairs != 1 {
		t.Errorf("expected 1 blocked pair in limiter stats, got %d", report.RateLimiter.BlockedPairs)
	}
	var strongerAuth bool
	for _, rec := range report.Recommendations {
		if strings.Contains(rec, "stronger authentication") {
			strongerAuth = true
		}
	}
	if !strongerAuth {
		t.Errorf("expected stronger-authentication recommendation, got %v", report.Recommendations)
	}
}

func TestAutomaticActionsRecordedOnIncident(t *testing.T) {
	m, limiter, _ := newTestMonitor()
	id := "driver@team.example"

	inc := m.HandleSecurityIncident(context.Background(), Incident{
		Type:       IncidentMultipleFailedLogins,
		Identifier: id,
	})
	if len(inc.Actions) != 1 {
		t.Fatalf("expected 1 recorded action, got %v", inc.Actions)
	}

	stored, _ := m.GetIncident(inc.ID)
	if len(stored.Actions) != 1 {
		t.Fatalf("expected action retained on stored incident, got %v", stored.Actions)
	}
	if limiter.CheckLimit(id, ratelimit.ActionLogin) {
		t.Fatal("expected the recorded block to be in effect")
	}
}

func TestFoldRunsDetectorsOverRecentActivity(t *testing.T) {
	m, _, _ := newTestMonitor()
	id := "10.0.0.9"

	for i := 0; i < 120; i++ {
		m.TrackRequest(id, "sess-9", id)
	}
	m.fold(context.Background())

	incidents := m.ListIncidents(false)
	if len(incidents) != 1 {
		t.Fatalf("expected 1 incident from the fold, got %d", len(incidents))
	}
	if incidents[0].Type != IncidentRapidRequests {
		t.Errorf("expected RAPID_REQUESTS, got %s", incidents[0].Type)
	}
}

func TestFoldSkipsIdleIdentifiers(t *testing.T) {
	m, _, _ := newTestMonitor()
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	current := base
	m.now = func() time.Time { return current }

	for i := 0; i < 120; i++ {
		m.TrackRequest("10.0.0.9", "", "10.0.0.9")
	}

	// Ten minutes idle puts the identifier before the fold cutoff.
	current = base.Add(10 * time.Minute)
	m.fold(context.Background())

	if got := len(m.ListIncidents(false)); got != 0 {
		t.Fatalf("expected idle identifier skipped, got %d incidents", got)
	}
}

func TestSecurityStatus(t *testing.T) {
	m, _, _ := newTestMonitor()
	ctx := context.Background()

	m.HandleSecurityIncident(ctx, Incident{
		Type:       IncidentMultipleFailedLogins,
		Identifier: "driver@team.example",
	})

	status := m.SecurityStatus()
	if len(status.OpenIncidents) != 1 {
		t.Fatalf("expected 1 open incident, got %d", len(status.OpenIncidents))
	}
	if status.RateLimiter.BlockedPairs != 1 {
		t.Errorf("expected 1 blocked pair, got %d", status.RateLimiter.BlockedPairs)
	}
	if status.AuditQueue == 0 {
		t.Error("expected queued audit entries before flush")
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	m, _, _ := newTestMonitor()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop")
	}
}
