// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/pitwall/internal/audit"
	"github.com/tomtom215/pitwall/internal/logging"
	"github.com/tomtom215/pitwall/internal/metrics"
	"github.com/tomtom215/pitwall/internal/ratelimit"
)

// Incident resolution errors.
var (
	ErrIncidentNotFound = errors.New("monitor: incident not found")
	ErrIncidentResolved = errors.New("monitor: incident already resolved")
)

// lastActivity remembers where an identifier was last seen so the periodic
// detection fold can rebuild its activity snapshot.
type lastActivity struct {
	sessionID string
	ip        string
	at        time.Time
}

// Config holds thresholds for the security monitor.
type Config struct {
	// FailedAttemptThreshold opens an incident once reached.
	FailedAttemptThreshold int `json:"failed_attempt_threshold"`

	// FailedAttemptWindow bounds how far back failures count.
	FailedAttemptWindow time.Duration `json:"failed_attempt_window"`

	// EscalationBlock is how long escalation blocks an identifier.
	EscalationBlock time.Duration `json:"escalation_block"`

	// MultiDeviceThreshold is the device count that trips detection.
	MultiDeviceThreshold int `json:"multi_device_threshold"`

	// RapidRequestThreshold is requests per minute that trip detection.
	RapidRequestThreshold int `json:"rapid_request_threshold"`

	// OffHoursStart and OffHoursEnd bound the quiet window, local hours.
	OffHoursStart int `json:"off_hours_start"`
	OffHoursEnd   int `json:"off_hours_end"`

	// MaxIncidents caps retained incidents; oldest are dropped first.
	MaxIncidents int `json:"max_incidents"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() *Config {
	return &Config{
		FailedAttemptThreshold: 10,
		FailedAttemptWindow:    30 * time.Minute,
		EscalationBlock:        30 * time.Minute,
		MultiDeviceThreshold:   3,
		RapidRequestThreshold:  120,
		OffHoursStart:          2,
		OffHoursEnd:            6,
		MaxIncidents:           1000,
	}
}

// Monitor tracks authentication behavior per identifier and opens incidents
// when detectors fire. It is safe for concurrent use.
type Monitor struct {
	config    *Config
	limiter   *ratelimit.Limiter
	auditor   *audit.Logger
	detectors []Detector

	mu        sync.Mutex
	failures  map[string][]time.Time
	requests  map[string][]time.Time
	activity  map[string]lastActivity
	incidents map[string]*Incident
	order     []string

	// deviceCounter reports live devices for an identifier; wired to the
	// session manager. Nil disables multi-device detection.
	deviceCounter func(identifier string) int

	// onIncident is notified after an incident is opened.
	onIncident func(Incident)

	// now is injectable for tests.
	now func() time.Time
}

// NewMonitor creates a monitor with the standard detector set.
func NewMonitor(config *Config, limiter *ratelimit.Limiter, auditor *audit.Logger) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}

	m := &Monitor{
		config:    config,
		limiter:   limiter,
		auditor:   auditor,
		failures:  make(map[string][]time.Time),
		requests:  make(map[string][]time.Time),
		activity:  make(map[string]lastActivity),
		incidents: make(map[string]*Incident),
		now:       time.Now,
	}
	m.detectors = []Detector{
		&failedLoginDetector{threshold: config.FailedAttemptThreshold},
		&multiDeviceDetector{threshold: config.MultiDeviceThreshold},
		&rapidRequestDetector{threshold: config.RapidRequestThreshold},
		&offHoursDetector{startHour: config.OffHoursStart, endHour: config.OffHoursEnd},
	}
	return m
}

// SetDeviceCounter wires the live-device lookup used by multi-device
// detection.
func (m *Monitor) SetDeviceCounter(fn func(identifier string) int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceCounter = fn
}

// OnIncident registers a callback invoked after each opened incident.
// Used to feed the live event stream.
func (m *Monitor) OnIncident(fn func(Incident)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onIncident = fn
}

// TrackFailedAttempt records a failed login for the identifier. Crossing
// the threshold inside the window opens a MULTIPLE_FAILED_LOGINS incident
// and blocks further login attempts from the identifier.
func (m *Monitor) TrackFailedAttempt(ctx context.Context, identifier, ip string) {
	m.mu.Lock()
	now := m.now()
	cutoff := now.Add(-m.config.FailedAttemptWindow)
	kept := pruneTimes(m.failures[identifier], cutoff)
	kept = append(kept, now)
	m.failures[identifier] = kept
	m.activity[identifier] = lastActivity{ip: ip, at: now}
	count := len(kept)
	threshold := m.config.FailedAttemptThreshold
	m.mu.Unlock()

	if count != threshold {
		// Open at most one incident per streak; the counter resets when
		// the window slides or ResetFailures is called.
		return
	}

	m.HandleSecurityIncident(ctx, Incident{
		Type:       IncidentMultipleFailedLogins,
		Identifier: identifier,
		IPAddress:  ip,
		Details: mustJSON(map[string]any{
			"failures": count,
			"window":   m.config.FailedAttemptWindow.String(),
		}),
	})
}

// ResetFailures clears the failure streak for an identifier, typically on
// successful login.
func (m *Monitor) ResetFailures(identifier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, identifier)
}

// FailureCount returns the in-window failure count for an identifier.
func (m *Monitor) FailureCount(identifier string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.config.FailedAttemptWindow)
	m.failures[identifier] = pruneTimes(m.failures[identifier], cutoff)
	return len(m.failures[identifier])
}

// TrackRequest records one request for rapid-request detection and
// remembers where the identifier was last seen so the periodic detection
// fold can inspect it.
func (m *Monitor) TrackRequest(identifier, sessionID, ip string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cutoff := now.Add(-time.Minute)
	m.requests[identifier] = append(pruneTimes(m.requests[identifier], cutoff), now)
	m.activity[identifier] = lastActivity{sessionID: sessionID, ip: ip, at: now}
}

// DetectSuspiciousActivity assembles an activity snapshot for the
// identifier and runs every detector over it. A failing detector is logged
// and skipped; it never stops the others.
func (m *Monitor) DetectSuspiciousActivity(ctx context.Context, identifier, sessionID, ip string) []Incident {
	activity := m.snapshot(identifier, sessionID, ip)

	var opened []Incident
	for _, d := range m.detectors {
		finding, err := m.runDetector(d, activity)
		if err != nil {
			logging.Err(err).Str("detector", d.Name()).
				Msg("detector failed, skipping")
			continue
		}
		if finding == nil {
			continue
		}

		metrics.DetectorFindings.WithLabelValues(d.Name()).Inc()
		inc := m.HandleSecurityIncident(ctx, Incident{
			Type:       finding.Type,
			Identifier: identifier,
			IPAddress:  ip,
			Details:    mustJSON(finding.Details),
		})
		opened = append(opened, inc)
	}
	return opened
}

// runDetector isolates detector panics so one bad detector cannot take
// down activity processing.
func (m *Monitor) runDetector(d Detector, a Activity) (finding *Finding, err error) {
	defer func() {
		if r := recover(); r != nil {
			finding = nil
			err = fmt.Errorf("detector %s panicked: %v", d.Name(), r)
		}
	}()
	return d.Detect(a)
}

// snapshot builds the activity view handed to detectors.
func (m *Monitor) snapshot(identifier, sessionID, ip string) Activity {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.failures[identifier] = pruneTimes(m.failures[identifier],
		now.Add(-m.config.FailedAttemptWindow))
	m.requests[identifier] = pruneTimes(m.requests[identifier],
		now.Add(-time.Minute))

	devices := 0
	if m.deviceCounter != nil {
		devices = m.deviceCounter(identifier)
	}

	return Activity{
		Identifier:     identifier,
		SessionID:      sessionID,
		IPAddress:      ip,
		At:             now,
		RecentFailures: len(m.failures[identifier]),
		ActiveDevices:  devices,
		RecentRequests: len(m.requests[identifier]),
	}
}

// HandleSecurityIncident records an incident, audits it, and takes the
// automatic actions its type calls for. The stored incident is returned.
func (m *Monitor) HandleSecurityIncident(ctx context.Context, inc Incident) Incident {
	if inc.Severity == "" {
		inc.Severity = SeverityFor(inc.Type)
	}
	if inc.ID == "" {
		inc.ID = newIncidentID()
	}
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = m.now().UTC()
	}
	inc.Actions = append(inc.Actions, m.takeAutomaticActions(&inc)...)

	m.mu.Lock()
	m.incidents[inc.ID] = &inc
	m.order = append(m.order, inc.ID)
	if m.config.MaxIncidents > 0 && len(m.order) > m.config.MaxIncidents {
		drop := m.order[0]
		m.order = m.order[1:]
		delete(m.incidents, drop)
	}
	notify := m.onIncident
	m.mu.Unlock()

	metrics.IncidentsOpened.WithLabelValues(string(inc.Type), string(inc.Severity)).Inc()
	logging.Warn().
		Str("incident_id", inc.ID).
		Str("type", string(inc.Type)).
		Str("severity", string(inc.Severity)).
		Str("identifier", inc.Identifier).
		Msg("security incident opened")

	if m.auditor != nil {
		m.auditor.Log(audit.Entry{
			Action:    audit.ActionIncidentOpened,
			Category:  audit.CategorySecurityEvent,
			Severity:  inc.Severity,
			UserID:    inc.Identifier,
			IPAddress: inc.IPAddress,
			Details: mustJSON(map[string]any{
				"incident_id":   inc.ID,
				"incident_type": string(inc.Type),
			}),
		})
	}

	if notify != nil {
		notify(inc)
	}
	return inc
}

// takeAutomaticActions applies containment for incident types that warrant
// it and returns a record of what was done. Only login floods and request
// bursts are contained automatically; the rest are advisory.
func (m *Monitor) takeAutomaticActions(inc *Incident) []string {
	if m.limiter == nil {
		return nil
	}

	switch inc.Type {
	case IncidentMultipleFailedLogins:
		m.limiter.Block(inc.Identifier, ratelimit.ActionLogin, m.config.EscalationBlock)
		return []string{fmt.Sprintf("blocked LOGIN for %s", m.config.EscalationBlock)}
	case IncidentRapidRequests:
		m.limiter.Block(inc.Identifier, ratelimit.ActionAPICall, m.config.EscalationBlock)
		return []string{fmt.Sprintf("blocked API_CALL for %s", m.config.EscalationBlock)}
	}
	return nil
}

// ResolveIncident marks an incident handled and records the operator's
// resolution note. Resolving twice is an error so operators notice double
// handling.
func (m *Monitor) ResolveIncident(ctx context.Context, id, resolution string) error {
	m.mu.Lock()
	inc, ok := m.incidents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrIncidentNotFound, id)
	}
	if inc.Resolved {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrIncidentResolved, id)
	}
	now := m.now().UTC()
	inc.Resolved = true
	inc.ResolvedAt = &now
	inc.Resolution = resolution
	identifier := inc.Identifier
	m.mu.Unlock()

	metrics.IncidentsResolved.Inc()
	if m.auditor != nil {
		m.auditor.Log(audit.Entry{
			Action:   audit.ActionIncidentResolved,
			Category: audit.CategorySecurityEvent,
			UserID:   identifier,
			Details: mustJSON(map[string]any{
				"incident_id": id,
				"resolution":  resolution,
			}),
		})
	}
	return nil
}

// GetIncident returns an incident by ID.
func (m *Monitor) GetIncident(id string) (*Incident, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, false
	}
	copied := *inc
	return &copied, true
}

// ListIncidents returns all retained incidents, newest first. When
// openOnly is set, resolved incidents are skipped.
func (m *Monitor) ListIncidents(openOnly bool) []Incident {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Incident
	for i := len(m.order) - 1; i >= 0; i-- {
		inc, ok := m.incidents[m.order[i]]
		if !ok {
			continue
		}
		if openOnly && inc.Resolved {
			continue
		}
		out = append(out, *inc)
	}
	return out
}

// GenerateSecurityReport summarizes incidents, auth activity, and recent
// security events.
func (m *Monitor) GenerateSecurityReport(ctx context.Context) (*Report, error) {
	m.mu.Lock()
	report := &Report{
		GeneratedAt:         m.now().UTC(),
		TotalIncidents:      len(m.incidents),
		IncidentsBySeverity: make(map[audit.Severity]int),
		IncidentsByType:     make(map[IncidentType]int),
		TrackedIdentifiers:  len(m.failures),
	}
	for _, inc := range m.incidents {
		report.IncidentsBySeverity[inc.Severity]++
		report.IncidentsByType[inc.Type]++
		if !inc.Resolved {
			report.OpenIncidents++
		}
	}
	m.mu.Unlock()

	if m.limiter != nil {
		report.RateLimiter = m.limiter.GetStats()
	}
	report.Recommendations = recommendationsFor(report)

	if m.auditor != nil {
		events, err := m.auditor.GetRecentSecurityEvents(ctx, 24, 25)
		if err != nil {
			logging.Err(err).Msg("failed to load recent security events for report")
		} else {
			report.RecentSecurityEvents = events
		}

		stats, err := m.auditor.GetAuthStats(ctx, m.now().Add(-24*time.Hour))
		if err != nil {
			logging.Err(err).Msg("failed to load auth stats for report")
		} else {
			report.AuthStats = stats
		}
	}

	return report, nil
}

// recommendationsFor derives the report's advice list from what the
// aggregates show. One rule per incident type plus limiter pressure.
func recommendationsFor(r *Report) []string {
	var recs []string
	if r.IncidentsByType[IncidentMultipleFailedLogins] >= 1 {
		recs = append(recs, "Repeated failed logins observed; require stronger authentication for the affected accounts.")
	}
	if r.IncidentsByType[IncidentMultipleDevices] >= 1 {
		recs = append(recs, "Sessions active from an unusual number of devices; review the device limit and revoke unrecognized sessions.")
	}
	if r.IncidentsByType[IncidentRapidRequests] >= 1 {
		recs = append(recs, "Request bursts detected; consider tightening the API_CALL rate limit.")
	}
	if r.IncidentsByType[IncidentOffHoursAccess] >= 1 {
		recs = append(recs, "Activity observed inside the off-hours window; confirm it was expected.")
	}
	if r.RateLimiter.BlockedPairs > 0 {
		recs = append(recs, fmt.Sprintf("%d identifier/action pairs are currently blocked; investigate before lifting blocks.", r.RateLimiter.BlockedPairs))
	}
	return recs
}

// SecurityStatus assembles the lightweight posture view for dashboards:
// open incidents, limiter state, and audit queue depth. It never touches
// the durable log store.
func (m *Monitor) SecurityStatus() Status {
	status := Status{
		CheckedAt:     m.now().UTC(),
		OpenIncidents: m.ListIncidents(true),
	}
	if m.limiter != nil {
		status.RateLimiter = m.limiter.GetStats()
	}
	if m.auditor != nil {
		status.AuditQueue = m.auditor.QueueDepth()
	}
	return status
}

// Serve runs the periodic state sweep and detection fold until the context
// is canceled. Designed for suture supervision.
func (m *Monitor) Serve(ctx context.Context) error {
	ticker := time.NewTicker(foldInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep()
			m.fold(ctx)
		}
	}
}

// foldInterval is the cadence of the background detection fold. Detectors
// do not deduplicate findings across invocations; the cadence here bounds
// how often the same condition can reopen an incident.
const foldInterval = 5 * time.Minute

// fold runs the detector set over every identifier seen since the last
// tick, using its last recorded session and address.
func (m *Monitor) fold(ctx context.Context) {
	type subject struct {
		identifier, sessionID, ip string
	}

	m.mu.Lock()
	cutoff := m.now().Add(-foldInterval)
	subjects := make([]subject, 0, len(m.activity))
	for id, act := range m.activity {
		if act.at.After(cutoff) {
			subjects = append(subjects, subject{identifier: id, sessionID: act.sessionID, ip: act.ip})
		}
	}
	m.mu.Unlock()

	for _, s := range subjects {
		m.DetectSuspiciousActivity(ctx, s.identifier, s.sessionID, s.ip)
	}
}

// sweep drops identifiers whose tracked history fell out of every window.
func (m *Monitor) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	failureCutoff := now.Add(-m.config.FailedAttemptWindow)
	for id, times := range m.failures {
		if kept := pruneTimes(times, failureCutoff); len(kept) == 0 {
			delete(m.failures, id)
		} else {
			m.failures[id] = kept
		}
	}
	requestCutoff := now.Add(-time.Minute)
	for id, times := range m.requests {
		if kept := pruneTimes(times, requestCutoff); len(kept) == 0 {
			delete(m.requests, id)
		} else {
			m.requests[id] = kept
		}
	}
	for id, act := range m.activity {
		if !act.at.After(failureCutoff) {
			delete(m.activity, id)
		}
	}
}

// pruneTimes drops timestamps at or before the cutoff.
func pruneTimes(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(times); i++ {
		if times[i].After(cutoff) {
			break
		}
	}
	if i == 0 {
		return times
	}
	return append(times[:0], times[i:]...)
}

// newIncidentID returns a time-ordered unique ID.
func newIncidentID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// mustJSON converts a value to JSON, returning an empty object on error.
func mustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
