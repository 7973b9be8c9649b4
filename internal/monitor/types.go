// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

// Package monitor watches authentication activity for abuse patterns,
// opens security incidents, and takes automatic containment actions.
package monitor

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/pitwall/internal/audit"
	"github.com/tomtom215/pitwall/internal/ratelimit"
)

// IncidentType names a recognized abuse pattern.
type IncidentType string

const (
	IncidentMultipleFailedLogins IncidentType = "MULTIPLE_FAILED_LOGINS"
	IncidentMultipleDevices      IncidentType = "MULTIPLE_DEVICES"
	IncidentRapidRequests        IncidentType = "RAPID_REQUESTS"
	IncidentOffHoursAccess       IncidentType = "OFF_HOURS_ACCESS"
)

// typeSeverity maps incident types to their fixed severity.
var typeSeverity = map[IncidentType]audit.Severity{
	IncidentMultipleFailedLogins: audit.SeverityHigh,
	IncidentMultipleDevices:      audit.SeverityMedium,
	IncidentRapidRequests:        audit.SeverityMedium,
	IncidentOffHoursAccess:       audit.SeverityLow,
}

// SeverityFor returns the severity assigned to an incident type.
func SeverityFor(t IncidentType) audit.Severity {
	if sev, ok := typeSeverity[t]; ok {
		return sev
	}
	return audit.SeverityMedium
}

// Incident is a recorded security event requiring attention.
type Incident struct {
	// ID is a time-ordered unique identifier.
	ID string `json:"id"`

	// Type of abuse pattern.
	Type IncidentType `json:"type"`

	// Severity derived from the type.
	Severity audit.Severity `json:"severity"`

	// Identifier is the subject of the incident, typically a user ID,
	// email, or client IP.
	Identifier string `json:"identifier"`

	// IPAddress of the client involved, if known.
	IPAddress string `json:"ip_address,omitempty"`

	// Details carries type-specific fields.
	Details json.RawMessage `json:"details,omitempty"`

	// CreatedAt is when the incident was opened.
	CreatedAt time.Time `json:"created_at"`

	// Resolved marks the incident as handled.
	Resolved bool `json:"resolved"`

	// ResolvedAt is when it was resolved, if it has been.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	// Resolution is the operator's note recorded when resolving.
	Resolution string `json:"resolution,omitempty"`

	// Actions accumulates the automatic mitigations applied for this
	// incident, in the order they were taken.
	Actions []string `json:"actions,omitempty"`
}

// Activity is a snapshot of one principal's recent behavior, assembled by
// the monitor and handed to each detector.
type Activity struct {
	// Identifier of the principal, typically a user ID or email.
	Identifier string

	// SessionID of the current session, if any.
	SessionID string

	// IPAddress of the client.
	IPAddress string

	// At is when the activity happened.
	At time.Time

	// RecentFailures is the number of failed logins inside the
	// failure window.
	RecentFailures int

	// ActiveDevices is the number of distinct devices holding live
	// sessions for the principal.
	ActiveDevices int

	// RecentRequests is the number of requests inside the rapid-request
	// window.
	RecentRequests int
}

// Finding is a detector's positive result.
type Finding struct {
	// Type of incident to open.
	Type IncidentType

	// Details explains what tripped the detector.
	Details map[string]any
}

// Detector inspects an activity snapshot for one abuse pattern.
type Detector interface {
	// Name identifies the detector in logs and metrics.
	Name() string

	// Detect returns a finding when the pattern matches, nil otherwise.
	Detect(a Activity) (*Finding, error)
}

// Report summarizes security posture for the report endpoint.
type Report struct {
	GeneratedAt          time.Time              `json:"generated_at"`
	OpenIncidents        int                    `json:"open_incidents"`
	TotalIncidents       int                    `json:"total_incidents"`
	IncidentsBySeverity  map[audit.Severity]int `json:"incidents_by_severity"`
	IncidentsByType      map[IncidentType]int   `json:"incidents_by_type"`
	TrackedIdentifiers   int                    `json:"tracked_identifiers"`
	RateLimiter          ratelimit.Stats        `json:"rate_limiter"`
	Recommendations      []string               `json:"recommendations,omitempty"`
	RecentSecurityEvents []audit.Entry          `json:"recent_security_events,omitempty"`
	AuthStats            *audit.AuthStats       `json:"auth_stats,omitempty"`
}

// Status is the lightweight security posture view for dashboards. Unlike
// Report it touches no durable store.
type Status struct {
	CheckedAt     time.Time       `json:"checked_at"`
	OpenIncidents []Incident      `json:"open_incidents"`
	RateLimiter   ratelimit.Stats `json:"rate_limiter"`
	AuditQueue    int             `json:"audit_queue"`
}
