// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

// Package audit provides security audit logging. Entries are queued in
// memory and flushed to a store in batches; high-severity entries bypass
// the batch window and flush immediately.
package audit

import (
	"context"
	"time"

	"github.com/goccy/go-json"
)

// Category groups audit entries by the kind of activity they record.
type Category string

const (
	CategoryAuthEvent     Category = "AUTH_EVENT"
	CategorySecurityEvent Category = "SECURITY_EVENT"
	CategoryUserAction    Category = "USER_ACTION"
	CategorySystemEvent   Category = "SYSTEM_EVENT"
)

// Severity indicates how much attention an entry deserves.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityRank orders severities for threshold comparisons.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is at or above the given severity.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// Entry is a single audit record.
type Entry struct {
	// ID is a time-ordered unique identifier.
	ID string `json:"id"`

	// Timestamp when the recorded activity happened.
	Timestamp time.Time `json:"timestamp"`

	// Action names what happened, e.g. LOGIN_FAILED or CSRF_ATTACK_BLOCKED.
	Action string `json:"action"`

	// Category groups the entry.
	Category Category `json:"category"`

	// Severity derived from the action; see severityFor.
	Severity Severity `json:"severity"`

	// UserID of the affected account, if known.
	UserID string `json:"user_id,omitempty"`

	// SessionID of the session the activity belongs to, if any.
	SessionID string `json:"session_id,omitempty"`

	// IPAddress of the client.
	IPAddress string `json:"ip_address,omitempty"`

	// UserAgent of the client.
	UserAgent string `json:"user_agent,omitempty"`

	// Details carries action-specific fields.
	Details json.RawMessage `json:"details,omitempty"`
}

// Store defines audit entry persistence. Implementations must accept
// batches; the logger never saves entries one at a time.
type Store interface {
	// SaveBatch persists a batch of entries atomically where the backend
	// allows it.
	SaveBatch(ctx context.Context, entries []Entry) error

	// Get retrieves an entry by ID.
	Get(ctx context.Context, id string) (*Entry, error)

	// Query retrieves entries matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]Entry, error)

	// Count returns the number of entries matching the filter.
	Count(ctx context.Context, filter QueryFilter) (int64, error)

	// DeleteOlderThan removes entries with a timestamp before the cutoff
	// and returns how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// TrimToCap removes the oldest entries until at most maxEntries
	// remain, returning how many were removed.
	TrimToCap(ctx context.Context, maxEntries int) (int64, error)
}

// QueryFilter narrows audit queries. Zero values match everything.
type QueryFilter struct {
	// Categories filters by entry category.
	Categories []Category `json:"categories,omitempty"`

	// Severities filters by severity.
	Severities []Severity `json:"severities,omitempty"`

	// Actions filters by action name.
	Actions []string `json:"actions,omitempty"`

	// UserID filters by affected user.
	UserID string `json:"user_id,omitempty"`

	// SessionID filters by session.
	SessionID string `json:"session_id,omitempty"`

	// IPAddress filters by client address.
	IPAddress string `json:"ip_address,omitempty"`

	// StartTime is the inclusive beginning of the time range.
	StartTime *time.Time `json:"start_time,omitempty"`

	// EndTime is the inclusive end of the time range.
	EndTime *time.Time `json:"end_time,omitempty"`

	// Limit is the maximum number of results.
	Limit int `json:"limit,omitempty"`

	// Offset for pagination.
	Offset int `json:"offset,omitempty"`
}

// DefaultQueryFilter returns a sensible default filter.
func DefaultQueryFilter() QueryFilter {
	return QueryFilter{Limit: 100}
}

// AuthStats summarizes authentication activity over a time range.
type AuthStats struct {
	TotalLogins     int64 `json:"total_logins"`
	FailedLogins    int64 `json:"failed_logins"`
	Logouts         int64 `json:"logouts"`
	TokenRefreshes  int64 `json:"token_refreshes"`
	SessionsCreated int64 `json:"sessions_created"`
}
