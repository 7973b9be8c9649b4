// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

// Package session owns the server-side session lifecycle: creation against
// the identity provider, validation with device binding, token refresh,
// and destruction with cross-instance notification.
package session

import (
	"fmt"
	"time"

	"github.com/tomtom215/pitwall/internal/identity"
)

// maxActivities bounds the per-session activity trail.
const maxActivities = 10

// Session is one authenticated session.
type Session struct {
	// ID is the opaque session identifier handed to the client.
	ID string `json:"id"`

	// UserID of the owning principal.
	UserID string `json:"user_id"`

	// Email of the owning principal.
	Email string `json:"email"`

	// DisplayName for presentation.
	DisplayName string `json:"display_name,omitempty"`

	// Roles granted upstream.
	Roles []string `json:"roles,omitempty"`

	// Fingerprint binds the session to the creating device.
	Fingerprint string `json:"fingerprint"`

	// Device attributes the fingerprint was derived from.
	Device Device `json:"device"`

	// IPAddress the session was created from.
	IPAddress string `json:"ip_address"`

	// Tokens issued by the identity provider.
	Tokens identity.TokenPair `json:"tokens"`

	// CreatedAt is when the session was established.
	CreatedAt time.Time `json:"created_at"`

	// LastActivity is the most recent validated use.
	LastActivity time.Time `json:"last_activity"`

	// ExpiresAt is when the session dies regardless of activity.
	ExpiresAt time.Time `json:"expires_at"`

	// Activities is a bounded trail of recent session events.
	Activities []Activity `json:"activities,omitempty"`

	// generation counts refreshes so a stale async refresh result can be
	// recognized and discarded. Never serialized to the client.
	generation uint64
}

// Activity is one entry in the session's bounded trail.
type Activity struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
}

// recordActivity appends to the trail, dropping the oldest past the cap.
func (s *Session) recordActivity(kind string, at time.Time) {
	s.Activities = append(s.Activities, Activity{Kind: kind, At: at})
	if len(s.Activities) > maxActivities {
		s.Activities = s.Activities[len(s.Activities)-maxActivities:]
	}
}

// clone returns a deep copy safe to hand outside the manager's lock.
func (s *Session) clone() *Session {
	copied := *s
	copied.Roles = append([]string(nil), s.Roles...)
	copied.Activities = append([]Activity(nil), s.Activities...)
	return &copied
}

// expired reports whether the session is past its lifetime.
func (s *Session) expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Error kinds for session operations.

// CreationError wraps a failure to establish a session.
type CreationError struct {
	Reason string
	Err    error
}

func (e *CreationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session creation failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("session creation failed: %s", e.Reason)
}

func (e *CreationError) Unwrap() error { return e.Err }

// ExpiredError is returned for sessions that are gone or past their
// lifetime. Destroyed and never-existed sessions are indistinguishable on
// purpose.
type ExpiredError struct {
	SessionID string
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("session expired or unknown: %s", e.SessionID)
}

// DeviceMismatchError is returned when a session ID is presented from a
// device other than the one it was bound to.
type DeviceMismatchError struct {
	SessionID string
}

func (e *DeviceMismatchError) Error() string {
	return fmt.Sprintf("session %s presented from an unrecognized device", e.SessionID)
}
