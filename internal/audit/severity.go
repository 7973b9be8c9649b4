// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

package audit

// Action names recorded by the session core. Callers may log actions not
// listed here; those default to MEDIUM severity.
const (
	ActionLoginSuccess      = "LOGIN_SUCCESS"
	ActionLoginFailed       = "LOGIN_FAILED"
	ActionLogout            = "LOGOUT"
	ActionLogoutAll         = "LOGOUT_ALL"
	ActionSessionCreated    = "SESSION_CREATED"
	ActionSessionRefreshed  = "SESSION_REFRESHED"
	ActionSessionExpired    = "SESSION_EXPIRED"
	ActionSessionDestroyed  = "SESSION_DESTROYED"
	ActionDeviceMismatch    = "DEVICE_MISMATCH"
	ActionTokenRefreshed    = "TOKEN_REFRESHED"
	ActionTokenRevoked      = "TOKEN_REVOKED"
	ActionCSRFBlocked       = "CSRF_ATTACK_BLOCKED"
	ActionCSRFRotated       = "CSRF_TOKEN_ROTATED"
	ActionRateLimited       = "RATE_LIMIT_EXCEEDED"
	ActionIdentifierBlocked = "IDENTIFIER_BLOCKED"
	ActionMultipleFailures  = "MULTIPLE_FAILED_LOGINS"
	ActionSuspiciousActive  = "SUSPICIOUS_ACTIVITY"
	ActionIncidentOpened    = "INCIDENT_OPENED"
	ActionIncidentResolved  = "INCIDENT_RESOLVED"
	ActionConfigChanged     = "CONFIG_CHANGED"
	ActionServiceStarted    = "SERVICE_STARTED"
	ActionServiceStopped    = "SERVICE_STOPPED"
)

// severityRules maps actions to their fixed severity. Unlisted actions
// get SeverityMedium so a forgotten mapping is noticed rather than buried.
var severityRules = map[string]Severity{
	ActionLoginSuccess:      SeverityLow,
	ActionLoginFailed:       SeverityMedium,
	ActionLogout:            SeverityLow,
	ActionLogoutAll:         SeverityMedium,
	ActionSessionCreated:    SeverityLow,
	ActionSessionRefreshed:  SeverityLow,
	ActionSessionExpired:    SeverityLow,
	ActionSessionDestroyed:  SeverityLow,
	ActionDeviceMismatch:    SeverityHigh,
	ActionTokenRefreshed:    SeverityLow,
	ActionTokenRevoked:      SeverityMedium,
	ActionCSRFBlocked:       SeverityCritical,
	ActionCSRFRotated:       SeverityLow,
	ActionRateLimited:       SeverityMedium,
	ActionIdentifierBlocked: SeverityHigh,
	ActionMultipleFailures:  SeverityHigh,
	ActionSuspiciousActive:  SeverityHigh,
	ActionIncidentOpened:    SeverityHigh,
	ActionIncidentResolved:  SeverityLow,
	ActionConfigChanged:     SeverityMedium,
	ActionServiceStarted:    SeverityLow,
	ActionServiceStopped:    SeverityLow,
}

// severityFor returns the severity assigned to an action.
func severityFor(action string) Severity {
	if sev, ok := severityRules[action]; ok {
		return sev
	}
	return SeverityMedium
}
