// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

// Package metrics provides Prometheus instrumentation for the session core:
// session lifecycle, rate limiting, audit pipeline, incident detection, and
// the HTTP surface.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session lifecycle metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pitwall_sessions_active",
			Help: "Current number of active sessions",
		},
	)

	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pitwall_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	SessionsDestroyed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitwall_sessions_destroyed_total",
			Help: "Total number of sessions destroyed",
		},
		[]string{"reason"}, // "logout", "expired", "device_mismatch"
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitwall_token_refreshes_total",
			Help: "Total number of token refresh attempts",
		},
		[]string{"outcome"}, // "success", "failure"
	)

	// Rate limiter metrics
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitwall_rate_limit_rejections_total",
			Help: "Total number of attempts denied by the rate limiter",
		},
		[]string{"action"},
	)

	RateLimitBlocks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitwall_rate_limit_blocks_total",
			Help: "Total number of (identifier, action) pairs blocked",
		},
		[]string{"action"},
	)

	// CSRF metrics
	CSRFValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitwall_csrf_validations_total",
			Help: "Total number of CSRF token validations",
		},
		[]string{"outcome"}, // "valid", "invalid"
	)

	// Audit pipeline metrics
	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pitwall_audit_queue_depth",
			Help: "Current number of audit entries awaiting flush",
		},
	)

	AuditEntriesFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pitwall_audit_entries_flushed_total",
			Help: "Total number of audit entries flushed to the durable sink",
		},
	)

	AuditFlushErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pitwall_audit_flush_errors_total",
			Help: "Total number of failed audit flush attempts",
		},
	)

	AuditEntriesEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitwall_audit_entries_evicted_total",
			Help: "Total number of audit entries removed by retention",
		},
		[]string{"reason"}, // "age", "cap"
	)

	// Security monitor metrics
	IncidentsOpened = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitwall_incidents_opened_total",
			Help: "Total number of security incidents opened",
		},
		[]string{"type", "severity"},
	)

	IncidentsResolved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pitwall_incidents_resolved_total",
			Help: "Total number of security incidents resolved",
		},
	)

	DetectorFindings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitwall_detector_findings_total",
			Help: "Total number of findings produced by suspicious-activity detectors",
		},
		[]string{"detector"},
	)

	// Broadcast metrics
	BroadcastMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitwall_broadcast_messages_total",
			Help: "Total number of cross-instance broadcast messages",
		},
		[]string{"direction", "type"}, // direction: "sent", "received"
	)

	// HTTP surface metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitwall_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pitwall_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	// Identity provider metrics
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitwall_upstream_requests_total",
			Help: "Total number of identity-provider calls",
		},
		[]string{"operation", "outcome"}, // outcome: "success", "failure", "timeout"
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pitwall_upstream_request_duration_seconds",
			Help:    "Identity-provider call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// WebSocket feed metrics
	WebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pitwall_websocket_clients",
			Help: "Current number of connected event-feed clients",
		},
	)
)

// RecordAPIRequest records one completed API request.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordUpstreamCall records one identity-provider call.
func RecordUpstreamCall(operation, outcome string, duration time.Duration) {
	UpstreamRequests.WithLabelValues(operation, outcome).Inc()
	UpstreamRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
