// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	gorillaws "github.com/gorilla/websocket"

	"github.com/tomtom215/pitwall/internal/audit"
	"github.com/tomtom215/pitwall/internal/csrf"
	"github.com/tomtom215/pitwall/internal/identity"
	"github.com/tomtom215/pitwall/internal/logging"
	"github.com/tomtom215/pitwall/internal/monitor"
	"github.com/tomtom215/pitwall/internal/ratelimit"
	"github.com/tomtom215/pitwall/internal/session"
	"github.com/tomtom215/pitwall/internal/websocket"
)

// Handler carries the session core services the HTTP surface exposes.
type Handler struct {
	sessions *session.Manager
	csrf     *csrf.Manager
	limiter  *ratelimit.Limiter
	monitor  *monitor.Monitor
	auditor  *audit.Logger
	hub      *websocket.Hub

	upgrader gorillaws.Upgrader
	started  time.Time
}

// NewHandler wires the handler. Sessions is required; nil collaborators
// disable their endpoints.
func NewHandler(sessions *session.Manager, csrfMgr *csrf.Manager, limiter *ratelimit.Limiter, mon *monitor.Monitor, auditor *audit.Logger, hub *websocket.Hub) *Handler {
	return &Handler{
		sessions: sessions,
		csrf:     csrfMgr,
		limiter:  limiter,
		monitor:  mon,
		auditor:  auditor,
		hub:      hub,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		started: time.Now(),
	}
}

// sessionView is the client-facing session representation. Upstream
// tokens stay server-side.
type sessionView struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name,omitempty"`
	Roles        []string  `json:"roles,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func viewOf(s *session.Session) sessionView {
	return sessionView{
		ID:           s.ID,
		UserID:       s.UserID,
		Email:        s.Email,
		DisplayName:  s.DisplayName,
		Roles:        s.Roles,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
		ExpiresAt:    s.ExpiresAt,
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Session   sessionView `json:"session"`
	CSRFToken string      `json:"csrf_token"`
}

// Login authenticates credentials and establishes a session.
//
//	POST /api/v1/session
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		rw.BadRequest("invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		rw.BadRequest("email and password are required")
		return
	}

	creds := identity.Credentials{Email: req.Email, Password: req.Password}
	s, csrfToken, err := h.sessions.Create(r.Context(), creds, session.DeviceFromRequest(r), clientIP(r))
	if err != nil {
		var rateLimited *ratelimit.RateLimitExceededError
		switch {
		case errors.As(err, &rateLimited):
			rw.TooManyRequests(rateLimited.RetryAfter, "too many login attempts")
		case errors.Is(err, identity.ErrInvalidCredentials):
			rw.Unauthorized(ErrCodeUnauthorized, "invalid credentials")
		case errors.Is(err, identity.ErrUpstreamTimeout), errors.Is(err, identity.ErrUpstreamUnavailable):
			rw.UpstreamError("identity provider unavailable")
		default:
			logging.Err(err).Msg("login failed")
			rw.InternalError("login failed")
		}
		return
	}

	rw.Created(loginResponse{Session: viewOf(s), CSRFToken: csrfToken})
}

// CurrentSession returns the validated session from the request context.
//
//	GET /api/v1/session
func (h *Handler) CurrentSession(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	s := SessionFromContext(r.Context())
	if s == nil {
		rw.Unauthorized(ErrCodeUnauthorized, "missing session")
		return
	}
	rw.Success(viewOf(s))
}

// Refresh exchanges the session's tokens for fresh ones.
//
//	POST /api/v1/session/refresh
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	s := SessionFromContext(r.Context())
	if s == nil {
		rw.Unauthorized(ErrCodeUnauthorized, "missing session")
		return
	}

	refreshed, err := h.sessions.Refresh(r.Context(), s.ID)
	if err != nil {
		writeSessionError(rw, err)
		return
	}
	rw.Success(viewOf(refreshed))
}

// Logout destroys the current session.
//
//	DELETE /api/v1/session
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	s := SessionFromContext(r.Context())
	if s == nil {
		rw.Unauthorized(ErrCodeUnauthorized, "missing session")
		return
	}
	if err := h.sessions.Destroy(r.Context(), s.ID); err != nil {
		logging.Err(err).Str("session_id", s.ID).Msg("logout failed")
		rw.InternalError("logout failed")
		return
	}
	rw.NoContent()
}

// LogoutEverywhere destroys every session the user holds.
//
//	DELETE /api/v1/sessions
func (h *Handler) LogoutEverywhere(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	s := SessionFromContext(r.Context())
	if s == nil {
		rw.Unauthorized(ErrCodeUnauthorized, "missing session")
		return
	}
	count := h.sessions.DestroyAllForUser(r.Context(), s.UserID)
	rw.Success(map[string]int{"destroyed": count})
}

// RotateCSRF issues a replacement CSRF token for the current session.
//
//	POST /api/v1/session/csrf
func (h *Handler) RotateCSRF(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.csrf == nil {
		rw.ServiceUnavailable("CSRF protection disabled")
		return
	}
	s := SessionFromContext(r.Context())
	if s == nil {
		rw.Unauthorized(ErrCodeUnauthorized, "missing session")
		return
	}

	token, err := h.csrf.Rotate(r.Context(), s.ID)
	if err != nil {
		logging.Err(err).Str("session_id", s.ID).Msg("csrf rotation failed")
		rw.InternalError("token rotation failed")
		return
	}
	if h.auditor != nil {
		h.auditor.Log(audit.AuthEntry(audit.ActionCSRFRotated, s.UserID, s.ID, clientIP(r), r.UserAgent()))
	}
	rw.Success(map[string]string{"csrf_token": token})
}

// SecurityReport returns the monitor's aggregated security report.
//
//	GET /api/v1/security/report
func (h *Handler) SecurityReport(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.monitor == nil {
		rw.ServiceUnavailable("security monitoring disabled")
		return
	}
	report, err := h.monitor.GenerateSecurityReport(r.Context())
	if err != nil {
		logging.Err(err).Msg("failed to generate security report")
		rw.InternalError("report generation failed")
		return
	}
	rw.Success(report)
}

// SecurityStatus returns the lightweight posture view: open incidents,
// limiter state, and audit queue depth.
//
//	GET /api/v1/security/status
func (h *Handler) SecurityStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.monitor == nil {
		rw.ServiceUnavailable("security monitoring disabled")
		return
	}
	rw.Success(h.monitor.SecurityStatus())
}

// Incidents lists security incidents, open ones only with ?open=true.
//
//	GET /api/v1/security/incidents
func (h *Handler) Incidents(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.monitor == nil {
		rw.ServiceUnavailable("security monitoring disabled")
		return
	}
	openOnly := r.URL.Query().Get("open") == "true"
	rw.Success(h.monitor.ListIncidents(openOnly))
}

// resolveIncidentRequest carries the operator's resolution note.
type resolveIncidentRequest struct {
	Resolution string `json:"resolution"`
}

// ResolveIncident marks an incident resolved with the operator's note.
//
//	POST /api/v1/security/incidents/{id}/resolve
func (h *Handler) ResolveIncident(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.monitor == nil {
		rw.ServiceUnavailable("security monitoring disabled")
		return
	}

	var req resolveIncidentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		rw.BadRequest("invalid request body")
		return
	}
	if req.Resolution == "" {
		rw.BadRequest("resolution is required")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.monitor.ResolveIncident(r.Context(), id, req.Resolution); err != nil {
		if errors.Is(err, monitor.ErrIncidentNotFound) {
			rw.NotFound("incident not found")
			return
		}
		if errors.Is(err, monitor.ErrIncidentResolved) {
			rw.Conflict("incident already resolved")
			return
		}
		logging.Err(err).Str("incident_id", id).Msg("failed to resolve incident")
		rw.InternalError("resolution failed")
		return
	}
	rw.NoContent()
}

// AuditLogs queries the audit trail.
//
//	GET /api/v1/audit/logs
func (h *Handler) AuditLogs(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.auditor == nil {
		rw.ServiceUnavailable("audit logging disabled")
		return
	}

	filter, err := auditFilterFromQuery(r)
	if err != nil {
		rw.BadRequest(err.Error())
		return
	}
	entries, err := h.auditor.QueryLogs(r.Context(), filter)
	if err != nil {
		logging.Err(err).Msg("audit query failed")
		rw.InternalError("audit query failed")
		return
	}
	rw.Success(entries)
}

// auditFilterFromQuery builds an audit filter from URL parameters.
func auditFilterFromQuery(r *http.Request) (audit.QueryFilter, error) {
	q := r.URL.Query()
	filter := audit.DefaultQueryFilter()

	for _, c := range q["category"] {
		filter.Categories = append(filter.Categories, audit.Category(c))
	}
	for _, s := range q["severity"] {
		filter.Severities = append(filter.Severities, audit.Severity(s))
	}
	filter.Actions = q["action"]
	filter.UserID = q.Get("user_id")
	filter.SessionID = q.Get("session_id")
	filter.IPAddress = q.Get("ip")

	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("start must be RFC 3339")
		}
		filter.StartTime = &t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New("end must be RFC 3339")
		}
		filter.EndTime = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			return filter, errors.New("limit must be between 1 and 1000")
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("offset must be non-negative")
		}
		filter.Offset = n
	}
	return filter, nil
}

// EventFeed upgrades the connection and attaches it to the hub.
//
//	GET /api/v1/events/ws
func (h *Handler) EventFeed(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		NewResponseWriter(w, r).ServiceUnavailable("event feed disabled")
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Err(err).Msg("websocket upgrade failed")
		return
	}
	client := websocket.NewClient(h.hub, conn)
	h.hub.Register <- client
	client.Start()
}

// Health reports liveness and basic service state.
//
//	GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	data := map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"sessions":       h.sessions.Count(),
	}
	if h.auditor != nil {
		data["audit_queue_depth"] = h.auditor.QueueDepth()
	}
	rw.Success(data)
}
