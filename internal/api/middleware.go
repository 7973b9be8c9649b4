// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/tomtom215/pitwall/internal/audit"
	"github.com/tomtom215/pitwall/internal/logging"
	"github.com/tomtom215/pitwall/internal/metrics"
	"github.com/tomtom215/pitwall/internal/ratelimit"
	"github.com/tomtom215/pitwall/internal/session"
)

// Client-facing headers.
const (
	HeaderSessionID = "X-Session-ID"
	HeaderCSRFToken = "X-CSRF-Token"
	HeaderRequestID = "X-Request-ID"
)

type sessionContextKey struct{}

// SessionFromContext returns the validated session attached by
// RequireSession, or nil.
func SessionFromContext(ctx context.Context) *session.Session {
	if s, ok := ctx.Value(sessionContextKey{}).(*session.Session); ok {
		return s
	}
	return nil
}

// RequestID propagates or generates an X-Request-ID and attaches it to
// the request context for response metadata and logging.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = logging.GenerateRequestID()
		}
		w.Header().Set(HeaderRequestID, requestID)
		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SecurityHeaders sets conservative defaults for an API-only surface.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// Instrument records request metrics and feeds the rapid-request
// detector. The endpoint label uses the chi route pattern so that
// parameterized paths don't explode cardinality.
func (h *Handler) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				pattern = p
			}
		}
		metrics.RecordAPIRequest(r.Method, pattern, ww.Status(), time.Since(start))
		if h.monitor != nil {
			ip := clientIP(r)
			var sid string
			if s := SessionFromContext(r.Context()); s != nil {
				sid = s.ID
			}
			h.monitor.TrackRequest(ip, sid, ip)
		}
	})
}

// RateLimitAPI applies the sliding-window API limit per client IP.
// The limiter checks fail open, so a broken limiter never locks the
// dashboard out.
func (h *Handler) RateLimitAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)
		if !h.limiter.CheckLimit(ip, ratelimit.ActionAPICall) {
			retry := h.limiter.BlockedTime(ip, ratelimit.ActionAPICall)
			metrics.RateLimitRejections.WithLabelValues(string(ratelimit.ActionAPICall)).Inc()
			NewResponseWriter(w, r).TooManyRequests(retry, "too many requests")
			return
		}
		h.limiter.RecordAttempt(ip, ratelimit.ActionAPICall)
		next.ServeHTTP(w, r)
	})
}

// RequireSession validates the X-Session-ID header against the
// presenting device and attaches the session to the request context.
func (h *Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := NewResponseWriter(w, r)
		sessionID := r.Header.Get(HeaderSessionID)
		if sessionID == "" {
			rw.Unauthorized(ErrCodeUnauthorized, "missing session")
			return
		}

		s, err := h.sessions.Validate(r.Context(), sessionID, session.DeviceFromRequest(r))
		if err != nil {
			writeSessionError(rw, err)
			return
		}

		ctx := context.WithValue(r.Context(), sessionContextKey{}, s)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireCSRF enforces the double-submit token on state-changing
// requests. Must run after RequireSession.
func (h *Handler) RequireCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if h.csrf == nil {
			next.ServeHTTP(w, r)
			return
		}

		rw := NewResponseWriter(w, r)
		s := SessionFromContext(r.Context())
		if s == nil {
			rw.Unauthorized(ErrCodeUnauthorized, "missing session")
			return
		}

		token := r.Header.Get(HeaderCSRFToken)
		if err := h.csrf.Validate(r.Context(), s.ID, token); err != nil {
			if h.auditor != nil {
				h.auditor.Log(audit.Entry{
					Action:    audit.ActionCSRFBlocked,
					Category:  audit.CategorySecurityEvent,
					UserID:    s.UserID,
					SessionID: s.ID,
					IPAddress: clientIP(r),
					UserAgent: r.UserAgent(),
				})
			}
			rw.Forbidden(ErrCodeInvalidCSRF, "invalid CSRF token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeSessionError maps session errors onto transport responses.
func writeSessionError(rw *ResponseWriter, err error) {
	var (
		expired     *session.ExpiredError
		mismatch    *session.DeviceMismatchError
		rateLimited *ratelimit.RateLimitExceededError
	)
	switch {
	case errors.As(err, &expired):
		rw.Unauthorized(ErrCodeSessionExpired, "session expired or unknown")
	case errors.As(err, &mismatch):
		rw.Unauthorized(ErrCodeDeviceMismatch, "session bound to a different device")
	case errors.As(err, &rateLimited):
		rw.TooManyRequests(rateLimited.RetryAfter, "too many requests")
	default:
		rw.InternalError("session validation failed")
	}
}

// clientIP returns the request's remote IP. chi's RealIP middleware has
// already folded X-Forwarded-For into RemoteAddr when configured.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
