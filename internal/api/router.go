// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter assembles the full route tree.
//
// The session endpoints are split by protection level: login is open but
// rate limited hardest inside the manager, session-scoped routes require
// a validated session, and state-changing session routes additionally
// require the CSRF token.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(h.Instrument)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.RateLimitAPI)

		r.Get("/health", h.Health)

		r.Route("/session", func(r chi.Router) {
			r.Post("/", h.Login)

			r.Group(func(r chi.Router) {
				r.Use(h.RequireSession)
				r.Get("/", h.CurrentSession)

				r.Group(func(r chi.Router) {
					r.Use(h.RequireCSRF)
					r.Post("/refresh", h.Refresh)
					r.Post("/csrf", h.RotateCSRF)
					r.Delete("/", h.Logout)
				})
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(h.RequireSession)

			r.With(h.RequireCSRF).Delete("/sessions", h.LogoutEverywhere)

			r.Get("/security/status", h.SecurityStatus)
			r.Get("/security/report", h.SecurityReport)
			r.Get("/security/incidents", h.Incidents)
			r.With(h.RequireCSRF).Post("/security/incidents/{id}/resolve", h.ResolveIncident)

			r.Get("/audit/logs", h.AuditLogs)
			r.Get("/events/ws", h.EventFeed)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
