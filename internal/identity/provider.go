// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

// Package identity talks to the upstream identity provider that owns
// credentials and tokens. The session core never stores passwords; it
// exchanges them here and keeps only the resulting tokens.
package identity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidCredentials is returned when the provider rejects a login.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrTokenRejected is returned when the provider rejects a refresh token.
	ErrTokenRejected = errors.New("refresh token rejected")

	// ErrUpstreamTimeout is returned when the provider does not answer in time.
	ErrUpstreamTimeout = errors.New("identity provider timed out")

	// ErrUpstreamUnavailable is returned when the provider is unreachable
	// or the circuit breaker is open.
	ErrUpstreamUnavailable = errors.New("identity provider unavailable")
)

// Credentials is a login request.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Identity describes an authenticated principal.
type Identity struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

// TokenPair holds the tokens issued by the provider.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Provider is the upstream identity service.
type Provider interface {
	// ExchangeCredentials validates a login and returns the principal
	// with a fresh token pair.
	ExchangeCredentials(ctx context.Context, creds Credentials) (*Identity, *TokenPair, error)

	// Refresh exchanges a refresh token for a new token pair.
	Refresh(ctx context.Context, refreshToken string) (*TokenPair, error)

	// Revoke invalidates a refresh token upstream. Best effort; local
	// session destruction does not depend on it succeeding.
	Revoke(ctx context.Context, refreshToken string) error
}
