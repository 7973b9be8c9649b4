// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

// Package csrf implements double-submit CSRF protection. Each session gets
// one random token; state-changing requests must echo it back, and the
// submitted value is compared in constant time against the stored one.
package csrf

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/pitwall/internal/logging"
	"github.com/tomtom215/pitwall/internal/metrics"
	"github.com/tomtom215/pitwall/internal/securestore"
)

// ErrInvalidToken is returned when a submitted token is missing, expired,
// or does not match the one issued to the session.
var ErrInvalidToken = errors.New("invalid csrf token")

const (
	// tokenBytes is the entropy of a token before base64url encoding.
	tokenBytes = 32

	// DefaultLifetime is how long an issued token stays valid.
	DefaultLifetime = time.Hour

	// storePrefix namespaces token entries inside the secure store.
	storePrefix = "csrf:"
)

// entry pairs a token with its expiry.
type entry struct {
	token     string
	expiresAt time.Time
}

// Manager issues and validates per-session CSRF tokens. Tokens live both in
// memory for fast validation and in the secure store so a restarted instance
// keeps accepting tokens issued before the restart.
type Manager struct {
	mu       sync.Mutex
	tokens   map[string]entry
	store    securestore.Store
	lifetime time.Duration

	// SweepInterval is how often expired tokens are evicted.
	SweepInterval time.Duration

	// now is injectable for tests.
	now func() time.Time
}

// NewManager creates a manager backed by the given secure store.
// The store may be nil, in which case tokens are memory-only.
func NewManager(store securestore.Store) *Manager {
	return &Manager{
		tokens:        make(map[string]entry),
		store:         store,
		lifetime:      DefaultLifetime,
		SweepInterval: 10 * time.Minute,
		now:           time.Now,
	}
}

// SetLifetime overrides the token lifetime. Zero or negative restores the default.
func (m *Manager) SetLifetime(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		d = DefaultLifetime
	}
	m.lifetime = d
}

// Generate issues a fresh token for the session, replacing any prior one.
func (m *Manager) Generate(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("generate csrf token: empty session id")
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	m.mu.Lock()
	expiresAt := m.now().Add(m.lifetime)
	m.tokens[sessionID] = entry{token: token, expiresAt: expiresAt}
	lifetime := m.lifetime
	m.mu.Unlock()

	if m.store != nil {
		err := m.store.Set(ctx, storePrefix+sessionID, []byte(token),
			securestore.Options{TTL: lifetime})
		if err != nil {
			// The in-memory copy still works; persistence is best effort.
			logging.Err(err).Str("session_id", sessionID).
				Msg("failed to persist csrf token")
		}
	}

	return token, nil
}

// Validate checks a submitted token against every copy issued to the
// session. Comparison is constant time. When the store holds a copy, the
// submitted token must match both the in-memory one and the persisted one;
// a divergent pair never validates. A token for one session never
// validates against another session.
func (m *Manager) Validate(ctx context.Context, sessionID, token string) error {
	if sessionID == "" || token == "" {
		metrics.CSRFValidations.WithLabelValues("invalid").Inc()
		return ErrInvalidToken
	}

	mem, memOK := m.memoryToken(sessionID)

	var persisted string
	var storeOK bool
	if m.store != nil {
		if value, err := m.store.Get(ctx, storePrefix+sessionID); err == nil {
			persisted = string(value)
			storeOK = true
		}
	}

	if !memOK && !storeOK {
		metrics.CSRFValidations.WithLabelValues("invalid").Inc()
		return ErrInvalidToken
	}
	if memOK && subtle.ConstantTimeCompare([]byte(mem), []byte(token)) != 1 {
		metrics.CSRFValidations.WithLabelValues("invalid").Inc()
		return ErrInvalidToken
	}
	if storeOK && subtle.ConstantTimeCompare([]byte(persisted), []byte(token)) != 1 {
		metrics.CSRFValidations.WithLabelValues("invalid").Inc()
		return ErrInvalidToken
	}

	if !memOK {
		// Rehydrate after a restart. The store entry carries its own TTL,
		// so the remaining lifetime is approximated rather than tracked
		// exactly.
		m.mu.Lock()
		m.tokens[sessionID] = entry{token: persisted, expiresAt: m.now().Add(m.lifetime)}
		m.mu.Unlock()
	}

	metrics.CSRFValidations.WithLabelValues("valid").Inc()
	return nil
}

// memoryToken returns the unexpired in-memory token for a session.
func (m *Manager) memoryToken(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.tokens[sessionID]
	if ok && m.now().After(e.expiresAt) {
		delete(m.tokens, sessionID)
		ok = false
	}
	if !ok {
		return "", false
	}
	return e.token, true
}

// Rotate replaces the session's token, invalidating the old one. Called after
// privileged operations so a captured token has a bounded useful life.
func (m *Manager) Rotate(ctx context.Context, sessionID string) (string, error) {
	return m.Generate(ctx, sessionID)
}

// Remove discards the session's token. Idempotent.
func (m *Manager) Remove(ctx context.Context, sessionID string) {
	m.mu.Lock()
	delete(m.tokens, sessionID)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Delete(ctx, storePrefix+sessionID); err != nil {
			logging.Err(err).Str("session_id", sessionID).
				Msg("failed to delete persisted csrf token")
		}
	}
}

// ClearAll discards every token. Used on full logout sweeps. Only the
// csrf namespace of the store is touched; session entries are not ours
// to remove.
func (m *Manager) ClearAll(ctx context.Context) {
	m.mu.Lock()
	m.tokens = make(map[string]entry)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeletePrefix(ctx, storePrefix); err != nil {
			logging.Err(err).Msg("failed to clear persisted csrf tokens")
		}
	}
}

// Count returns the number of live in-memory tokens.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tokens)
}

// sweep evicts expired tokens and returns how many were removed.
func (m *Manager) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for sessionID, e := range m.tokens {
		if now.After(e.expiresAt) {
			delete(m.tokens, sessionID)
			removed++
		}
	}
	return removed
}

// Serve runs the periodic expiry sweep until the context is canceled.
// Designed for suture supervision.
func (m *Manager) Serve(ctx context.Context) error {
	interval := m.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if removed := m.sweep(); removed > 0 {
				logging.Debug().Int("removed", removed).
					Msg("swept expired csrf tokens")
			}
		}
	}
}
