// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/pitwall/internal/audit"
	"github.com/tomtom215/pitwall/internal/broadcast"
	"github.com/tomtom215/pitwall/internal/csrf"
	"github.com/tomtom215/pitwall/internal/identity"
	"github.com/tomtom215/pitwall/internal/logging"
	"github.com/tomtom215/pitwall/internal/metrics"
	"github.com/tomtom215/pitwall/internal/monitor"
	"github.com/tomtom215/pitwall/internal/ratelimit"
	"github.com/tomtom215/pitwall/internal/securestore"
)

// AuthState names a change in authentication state.
type AuthState string

const (
	StateSignedIn       AuthState = "SIGNED_IN"
	StateTokenRefreshed AuthState = "TOKEN_REFRESHED"
	StateSignedOut      AuthState = "SIGNED_OUT"
)

// Destruction reasons, used in audits, metrics, and broadcasts.
const (
	ReasonLogout         = "logout"
	ReasonExpired        = "expired"
	ReasonDeviceMismatch = "device_mismatch"
	ReasonTokenRejected  = "token_rejected"
	ReasonRemote         = "remote"
)

// storePrefix namespaces session entries in the secure store.
const storePrefix = "session:"

// Config holds session manager settings.
type Config struct {
	// TTL is the absolute session lifetime.
	TTL time.Duration `json:"ttl"`

	// RefreshMargin is how long before token expiry the automatic
	// refresh fires.
	RefreshMargin time.Duration `json:"refresh_margin"`

	// SweepInterval is how often expired sessions are collected.
	SweepInterval time.Duration `json:"sweep_interval"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		TTL:           12 * time.Hour,
		RefreshMargin: time.Minute,
		SweepInterval: time.Minute,
	}
}

// Deps carries the manager's collaborators. Provider is required; the
// rest degrade gracefully when nil.
type Deps struct {
	Provider identity.Provider
	Limiter  *ratelimit.Limiter
	CSRF     *csrf.Manager
	Auditor  *audit.Logger
	Monitor  *monitor.Monitor
	Store    securestore.Store
	Channel  broadcast.Channel
}

// Listener receives auth state changes. The session is a snapshot; nil
// for user-wide sign-outs.
type Listener func(state AuthState, s *Session)

// Manager owns every live session on this instance.
type Manager struct {
	config   *Config
	provider identity.Provider
	limiter  *ratelimit.Limiter
	csrf     *csrf.Manager
	auditor  *audit.Logger
	monitor  *monitor.Monitor
	store    securestore.Store
	channel  broadcast.Channel

	mu        sync.Mutex
	sessions     map[string]*Session
	timers       map[string]*time.Timer
	listeners    map[int]Listener
	nextListener int

	// now is injectable for tests.
	now func() time.Time
}

// NewManager creates a session manager and wires it to the broadcast
// channel and security monitor.
func NewManager(config *Config, deps Deps) (*Manager, error) {
	if deps.Provider == nil {
		return nil, fmt.Errorf("session manager requires an identity provider")
	}
	if config == nil {
		config = DefaultConfig()
	}

	m := &Manager{
		config:   config,
		provider: deps.Provider,
		limiter:  deps.Limiter,
		csrf:     deps.CSRF,
		auditor:  deps.Auditor,
		monitor:  deps.Monitor,
		store:    deps.Store,
		channel:  deps.Channel,
		sessions:  make(map[string]*Session),
		timers:    make(map[string]*time.Timer),
		listeners: make(map[int]Listener),
		now:       time.Now,
	}

	if m.channel != nil {
		m.channel.Subscribe(m.handleBroadcast)
	}
	if m.monitor != nil {
		m.monitor.SetDeviceCounter(m.CountDevicesForUser)
	}
	return m, nil
}

// OnAuthStateChange registers a listener for auth state transitions and
// returns an unsubscribe function. Unsubscribing twice is harmless.
func (m *Manager) OnAuthStateChange(fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// notify invokes listeners outside the manager lock.
func (m *Manager) notify(state AuthState, s *Session) {
	m.mu.Lock()
	listeners := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(state, s)
	}
}

// Create authenticates the credentials upstream and establishes a session
// bound to the presenting device. It returns the session and its CSRF
// token.
func (m *Manager) Create(ctx context.Context, creds identity.Credentials, device Device, ip string) (*Session, string, error) {
	if m.limiter != nil && !m.limiter.CheckLimit(creds.Email, ratelimit.ActionLogin) {
		retry := m.limiter.BlockedTime(creds.Email, ratelimit.ActionLogin)
		metrics.RateLimitRejections.WithLabelValues(string(ratelimit.ActionLogin)).Inc()
		m.audit(audit.AuthEntry(audit.ActionRateLimited, creds.Email, "", ip, device.UserAgent))
		return nil, "", &ratelimit.RateLimitExceededError{
			Identifier: creds.Email,
			Action:     ratelimit.ActionLogin,
			RetryAfter: retry,
		}
	}

	who, tokens, err := m.provider.ExchangeCredentials(ctx, creds)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			if m.limiter != nil {
				m.limiter.RecordAttempt(creds.Email, ratelimit.ActionLogin)
			}
			if m.monitor != nil {
				m.monitor.TrackFailedAttempt(ctx, creds.Email, ip)
			}
			m.audit(audit.AuthEntry(audit.ActionLoginFailed, creds.Email, "", ip, device.UserAgent))
		}
		return nil, "", &CreationError{Reason: "credential exchange", Err: err}
	}

	if m.limiter != nil {
		m.limiter.ResetAttempts(creds.Email, ratelimit.ActionLogin)
	}
	if m.monitor != nil {
		m.monitor.ResetFailures(creds.Email)
	}

	now := m.now().UTC()
	s := &Session{
		ID:           uuid.NewString(),
		UserID:       who.UserID,
		Email:        who.Email,
		DisplayName:  who.DisplayName,
		Roles:        who.Roles,
		Fingerprint:  device.Fingerprint(),
		Device:       device,
		IPAddress:    ip,
		Tokens:       *tokens,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(m.config.TTL),
	}
	s.recordActivity("created", now)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	csrfToken := ""
	if m.csrf != nil {
		csrfToken, err = m.csrf.Generate(ctx, s.ID)
		if err != nil {
			m.mu.Lock()
			delete(m.sessions, s.ID)
			m.mu.Unlock()
			return nil, "", &CreationError{Reason: "csrf token", Err: err}
		}
	}

	if err := m.persist(ctx, s); err != nil {
		logging.Err(err).Str("session_id", s.ID).Msg("failed to persist session")
	}
	m.scheduleRefresh(s.ID, s.Tokens.ExpiresAt)
	m.post(ctx, broadcast.Message{
		Type:      broadcast.TypeSessionCreated,
		SessionID: s.ID,
		UserID:    s.UserID,
	})

	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Set(float64(m.Count()))
	m.audit(audit.AuthEntry(audit.ActionLoginSuccess, s.UserID, s.ID, ip, device.UserAgent))
	m.audit(audit.AuthEntry(audit.ActionSessionCreated, s.UserID, s.ID, ip, device.UserAgent))
	logging.Info().Str("session_id", s.ID).Str("user_id", s.UserID).
		Msg("session created")

	snapshot := s.clone()
	m.notify(StateSignedIn, snapshot)
	return snapshot, csrfToken, nil
}

// Validate checks a session ID against the presenting device and returns
// the session. Expired sessions are collected on the way; a fingerprint
// mismatch destroys the session and reports it.
func (m *Manager) Validate(ctx context.Context, sessionID string, device Device) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()

	if !ok {
		s = m.rehydrate(ctx, sessionID)
		if s == nil {
			return nil, &ExpiredError{SessionID: sessionID}
		}
	}

	now := m.now().UTC()
	if s.expired(now) {
		m.remove(ctx, sessionID, ReasonExpired, false)
		m.audit(audit.AuthEntry(audit.ActionSessionExpired, s.UserID, sessionID, s.IPAddress, ""))
		return nil, &ExpiredError{SessionID: sessionID}
	}

	if device.Fingerprint() != s.Fingerprint {
		m.remove(ctx, sessionID, ReasonDeviceMismatch, true)
		m.audit(audit.Entry{
			Action:    audit.ActionDeviceMismatch,
			Category:  audit.CategorySecurityEvent,
			UserID:    s.UserID,
			SessionID: sessionID,
			IPAddress: s.IPAddress,
			UserAgent: device.UserAgent,
		})
		return nil, &DeviceMismatchError{SessionID: sessionID}
	}

	m.mu.Lock()
	if live, ok := m.sessions[sessionID]; ok {
		live.LastActivity = now
		live.recordActivity("validated", now)
		s = live.clone()
	} else {
		s = s.clone()
	}
	m.mu.Unlock()

	return s, nil
}

// Refresh exchanges the session's refresh token for new tokens. A refresh
// for a session that no longer exists fails with ExpiredError and posts
// nothing to the broadcast channel.
func (m *Manager) Refresh(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		// A refresh observed on the broadcast channel evicts the local
		// copy; the store holds the refreshing instance's fresh tokens.
		// A destroyed session has no store entry and stays gone.
		if s = m.rehydrate(ctx, sessionID); s == nil {
			metrics.TokenRefreshes.WithLabelValues("failure").Inc()
			return nil, &ExpiredError{SessionID: sessionID}
		}
	}

	m.mu.Lock()
	if s.expired(m.now().UTC()) {
		m.mu.Unlock()
		m.remove(ctx, sessionID, ReasonExpired, false)
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		return nil, &ExpiredError{SessionID: sessionID}
	}
	refreshToken := s.Tokens.RefreshToken
	generation := s.generation
	userID := s.UserID
	m.mu.Unlock()

	if m.limiter != nil && !m.limiter.CheckLimit(userID, ratelimit.ActionTokenRefresh) {
		retry := m.limiter.BlockedTime(userID, ratelimit.ActionTokenRefresh)
		metrics.RateLimitRejections.WithLabelValues(string(ratelimit.ActionTokenRefresh)).Inc()
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		return nil, &ratelimit.RateLimitExceededError{
			Identifier: userID,
			Action:     ratelimit.ActionTokenRefresh,
			RetryAfter: retry,
		}
	}
	if m.limiter != nil {
		m.limiter.RecordAttempt(userID, ratelimit.ActionTokenRefresh)
	}

	// The upstream call happens outside the lock; the generation counter
	// detects a session that was refreshed or destroyed meanwhile.
	tokens, err := m.provider.Refresh(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, identity.ErrTokenRejected) {
			return m.refreshRejected(ctx, sessionID, generation)
		}
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("refresh session %s: %w", sessionID, err)
	}

	m.mu.Lock()
	s, ok = m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		return nil, &ExpiredError{SessionID: sessionID}
	}
	if s.generation != generation {
		// Someone else refreshed first; their tokens win.
		snapshot := s.clone()
		m.mu.Unlock()
		metrics.TokenRefreshes.WithLabelValues("success").Inc()
		return snapshot, nil
	}
	now := m.now().UTC()
	s.Tokens = *tokens
	s.generation++
	s.LastActivity = now
	s.recordActivity("refreshed", now)
	snapshot := s.clone()
	m.mu.Unlock()

	if err := m.persist(ctx, snapshot); err != nil {
		logging.Err(err).Str("session_id", sessionID).Msg("failed to persist refreshed session")
	}
	m.scheduleRefresh(sessionID, tokens.ExpiresAt)
	m.post(ctx, broadcast.Message{
		Type:      broadcast.TypeSessionRefreshed,
		SessionID: sessionID,
		UserID:    snapshot.UserID,
	})

	metrics.TokenRefreshes.WithLabelValues("success").Inc()
	m.audit(audit.AuthEntry(audit.ActionTokenRefreshed, snapshot.UserID, sessionID, snapshot.IPAddress, ""))
	m.notify(StateTokenRefreshed, snapshot)
	return snapshot, nil
}

// refreshRejected decides what a rejected refresh token means. A token
// that lost a refresh race is stale, not stolen: if the session's
// generation moved past the one we captured, or the local copy was
// evicted by a remote refresh while the upstream call was in flight,
// the winner's tokens stand. Only a rejection with no competing refresh
// is treated as revocation and destroys the session.
func (m *Manager) refreshRejected(ctx context.Context, sessionID string, generation uint64) (*Session, error) {
	m.mu.Lock()
	if cur, live := m.sessions[sessionID]; live {
		if cur.generation != generation {
			snapshot := cur.clone()
			m.mu.Unlock()
			metrics.TokenRefreshes.WithLabelValues("success").Inc()
			return snapshot, nil
		}
		m.mu.Unlock()
		metrics.TokenRefreshes.WithLabelValues("failure").Inc()
		m.remove(ctx, sessionID, ReasonTokenRejected, true)
		return nil, &ExpiredError{SessionID: sessionID}
	}
	m.mu.Unlock()

	if fresh := m.rehydrate(ctx, sessionID); fresh != nil {
		m.mu.Lock()
		snapshot := fresh.clone()
		m.mu.Unlock()
		metrics.TokenRefreshes.WithLabelValues("success").Inc()
		return snapshot, nil
	}
	metrics.TokenRefreshes.WithLabelValues("failure").Inc()
	return nil, &ExpiredError{SessionID: sessionID}
}

// Destroy removes a session. Destroying an unknown session is a no-op.
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	m.remove(ctx, sessionID, ReasonLogout, true)
	return nil
}

// remove is the single path that takes a session out of service. When
// announce is set the destruction is posted to the broadcast channel.
func (m *Manager) remove(ctx context.Context, sessionID, reason string, announce bool) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sessionID)
	if timer, ok := m.timers[sessionID]; ok {
		timer.Stop()
		delete(m.timers, sessionID)
	}
	snapshot := s.clone()
	m.mu.Unlock()

	if m.csrf != nil {
		m.csrf.Remove(ctx, sessionID)
	}
	if m.store != nil {
		if err := m.store.Delete(ctx, storePrefix+sessionID); err != nil {
			logging.Err(err).Str("session_id", sessionID).
				Msg("failed to delete persisted session")
		}
	}
	if reason == ReasonLogout && snapshot.Tokens.RefreshToken != "" {
		// Best effort; the local session is gone either way.
		if err := m.provider.Revoke(ctx, snapshot.Tokens.RefreshToken); err != nil {
			logging.Err(err).Str("session_id", sessionID).
				Msg("failed to revoke refresh token upstream")
		}
	}

	if announce {
		m.post(ctx, broadcast.Message{
			Type:      broadcast.TypeSessionDestroyed,
			SessionID: sessionID,
			UserID:    snapshot.UserID,
		})
	}

	metrics.SessionsDestroyed.WithLabelValues(reason).Inc()
	metrics.SessionsActive.Set(float64(m.Count()))
	if reason == ReasonLogout {
		m.audit(audit.AuthEntry(audit.ActionLogout, snapshot.UserID, sessionID, snapshot.IPAddress, ""))
	}
	m.audit(audit.AuthEntry(audit.ActionSessionDestroyed, snapshot.UserID, sessionID, snapshot.IPAddress, ""))
	logging.Info().Str("session_id", sessionID).Str("reason", reason).
		Msg("session destroyed")

	m.notify(StateSignedOut, snapshot)
}

// DestroyAllForUser removes every session the user holds on this instance
// and tells the other instances to do the same. Returns how many local
// sessions were destroyed.
func (m *Manager) DestroyAllForUser(ctx context.Context, userID string) int {
	m.mu.Lock()
	var ids []string
	for id, s := range m.sessions {
		if s.UserID == userID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.remove(ctx, id, ReasonLogout, false)
	}
	m.post(ctx, broadcast.Message{
		Type:   broadcast.TypeLogout,
		UserID: userID,
	})
	if len(ids) > 0 {
		m.audit(audit.AuthEntry(audit.ActionLogoutAll, userID, "", "", ""))
	}
	return len(ids)
}

// Get returns a snapshot of a live session.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// Count returns the number of live local sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CountDevicesForUser returns the number of distinct devices holding live
// sessions for the user. The monitor's multi-device detector consumes it.
func (m *Manager) CountDevicesForUser(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices := make(map[string]struct{})
	for _, s := range m.sessions {
		if s.UserID == userID {
			devices[s.Fingerprint] = struct{}{}
		}
	}
	return len(devices)
}

// scheduleRefresh arms the automatic refresh timer for a session.
func (m *Manager) scheduleRefresh(sessionID string, tokenExpiry time.Time) {
	if tokenExpiry.IsZero() {
		return
	}
	delay := time.Until(tokenExpiry) - m.config.RefreshMargin
	if delay < 0 {
		delay = 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if timer, ok := m.timers[sessionID]; ok {
		timer.Stop()
	}
	m.timers[sessionID] = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := m.Refresh(ctx, sessionID); err != nil {
			var expired *ExpiredError
			if !errors.As(err, &expired) {
				logging.Err(err).Str("session_id", sessionID).
					Msg("automatic token refresh failed")
			}
		}
	})
}

// handleBroadcast reconciles local state with messages from other
// instances. Reconciliation never re-announces, or two instances would
// ping-pong destruction messages forever.
func (m *Manager) handleBroadcast(msg broadcast.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch msg.Type {
	case broadcast.TypeSessionDestroyed:
		m.remove(ctx, msg.SessionID, ReasonRemote, false)
	case broadcast.TypeLogout:
		m.mu.Lock()
		var ids []string
		for id, s := range m.sessions {
			if s.UserID == msg.UserID {
				ids = append(ids, id)
			}
		}
		m.mu.Unlock()
		for _, id := range ids {
			m.remove(ctx, id, ReasonRemote, false)
		}
	case broadcast.TypeSessionRefreshed:
		// Another instance rotated the tokens. Evict the local copy so
		// the next use rehydrates the fresh pair from the store; a kept
		// copy would eventually fire its stale refresh timer, get
		// rejected upstream, and tear the session down everywhere.
		m.mu.Lock()
		if _, ok := m.sessions[msg.SessionID]; ok {
			delete(m.sessions, msg.SessionID)
			if timer, ok := m.timers[msg.SessionID]; ok {
				timer.Stop()
				delete(m.timers, msg.SessionID)
			}
		}
		m.mu.Unlock()
		metrics.SessionsActive.Set(float64(m.Count()))
	case broadcast.TypeSessionCreated, broadcast.TypeSessionSync:
		// Advisory only; sessions are rehydrated from the store on use.
	}
}

// post publishes a broadcast message, logging rather than failing.
func (m *Manager) post(ctx context.Context, msg broadcast.Message) {
	if m.channel == nil {
		return
	}
	if err := m.channel.Post(ctx, msg); err != nil {
		logging.Err(err).Str("type", string(msg.Type)).
			Msg("failed to post broadcast message")
	}
}

// audit queues an audit entry if a logger is wired.
func (m *Manager) audit(entry audit.Entry) {
	if m.auditor != nil {
		m.auditor.Log(entry)
	}
}

// persist writes the session to the secure store.
func (m *Manager) persist(ctx context.Context, s *Session) error {
	if m.store == nil {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := m.store.Set(ctx, storePrefix+s.ID, data, securestore.Options{TTL: ttl}); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

// rehydrate loads a session from the secure store after a restart. The
// loaded session goes back into the live map with its refresh timer armed.
func (m *Manager) rehydrate(ctx context.Context, sessionID string) *Session {
	if m.store == nil {
		return nil
	}
	data, err := m.store.Get(ctx, storePrefix+sessionID)
	if err != nil {
		if !errors.Is(err, securestore.ErrNotFound) {
			logging.Err(err).Str("session_id", sessionID).
				Msg("failed to load persisted session")
		}
		return nil
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		logging.Err(err).Str("session_id", sessionID).
			Msg("dropping undecodable persisted session")
		_ = m.store.Delete(ctx, storePrefix+sessionID)
		return nil
	}

	m.mu.Lock()
	if existing, ok := m.sessions[sessionID]; ok {
		m.mu.Unlock()
		return existing
	}
	m.sessions[sessionID] = &s
	m.mu.Unlock()

	m.scheduleRefresh(sessionID, s.Tokens.ExpiresAt)
	metrics.SessionsActive.Set(float64(m.Count()))
	return &s
}

// Serve collects expired sessions until the context is canceled, then
// stops every refresh timer. Designed for suture supervision.
func (m *Manager) Serve(ctx context.Context) error {
	interval := m.config.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			for id, timer := range m.timers {
				timer.Stop()
				delete(m.timers, id)
			}
			m.mu.Unlock()
			return ctx.Err()
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep removes sessions past their lifetime.
func (m *Manager) sweep(ctx context.Context) {
	now := m.now().UTC()

	m.mu.Lock()
	var expired []string
	for id, s := range m.sessions {
		if s.expired(now) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.remove(ctx, id, ReasonExpired, false)
	}
	if len(expired) > 0 {
		logging.Debug().Int("count", len(expired)).Msg("swept expired sessions")
	}
}
