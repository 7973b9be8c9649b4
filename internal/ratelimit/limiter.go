// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

// Package ratelimit implements sliding-window rate limiting with automatic
// blocking. Attempts are tracked per (identifier, action) pair; only attempts
// inside the trailing window count, and crossing the threshold blocks the
// pair for a configurable duration.
//
// This limiter is a courtesy layer in front of the identity provider's own
// enforcement: checks fail open so a limiter bug can never lock out
// legitimate users, while recording remains strict so real abuse still
// triggers blocking.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/pitwall/internal/logging"
	"github.com/tomtom215/pitwall/internal/metrics"
)

// Action identifies a rate-limited operation class.
type Action string

// Known actions with built-in limits.
const (
	ActionLogin         Action = "LOGIN"
	ActionRegister      Action = "REGISTER"
	ActionPasswordReset Action = "PASSWORD_RESET"
	ActionTokenRefresh  Action = "TOKEN_REFRESH"
	ActionAPICall       Action = "API_CALL"
)

// ErrRateLimited is the sentinel for rate-limit rejections.
// Use RateLimitExceededError to carry the remaining block time.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimitExceededError reports a rejected attempt with the time remaining
// until the block clears, so callers can render "retry in N seconds".
type RateLimitExceededError struct {
	Identifier string
	Action     Action
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s on %s, retry in %s",
		e.Identifier, e.Action, e.RetryAfter.Round(time.Second))
}

// Unwrap allows errors.Is(err, ErrRateLimited).
func (e *RateLimitExceededError) Unwrap() error { return ErrRateLimited }

// Limit configures one action's sliding window.
type Limit struct {
	// MaxAttempts is the number of attempts allowed inside the window.
	MaxAttempts int `json:"max_attempts"`

	// Window is the trailing interval in which attempts are counted.
	Window time.Duration `json:"window"`

	// Block is how long the pair stays blocked once the threshold is met.
	// Zero means the block duration equals the window.
	Block time.Duration `json:"block"`
}

// blockDuration resolves the effective block duration.
func (l Limit) blockDuration() time.Duration {
	if l.Block > 0 {
		return l.Block
	}
	return l.Window
}

// DefaultLimits returns the built-in per-action limit table.
// Exported as data so the table is testable independent of the limiter.
func DefaultLimits() map[Action]Limit {
	return map[Action]Limit{
		ActionLogin:         {MaxAttempts: 5, Window: 15 * time.Minute},
		ActionRegister:      {MaxAttempts: 3, Window: time.Hour},
		ActionPasswordReset: {MaxAttempts: 3, Window: time.Hour},
		ActionTokenRefresh:  {MaxAttempts: 10, Window: 5 * time.Minute},
		ActionAPICall:       {MaxAttempts: 100, Window: time.Minute},
	}
}

// recordKey identifies one tracked (identifier, action) pair.
type recordKey struct {
	identifier string
	action     Action
}

// record holds the in-window attempts and block state for one pair.
// Purely in-memory; never persisted beyond process lifetime.
type record struct {
	attempts     []time.Time
	blockedUntil time.Time
}

// Limiter tracks attempt counts per (identifier, action) inside a sliding
// window and decides allow/deny.
type Limiter struct {
	mu      sync.Mutex
	limits  map[Action]Limit
	records map[recordKey]*record

	// SweepInterval is how often the background sweep prunes stale records.
	SweepInterval time.Duration

	// now is injectable for tests.
	now func() time.Time
}

// NewLimiter creates a limiter with the default action table.
func NewLimiter() *Limiter {
	return &Limiter{
		limits:        DefaultLimits(),
		records:       make(map[recordKey]*record),
		SweepInterval: time.Minute,
		now:           time.Now,
	}
}

// SetLimit configures an action's threshold and window.
// The block duration resets to the window; use SetBlockDuration to decouple.
func (l *Limiter) SetLimit(action Action, maxAttempts int, window time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[action] = Limit{MaxAttempts: maxAttempts, Window: window}
}

// SetBlockDuration overrides how long an action blocks once tripped.
func (l *Limiter) SetBlockDuration(action Action, block time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	limit := l.limitFor(action)
	limit.Block = block
	l.limits[action] = limit
}

// limitFor returns the configured limit for an action, falling back to the
// generic API bucket. Caller must hold mu.
func (l *Limiter) limitFor(action Action) Limit {
	if limit, ok := l.limits[action]; ok {
		return limit
	}
	return l.limits[ActionAPICall]
}

// CheckLimit reports whether an attempt is currently allowed.
// It never panics and fails open: an internal error yields "allowed" so a
// limiter bug cannot deny service to legitimate users.
func (l *Limiter) CheckLimit(identifier string, action Action) (allowed bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Str("action", string(action)).
				Msg("rate limit check failed, failing open")
			allowed = true
		}
	}()

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := recordKey{identifier, action}
	rec, ok := l.records[key]
	if !ok {
		return true
	}

	limit := l.limitFor(action)
	l.prune(rec, now, limit.Window)

	if now.Before(rec.blockedUntil) {
		metrics.RateLimitRejections.WithLabelValues(string(action)).Inc()
		return false
	}

	if len(rec.attempts) >= limit.MaxAttempts {
		metrics.RateLimitRejections.WithLabelValues(string(action)).Inc()
		return false
	}
	return true
}

// RecordAttempt registers an attempt and applies the block when the
// threshold is met. Recording is strict: unlike CheckLimit it does not
// swallow the blocking decision.
func (l *Limiter) RecordAttempt(identifier string, action Action) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := recordKey{identifier, action}
	rec, ok := l.records[key]
	if !ok {
		rec = &record{}
		l.records[key] = rec
	}

	limit := l.limitFor(action)
	rec.attempts = append(rec.attempts, now)
	l.prune(rec, now, limit.Window)

	if len(rec.attempts) >= limit.MaxAttempts && now.After(rec.blockedUntil) {
		rec.blockedUntil = now.Add(limit.blockDuration())
		metrics.RateLimitBlocks.WithLabelValues(string(action)).Inc()
		logging.Warn().
			Str("identifier", identifier).
			Str("action", string(action)).
			Time("blocked_until", rec.blockedUntil).
			Msg("identifier blocked")
	}
}

// ResetAttempts clears one action's record, or every record for the
// identifier when no action is given. Used on successful authentication.
// Calling it repeatedly has the same effect as calling it once.
func (l *Limiter) ResetAttempts(identifier string, actions ...Action) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(actions) == 0 {
		for key := range l.records {
			if key.identifier == identifier {
				delete(l.records, key)
			}
		}
		return
	}

	for _, action := range actions {
		delete(l.records, recordKey{identifier, action})
	}
}

// Block immediately blocks the pair for the given duration, regardless of
// attempt counts. Used by security escalation.
func (l *Limiter) Block(identifier string, action Action, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := recordKey{identifier, action}
	rec, ok := l.records[key]
	if !ok {
		rec = &record{}
		l.records[key] = rec
	}

	until := l.now().Add(duration)
	if until.After(rec.blockedUntil) {
		rec.blockedUntil = until
		metrics.RateLimitBlocks.WithLabelValues(string(action)).Inc()
		logging.Warn().
			Str("identifier", identifier).
			Str("action", string(action)).
			Time("blocked_until", until).
			Msg("identifier blocked by escalation")
	}
}

// IsBlocked reports whether the pair is currently blocked.
func (l *Limiter) IsBlocked(identifier string, action Action) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[recordKey{identifier, action}]
	return ok && l.now().Before(rec.blockedUntil)
}

// BlockedTime returns how long until the block clears, or zero if not blocked.
func (l *Limiter) BlockedTime(identifier string, action Action) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[recordKey{identifier, action}]
	if !ok {
		return 0
	}
	remaining := rec.blockedUntil.Sub(l.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AttemptCount returns the number of in-window attempts for the pair.
func (l *Limiter) AttemptCount(identifier string, action Action) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[recordKey{identifier, action}]
	if !ok {
		return 0
	}
	l.prune(rec, l.now(), l.limitFor(action).Window)
	return len(rec.attempts)
}

// prune drops attempts older than the window. Caller must hold mu.
// After this call the attempt list never contains timestamps older than
// now minus the window.
func (l *Limiter) prune(rec *record, now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(rec.attempts); i++ {
		if rec.attempts[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		rec.attempts = append(rec.attempts[:0], rec.attempts[i:]...)
	}
}

// Stats summarizes limiter state for the security report and status endpoint.
type Stats struct {
	TrackedPairs int            `json:"tracked_pairs"`
	BlockedPairs int            `json:"blocked_pairs"`
	ByAction     map[Action]int `json:"by_action"`
}

// GetStats returns a snapshot of limiter state.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := Stats{ByAction: make(map[Action]int)}
	now := l.now()
	for key, rec := range l.records {
		stats.TrackedPairs++
		stats.ByAction[key.action]++
		if now.Before(rec.blockedUntil) {
			stats.BlockedPairs++
		}
	}
	return stats
}

// sweep removes records with no in-window attempts and an expired block.
func (l *Limiter) sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, rec := range l.records {
		l.prune(rec, now, l.limitFor(key.action).Window)
		if len(rec.attempts) == 0 && !now.Before(rec.blockedUntil) {
			delete(l.records, key)
			removed++
		}
	}
	return removed
}

// Serve runs the periodic sweep until the context is canceled.
// Designed for suture supervision.
func (l *Limiter) Serve(ctx context.Context) error {
	interval := l.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if removed := l.sweep(); removed > 0 {
				logging.Debug().Int("removed", removed).Msg("rate limit records swept")
			}
		}
	}
}
