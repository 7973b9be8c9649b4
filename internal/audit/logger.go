// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/pitwall/internal/logging"
	"github.com/tomtom215/pitwall/internal/metrics"
)

// Config holds configuration for the audit logger.
type Config struct {
	// Enabled controls whether audit logging is active.
	Enabled bool `json:"enabled"`

	// MinSeverity drops entries below this severity.
	MinSeverity Severity `json:"min_severity"`

	// FlushInterval is how often the queue is flushed regardless of depth.
	FlushInterval time.Duration `json:"flush_interval"`

	// BatchSize triggers an immediate flush when the queue reaches it.
	BatchSize int `json:"batch_size"`

	// RetentionDays is how long entries are kept.
	RetentionDays int `json:"retention_days"`

	// MaxEntries caps the store size; oldest entries are evicted first.
	MaxEntries int `json:"max_entries"`

	// RetentionInterval is how often retention is enforced.
	RetentionInterval time.Duration `json:"retention_interval"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		Enabled:           true,
		MinSeverity:       SeverityLow,
		FlushInterval:     5 * time.Second,
		BatchSize:         100,
		RetentionDays:     30,
		MaxEntries:        10000,
		RetentionInterval: time.Hour,
	}
}

// queued wraps an entry with its retry state. A batch that fails to flush
// is re-queued once; a second failure degrades the entry to the console log
// so it is never silently lost.
type queued struct {
	entry   Entry
	retried bool
}

// Logger buffers audit entries and flushes them to the store in batches.
type Logger struct {
	config *Config
	store  Store

	mu    sync.Mutex
	queue []queued

	// flushNow wakes the writer for an immediate flush.
	flushNow chan struct{}

	// now is injectable for tests.
	now func() time.Time
}

// NewLogger creates an audit logger over the given store.
func NewLogger(store Store, config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}

	return &Logger{
		config:   config,
		store:    store,
		flushNow: make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Log queues an audit entry. Severity is derived from the action unless the
// entry carries one already. HIGH and CRITICAL entries trigger an immediate
// flush instead of waiting for the batch window.
func (l *Logger) Log(entry Entry) {
	if !l.config.Enabled {
		return
	}

	if entry.Severity == "" {
		entry.Severity = severityFor(entry.Action)
	}
	if !entry.Severity.AtLeast(l.config.MinSeverity) {
		return
	}
	if entry.ID == "" {
		entry.ID = newEntryID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}

	l.mu.Lock()
	l.queue = append(l.queue, queued{entry: entry})
	depth := len(l.queue)
	l.mu.Unlock()
	metrics.AuditQueueDepth.Set(float64(depth))

	if depth >= l.config.BatchSize || entry.Severity.AtLeast(SeverityHigh) {
		l.wake()
	}
}

// wake signals the writer without blocking.
func (l *Logger) wake() {
	select {
	case l.flushNow <- struct{}{}:
	default:
	}
}

// Flush writes every queued entry to the store. Entries from a failed batch
// are re-queued once; entries failing a second time are written to the
// process log and dropped from the queue.
func (l *Logger) Flush(ctx context.Context) error {
	l.mu.Lock()
	if len(l.queue) == 0 {
		l.mu.Unlock()
		return nil
	}
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()

	entries := make([]Entry, len(batch))
	for i := range batch {
		entries[i] = batch[i].entry
	}

	if l.store == nil {
		l.degrade(batch)
		metrics.AuditQueueDepth.Set(0)
		return nil
	}

	if err := l.store.SaveBatch(ctx, entries); err != nil {
		metrics.AuditFlushErrors.Inc()
		l.requeue(batch)
		return fmt.Errorf("flush audit batch: %w", err)
	}

	metrics.AuditEntriesFlushed.Add(float64(len(entries)))
	l.mu.Lock()
	depth := len(l.queue)
	l.mu.Unlock()
	metrics.AuditQueueDepth.Set(float64(depth))
	return nil
}

// requeue puts a failed batch back at the head of the queue, degrading
// entries that already had their retry.
func (l *Logger) requeue(batch []queued) {
	var retry []queued
	var spent []queued
	for _, q := range batch {
		if q.retried {
			spent = append(spent, q)
			continue
		}
		q.retried = true
		retry = append(retry, q)
	}

	l.degrade(spent)

	l.mu.Lock()
	l.queue = append(retry, l.queue...)
	depth := len(l.queue)
	l.mu.Unlock()
	metrics.AuditQueueDepth.Set(float64(depth))
}

// degrade writes entries to the process log when the store cannot take them.
func (l *Logger) degrade(batch []queued) {
	for _, q := range batch {
		data, err := json.Marshal(q.entry)
		if err != nil {
			logging.Error().Str("entry_id", q.entry.ID).
				Msg("audit entry unflushable and unmarshalable, dropping")
			continue
		}
		logging.Warn().RawJSON("entry", data).
			Msg("audit store unavailable, entry degraded to process log")
	}
}

// QueueDepth returns the number of entries awaiting flush.
func (l *Logger) QueueDepth() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Serve runs the flush and retention loops until the context is canceled,
// then drains the queue. Designed for suture supervision.
func (l *Logger) Serve(ctx context.Context) error {
	flushTicker := time.NewTicker(l.config.FlushInterval)
	defer flushTicker.Stop()

	retentionInterval := l.config.RetentionInterval
	if retentionInterval <= 0 {
		retentionInterval = time.Hour
	}
	retentionTicker := time.NewTicker(retentionInterval)
	defer retentionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := l.Flush(drainCtx); err != nil {
				logging.Err(err).Msg("failed to drain audit queue on shutdown")
			}
			cancel()
			return ctx.Err()
		case <-flushTicker.C:
			if err := l.Flush(ctx); err != nil {
				logging.Err(err).Msg("periodic audit flush failed")
			}
		case <-l.flushNow:
			if err := l.Flush(ctx); err != nil {
				logging.Err(err).Msg("immediate audit flush failed")
			}
		case <-retentionTicker.C:
			l.enforceRetention(ctx)
		}
	}
}

// enforceRetention removes entries past the retention window, then trims
// the store to the configured cap, oldest first.
func (l *Logger) enforceRetention(ctx context.Context) {
	if l.store == nil {
		return
	}

	if l.config.RetentionDays > 0 {
		cutoff := l.now().UTC().AddDate(0, 0, -l.config.RetentionDays)
		removed, err := l.store.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			logging.Err(err).Msg("audit retention delete failed")
		} else if removed > 0 {
			metrics.AuditEntriesEvicted.WithLabelValues("age").Add(float64(removed))
			logging.Info().Int64("removed", removed).Time("cutoff", cutoff).
				Msg("removed audit entries past retention")
		}
	}

	if l.config.MaxEntries > 0 {
		removed, err := l.store.TrimToCap(ctx, l.config.MaxEntries)
		if err != nil {
			logging.Err(err).Msg("audit cap trim failed")
		} else if removed > 0 {
			metrics.AuditEntriesEvicted.WithLabelValues("cap").Add(float64(removed))
			logging.Info().Int64("removed", removed).Int("cap", l.config.MaxEntries).
				Msg("trimmed audit store to cap")
		}
	}
}

// QueryLogs retrieves stored entries matching the filter. Queued entries
// not yet flushed are not visible; call Flush first if that matters.
func (l *Logger) QueryLogs(ctx context.Context, filter QueryFilter) ([]Entry, error) {
	if l.store == nil {
		return nil, nil
	}
	return l.store.Query(ctx, filter)
}

// Count returns how many stored entries match the filter.
func (l *Logger) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	if l.store == nil {
		return 0, nil
	}
	return l.store.Count(ctx, filter)
}

// GetAuthStats summarizes authentication activity since the given time.
func (l *Logger) GetAuthStats(ctx context.Context, since time.Time) (*AuthStats, error) {
	if l.store == nil {
		return &AuthStats{}, nil
	}

	stats := &AuthStats{}
	counts := []struct {
		action string
		dest   *int64
	}{
		{ActionLoginSuccess, &stats.TotalLogins},
		{ActionLoginFailed, &stats.FailedLogins},
		{ActionLogout, &stats.Logouts},
		{ActionTokenRefreshed, &stats.TokenRefreshes},
		{ActionSessionCreated, &stats.SessionsCreated},
	}
	for _, c := range counts {
		n, err := l.store.Count(ctx, QueryFilter{
			Actions:   []string{c.action},
			StartTime: &since,
		})
		if err != nil {
			return nil, fmt.Errorf("auth stats for %s: %w", c.action, err)
		}
		*c.dest = n
	}
	return stats, nil
}

// GetRecentSecurityEvents returns the newest security-category entries
// from the last hours, capped at limit.
func (l *Logger) GetRecentSecurityEvents(ctx context.Context, hours, limit int) ([]Entry, error) {
	if hours <= 0 {
		hours = 24
	}
	if limit <= 0 {
		limit = 50
	}
	since := l.now().UTC().Add(-time.Duration(hours) * time.Hour)
	return l.QueryLogs(ctx, QueryFilter{
		Categories: []Category{CategorySecurityEvent},
		StartTime:  &since,
		Limit:      limit,
	})
}

// newEntryID returns a time-ordered unique ID so store ordering by ID
// matches insertion order.
func newEntryID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Helper constructors for common entries.

// AuthEntry builds an AUTH_EVENT entry.
func AuthEntry(action, userID, sessionID, ip, userAgent string) Entry {
	return Entry{
		Action:    action,
		Category:  CategoryAuthEvent,
		UserID:    userID,
		SessionID: sessionID,
		IPAddress: ip,
		UserAgent: userAgent,
	}
}

// SecurityEntry builds a SECURITY_EVENT entry with detail fields.
func SecurityEntry(action, userID, ip string, details map[string]any) Entry {
	return Entry{
		Action:    action,
		Category:  CategorySecurityEvent,
		UserID:    userID,
		IPAddress: ip,
		Details:   mustJSON(details),
	}
}

// SystemEntry builds a SYSTEM_EVENT entry.
func SystemEntry(action string, details map[string]any) Entry {
	return Entry{
		Action:   action,
		Category: CategorySystemEvent,
		Details:  mustJSON(details),
	}
}

// mustJSON converts a value to JSON, returning an empty object on error.
func mustJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
