// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/pitwall/internal/logging"
)

// DuckDBStore implements Store using DuckDB for durable audit storage.
type DuckDBStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewDuckDBStore creates a DuckDB-backed audit store. Call CreateTable
// during startup before the first write.
func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{db: db}
}

// CreateTable creates the audit_log table and its indexes if missing.
func (s *DuckDBStore) CreateTable(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			action TEXT NOT NULL,
			category TEXT NOT NULL,
			severity TEXT NOT NULL,
			user_id TEXT,
			session_id TEXT,
			ip_address TEXT,
			user_agent TEXT,
			details JSON,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action);
		CREATE INDEX IF NOT EXISTS idx_audit_log_category ON audit_log(category);
		CREATE INDEX IF NOT EXISTS idx_audit_log_severity ON audit_log(severity);
		CREATE INDEX IF NOT EXISTS idx_audit_log_user_id ON audit_log(user_id);
		CREATE INDEX IF NOT EXISTS idx_audit_log_session_id ON audit_log(session_id);
		CREATE INDEX IF NOT EXISTS idx_audit_log_ip ON audit_log(ip_address);
	`

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute audit schema statement: %w", err)
		}
	}

	logging.Info().Msg("audit log table created/verified")
	return nil
}

// SaveBatch persists a batch of entries inside one transaction.
func (s *DuckDBStore) SaveBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit batch: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	const insert = `
		INSERT INTO audit_log (
			id, timestamp, action, category, severity,
			user_id, session_id, ip_address, user_agent, details, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	for i := range entries {
		e := &entries[i]
		_, err := tx.ExecContext(ctx, insert,
			e.ID,
			e.Timestamp,
			e.Action,
			string(e.Category),
			string(e.Severity),
			e.UserID,
			e.SessionID,
			e.IPAddress,
			e.UserAgent,
			detailsParam(e.Details),
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to insert audit entry %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit batch: %w", err)
	}
	return nil
}

// detailsParam converts raw JSON to a nullable string for the JSON column.
func detailsParam(details json.RawMessage) *string {
	if len(details) == 0 {
		return nil
	}
	s := string(details)
	return &s
}

// Get retrieves an entry by ID.
func (s *DuckDBStore) Get(ctx context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, selectColumns+" FROM audit_log WHERE id = ?", id)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("audit entry not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get audit entry: %w", err)
	}
	return entry, nil
}

// Query retrieves entries matching the filter, newest first.
func (s *DuckDBStore) Query(ctx context.Context, filter QueryFilter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args := buildQuery(filter, false)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntryFromRows(rows)
		if err != nil {
			logging.Warn().Err(err).Msg("failed to scan audit row")
			continue
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit log: %w", err)
	}
	return entries, nil
}

// Count returns the number of entries matching the filter.
func (s *DuckDBStore) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query, args := buildQuery(filter, true)

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit log: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes entries with a timestamp before the cutoff.
func (s *DuckDBStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, "DELETE FROM audit_log WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old audit entries: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted count: %w", err)
	}
	return removed, nil
}

// TrimToCap removes the oldest entries until at most maxEntries remain.
// IDs are time-ordered, so ordering by ID matches insertion order.
func (s *DuckDBStore) TrimToCap(ctx context.Context, maxEntries int) (int64, error) {
	if maxEntries <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM audit_log WHERE id NOT IN (
			SELECT id FROM audit_log ORDER BY timestamp DESC, id DESC LIMIT ?
		)
	`, maxEntries)
	if err != nil {
		return 0, fmt.Errorf("failed to trim audit log: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get trimmed count: %w", err)
	}
	return removed, nil
}

const selectColumns = `
	SELECT
		id, timestamp, action, category, severity,
		user_id, session_id, ip_address, user_agent,
		CAST(details AS VARCHAR) as details
`

// buildQuery constructs the SQL query for a filter.
func buildQuery(filter QueryFilter, countOnly bool) (string, []interface{}) {
	conditions, args := buildFilterConditions(filter)

	query := selectColumns + " FROM audit_log"
	if countOnly {
		query = "SELECT COUNT(*) FROM audit_log"
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	if !countOnly {
		query += " ORDER BY timestamp DESC, id DESC"
		if filter.Limit > 0 {
			query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		}
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}
	return query, args
}

// buildFilterConditions builds WHERE clause conditions from a filter.
func buildFilterConditions(filter QueryFilter) ([]string, []interface{}) {
	var conditions []string
	var args []interface{}

	if cond := sliceCondition("category", filter.Categories, &args); cond != "" {
		conditions = append(conditions, cond)
	}
	if cond := sliceCondition("severity", filter.Severities, &args); cond != "" {
		conditions = append(conditions, cond)
	}
	if cond := sliceCondition("action", filter.Actions, &args); cond != "" {
		conditions = append(conditions, cond)
	}

	conditions, args = appendStringCondition(conditions, args, "user_id", filter.UserID)
	conditions, args = appendStringCondition(conditions, args, "session_id", filter.SessionID)
	conditions, args = appendStringCondition(conditions, args, "ip_address", filter.IPAddress)

	if filter.StartTime != nil {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, *filter.StartTime)
	}
	if filter.EndTime != nil {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, *filter.EndTime)
	}

	return conditions, args
}

// sliceCondition creates a SQL IN condition for a slice of string-like values.
func sliceCondition[T ~string](column string, values []T, args *[]interface{}) string {
	if len(values) == 0 {
		return ""
	}
	placeholders := make([]string, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		*args = append(*args, string(v))
	}
	return fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ","))
}

// appendStringCondition adds an equality condition when value is non-empty.
func appendStringCondition(conditions []string, args []interface{}, column, value string) ([]string, []interface{}) {
	if value != "" {
		conditions = append(conditions, column+" = ?")
		args = append(args, value)
	}
	return conditions, args
}

// scannedEntry holds raw scanned values before type conversion.
type scannedEntry struct {
	entry     Entry
	category  string
	severity  string
	userID    sql.NullString
	sessionID sql.NullString
	ipAddress sql.NullString
	userAgent sql.NullString
	details   sql.NullString
}

func (d *scannedEntry) destinations() []interface{} {
	return []interface{}{
		&d.entry.ID,
		&d.entry.Timestamp,
		&d.entry.Action,
		&d.category,
		&d.severity,
		&d.userID,
		&d.sessionID,
		&d.ipAddress,
		&d.userAgent,
		&d.details,
	}
}

func (d *scannedEntry) toEntry() *Entry {
	d.entry.Category = Category(d.category)
	d.entry.Severity = Severity(d.severity)
	d.entry.UserID = d.userID.String
	d.entry.SessionID = d.sessionID.String
	d.entry.IPAddress = d.ipAddress.String
	d.entry.UserAgent = d.userAgent.String
	if d.details.Valid && d.details.String != "" {
		d.entry.Details = json.RawMessage(d.details.String)
	}
	return &d.entry
}

func scanEntry(row *sql.Row) (*Entry, error) {
	var data scannedEntry
	if err := row.Scan(data.destinations()...); err != nil {
		return nil, err
	}
	return data.toEntry(), nil
}

func scanEntryFromRows(rows *sql.Rows) (*Entry, error) {
	var data scannedEntry
	if err := rows.Scan(data.destinations()...); err != nil {
		return nil, err
	}
	return data.toEntry(), nil
}
