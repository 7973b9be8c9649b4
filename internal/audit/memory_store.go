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
)

// MemoryStore implements Store with in-memory storage. Suitable for
// development and testing. Data is lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore creates an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SaveBatch appends a batch of entries.
func (s *MemoryStore) SaveBatch(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return nil
}

// Get retrieves an entry by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.entries {
		if s.entries[i].ID == id {
			entry := s.entries[i]
			return &entry, nil
		}
	}
	return nil, fmt.Errorf("audit entry not found: %s", id)
}

// Query retrieves entries matching the filter, newest first.
func (s *MemoryStore) Query(ctx context.Context, filter QueryFilter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Entry
	skipped := 0
	for i := len(s.entries) - 1; i >= 0; i-- {
		entry := s.entries[i]
		if !matchesFilter(&entry, &filter) {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		results = append(results, entry)
		if filter.Limit > 0 && len(results) >= filter.Limit {
			break
		}
	}
	return results, nil
}

// matchesFilter reports whether the entry satisfies every filter criterion.
func matchesFilter(entry *Entry, filter *QueryFilter) bool {
	if len(filter.Categories) > 0 && !containsValue(filter.Categories, entry.Category) {
		return false
	}
	if len(filter.Severities) > 0 && !containsValue(filter.Severities, entry.Severity) {
		return false
	}
	if len(filter.Actions) > 0 && !containsValue(filter.Actions, entry.Action) {
		return false
	}
	if filter.UserID != "" && entry.UserID != filter.UserID {
		return false
	}
	if filter.SessionID != "" && entry.SessionID != filter.SessionID {
		return false
	}
	if filter.IPAddress != "" && entry.IPAddress != filter.IPAddress {
		return false
	}
	if filter.StartTime != nil && entry.Timestamp.Before(*filter.StartTime) {
		return false
	}
	if filter.EndTime != nil && entry.Timestamp.After(*filter.EndTime) {
		return false
	}
	return true
}

func containsValue[T comparable](values []T, v T) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// Count returns the number of entries matching the filter.
func (s *MemoryStore) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for i := range s.entries {
		if matchesFilter(&s.entries[i], &filter) {
			count++
		}
	}
	return count, nil
}

// DeleteOlderThan removes entries with a timestamp before the cutoff.
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.entries[:0]
	var removed int64
	for i := range s.entries {
		if s.entries[i].Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, s.entries[i])
	}
	s.entries = kept
	return removed, nil
}

// TrimToCap removes the oldest entries until at most maxEntries remain.
// Entries are kept in insertion order, so trimming drops from the front.
func (s *MemoryStore) TrimToCap(ctx context.Context, maxEntries int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxEntries <= 0 || len(s.entries) <= maxEntries {
		return 0, nil
	}
	removed := int64(len(s.entries) - maxEntries)
	s.entries = append(s.entries[:0], s.entries[len(s.entries)-maxEntries:]...)
	return removed, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Clear removes all entries (for testing).
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = s.entries[:0]
}
