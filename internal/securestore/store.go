// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

// Package securestore provides a small persistence abstraction for signed
// key/value pairs. Session identifiers, access tokens, and CSRF token copies
// are kept here instead of ad-hoc cookie access.
//
// Values are sealed with AES-GCM under an HKDF-derived key, so every stored
// value is both confidential and tamper-evident. A value that fails to open
// (tampered, wrong key, corrupted) reads as missing and is deleted.
package securestore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// Store errors
var (
	// ErrNotFound is returned when a key is not present in the store.
	ErrNotFound = errors.New("securestore: key not found")

	// ErrPersistence wraps backend failures (disk, transaction errors).
	ErrPersistence = errors.New("securestore: persistence failure")
)

// Options controls how a value is stored.
type Options struct {
	// TTL is the value lifetime. Zero means no expiry.
	TTL time.Duration
}

// Store defines the signed key/value surface required by the session core.
// Values round-trip byte-identical until expiry.
type Store interface {
	// Set stores a value under name, replacing any existing value.
	Set(ctx context.Context, name string, value []byte, opts Options) error

	// Get retrieves a value by name.
	// Returns ErrNotFound if absent, expired, or failing authentication.
	Get(ctx context.Context, name string) ([]byte, error)

	// Delete removes a value. Deleting an absent key is not an error.
	Delete(ctx context.Context, name string) error

	// DeletePrefix removes every value whose name starts with prefix.
	// Lets one subsystem clear its namespace without touching the others.
	DeletePrefix(ctx context.Context, prefix string) error

	// ClearAll removes every value. Used on full session teardown.
	ClearAll(ctx context.Context) error
}

// memoryEntry is a sealed value with its expiry.
type memoryEntry struct {
	sealed    []byte
	expiresAt time.Time // zero = no expiry
}

func (e *memoryEntry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// MemoryStore is an in-memory Store implementation.
// Suitable for development and testing. For production, use BadgerStore.
type MemoryStore struct {
	codec *Codec
	mu    sync.RWMutex
	items map[string]*memoryEntry
}

// NewMemoryStore creates a new in-memory secure store.
func NewMemoryStore(codec *Codec) *MemoryStore {
	return &MemoryStore{
		codec: codec,
		items: make(map[string]*memoryEntry),
	}
}

// Set stores a sealed value under name.
func (s *MemoryStore) Set(ctx context.Context, name string, value []byte, opts Options) error {
	sealed, err := s.codec.Seal(value)
	if err != nil {
		return err
	}

	entry := &memoryEntry{sealed: sealed}
	if opts.TTL > 0 {
		entry.expiresAt = time.Now().Add(opts.TTL)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[name] = entry
	return nil
}

// Get retrieves and opens a value by name.
func (s *MemoryStore) Get(ctx context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.items[name]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if entry.expired() {
		s.mu.Lock()
		delete(s.items, name)
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	value, err := s.codec.Open(entry.sealed)
	if err != nil {
		// Tampered or unreadable values read as missing.
		s.mu.Lock()
		delete(s.items, name)
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	return value, nil
}

// Delete removes a value.
func (s *MemoryStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, name)
	return nil
}

// DeletePrefix removes every value whose name starts with prefix.
func (s *MemoryStore) DeletePrefix(ctx context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.items {
		if strings.HasPrefix(name, prefix) {
			delete(s.items, name)
		}
	}
	return nil
}

// ClearAll removes every value.
func (s *MemoryStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*memoryEntry)
	return nil
}
