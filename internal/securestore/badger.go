// Pitwall - Session & Security Core for Race Telemetry Analytics
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/pitwall

package securestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// storeKeyPrefix namespaces secure-store entries inside a shared BadgerDB.
const storeKeyPrefix = "secure:"

// BadgerStore implements Store using BadgerDB for durable storage.
// Entries survive restarts; TTLs are enforced by Badger itself.
type BadgerStore struct {
	db    *badger.DB
	codec *Codec
}

// NewBadgerStore creates a BadgerDB-backed secure store.
func NewBadgerStore(db *badger.DB, codec *Codec) *BadgerStore {
	return &BadgerStore{db: db, codec: codec}
}

// Set stores a sealed value under name.
func (s *BadgerStore) Set(ctx context.Context, name string, value []byte, opts Options) error {
	sealed, err := s.codec.Seal(value)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(storeKeyPrefix+name), sealed)
		if opts.TTL > 0 {
			entry = entry.WithTTL(opts.TTL)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrPersistence, name, err)
	}
	return nil
}

// Get retrieves and opens a value by name.
func (s *BadgerStore) Get(ctx context.Context, name string) ([]byte, error) {
	var sealed []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(storeKeyPrefix + name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("%w: get %s: %v", ErrPersistence, name, err)
		}
		return item.Value(func(val []byte) error {
			sealed = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	value, err := s.codec.Open(sealed)
	if err != nil {
		// Tampered or unreadable values read as missing.
		_ = s.Delete(ctx, name)
		return nil, ErrNotFound
	}
	return value, nil
}

// Delete removes a value.
func (s *BadgerStore) Delete(ctx context.Context, name string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(storeKeyPrefix + name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrPersistence, name, err)
	}
	return nil
}

// DeletePrefix removes every secure-store entry whose name starts with prefix.
func (s *BadgerStore) DeletePrefix(ctx context.Context, prefix string) error {
	return s.deleteRange(storeKeyPrefix + prefix)
}

// ClearAll removes every secure-store entry.
func (s *BadgerStore) ClearAll(ctx context.Context) error {
	return s.deleteRange(storeKeyPrefix)
}

// deleteRange removes every key under the given raw prefix.
func (s *BadgerStore) deleteRange(rawPrefix string) error {
	var keys [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(rawPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: scan: %v", ErrPersistence, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: clear: %v", ErrPersistence, err)
	}
	return nil
}
