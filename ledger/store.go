// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package ledger

import (
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/geth/common"
)

// Storage key prefix for consumed reference IDs.
var refIDPrefix = []byte("ledger/ref/")

// RefStore is the dedup set behind every monetary primitive. A refId is
// inserted before the mutation it protects and must survive restarts.
type RefStore interface {
	Has(id common.Hash) (bool, error)
	Put(id common.Hash) error
}

// DBRefStore persists consumed refIds in a key-value database so the
// at-most-once guarantee holds across restarts. A write-through memory set
// keeps the hot path off the database.
type DBRefStore struct {
	mu   sync.RWMutex
	db   database.Database
	seen map[common.Hash]struct{}
}

// NewDBRefStore wraps db, loading previously consumed ids.
func NewDBRefStore(db database.Database) (*DBRefStore, error) {
	s := &DBRefStore{
		db:   db,
		seen: make(map[common.Hash]struct{}),
	}
	it := db.NewIteratorWithPrefix(refIDPrefix)
	defer it.Release()
	for it.Next() {
		key := it.Key()
		if len(key) != len(refIDPrefix)+common.HashLength {
			continue
		}
		s.seen[common.BytesToHash(key[len(refIDPrefix):])] = struct{}{}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return s, nil
}

func refKey(id common.Hash) []byte {
	key := make([]byte, 0, len(refIDPrefix)+common.HashLength)
	key = append(key, refIDPrefix...)
	return append(key, id.Bytes()...)
}

// Has reports whether id has been consumed.
func (s *DBRefStore) Has(id common.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[id]
	return ok, nil
}

// Put durably marks id as consumed.
func (s *DBRefStore) Put(id common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Put(refKey(id), []byte{1}); err != nil {
		return err
	}
	s.seen[id] = struct{}{}
	return nil
}

// MemRefStore is a map-backed RefStore for tests and ephemeral runs.
type MemRefStore struct {
	mu   sync.RWMutex
	seen map[common.Hash]struct{}
}

// NewMemRefStore builds an empty in-memory store.
func NewMemRefStore() *MemRefStore {
	return &MemRefStore{seen: make(map[common.Hash]struct{})}
}

func (s *MemRefStore) Has(id common.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[id]
	return ok, nil
}

func (s *MemRefStore) Put(id common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[id] = struct{}{}
	return nil
}
