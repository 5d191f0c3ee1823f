package store

import (
	"sync"

	"github.com/crashnet/overlay/internal/model"
	"go.uber.org/zap"
)

// Store owns the subset of rows a node answers queries from. It is safe for
// concurrent readers and a writer; critical sections never span an RPC.
type Store struct {
	name   string
	mu     sync.RWMutex
	data   map[string]model.DataEntry
	logger *zap.Logger
}

// New creates an empty store. The name only shows up in logs.
func New(name string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		name:   name,
		data:   make(map[string]model.DataEntry),
		logger: logger,
	}
}

// Put upserts an entry by key. Last writer wins.
func (s *Store) Put(entry model.DataEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[entry.Key] = entry
}

// Get returns the entry stored under key.
func (s *Store) Get(key string) (model.DataEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.data[key]
	return entry, ok
}

// Remove drops the entry stored under key and reports whether it existed.
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return false
	}
	delete(s.data, key)
	return true
}

// Len returns the number of entries currently stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
