package cache

import (
	"context"
	"sync"
	"time"

	"passage/pkg/sentinel"
)

// MemoryStore keeps entries in-process. It intentionally favors clarity over
// performance; production deployments use the redis implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Create(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.SID] = entry
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sid string) (*Entry, error) {
	s.mu.RLock()
	entry, ok := s.entries[sid]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		s.mu.Lock()
		delete(s.entries, sid)
		s.mu.Unlock()
		return nil, sentinel.ErrNotFound
	}
	copied := entry
	return &copied, nil
}

func (s *MemoryStore) Delete(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sid)
	return nil
}
