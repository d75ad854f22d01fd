package cache

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore is a thread-safe, unbounded, in-memory Store. Expired entries
// are dropped lazily when they are read.
// It is primarily intended for local development and testing.
type InMemoryStore[V any] struct {
	mu   sync.RWMutex
	data map[string]Entry[V]
	now  func() time.Time
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore[V any]() *InMemoryStore[V] {
	return &InMemoryStore[V]{
		data: make(map[string]Entry[V]),
		now:  time.Now,
	}
}

// Get retrieves a non-expired entry.
func (s *InMemoryStore[V]) Get(_ context.Context, key string) (Entry[V], bool, error) {
	s.mu.RLock()
	entry, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return Entry[V]{}, false, nil
	}

	if entry.Expired(s.now()) {
		s.mu.Lock()
		// Re-check: a writer may have refreshed the entry in between.
		if current, still := s.data[key]; still && current.Expired(s.now()) {
			delete(s.data, key)
		}
		s.mu.Unlock()
		return Entry[V]{}, false, nil
	}
	return entry, true, nil
}

// Set stores value under key until expiresAt.
func (s *InMemoryStore[V]) Set(_ context.Context, key string, value V, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = Entry[V]{Value: value, ExpiresAt: expiresAt}
	return nil
}

// Remove deletes key.
func (s *InMemoryStore[V]) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Len returns the number of stored entries, including expired ones not yet
// dropped.
func (s *InMemoryStore[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Close is a no-op for the in-memory implementation.
func (s *InMemoryStore[V]) Close() error {
	return nil
}
