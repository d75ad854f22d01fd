package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// lruItem is the internal structure stored in the linked list.
type lruItem[V any] struct {
	key   string
	entry Entry[V]
}

// LRUStore is a thread-safe, in-memory Store with a fixed size and a Least
// Recently Used (LRU) eviction policy. Expired entries are dropped when read.
type LRUStore[V any] struct {
	maxSize int

	mu    sync.Mutex
	ll    *list.List               // Used to track the order of items (recency).
	items map[string]*list.Element // Used for fast key lookups.
	now   func() time.Time
}

// NewLRUStore creates a new size-limited LRU store.
// - maxSize: The maximum number of items to store. Must be > 0.
func NewLRUStore[V any](maxSize int) (*LRUStore[V], error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	return &LRUStore[V]{
		maxSize: maxSize,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
		now:     time.Now,
	}, nil
}

// Get retrieves an entry and marks it as most recently used.
func (s *LRUStore[V]) Get(_ context.Context, key string) (Entry[V], bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.items[key]
	if !ok {
		return Entry[V]{}, false, nil
	}
	item := elem.Value.(*lruItem[V])
	if item.entry.Expired(s.now()) {
		s.ll.Remove(elem)
		delete(s.items, key)
		return Entry[V]{}, false, nil
	}
	s.ll.MoveToFront(elem)
	return item.entry, true, nil
}

// Set stores value under key, evicting the least recently used item when the
// store is over capacity.
func (s *LRUStore[V]) Set(_ context.Context, key string, value V, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := Entry[V]{Value: value, ExpiresAt: expiresAt}
	if elem, ok := s.items[key]; ok {
		elem.Value.(*lruItem[V]).entry = entry
		s.ll.MoveToFront(elem)
		return nil
	}

	s.items[key] = s.ll.PushFront(&lruItem[V]{key: key, entry: entry})
	if s.ll.Len() > s.maxSize {
		s.evict()
	}
	return nil
}

// Remove deletes key.
func (s *LRUStore[V]) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.items[key]; ok {
		s.ll.Remove(elem)
		delete(s.items, key)
	}
	return nil
}

// Len returns the number of stored entries.
func (s *LRUStore[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}

// evict removes the least recently used item from the store.
// This method is unexported and must be called within a locked mutex.
func (s *LRUStore[V]) evict() {
	oldest := s.ll.Back()
	if oldest != nil {
		item := s.ll.Remove(oldest).(*lruItem[V])
		delete(s.items, item.key)
	}
}

// Close is a no-op for the in-memory store.
func (s *LRUStore[V]) Close() error {
	return nil
}
