package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// TTLStore is an in-memory Store backed by ttlcache. Unlike InMemoryStore it
// actively evicts expired entries in a background loop, so memory is
// reclaimed even for keys that are never read again.
type TTLStore[V any] struct {
	c    *ttlcache.Cache[string, Entry[V]]
	once sync.Once
}

// NewTTLStore creates a TTLStore and starts its expiry loop. A capacity of 0
// means unbounded. Call Close to stop the loop.
func NewTTLStore[V any](capacity uint64) *TTLStore[V] {
	opts := []ttlcache.Option[string, Entry[V]]{
		// Reads must never extend an entry's life.
		ttlcache.WithDisableTouchOnHit[string, Entry[V]](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, Entry[V]](capacity))
	}

	c := ttlcache.New[string, Entry[V]](opts...)
	go c.Start()
	return &TTLStore[V]{c: c}
}

// Get retrieves a non-expired entry.
func (s *TTLStore[V]) Get(_ context.Context, key string) (Entry[V], bool, error) {
	item := s.c.Get(key)
	if item == nil || item.IsExpired() {
		return Entry[V]{}, false, nil
	}
	entry := item.Value()
	if entry.Expired(time.Now()) {
		return Entry[V]{}, false, nil
	}
	return entry, true, nil
}

// Set stores value under key until expiresAt. An expiry already in the past
// removes any existing entry instead.
func (s *TTLStore[V]) Set(_ context.Context, key string, value V, expiresAt time.Time) error {
	ttl := ttlcache.NoTTL
	if !expiresAt.IsZero() {
		ttl = time.Until(expiresAt)
		if ttl <= 0 {
			s.c.Delete(key)
			return nil
		}
	}
	s.c.Set(key, Entry[V]{Value: value, ExpiresAt: expiresAt}, ttl)
	return nil
}

// Remove deletes key.
func (s *TTLStore[V]) Remove(_ context.Context, key string) error {
	s.c.Delete(key)
	return nil
}

// Len returns the number of entries currently held.
func (s *TTLStore[V]) Len() int {
	return s.c.Len()
}

// Close stops the background expiry loop.
func (s *TTLStore[V]) Close() error {
	s.once.Do(s.c.Stop)
	return nil
}
