// Package cache provides expiring key/value stores used to hold fetch
// results. Every backend reports entries past their expiry as absent.
package cache

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Entry is a cached value and the absolute time it stops being valid.
// A zero ExpiresAt means the entry never expires.
type Entry[V any] struct {
	Value     V         `json:"value"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the entry is stale at now.
func (e Entry[V]) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store is the contract for a cache backend. Implementations must be safe
// for concurrent use.
type Store[V any] interface {
	// Get returns the entry for key. The boolean is false when the key is
	// absent or expired; an error is returned only for backend failures.
	Get(ctx context.Context, key string) (Entry[V], bool, error)
	// Set stores value under key until expiresAt.
	Set(ctx context.Context, key string, value V, expiresAt time.Time) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// Closer is included for implementations that manage network connections.
	io.Closer
}

// BackendError reports a failure of the underlying store: unreachable,
// timed out or holding data that cannot be decoded.
type BackendError struct {
	Backend string
	Op      string
	Key     string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s cache %s for key %q: %v", e.Backend, e.Op, e.Key, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func backendErr(backend, op, key string, err error) *BackendError {
	return &BackendError{Backend: backend, Op: op, Key: key, Err: err}
}
