package fetchcache_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-fetchcache/pkg/cache"
	"github.com/illmade-knight/go-fetchcache/pkg/fetch"
)

type balance struct {
	Balance int `json:"balance"`
}

// mockFetcher is a test double for fetch.Fetcher that counts its calls.
type mockFetcher struct {
	calls   atomic.Int32
	GetFunc func(ctx context.Context, req fetch.Request) (balance, error)
}

func (m *mockFetcher) Get(ctx context.Context, req fetch.Request) (balance, error) {
	m.calls.Add(1)
	if m.GetFunc != nil {
		return m.GetFunc(ctx, req)
	}
	return balance{}, fmt.Errorf("mock fetcher not implemented")
}

func (m *mockFetcher) Calls() int {
	return int(m.calls.Load())
}

func fixedBalance(amount int) *mockFetcher {
	return &mockFetcher{
		GetFunc: func(context.Context, fetch.Request) (balance, error) {
			return balance{Balance: amount}, nil
		},
	}
}

type logRecord struct {
	Kind    fetch.Kind
	Message string
	Fields  map[string]any
}

// recordingLogger captures every LogError call.
type recordingLogger struct {
	mu      sync.Mutex
	records []logRecord
}

func (l *recordingLogger) LogError(kind fetch.Kind, message string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, logRecord{Kind: kind, Message: message, Fields: fields})
}

func (l *recordingLogger) Records() []logRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]logRecord(nil), l.records...)
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubStore lets individual store operations be replaced; unset operations
// delegate to an in-memory store.
type stubStore struct {
	inner      *cache.InMemoryStore[balance]
	GetFunc    func(ctx context.Context, key string) (cache.Entry[balance], bool, error)
	SetFunc    func(ctx context.Context, key string, value balance, expiresAt time.Time) error
	RemoveFunc func(ctx context.Context, key string) error
}

func newStubStore() *stubStore {
	return &stubStore{inner: cache.NewInMemoryStore[balance]()}
}

func (s *stubStore) Get(ctx context.Context, key string) (cache.Entry[balance], bool, error) {
	if s.GetFunc != nil {
		return s.GetFunc(ctx, key)
	}
	return s.inner.Get(ctx, key)
}

func (s *stubStore) Set(ctx context.Context, key string, value balance, expiresAt time.Time) error {
	if s.SetFunc != nil {
		return s.SetFunc(ctx, key, value, expiresAt)
	}
	return s.inner.Set(ctx, key, value, expiresAt)
}

func (s *stubStore) Remove(ctx context.Context, key string) error {
	if s.RemoveFunc != nil {
		return s.RemoveFunc(ctx, key)
	}
	return s.inner.Remove(ctx, key)
}

func (s *stubStore) Close() error { return nil }

// countingRecorder tallies Recorder events.
type countingRecorder struct {
	hits, misses, stored, fetchErrors, backendErrors atomic.Int32
}

func (r *countingRecorder) Hit(string)                { r.hits.Add(1) }
func (r *countingRecorder) Miss(string)               { r.misses.Add(1) }
func (r *countingRecorder) Stored(string)             { r.stored.Add(1) }
func (r *countingRecorder) FetchError(string, string) { r.fetchErrors.Add(1) }
func (r *countingRecorder) BackendError(string)       { r.backendErrors.Add(1) }

type invalidatorFunc func(ctx context.Context, key string) error

func (f invalidatorFunc) Invalidate(ctx context.Context, key string) error {
	return f(ctx, key)
}
