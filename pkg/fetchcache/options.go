package fetchcache

import (
	"time"
)

type options struct {
	now         func() time.Time
	recorder    Recorder
	invalidator Invalidator
	coalesce    bool
}

// Option configures a CachingFetcher at construction.
type Option func(*options)

// WithClock replaces time.Now as the source of the current time.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithMetrics reports cache activity to r.
func WithMetrics(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithInvalidator notifies inv after every successful ClearCache.
func WithInvalidator(inv Invalidator) Option {
	return func(o *options) {
		o.invalidator = inv
	}
}

// WithCoalescing collapses concurrent misses for the same key into a single
// remote call. Waiting callers share the first caller's result and error,
// including a failure caused by the first caller's context being cancelled.
func WithCoalescing() Option {
	return func(o *options) {
		o.coalesce = true
	}
}

type callOptions struct {
	ttl     time.Duration
	hasTTL  bool
	refresh bool
}

// CallOption adjusts a single Fetch.
type CallOption func(*callOptions)

// WithTTL overrides the cache duration for the entry written by this call.
// A zero or negative ttl stores nothing.
func WithTTL(ttl time.Duration) CallOption {
	return func(o *callOptions) {
		o.ttl = ttl
		o.hasTTL = true
	}
}

// ForceRefresh skips the cache lookup so the remote service is always called;
// the fresh result replaces any cached entry.
func ForceRefresh() CallOption {
	return func(o *callOptions) {
		o.refresh = true
	}
}
