// Package fetchcache decorates a remote Fetcher with result caching and
// structured failure logging.
//
// Cache keys are derived from the remote method, the caller's user id and
// origin, and the request params, so distinct callers never share an entry.
// Concurrent misses for the same key may each call the remote service and
// the last write wins, unless WithCoalescing is set.
package fetchcache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-fetchcache/pkg/cache"
	"github.com/illmade-knight/go-fetchcache/pkg/cachekey"
	"github.com/illmade-knight/go-fetchcache/pkg/fetch"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is used when Config.DefaultTTL is left at zero.
const DefaultTTL = time.Hour

// ErrInvalidConfig is returned by New for missing collaborators or a negative
// duration.
var ErrInvalidConfig = errors.New("invalid caching fetcher configuration")

// Config holds the caching settings owned by a CachingFetcher.
type Config struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
	KeyPrefix  string        `yaml:"key_prefix"`

	// Coalesce has the same effect as passing WithCoalescing.
	Coalesce bool `yaml:"coalesce"`
}

// DefaultConfig returns a Config with a one hour TTL.
func DefaultConfig() Config {
	return Config{DefaultTTL: DefaultTTL, KeyPrefix: cachekey.DefaultPrefix}
}

// CachingFetcher wraps a Fetcher with a cache Store and an ErrorLogger.
// It holds no locks of its own; the Store must be safe for concurrent use.
type CachingFetcher[V any] struct {
	fetcher     fetch.Fetcher[V]
	store       cache.Store[V]
	logger      ErrorLogger
	keys        cachekey.Deriver
	ttl         atomic.Int64
	now         func() time.Time
	metrics     Recorder
	invalidator Invalidator
	group       *singleflight.Group
}

// New creates a CachingFetcher.
func New[V any](
	cfg Config,
	fetcher fetch.Fetcher[V],
	store cache.Store[V],
	logger ErrorLogger,
	opts ...Option,
) (*CachingFetcher[V], error) {
	if fetcher == nil || store == nil || logger == nil {
		return nil, fmt.Errorf("%w: fetcher, store, and logger cannot be nil", ErrInvalidConfig)
	}
	if cfg.DefaultTTL < 0 {
		return nil, fmt.Errorf("%w: default TTL cannot be negative, got %s", ErrInvalidConfig, cfg.DefaultTTL)
	}
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = DefaultTTL
	}

	o := options{now: time.Now, recorder: nopRecorder{}}
	for _, opt := range opts {
		opt(&o)
	}

	c := &CachingFetcher[V]{
		fetcher:     fetcher,
		store:       store,
		logger:      logger,
		keys:        cachekey.NewDeriver(cfg.KeyPrefix),
		now:         o.now,
		metrics:     o.recorder,
		invalidator: o.invalidator,
	}
	if o.coalesce || cfg.Coalesce {
		c.group = &singleflight.Group{}
	}
	c.ttl.Store(int64(cfg.DefaultTTL))
	return c, nil
}

// Fetch returns the result for req made on behalf of id, from the cache when a
// fresh entry exists and from the remote Fetcher otherwise.
//
// A failing cache backend is logged and treated as a miss. A failing Fetcher
// is logged and its error returned; Fetch never substitutes an empty result.
func (c *CachingFetcher[V]) Fetch(ctx context.Context, req fetch.Request, id fetch.Identity, opts ...CallOption) (V, error) {
	var zero V
	co := callOptions{}
	for _, opt := range opts {
		opt(&co)
	}

	key, err := c.deriveKey(req, id)
	if err != nil {
		return zero, err
	}

	if !co.refresh {
		entry, ok, err := c.store.Get(ctx, key)
		switch {
		case err != nil:
			c.logBackend("get", "cache lookup failed, falling back to remote", err, req, id, key)
		case ok && !entry.Expired(c.now()):
			c.metrics.Hit(req.Method)
			return entry.Value, nil
		}
	}
	c.metrics.Miss(req.Method)

	ttl := c.CacheDuration()
	if co.hasTTL {
		ttl = co.ttl
	}

	if c.group == nil {
		return c.load(ctx, req, id, key, ttl)
	}
	shared, err, _ := c.group.Do(key, func() (any, error) {
		return c.load(ctx, req, id, key, ttl)
	})
	if err != nil {
		return zero, err
	}
	v, _ := shared.(V)
	return v, nil
}

// load calls the Fetcher and stores a successful result.
func (c *CachingFetcher[V]) load(ctx context.Context, req fetch.Request, id fetch.Identity, key string, ttl time.Duration) (V, error) {
	var zero V
	result, err := c.fetcher.Get(ctx, req)
	if err != nil {
		var fe *fetch.Error
		if !errors.As(err, &fe) {
			fe = fetch.AsError(err)
			err = fe
		}
		c.metrics.FetchError(req.Method, fe.Code)
		c.logFailure(fe, req, id, key)
		return zero, err
	}

	if ttl > 0 {
		if err := c.store.Set(ctx, key, result, c.now().Add(ttl)); err != nil {
			c.logBackend("set", "cache write failed, returning uncached result", err, req, id, key)
		} else {
			c.metrics.Stored(req.Method)
		}
	}
	return result, nil
}

// SetCacheDuration changes the TTL applied to entries stored from now on.
// Entries already stored keep their expiry. Zero disables storing.
func (c *CachingFetcher[V]) SetCacheDuration(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("cache duration cannot be negative, got %s", d)
	}
	c.ttl.Store(int64(d))
	return nil
}

// CacheDuration returns the TTL applied to newly stored entries.
func (c *CachingFetcher[V]) CacheDuration() time.Duration {
	return time.Duration(c.ttl.Load())
}

// ClearCache removes the entry Fetch would use for req and id, so the next
// Fetch calls the remote service.
func (c *CachingFetcher[V]) ClearCache(ctx context.Context, req fetch.Request, id fetch.Identity) error {
	key, err := c.deriveKey(req, id)
	if err != nil {
		return err
	}

	if err := c.store.Remove(ctx, key); err != nil {
		c.metrics.BackendError("remove")
		fe := fetch.NewError(fetch.KindCacheBackend, "cache_remove", "failed to clear cache entry", err)
		c.logFailure(fe, req, id, key)
		return fe
	}

	if c.invalidator != nil {
		if err := c.invalidator.Invalidate(ctx, key); err != nil {
			fe := fetch.NewError(fetch.KindCacheBackend, "cache_invalidate", "entry cleared locally but invalidation broadcast failed", err)
			c.logFailure(fe, req, id, key)
			return fe
		}
	}
	return nil
}

// CacheKey returns the key Fetch and ClearCache use for req and id.
func (c *CachingFetcher[V]) CacheKey(req fetch.Request, id fetch.Identity) (string, error) {
	k, err := c.keys.Derive(req, id)
	return k.String(), err
}

func (c *CachingFetcher[V]) deriveKey(req fetch.Request, id fetch.Identity) (string, error) {
	k, err := c.keys.Derive(req, id)
	if err != nil {
		fe := fetch.NewError(fetch.KindFetch, fetch.CodeBadRequest, "invalid fetch request", err)
		c.metrics.FetchError(req.Method, fe.Code)
		c.logFailure(fe, req, id, "")
		return "", fe
	}
	return k.String(), nil
}

func (c *CachingFetcher[V]) logBackend(op, message string, err error, req fetch.Request, id fetch.Identity, key string) {
	c.metrics.BackendError(op)
	fe := fetch.NewError(fetch.KindCacheBackend, "cache_"+op, message, err)
	c.logFailure(fe, req, id, key)
}

func (c *CachingFetcher[V]) logFailure(fe *fetch.Error, req fetch.Request, id fetch.Identity, key string) {
	fields := map[string]any{
		"code":     fe.Code,
		"location": fe.Location,
		"method":   req.Method,
		"user_id":  id.UserID,
		"origin":   id.Origin,
	}
	if key != "" {
		fields["cache_key"] = key
	}
	if fe.Status != 0 {
		fields["status"] = fe.Status
	}
	if fe.Err != nil {
		fields["cause"] = fe.Err.Error()
	}
	var be *cache.BackendError
	if errors.As(fe.Err, &be) {
		fields["backend"] = be.Backend
	}
	c.logger.LogError(fe.Kind, fe.Message, fields)
}
