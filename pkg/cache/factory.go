package cache

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Supported backend names.
const (
	BackendMemory    = "memory"
	BackendLRU       = "lru"
	BackendTTL       = "ttl"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
)

// Config selects and configures a cache backend.
type Config struct {
	Backend    string          `yaml:"backend"`
	MaxEntries int             `yaml:"max_entries"`
	Redis      RedisConfig     `yaml:"redis"`
	Firestore  FirestoreConfig `yaml:"firestore"`
}

// NewStore builds the Store named by cfg.Backend.
func NewStore[V any](ctx context.Context, cfg Config, logger zerolog.Logger) (Store[V], error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewInMemoryStore[V](), nil
	case BackendLRU:
		store, err := NewLRUStore[V](cfg.MaxEntries)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendTTL:
		capacity := uint64(0)
		if cfg.MaxEntries > 0 {
			capacity = uint64(cfg.MaxEntries)
		}
		return NewTTLStore[V](capacity), nil
	case BackendRedis:
		store, err := NewRedisStore[V](ctx, &cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case BackendFirestore:
		client, err := NewProductionFirestoreClient(ctx, &cfg.Firestore, logger)
		if err != nil {
			return nil, err
		}
		store, err := NewFirestoreStore[V](&cfg.Firestore, client, logger)
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		store.ownsClient = true
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
