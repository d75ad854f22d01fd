package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RedisStore is a distributed Store using Redis. Entries are written as JSON
// with a native key TTL, so Redis evicts them on its own once they expire.
type RedisStore[V any] struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	now         func() time.Time
}

// NewRedisStore creates and connects a new RedisStore.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisStore[V any](
	ctx context.Context,
	cfg *RedisConfig,
	logger zerolog.Logger,
) (*RedisStore[V], error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")

	return &RedisStore[V]{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisStore").Logger(),
		now:         time.Now,
	}, nil
}

// Get retrieves and decodes an entry. A redis.Nil reply is a normal miss.
func (s *RedisStore[V]) Get(ctx context.Context, key string) (Entry[V], bool, error) {
	cachedData, err := s.redisClient.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry[V]{}, false, nil
		}
		return Entry[V]{}, false, backendErr("redis", "get", key, err)
	}

	var entry Entry[V]
	if err := json.Unmarshal(cachedData, &entry); err != nil {
		s.logger.Error().Err(err).Str("key", key).Msg("Failed to unmarshal cached data.")
		return Entry[V]{}, false, backendErr("redis", "decode", key, err)
	}
	if entry.Expired(s.now()) {
		return Entry[V]{}, false, nil
	}

	s.logger.Debug().Str("key", key).Msg("Redis cache hit.")
	return entry, true, nil
}

// Set stores value under key with a TTL matching expiresAt. An expiry already
// in the past deletes the key instead.
func (s *RedisStore[V]) Set(ctx context.Context, key string, value V, expiresAt time.Time) error {
	var ttl time.Duration
	if !expiresAt.IsZero() {
		ttl = expiresAt.Sub(s.now())
		if ttl <= 0 {
			return s.Remove(ctx, key)
		}
	}

	jsonData, err := json.Marshal(Entry[V]{Value: value, ExpiresAt: expiresAt})
	if err != nil {
		return backendErr("redis", "encode", key, err)
	}

	if err := s.redisClient.Set(ctx, key, jsonData, ttl).Err(); err != nil {
		return backendErr("redis", "set", key, err)
	}

	s.logger.Debug().Str("key", key).Dur("ttl", ttl).Msg("Successfully stored data in Redis cache.")
	return nil
}

// Remove deletes key from Redis.
func (s *RedisStore[V]) Remove(ctx context.Context, key string) error {
	if err := s.redisClient.Del(ctx, key).Err(); err != nil {
		return backendErr("redis", "del", key, err)
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStore[V]) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}
