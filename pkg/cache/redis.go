package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/illmade-knight/go-guildmirror/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// CacheTTL of zero keeps values forever.
	CacheTTL time.Duration
}

func newRedisClient(ctx context.Context, cfg *RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return rdb, nil
}

// RedisStore is a singleflight.Store backed by Redis. Create uses SETNX, so
// concurrent creators across processes resolve to a single winner.
type RedisStore[K comparable, V any] struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	prefix      string
	ttl         time.Duration
}

// NewRedisStore connects to Redis, pinging it before returning.
func NewRedisStore[K comparable, V any](ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisStore[K, V], error) {
	rdb, err := newRedisClient(ctx, cfg)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")
	return &RedisStore[K, V]{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisStore").Logger(),
		prefix:      cfg.KeyPrefix,
		ttl:         cfg.CacheTTL,
	}, nil
}

func (c *RedisStore[K, V]) key(key K) string {
	return fmt.Sprintf("%s%v", c.prefix, key)
}

// Get retrieves and decodes a value. redis.Nil maps to store.ErrNotFound.
func (c *RedisStore[K, V]) Get(ctx context.Context, key K) (V, error) {
	var zero V
	stringKey := c.key(key)
	cachedData, err := c.redisClient.Get(ctx, stringKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("key %s: %w", stringKey, store.ErrNotFound)
		}
		c.logger.Error().Err(err).Str("key", stringKey).Msg("Unexpected Redis error during get.")
		return zero, fmt.Errorf("redis get failed for key %s: %w", stringKey, err)
	}

	var value V
	if err := json.Unmarshal(cachedData, &value); err != nil {
		return zero, fmt.Errorf("failed to unmarshal data for key %s: %w", stringKey, err)
	}
	c.logger.Debug().Str("key", stringKey).Msg("Redis hit.")
	return value, nil
}

// Create stores the value only if the key does not exist yet.
func (c *RedisStore[K, V]) Create(ctx context.Context, key K, value V) error {
	stringKey := c.key(key)
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal data for key %s: %w", stringKey, err)
	}
	created, err := c.redisClient.SetNX(ctx, stringKey, jsonData, c.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed for key %s: %w", stringKey, err)
	}
	if !created {
		return fmt.Errorf("key %s: %w", stringKey, store.ErrConflict)
	}
	c.logger.Debug().Str("key", stringKey).Msg("Stored value in Redis.")
	return nil
}

// Close closes the Redis client connection.
func (c *RedisStore[K, V]) Close() error {
	if c.redisClient != nil {
		c.logger.Info().Msg("Closing Redis client connection...")
		return c.redisClient.Close()
	}
	return nil
}
