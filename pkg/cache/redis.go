package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	pkgerrors "github.com/fastpath-db/fastpath/pkg/errors"
	"github.com/fastpath-db/fastpath/pkg/models"
)

// RedisCache is a ResultCache backed by Redis, for sharing cached reads
// across instances. Results are stored as JSON.
type RedisCache struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, addr, password string, db int, logger zerolog.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "redis connection failed")
	}

	return &RedisCache{
		client: client,
		logger: logger.With().Str("component", "redis_cache").Logger(),
	}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (*models.ResultSet, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		// A cache outage must not fail the query; miss and move on.
		c.logger.Warn().Err(err).Str("key", key).Msg("Redis get failed")
		return nil, false, nil
	}

	var rs models.ResultSet
	if err := json.Unmarshal(data, &rs); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Corrupt cache entry dropped")
		c.client.Del(ctx, key)
		return nil, false, nil
	}
	return &rs, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, rs *models.ResultSet, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	data, err := json.Marshal(rs)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "failed to encode result set")
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("Redis set failed")
	}
	return nil
}

// Invalidate deletes keys matching a glob pattern using SCAN, so it never
// blocks the server the way KEYS would.
func (c *RedisCache) Invalidate(ctx context.Context, pattern string) error {
	if pattern == "" {
		pattern = keyPrefix + "*"
	}

	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 500 {
			c.client.Del(ctx, keys...)
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "cache invalidation scan failed")
	}
	if len(keys) > 0 {
		c.client.Del(ctx, keys...)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
