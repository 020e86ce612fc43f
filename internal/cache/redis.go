package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "sendry-flow:cache:"

// RedisCache stores entries in Redis with a per-key TTL
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key Key, value []byte) error {
	return c.client.Set(ctx, redisKeyPrefix+key.String(), value, c.ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key Key) error {
	return c.client.Del(ctx, redisKeyPrefix+key.String()).Err()
}

// Close is a no-op; the client is shared with other components
func (c *RedisCache) Close() error {
	return nil
}
