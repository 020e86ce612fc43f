package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "sendry-flow:lock:"

// RedisLocker holds leases as SET NX PX keys whose value is the owner
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	lease := &Lease{Key: key, Owner: newOwner(), ExpiresAt: time.Now().UTC().Add(ttl)}

	ok, err := l.client.SetNX(ctx, redisKeyPrefix+key, lease.Owner, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return lease, nil
}

// deletes the key only while it still belongs to the caller
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (l *RedisLocker) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{redisKeyPrefix + lease.Key}, lease.Owner).Err(); err != nil {
		return fmt.Errorf("release lock %s: %w", lease.Key, err)
	}
	return nil
}
