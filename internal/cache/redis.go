package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisOpTimeout = 250 * time.Millisecond

// redisCache is a Redis-backed Cache for deployments that run more than one
// engine replica and need price invalidation to reach all of them.
type redisCache[V any] struct {
	client *redis.Client
	prefix string
}

// NewRedisCache wraps a redis client as a string-keyed TTL cache. Values are
// stored as JSON under "<prefix>:<key>".
func NewRedisCache[V any](client *redis.Client, prefix string) Cache[string, V] {
	return &redisCache[V]{
		client: client,
		prefix: prefix,
	}
}

func (c *redisCache[V]) key(key string) string {
	return c.prefix + ":" + key
}

func (c *redisCache[V]) Get(key string) (V, bool) {
	var zero V
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		return zero, false
	}

	var value V
	if err := json.Unmarshal(raw, &value); err != nil {
		return zero, false
	}
	return value, true
}

func (c *redisCache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	_ = c.client.Set(ctx, c.key(key), raw, ttl).Err()
}

func (c *redisCache[V]) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	_ = c.client.Del(ctx, c.key(key)).Err()
}

func (c *redisCache[V]) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	iter := c.client.Scan(ctx, 0, c.prefix+":*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if len(keys) > 0 {
		_ = c.client.Del(ctx, keys...).Err()
	}
}
