package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisHandleCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisHandleCache(rdb *redis.Client, ttl time.Duration) *RedisHandleCache {
	return &RedisHandleCache{rdb: rdb, ttl: ttl}
}

func (c *RedisHandleCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, "att:"+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisHandleCache) Put(ctx context.Context, key, mediaID string) error {
	return c.rdb.Set(ctx, "att:"+key, mediaID, c.ttl).Err()
}
