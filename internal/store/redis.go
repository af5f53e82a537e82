package store

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ Cache = (*RedisCache)(nil)

// RedisCache shares replay and rate-limit state between instances.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(options *redis.Options, prefix string) (*RedisCache, error) {
	client := redis.NewClient(options)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisCache{client: client, prefix: prefix}, nil
}

func (r *RedisCache) Remember(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.nonceKey(key), 1, ttl).Result()
}

func (r *RedisCache) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := r.counterKey(key)

	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pipe.ExpireNX(ctx, k, window)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}

// Helpers

func (r *RedisCache) nonceKey(key string) string {
	return r.prefix + nonceKey(key)
}

func (r *RedisCache) counterKey(key string) string {
	return r.prefix + counterKey(key)
}
