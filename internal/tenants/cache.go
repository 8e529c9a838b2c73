package tenants

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"marketpulse/internal/config"
)

// Cache is a byte-value cache with expiry.
type Cache interface {
	// Get reports found=false on a miss.
	Get(ctx context.Context, key string) (val []byte, found bool, err error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}

// redisKV is the subset of redis.Cmdable RedisCache uses.
type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// RedisCache implements Cache on Redis strings.
type RedisCache struct {
	rdb redisKV
}

// NewRedisClient connects to the configured Redis.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password.Unmask(),
		DB:       cfg.DB,
	})
}

// NewRedisCache wraps rdb, typically a *redis.Client.
func NewRedisCache(rdb redisKV) *RedisCache {
	return &RedisCache{rdb: rdb}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, val, ttl).Err()
}
