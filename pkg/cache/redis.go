package cache

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/core-tools/hsu-users/pkg/errors"
)

// Cache is the byte-level key/value store behind UserCache.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

type RedisOptions struct {
	Address     string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// RedisCache implements Cache over a go-redis client.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(options RedisOptions) *RedisCache {
	dialTimeout := options.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:        options.Address,
			Password:    options.Password,
			DB:          options.DB,
			DialTimeout: dialTimeout,
		}),
	}
}

func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return errors.NewNetworkError("redis ping failed", err).WithContext("address", c.client.Options().Addr)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.client.Get(ctx, key).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.NewNetworkError("redis get failed", err).WithContext("key", key)
	}
	return value, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errors.NewNetworkError("redis set failed", err).WithContext("key", key)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return errors.NewNetworkError("redis delete failed", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
