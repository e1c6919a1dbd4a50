package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/core-tools/hsu-users/pkg/logging"
	"github.com/core-tools/hsu-users/pkg/store"
)

const userKeyPrefix = "users:user:"

// UserKey is the cache key of one user.
func UserKey(id int64) string {
	return userKeyPrefix + strconv.FormatInt(id, 10)
}

// UserCache is a cache-aside decorator over a store.Repository. Reads of a
// single user go through the cache, writes invalidate it. Cache failures
// are logged and the store answers.
type UserCache struct {
	store.Repository
	cache  Cache
	ttl    time.Duration
	logger logging.Logger
}

func NewUserCache(repo store.Repository, cache Cache, ttl time.Duration, logger logging.Logger) *UserCache {
	return &UserCache{
		Repository: repo,
		cache:      cache,
		ttl:        ttl,
		logger:     logger,
	}
}

func (c *UserCache) GetUser(ctx context.Context, id int64) (*store.User, error) {
	key := UserKey(id)

	data, found, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warnf("Cache read failed, falling back to store, key: %s, error: %v", key, err)
	} else if found {
		var user store.User
		if err := json.Unmarshal(data, &user); err == nil {
			return &user, nil
		}
		c.logger.Warnf("Dropping undecodable cache entry, key: %s", key)
		c.invalidate(ctx, id)
	}

	user, err := c.Repository.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}

	c.put(ctx, user)
	return user, nil
}

func (c *UserCache) UpdateUser(ctx context.Context, id int64, update store.UserUpdate) (*store.User, error) {
	user, err := c.Repository.UpdateUser(ctx, id, update)
	c.invalidate(ctx, id)
	return user, err
}

func (c *UserCache) DeleteUser(ctx context.Context, id int64) (*store.User, error) {
	user, err := c.Repository.DeleteUser(ctx, id)
	c.invalidate(ctx, id)
	return user, err
}

func (c *UserCache) put(ctx context.Context, user *store.User) {
	data, err := json.Marshal(user)
	if err != nil {
		c.logger.Warnf("Failed to encode user for cache, id: %d, error: %v", user.ID, err)
		return
	}
	if err := c.cache.Set(ctx, UserKey(user.ID), data, c.ttl); err != nil {
		c.logger.Warnf("Cache write failed, id: %d, error: %v", user.ID, err)
	}
}

func (c *UserCache) invalidate(ctx context.Context, id int64) {
	if err := c.cache.Delete(ctx, UserKey(id)); err != nil {
		c.logger.Warnf("Cache invalidation failed, id: %d, error: %v", id, err)
	}
}
