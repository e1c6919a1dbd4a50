package cache

import (
	"context"
	"sync"

	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/lifecycle"
	"github.com/core-tools/hsu-users/pkg/logging"
)

// CacheUnit connects to redis on start and closes the client on stop.
type CacheUnit struct {
	options RedisOptions
	logger  logging.Logger

	mutex sync.Mutex
	cache *RedisCache
}

func NewCacheUnit(options RedisOptions, logger logging.Logger) *CacheUnit {
	return &CacheUnit{
		options: options,
		logger:  logger,
	}
}

func (u *CacheUnit) Name() string {
	return "cache"
}

func (u *CacheUnit) Dependencies() []lifecycle.Unit {
	return nil
}

func (u *CacheUnit) Start(ctx context.Context, tasks lifecycle.Tasks) error {
	c := NewRedisCache(u.options)
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return err
	}

	u.mutex.Lock()
	u.cache = c
	u.mutex.Unlock()

	u.logger.Infof("Redis connected, address: %s, db: %d", u.options.Address, u.options.DB)
	return nil
}

func (u *CacheUnit) Stop(ctx context.Context) error {
	u.mutex.Lock()
	c := u.cache
	u.cache = nil
	u.mutex.Unlock()

	if c == nil {
		return nil
	}
	if err := c.Close(); err != nil {
		return errors.NewNetworkError("failed to close redis client", err)
	}
	return nil
}

// Cache returns the connected cache, or nil outside Start..Stop.
func (u *CacheUnit) Cache() Cache {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	if u.cache == nil {
		return nil
	}
	return u.cache
}
