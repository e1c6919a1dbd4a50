package api

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/core-tools/hsu-users/pkg/cache"
	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/lifecycle"
	"github.com/core-tools/hsu-users/pkg/logging"
	"github.com/core-tools/hsu-users/pkg/metrics"
	"github.com/core-tools/hsu-users/pkg/store"
)

const rateLimitCleanupInterval = time.Minute

type UnitOptions struct {
	Address         string
	Version         string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	DefaultPerPage  int
	EmailDomain     string
	// RateLimit enables the per-client limiter when set.
	RateLimit *RateLimitOptions
	CacheTTL  time.Duration
}

// APIUnit serves the REST API. It depends on the database and, when
// configured, on the cache.
type APIUnit struct {
	options  UnitOptions
	database *store.DatabaseUnit
	cache    *cache.CacheUnit
	metrics  *metrics.Metrics
	logger   logging.Logger

	mutex  sync.Mutex
	server *Server
}

// NewAPIUnit creates the unit. cacheUnit and m may be nil.
func NewAPIUnit(options UnitOptions, database *store.DatabaseUnit, cacheUnit *cache.CacheUnit, m *metrics.Metrics, logger logging.Logger) *APIUnit {
	return &APIUnit{
		options:  options,
		database: database,
		cache:    cacheUnit,
		metrics:  m,
		logger:   logger,
	}
}

func (u *APIUnit) Name() string {
	return "api"
}

func (u *APIUnit) Dependencies() []lifecycle.Unit {
	deps := []lifecycle.Unit{u.database}
	if u.cache != nil {
		deps = append(deps, u.cache)
	}
	return deps
}

func (u *APIUnit) Start(ctx context.Context, tasks lifecycle.Tasks) error {
	repo, err := u.repository()
	if err != nil {
		return err
	}

	var limiter *RateLimiter
	if u.options.RateLimit != nil {
		limiter = NewRateLimiter(*u.options.RateLimit, u.logger)
	}

	handler := NewUserHandler(repo, u.options.DefaultPerPage, u.options.EmailDomain, u.logger)
	router := NewRouter(handler, RouterOptions{
		Version:        u.options.Version,
		RequestTimeout: u.options.RequestTimeout,
		RateLimiter:    limiter,
		Metrics:        u.metrics,
	}, u.logger)

	server := NewServer(u.options.Address, router, u.options.ShutdownTimeout, u.logger)
	if err := server.Listen(); err != nil {
		return err
	}

	u.mutex.Lock()
	u.server = server
	u.mutex.Unlock()

	tasks.Go("http-server", server.Serve)
	if limiter != nil {
		tasks.Go("rate-limit-cleanup", func(ctx context.Context) error {
			return limiter.RunCleanup(ctx, rateLimitCleanupInterval)
		})
	}

	return nil
}

func (u *APIUnit) repository() (store.Repository, error) {
	db := u.database.Store()
	if db == nil {
		return nil, errors.NewStartupError("database is not available", nil)
	}

	var repo store.Repository = db
	if u.cache == nil {
		return repo, nil
	}

	c := u.cache.Cache()
	if c == nil {
		return nil, errors.NewStartupError("cache is not available", nil)
	}
	u.logger.Infof("User reads are cached, ttl: %v", u.options.CacheTTL)
	return cache.NewUserCache(repo, c, u.options.CacheTTL, u.logger), nil
}

// Stop shuts the server down if the serve task has not already done so.
func (u *APIUnit) Stop(ctx context.Context) error {
	u.mutex.Lock()
	server := u.server
	u.server = nil
	u.mutex.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Addr returns the bound address while the unit is running.
func (u *APIUnit) Addr() net.Addr {
	u.mutex.Lock()
	server := u.server
	u.mutex.Unlock()
	if server == nil {
		return nil
	}
	return server.Addr()
}
