package app

import (
	corelogging "github.com/core-tools/hsu-core/pkg/logging"

	"github.com/core-tools/hsu-users/pkg/api"
	"github.com/core-tools/hsu-users/pkg/cache"
	"github.com/core-tools/hsu-users/pkg/config"
	"github.com/core-tools/hsu-users/pkg/control"
	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/lifecycle"
	"github.com/core-tools/hsu-users/pkg/logging"
	"github.com/core-tools/hsu-users/pkg/metrics"
	"github.com/core-tools/hsu-users/pkg/monitoring"
	"github.com/core-tools/hsu-users/pkg/stats"
	"github.com/core-tools/hsu-users/pkg/store"
)

type Options struct {
	Version string
	Logger  logging.Logger
	// CoreLogger backs the hsu-core control server. Defaults to Logger.
	CoreLogger corelogging.Logger
	// Metrics is shared by every unit. A fresh registry is used when nil.
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.CoreLogger == nil {
		o.CoreLogger = control.NewCoreLogger(logging.ModulePrefix("core"), o.Logger)
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	return o
}

// ComposeApp builds the full tree: app -> {users, control}. Nothing is
// constructed when cfg is invalid.
func ComposeApp(cfg *config.Config, options Options) (*RootUnit, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	options = options.withDefaults()

	var controlUnit *control.ControlUnit
	if cfg.Control.Enabled {
		controlUnit = control.NewControlUnit(
			control.UnitOptions{Port: cfg.Control.Port},
			options.CoreLogger,
			logging.Named(options.Logger, logging.ModulePrefix("control")),
		)
	}

	users := composeUsers(cfg, options, controlUnit)

	children := []lifecycle.Unit{users}
	if controlUnit != nil {
		children = append(children, controlUnit)
	}

	return NewRootUnit(RootOptions{
		RunDuration: cfg.Runner.RunDuration,
		PidFile:     cfg.Runner.PidFile,
	}, children, logging.Named(options.Logger, logging.ModulePrefix("app"))), nil
}

// ComposeUsers builds the users subtree alone, without the control server.
func ComposeUsers(cfg *config.Config, options Options) (*UsersUnit, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return composeUsers(cfg, options.withDefaults(), nil), nil
}

func composeUsers(cfg *config.Config, options Options, controlUnit *control.ControlUnit) *UsersUnit {
	logger := options.Logger

	database := store.NewDatabaseUnit(store.DatabaseUnitOptions{
		DSN:            cfg.Database.DSN,
		MaxOpenConns:   cfg.Database.MaxOpenConns,
		MigrateOnStart: cfg.Database.MigrateOnStart,
	}, logging.Named(logger, logging.ModulePrefix("database")))

	var cacheUnit *cache.CacheUnit
	if cfg.Cache.Enabled {
		cacheUnit = cache.NewCacheUnit(cache.RedisOptions{
			Address:  cfg.Cache.Address,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		}, logging.Named(logger, logging.ModulePrefix("cache")))
	}

	apiOptions := api.UnitOptions{
		Address:        cfg.API.Address(),
		Version:        options.Version,
		RequestTimeout: cfg.API.RequestTimeout,
		DefaultPerPage: cfg.API.DefaultPerPage,
		EmailDomain:    cfg.Stats.EmailDomain,
		CacheTTL:       cfg.Cache.TTL,
	}
	if cfg.API.RateLimit.Enabled {
		apiOptions.RateLimit = &api.RateLimitOptions{
			RPS:   cfg.API.RateLimit.RPS,
			Burst: cfg.API.RateLimit.Burst,
		}
	}
	apiUnit := api.NewAPIUnit(apiOptions, database, cacheUnit, options.Metrics, logging.Named(logger, logging.ModulePrefix("api")))

	var statsUnit *stats.StatsUnit
	if cfg.Stats.Enabled {
		statsUnit = stats.NewStatsUnit(stats.UnitOptions{
			Schedule:    cfg.Stats.Schedule,
			EmailDomain: cfg.Stats.EmailDomain,
		}, database, options.Metrics, logging.Named(logger, logging.ModulePrefix("stats")))
	}

	var monitorUnit *monitoring.MonitorUnit
	if cfg.Monitor.Enabled {
		monitorUnit = monitoring.NewMonitorUnit(monitorRunOptions(cfg.Monitor), apiUnit, controlUnit, options.Metrics,
			logging.Named(logger, logging.ModulePrefix("monitor")))
	}

	return NewUsersUnit(apiUnit, statsUnit, monitorUnit, logging.Named(logger, logging.ModulePrefix("users")))
}

func monitorRunOptions(cfg config.MonitorConfig) monitoring.HealthCheckRunOptions {
	return monitoring.DefaultRunOptions(monitoring.HealthCheckRunOptions{
		Interval:     cfg.Interval,
		Timeout:      cfg.Timeout,
		InitialDelay: cfg.InitialDelay,
	})
}

func validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.NewValidationError("configuration is required", nil)
	}
	if err := config.Validate(cfg); err != nil {
		return errors.NewValidationError("invalid configuration", err)
	}
	if cfg.Monitor.Enabled {
		if err := monitoring.ValidateHealthCheckRunOptions(monitorRunOptions(cfg.Monitor)); err != nil {
			return errors.NewValidationError("invalid configuration: monitor.timeout must be less than monitor.interval", err)
		}
	}
	return nil
}

// RunnerOptions maps the runner section of cfg, with the platform shutdown
// signals.
func RunnerOptions(cfg *config.Config) lifecycle.RunnerOptions {
	return lifecycle.RunnerOptions{
		GracePeriod:      cfg.Runner.GracePeriod,
		StopTimeout:      cfg.Runner.StopTimeout,
		StartConcurrency: cfg.Runner.StartConcurrency,
		Signals:          lifecycle.DefaultSignals(),
	}
}
