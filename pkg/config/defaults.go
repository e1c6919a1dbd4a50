package config

import (
	"time"

	"github.com/core-tools/hsu-users/pkg/logging"
)

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Logging: logging.DefaultZapConfig(),
		Runner: RunnerConfig{
			GracePeriod: 5 * time.Second,
			StopTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:            "sqlite://users.sqlite3",
			MigrateOnStart: true,
		},
		API: APIConfig{
			Host:           "0.0.0.0",
			Port:           8000,
			RequestTimeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				RPS:   10,
				Burst: 20,
			},
			DefaultPerPage: 10,
		},
		Cache: CacheConfig{
			Address: "localhost:6379",
			TTL:     5 * time.Minute,
		},
		Control: ControlConfig{
			Enabled: true,
			Port:    50055,
		},
		Stats: StatsConfig{
			Enabled:     true,
			Schedule:    "@every 1m",
			EmailDomain: "example.com",
		},
		Monitor: MonitorConfig{
			Interval:     30 * time.Second,
			Timeout:      5 * time.Second,
			InitialDelay: 5 * time.Second,
		},
	}
}

// ApplyDefaults fills zero values left by an explicit empty setting in the
// config file. Booleans are left alone since false is meaningful.
func ApplyDefaults(cfg *Config) {
	d := Default()

	applyLoggingDefaults(&cfg.Logging, d.Logging)

	if cfg.Runner.GracePeriod == 0 {
		cfg.Runner.GracePeriod = d.Runner.GracePeriod
	}
	if cfg.Runner.StopTimeout == 0 {
		cfg.Runner.StopTimeout = d.Runner.StopTimeout
	}

	if cfg.Database.DSN == "" {
		cfg.Database.DSN = d.Database.DSN
	}

	if cfg.API.Port == 0 {
		cfg.API.Port = d.API.Port
	}
	if cfg.API.DefaultPerPage == 0 {
		cfg.API.DefaultPerPage = d.API.DefaultPerPage
	}
	if cfg.API.RateLimit.Enabled {
		if cfg.API.RateLimit.RPS == 0 {
			cfg.API.RateLimit.RPS = d.API.RateLimit.RPS
		}
		if cfg.API.RateLimit.Burst == 0 {
			cfg.API.RateLimit.Burst = d.API.RateLimit.Burst
		}
	}

	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = d.Cache.TTL
	}

	if cfg.Control.Port == 0 {
		cfg.Control.Port = d.Control.Port
	}

	if cfg.Stats.Schedule == "" {
		cfg.Stats.Schedule = d.Stats.Schedule
	}
	if cfg.Stats.EmailDomain == "" {
		cfg.Stats.EmailDomain = d.Stats.EmailDomain
	}

	if cfg.Monitor.Interval == 0 {
		cfg.Monitor.Interval = d.Monitor.Interval
	}
	if cfg.Monitor.Timeout == 0 {
		cfg.Monitor.Timeout = d.Monitor.Timeout
	}
}

func applyLoggingDefaults(cfg *logging.ZapConfig, d logging.ZapConfig) {
	if cfg.Level == "" {
		cfg.Level = d.Level
	}
	if cfg.Format == "" {
		cfg.Format = d.Format
	}
	if cfg.Output == "" {
		cfg.Output = d.Output
	}
}
