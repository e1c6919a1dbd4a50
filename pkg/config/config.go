package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/logging"
)

const (
	// EnvPrefix prefixes every environment override, e.g. USERS_API__PORT.
	EnvPrefix = "USERS"

	// EnvNestedDelimiter separates nested keys in environment variable names.
	EnvNestedDelimiter = "__"

	DefaultSecretsDir = "/run/secrets"
)

// Config is the top-level configuration of the users service.
type Config struct {
	Logging  logging.ZapConfig `mapstructure:"logging" yaml:"logging"`
	Runner   RunnerConfig      `mapstructure:"runner" yaml:"runner"`
	Database DatabaseConfig    `mapstructure:"database" yaml:"database"`
	API      APIConfig         `mapstructure:"api" yaml:"api"`
	Cache    CacheConfig       `mapstructure:"cache" yaml:"cache"`
	Control  ControlConfig     `mapstructure:"control" yaml:"control"`
	Stats    StatsConfig       `mapstructure:"stats" yaml:"stats"`
	Monitor  MonitorConfig     `mapstructure:"monitor" yaml:"monitor"`
}

type RunnerConfig struct {
	GracePeriod      time.Duration `mapstructure:"grace_period" yaml:"grace_period" validate:"gte=0"`
	StopTimeout      time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout" validate:"gte=0"`
	StartConcurrency int           `mapstructure:"start_concurrency" yaml:"start_concurrency" validate:"gte=0"`
	// RunDuration stops the service after the given time, 0 runs until signalled.
	RunDuration time.Duration `mapstructure:"run_duration" yaml:"run_duration" validate:"gte=0"`
	PidFile     string        `mapstructure:"pid_file" yaml:"pid_file,omitempty"`
}

type DatabaseConfig struct {
	// DSN is sqlite://<path> or postgres://...
	DSN            string `mapstructure:"dsn" yaml:"dsn" validate:"required,dsn"`
	MaxOpenConns   int    `mapstructure:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`
	MigrateOnStart bool   `mapstructure:"migrate_on_start" yaml:"migrate_on_start"`
}

type APIConfig struct {
	Host           string          `mapstructure:"host" yaml:"host"`
	Port           int             `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
	RequestTimeout time.Duration   `mapstructure:"request_timeout" yaml:"request_timeout" validate:"gte=0"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	DefaultPerPage int             `mapstructure:"default_per_page" yaml:"default_per_page" validate:"min=1,max=100"`
}

// Address returns host:port for the listener.
func (c APIConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled" yaml:"enabled"`
	RPS     float64 `mapstructure:"rps" yaml:"rps" validate:"gte=0"`
	Burst   int     `mapstructure:"burst" yaml:"burst" validate:"gte=0"`
}

type CacheConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Address  string        `mapstructure:"address" yaml:"address" validate:"required_if=Enabled true"`
	Password string        `mapstructure:"password" yaml:"password,omitempty"`
	DB       int           `mapstructure:"db" yaml:"db" validate:"gte=0"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl" validate:"gte=0"`
}

type ControlConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
}

type StatsConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Schedule    string `mapstructure:"schedule" yaml:"schedule" validate:"required,schedule"`
	EmailDomain string `mapstructure:"email_domain" yaml:"email_domain" validate:"required,hostname"`
}

type MonitorConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Interval     time.Duration `mapstructure:"interval" yaml:"interval" validate:"gte=0"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gte=0"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay" validate:"gte=0"`
}

// LoadOptions points Load at its optional inputs.
type LoadOptions struct {
	ConfigFile string // YAML file, optional
	EnvFile    string // dotenv file, optional
	SecretsDir string // one file per variable, optional
}

// Load builds the configuration from defaults, the optional YAML file and
// the environment, then applies defaults and validates the result.
//
// Precedence (highest first): environment (including the env file and
// secrets, which never override variables already set), config file,
// defaults.
func Load(options LoadOptions) (*Config, error) {
	if err := loadEnvFile(options.EnvFile); err != nil {
		return nil, err
	}
	if err := loadSecretsDir(options.SecretsDir); err != nil {
		return nil, err
	}

	v := viper.New()
	setupViper(v)
	registerDefaults(v, Default())

	if options.ConfigFile != "" {
		v.SetConfigFile(options.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.NewConfigurationError("failed to read configuration file", err).
				WithContext("filename", options.ConfigFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.NewConfigurationError("failed to decode configuration", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setupViper(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", EnvNestedDelimiter))
	v.AutomaticEnv()
	v.SetConfigType("yaml")
}

// registerDefaults makes every key known to viper, which is what lets
// AutomaticEnv reach keys absent from the config file.
func registerDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.caller", d.Logging.Caller)
	v.SetDefault("logging.stacktrace", d.Logging.Stacktrace)

	v.SetDefault("runner.grace_period", d.Runner.GracePeriod)
	v.SetDefault("runner.stop_timeout", d.Runner.StopTimeout)
	v.SetDefault("runner.start_concurrency", d.Runner.StartConcurrency)
	v.SetDefault("runner.run_duration", d.Runner.RunDuration)
	v.SetDefault("runner.pid_file", d.Runner.PidFile)

	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_open_conns", d.Database.MaxOpenConns)
	v.SetDefault("database.migrate_on_start", d.Database.MigrateOnStart)

	v.SetDefault("api.host", d.API.Host)
	v.SetDefault("api.port", d.API.Port)
	v.SetDefault("api.request_timeout", d.API.RequestTimeout)
	v.SetDefault("api.rate_limit.enabled", d.API.RateLimit.Enabled)
	v.SetDefault("api.rate_limit.rps", d.API.RateLimit.RPS)
	v.SetDefault("api.rate_limit.burst", d.API.RateLimit.Burst)
	v.SetDefault("api.default_per_page", d.API.DefaultPerPage)

	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.address", d.Cache.Address)
	v.SetDefault("cache.password", d.Cache.Password)
	v.SetDefault("cache.db", d.Cache.DB)
	v.SetDefault("cache.ttl", d.Cache.TTL)

	v.SetDefault("control.enabled", d.Control.Enabled)
	v.SetDefault("control.port", d.Control.Port)

	v.SetDefault("stats.enabled", d.Stats.Enabled)
	v.SetDefault("stats.schedule", d.Stats.Schedule)
	v.SetDefault("stats.email_domain", d.Stats.EmailDomain)

	v.SetDefault("monitor.enabled", d.Monitor.Enabled)
	v.SetDefault("monitor.interval", d.Monitor.Interval)
	v.SetDefault("monitor.timeout", d.Monitor.Timeout)
	v.SetDefault("monitor.initial_delay", d.Monitor.InitialDelay)
}

func loadEnvFile(filename string) error {
	if filename == "" {
		return nil
	}
	// godotenv.Load keeps variables that are already set
	if err := godotenv.Load(filename); err != nil {
		return errors.NewConfigurationError("failed to load env file", err).WithContext("filename", filename)
	}
	return nil
}

// loadSecretsDir exports every regular file of dir as an environment
// variable named after the file, upper-cased and prefixed with USERS_ when
// the prefix is missing. Symlinks are followed, as in Kubernetes secret
// mounts. A missing directory is not an error.
func loadSecretsDir(dir string) error {
	if dir == "" {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.NewIOError("failed to read secrets directory", err).WithContext("dir", dir)
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		name := SecretEnvName(entry.Name())
		if _, exists := os.LookupEnv(name); exists {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.NewIOError("failed to read secret", err).WithContext("secret", entry.Name())
		}
		if err := os.Setenv(name, strings.TrimSpace(string(data))); err != nil {
			return errors.NewConfigurationError("failed to export secret", err).WithContext("secret", entry.Name())
		}
	}

	return nil
}

// SecretEnvName maps a secret file name to its environment variable.
func SecretEnvName(filename string) string {
	name := strings.ToUpper(filename)
	if !strings.HasPrefix(name, EnvPrefix+"_") {
		name = EnvPrefix + "_" + name
	}
	return name
}

// YAML renders cfg with secrets masked.
func (c *Config) YAML() ([]byte, error) {
	masked := *c
	if masked.Cache.Password != "" {
		masked.Cache.Password = "********"
	}
	data, err := yaml.Marshal(&masked)
	if err != nil {
		return nil, errors.NewInternalError("failed to render configuration", err)
	}
	return data, nil
}
