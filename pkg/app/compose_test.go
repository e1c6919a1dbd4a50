package app

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-users/pkg/config"
	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/lifecycle"
	"github.com/core-tools/hsu-users/pkg/logging"
)

func createTestConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Database.DSN = "sqlite://" + filepath.Join(t.TempDir(), "users.sqlite3")
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = freePort(t)
	cfg.Control.Enabled = false
	return cfg
}

func freePort(t *testing.T) int {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}

func TestComposeApp_Plan(t *testing.T) {
	tests := []struct {
		name   string
		modify func(cfg *config.Config)
		plan   []string
	}{
		{
			name:   "defaults",
			modify: func(cfg *config.Config) { cfg.Control.Enabled = true },
			plan:   []string{"database", "api", "stats", "users", "control", "app"},
		},
		{
			name: "minimal",
			modify: func(cfg *config.Config) {
				cfg.Stats.Enabled = false
			},
			plan: []string{"database", "api", "users", "app"},
		},
		{
			name: "everything",
			modify: func(cfg *config.Config) {
				cfg.Cache.Enabled = true
				cfg.Control.Enabled = true
				cfg.Monitor.Enabled = true
			},
			plan: []string{"database", "cache", "api", "stats", "control", "monitor", "users", "app"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createTestConfig(t)
			tt.modify(cfg)

			root, err := ComposeApp(cfg, Options{Logger: logging.Nop()})
			require.NoError(t, err)

			plan, err := lifecycle.Plan(root)
			require.NoError(t, err)
			assert.Equal(t, tt.plan, plan)

			again, err := ComposeApp(cfg, Options{Logger: logging.Nop()})
			require.NoError(t, err)
			againPlan, err := lifecycle.Plan(again)
			require.NoError(t, err)
			assert.Equal(t, plan, againPlan, "equivalent configuration, equivalent tree")
		})
	}
}

func TestComposeApp_SharedControlUnit(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Control.Enabled = true
	cfg.Monitor.Enabled = true

	root, err := ComposeApp(cfg, Options{})
	require.NoError(t, err)

	outline, err := lifecycle.Describe(root)
	require.NoError(t, err)
	assert.Contains(t, outline, "      control\n")
	assert.Contains(t, outline, "  control (shared)\n")
}

func TestComposeUsers_Plan(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Control.Enabled = true
	cfg.Monitor.Enabled = true

	users, err := ComposeUsers(cfg, Options{})
	require.NoError(t, err)

	plan, err := lifecycle.Plan(users)
	require.NoError(t, err)
	assert.Equal(t, []string{"database", "api", "stats", "monitor", "users"}, plan)
	assert.NotNil(t, users.API())
	assert.NotNil(t, users.Stats())
	assert.NotNil(t, users.Monitor())
}

func TestCompose_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(cfg *config.Config)
		message string
	}{
		{
			name:    "missing_dsn",
			modify:  func(cfg *config.Config) { cfg.Database.DSN = "" },
			message: "database.dsn is required",
		},
		{
			name:    "invalid_port",
			modify:  func(cfg *config.Config) { cfg.API.Port = 70000 },
			message: "api.port must be at most 65535",
		},
		{
			name: "monitor_timeout",
			modify: func(cfg *config.Config) {
				cfg.Monitor.Enabled = true
				cfg.Monitor.Interval = 100
				cfg.Monitor.Timeout = 100
			},
			message: "monitor.timeout must be less than monitor.interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createTestConfig(t)
			tt.modify(cfg)

			_, err := ComposeApp(cfg, Options{})
			require.Error(t, err)
			assert.True(t, errors.IsValidationError(err))
			assert.Contains(t, err.Error(), tt.message)

			_, err = ComposeUsers(cfg, Options{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}

	t.Run("nil_config", func(t *testing.T) {
		_, err := ComposeApp(nil, Options{})
		require.Error(t, err)
		assert.True(t, errors.IsValidationError(err))
	})
}

func TestRunnerOptions(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Runner.StartConcurrency = 1

	options := RunnerOptions(cfg)
	assert.Equal(t, cfg.Runner.GracePeriod, options.GracePeriod)
	assert.Equal(t, cfg.Runner.StopTimeout, options.StopTimeout)
	assert.Equal(t, 1, options.StartConcurrency)
	assert.Equal(t, lifecycle.DefaultSignals(), options.Signals)
	assert.NoError(t, lifecycle.ValidateRunnerOptions(options))
}
