package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-users/pkg/cache"
	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/lifecycle"
	"github.com/core-tools/hsu-users/pkg/logging"
	"github.com/core-tools/hsu-users/pkg/store"
)

func createTestDatabaseUnit(t *testing.T) *store.DatabaseUnit {
	return store.NewDatabaseUnit(store.DatabaseUnitOptions{DSN: testDSN(t), MigrateOnStart: true}, logging.Nop())
}

func waitForAddr(t *testing.T, unit *APIUnit) net.Addr {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if addr := unit.Addr(); addr != nil {
			return addr
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("API unit did not start listening")
	return nil
}

func TestAPIUnit_Dependencies(t *testing.T) {
	database := createTestDatabaseUnit(t)

	t.Run("without_cache", func(t *testing.T) {
		unit := NewAPIUnit(UnitOptions{}, database, nil, nil, logging.Nop())
		assert.Equal(t, "api", unit.Name())
		assert.Equal(t, []lifecycle.Unit{database}, unit.Dependencies())
	})

	t.Run("with_cache", func(t *testing.T) {
		cacheUnit := cache.NewCacheUnit(cache.RedisOptions{Address: "127.0.0.1:1"}, logging.Nop())
		unit := NewAPIUnit(UnitOptions{}, database, cacheUnit, nil, logging.Nop())
		assert.Equal(t, []lifecycle.Unit{database, cacheUnit}, unit.Dependencies())
	})
}

func TestAPIUnit_ServesUnderRunner(t *testing.T) {
	database := createTestDatabaseUnit(t)
	unit := NewAPIUnit(UnitOptions{
		Address:     "127.0.0.1:0",
		Version:     "0.1.0",
		EmailDomain: "example.com",
		RateLimit:   &RateLimitOptions{RPS: 100, Burst: 100},
	}, database, nil, nil, createTestLogger())

	runner, err := lifecycle.NewRunner(unit, lifecycle.RunnerOptions{GracePeriod: time.Second}, createTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- runner.Run(ctx)
	}()

	addr := waitForAddr(t, unit)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", addr))
	require.NoError(t, err)
	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, HealthResponse{Version: "0.1.0", Name: "Users"}, health)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not stop")
	}

	assert.Equal(t, []string{"database", "api"}, runner.StartOrder())
	assert.Equal(t, []string{"api", "database"}, runner.StopOrder())
	assert.Empty(t, runner.ShutdownErrors())
	assert.Nil(t, unit.Addr())

	_, err = net.DialTimeout("tcp", addr.String(), 200*time.Millisecond)
	assert.Error(t, err, "listener is closed after stop")
}

func TestAPIUnit_BindFailureIsStartupError(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	database := createTestDatabaseUnit(t)
	unit := NewAPIUnit(UnitOptions{Address: occupied.Addr().String()}, database, nil, nil, createTestLogger())

	runner, err := lifecycle.NewRunner(unit, lifecycle.RunnerOptions{}, createTestLogger())
	require.NoError(t, err)

	err = runner.Run(context.Background())

	require.Error(t, err)
	assert.True(t, errors.IsStartupError(err))
	assert.True(t, stderrors.Is(err, &errors.DomainError{Type: errors.ErrorTypeNetwork}))
	assert.Equal(t, []string{"database"}, runner.StopOrder())
}

func TestAPIUnit_StartWithoutDatabase(t *testing.T) {
	unit := NewAPIUnit(UnitOptions{Address: "127.0.0.1:0"}, createTestDatabaseUnit(t), nil, nil, logging.Nop())

	err := unit.Start(context.Background(), nil)

	assert.True(t, errors.IsStartupError(err))
	assert.NoError(t, unit.Stop(context.Background()))
}

func TestServer_ShutdownBeforeServe(t *testing.T) {
	server := NewServer("127.0.0.1:0", http.NotFoundHandler(), time.Second, createTestLogger())
	require.NoError(t, server.Listen())
	require.NotNil(t, server.Addr())

	require.NoError(t, server.Shutdown(context.Background()))
	assert.NoError(t, server.Shutdown(context.Background()), "second shutdown returns the first result")

	assert.NoError(t, server.Serve(context.Background()), "serve after shutdown returns immediately")
}

func TestServer_ServeBeforeListen(t *testing.T) {
	server := NewServer("127.0.0.1:0", http.NotFoundHandler(), time.Second, createTestLogger())
	assert.True(t, errors.IsInternalError(server.Serve(context.Background())))
}
