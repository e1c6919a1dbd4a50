package stats

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/lifecycle"
	"github.com/core-tools/hsu-users/pkg/logging"
	"github.com/core-tools/hsu-users/pkg/metrics"
	"github.com/core-tools/hsu-users/pkg/store"
)

func testDSN(t *testing.T) string {
	return "sqlite://" + filepath.Join(t.TempDir(), "users.sqlite3")
}

func createTestStore(t *testing.T) *store.Store {
	ctx := context.Background()
	dsn := testDSN(t)

	migrator, err := store.NewMigrator(dsn, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, migrator.Up(ctx))

	s, err := store.Open(ctx, dsn, store.Options{}, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	for _, u := range [][2]string{
		{"alice", "alice@example.com"},
		{"bob", "bob@example.org"},
		{"carol", "carol@example.com"},
	} {
		_, err := s.CreateUser(ctx, u[0], u[1])
		require.NoError(t, err)
	}
	return s
}

const userGauges = `
# HELP users_email_domain_ratio_percent Percentage of users with an email address at the domain.
# TYPE users_email_domain_ratio_percent gauge
users_email_domain_ratio_percent{domain="example.com"} 66.67
# HELP users_registered_last_7_days Number of users registered in the last seven days at the last stats run.
# TYPE users_registered_last_7_days gauge
users_registered_last_7_days %s
# HELP users_registered_total Number of registered users at the last stats run.
# TYPE users_registered_total gauge
users_registered_total 3
`

func TestCollector_Collect(t *testing.T) {
	s := createTestStore(t)

	t.Run("recent_users", func(t *testing.T) {
		m := metrics.New()
		collector := NewCollector(s, m, "example.com", logging.Nop())

		snapshot, err := collector.Collect(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(3), snapshot.Total)
		assert.Equal(t, int64(3), snapshot.Recent)
		assert.Equal(t, 66.67, snapshot.EmailDomainRatio)

		expected := strings.Replace(userGauges, "%s", "3", 1)
		assert.NoError(t, testutil.GatherAndCompare(m.Registry, strings.NewReader(expected),
			"users_registered_total", "users_registered_last_7_days", "users_email_domain_ratio_percent"))
		assert.Equal(t, 1, mustGatherAndCount(t, m, "users_stats_runs_total"))
	})

	t.Run("registrations_older_than_a_week", func(t *testing.T) {
		m := metrics.New()
		collector := NewCollector(s, m, "example.com", logging.Nop())
		collector.now = func() time.Time { return time.Now().UTC().Add(30 * 24 * time.Hour) }

		snapshot, err := collector.Collect(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(3), snapshot.Total)
		assert.Equal(t, int64(0), snapshot.Recent)

		expected := strings.Replace(userGauges, "%s", "0", 1)
		assert.NoError(t, testutil.GatherAndCompare(m.Registry, strings.NewReader(expected),
			"users_registered_total", "users_registered_last_7_days", "users_email_domain_ratio_percent"))
	})

	t.Run("without_metrics", func(t *testing.T) {
		collector := NewCollector(s, nil, "example.org", logging.Nop())

		snapshot, err := collector.Collect(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 33.33, snapshot.EmailDomainRatio)
	})
}

func TestCollector_FailureRecordsUnsuccessfulRun(t *testing.T) {
	s := createTestStore(t)
	require.NoError(t, s.Close())

	m := metrics.New()
	collector := NewCollector(s, m, "example.com", logging.Nop())

	snapshot, err := collector.Collect(context.Background())

	assert.Nil(t, snapshot)
	assert.True(t, errors.IsIOError(err))

	expected := `
# HELP users_stats_runs_total Total number of stats job runs.
# TYPE users_stats_runs_total counter
users_stats_runs_total{success="false"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry, strings.NewReader(expected), "users_stats_runs_total"))
}

func TestStatsUnit_CollectsOnStart(t *testing.T) {
	ctx := context.Background()
	dsn := testDSN(t)
	database := store.NewDatabaseUnit(store.DatabaseUnitOptions{DSN: dsn, MigrateOnStart: true}, logging.Nop())
	unit := NewStatsUnit(UnitOptions{Schedule: "@every 1h", EmailDomain: "example.com"}, database, metrics.New(), logging.Nop())

	assert.Equal(t, "stats", unit.Name())
	assert.Equal(t, []lifecycle.Unit{database}, unit.Dependencies())

	runner, err := lifecycle.NewRunner(unit, lifecycle.RunnerOptions{GracePeriod: time.Second}, logging.Nop())
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- runner.Run(runCtx)
	}()

	require.Eventually(t, func() bool { return unit.Runs() > 0 }, 5*time.Second, 5*time.Millisecond)

	snapshot, err := unit.Last()
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, int64(0), snapshot.Total)
	assert.Equal(t, float64(0), snapshot.EmailDomainRatio)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Equal(t, []string{"stats", "database"}, runner.StopOrder())

	runs := unit.Runs()
	assert.NoError(t, unit.Stop(ctx))
	unit.collect(ctx)
	assert.Equal(t, runs, unit.Runs(), "no collection after stop")
}

func TestStatsUnit_InvalidSchedule(t *testing.T) {
	database := store.NewDatabaseUnit(store.DatabaseUnitOptions{DSN: testDSN(t)}, logging.Nop())
	unit := NewStatsUnit(UnitOptions{Schedule: "every minute"}, database, nil, logging.Nop())

	err := unit.Start(context.Background(), nil)

	assert.True(t, errors.IsValidationError(err))
}

func mustGatherAndCount(t *testing.T, m *metrics.Metrics, name string) int {
	count, err := testutil.GatherAndCount(m.Registry, name)
	require.NoError(t, err)
	return count
}
