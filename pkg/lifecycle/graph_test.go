package lifecycle

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-users/pkg/errors"
)

func TestPlan(t *testing.T) {
	rec := &recorder{}

	t.Run("linear_chain", func(t *testing.T) {
		database := newTestUnit("database", rec)
		api := newTestUnit("api", rec, database)
		root := newTestUnit("root", rec, api)

		order, err := Plan(root)
		require.NoError(t, err)
		assert.Equal(t, []string{"database", "api", "root"}, order)
	})

	t.Run("siblings_in_declared_order", func(t *testing.T) {
		root := newTestUnit("root", rec, newTestUnit("cache", rec), newTestUnit("database", rec))

		order, err := Plan(root)
		require.NoError(t, err)
		assert.Equal(t, []string{"cache", "database", "root"}, order)
	})

	t.Run("shared_unit_once", func(t *testing.T) {
		database := newTestUnit("database", rec)
		api := newTestUnit("api", rec, database)
		stats := newTestUnit("stats", rec, database)
		root := newTestUnit("root", rec, api, stats)

		order, err := Plan(root)
		require.NoError(t, err)
		assert.Equal(t, []string{"database", "api", "stats", "root"}, order)
	})

	t.Run("single_unit", func(t *testing.T) {
		order, err := Plan(newTestUnit("root", rec))
		require.NoError(t, err)
		assert.Equal(t, []string{"root"}, order)
	})

	t.Run("self_dependency", func(t *testing.T) {
		root := newTestUnit("root", rec)
		root.deps = []Unit{root}

		_, err := Plan(root)
		require.Error(t, err)
		assert.True(t, errors.IsValidationError(err))
		assert.Contains(t, err.Error(), "root -> root")
	})
}

func TestDescribe(t *testing.T) {
	rec := &recorder{}
	database := newTestUnit("database", rec)
	api := newTestUnit("api", rec, database)
	stats := newTestUnit("stats", rec, database)
	root := newTestUnit("root", rec, api, stats)

	out, err := Describe(root)
	require.NoError(t, err)

	expected := "root\n" +
		"  api\n" +
		"    database\n" +
		"  stats\n" +
		"    database (shared)\n"
	assert.Equal(t, expected, out)

	_, err = Describe(nil)
	assert.Error(t, err)
}

func TestValidateUnitName(t *testing.T) {
	valid := []string{"api", "users-db", "cache_1", "A"}
	for _, name := range valid {
		assert.NoError(t, ValidateUnitName(name), name)
	}

	invalid := []string{"", "with space", "dot.name", "slash/name", strings.Repeat("a", 65)}
	for _, name := range invalid {
		err := ValidateUnitName(name)
		assert.Error(t, err, name)
		assert.True(t, errors.IsValidationError(err))
	}
}

func TestValidateRunnerOptions(t *testing.T) {
	assert.NoError(t, ValidateRunnerOptions(RunnerOptions{}))
	assert.Error(t, ValidateRunnerOptions(RunnerOptions{StopTimeout: -1}))
	assert.Error(t, ValidateRunnerOptions(RunnerOptions{StartConcurrency: -1}))
}

type valueUnit struct {
	name string
	deps []Unit
}

func (u valueUnit) Name() string                                { return u.name }
func (u valueUnit) Dependencies() []Unit                        { return u.deps }
func (u valueUnit) Start(ctx context.Context, tasks Tasks) error { return nil }
func (u valueUnit) Stop(ctx context.Context) error               { return nil }

func TestPlan_NonComparableUnits(t *testing.T) {
	database := valueUnit{name: "database"}
	api := valueUnit{name: "api", deps: []Unit{database}}
	stats := valueUnit{name: "stats", deps: []Unit{database}}
	root := valueUnit{name: "root", deps: []Unit{api, stats}}

	var plan []string
	var err error
	require.NotPanics(t, func() {
		plan, err = Plan(root)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"database", "api", "stats", "root"}, plan)

	out, err := Describe(root)
	require.NoError(t, err)
	assert.Contains(t, out, "database (shared)")

	runner, err := NewRunner(root, RunnerOptions{}, createTestLogger())
	require.NoError(t, err)
	require.NoError(t, runner.Run(canceledContext()))

	t.Run("duplicate_name_of_other_type", func(t *testing.T) {
		rec := &recorder{}
		root := valueUnit{name: "root", deps: []Unit{database, newTestUnit("database", rec)}}
		_, err := Plan(root)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate unit name")
	})
}

func canceledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}
