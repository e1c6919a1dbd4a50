package app

import (
	"context"
	"strings"

	"github.com/core-tools/hsu-users/pkg/api"
	"github.com/core-tools/hsu-users/pkg/lifecycle"
	"github.com/core-tools/hsu-users/pkg/logging"
	"github.com/core-tools/hsu-users/pkg/monitoring"
	"github.com/core-tools/hsu-users/pkg/stats"
)

// UsersUnit groups the user-facing units. It owns no resources.
type UsersUnit struct {
	api     *api.APIUnit
	stats   *stats.StatsUnit
	monitor *monitoring.MonitorUnit
	logger  logging.Logger
}

// NewUsersUnit creates the aggregate. statsUnit and monitorUnit may be nil.
func NewUsersUnit(apiUnit *api.APIUnit, statsUnit *stats.StatsUnit, monitorUnit *monitoring.MonitorUnit, logger logging.Logger) *UsersUnit {
	return &UsersUnit{
		api:     apiUnit,
		stats:   statsUnit,
		monitor: monitorUnit,
		logger:  logger,
	}
}

func (u *UsersUnit) Name() string {
	return "users"
}

func (u *UsersUnit) Dependencies() []lifecycle.Unit {
	deps := []lifecycle.Unit{u.api}
	if u.stats != nil {
		deps = append(deps, u.stats)
	}
	if u.monitor != nil {
		deps = append(deps, u.monitor)
	}
	return deps
}

func (u *UsersUnit) Start(ctx context.Context, tasks lifecycle.Tasks) error {
	names := make([]string, 0, 3)
	for _, dep := range u.Dependencies() {
		names = append(names, dep.Name())
	}
	u.logger.Infof("Users service started, api: %v, units: %s", u.api.Addr(), strings.Join(names, ","))
	return nil
}

func (u *UsersUnit) Stop(ctx context.Context) error {
	u.logger.Infof("Users service stopping")
	return nil
}

func (u *UsersUnit) API() *api.APIUnit {
	return u.api
}

// Stats is nil when the stats job is disabled.
func (u *UsersUnit) Stats() *stats.StatsUnit {
	return u.stats
}

// Monitor is nil when health monitoring is disabled.
func (u *UsersUnit) Monitor() *monitoring.MonitorUnit {
	return u.monitor
}
