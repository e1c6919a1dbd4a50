package stats

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/lifecycle"
	"github.com/core-tools/hsu-users/pkg/logging"
	"github.com/core-tools/hsu-users/pkg/metrics"
	"github.com/core-tools/hsu-users/pkg/store"
)

type UnitOptions struct {
	// Schedule is a standard cron expression or a descriptor such as
	// "@every 1m".
	Schedule    string
	EmailDomain string
}

// StatsUnit refreshes the user gauges on a cron schedule, once right after
// start and then on every tick. Overlapping runs are skipped.
type StatsUnit struct {
	options  UnitOptions
	database *store.DatabaseUnit
	metrics  *metrics.Metrics
	logger   logging.Logger

	mutex     sync.Mutex
	last      *Snapshot
	lastErr   error
	runs      int
	collector *Collector
}

func NewStatsUnit(options UnitOptions, database *store.DatabaseUnit, m *metrics.Metrics, logger logging.Logger) *StatsUnit {
	return &StatsUnit{
		options:  options,
		database: database,
		metrics:  m,
		logger:   logger,
	}
}

func (u *StatsUnit) Name() string {
	return "stats"
}

func (u *StatsUnit) Dependencies() []lifecycle.Unit {
	return []lifecycle.Unit{u.database}
}

func (u *StatsUnit) Start(ctx context.Context, tasks lifecycle.Tasks) error {
	schedule, err := cron.ParseStandard(u.options.Schedule)
	if err != nil {
		return errors.NewValidationError("invalid stats schedule", err).WithContext("schedule", u.options.Schedule)
	}

	db := u.database.Store()
	if db == nil {
		return errors.NewStartupError("database is not available", nil)
	}

	collector := NewCollector(db, u.metrics, u.options.EmailDomain, u.logger)
	u.mutex.Lock()
	u.collector = collector
	u.mutex.Unlock()

	tasks.Go("stats-scheduler", func(ctx context.Context) error {
		return u.schedule(ctx, schedule)
	})

	u.logger.Infof("Stats scheduled, schedule: %s, email_domain: %s", u.options.Schedule, u.options.EmailDomain)
	return nil
}

func (u *StatsUnit) schedule(ctx context.Context, schedule cron.Schedule) error {
	cronLogger := &cronLogger{logger: u.logger}
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	c.Schedule(schedule, cron.FuncJob(func() {
		u.collect(ctx)
	}))

	u.collect(ctx)
	c.Start()

	<-ctx.Done()

	// Stop returns a context that is done once running jobs finished
	<-c.Stop().Done()
	return nil
}

func (u *StatsUnit) collect(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	u.mutex.Lock()
	collector := u.collector
	u.mutex.Unlock()
	if collector == nil {
		return
	}

	snapshot, err := collector.Collect(ctx)

	u.mutex.Lock()
	u.runs++
	u.lastErr = err
	if err == nil {
		u.last = snapshot
	}
	u.mutex.Unlock()

	if err != nil && ctx.Err() == nil {
		u.logger.Warnf("Stats collection failed: %v", err)
	}
}

func (u *StatsUnit) Stop(ctx context.Context) error {
	u.mutex.Lock()
	u.collector = nil
	u.mutex.Unlock()
	return nil
}

// Last returns the most recent successful snapshot, and the error of the
// most recent run.
func (u *StatsUnit) Last() (*Snapshot, error) {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.last, u.lastErr
}

func (u *StatsUnit) Runs() int {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.runs
}

// cronLogger adapts logging.Logger to cron.Logger.
type cronLogger struct {
	logger logging.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugf("cron: %s %v", msg, keysAndValues)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorf("cron: %s: %v %v", msg, err, keysAndValues)
}
