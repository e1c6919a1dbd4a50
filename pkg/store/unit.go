package store

import (
	"context"
	"sync"

	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/lifecycle"
	"github.com/core-tools/hsu-users/pkg/logging"
)

type DatabaseUnitOptions struct {
	DSN            string
	MaxOpenConns   int
	MigrateOnStart bool
}

// DatabaseUnit owns the Store for the lifetime of a run. Dependents read it
// through Store once their own Start is called.
type DatabaseUnit struct {
	options DatabaseUnitOptions
	logger  logging.Logger

	mutex sync.Mutex
	store *Store
}

func NewDatabaseUnit(options DatabaseUnitOptions, logger logging.Logger) *DatabaseUnit {
	return &DatabaseUnit{
		options: options,
		logger:  logger,
	}
}

func (u *DatabaseUnit) Name() string {
	return "database"
}

func (u *DatabaseUnit) Dependencies() []lifecycle.Unit {
	return nil
}

func (u *DatabaseUnit) Start(ctx context.Context, tasks lifecycle.Tasks) error {
	if u.options.MigrateOnStart {
		migrator, err := NewMigrator(u.options.DSN, u.logger)
		if err != nil {
			return err
		}
		if err := migrator.Up(ctx); err != nil {
			return err
		}
	}

	s, err := Open(ctx, u.options.DSN, Options{MaxOpenConns: u.options.MaxOpenConns}, u.logger)
	if err != nil {
		return err
	}

	u.mutex.Lock()
	u.store = s
	u.mutex.Unlock()

	return nil
}

func (u *DatabaseUnit) Stop(ctx context.Context) error {
	u.mutex.Lock()
	s := u.store
	u.store = nil
	u.mutex.Unlock()

	if s == nil {
		return nil
	}

	u.logger.Infof("Closing database connection")
	if err := s.Close(); err != nil {
		return errors.NewIOError("failed to close database", err)
	}
	return nil
}

// Store returns the open store, or nil outside Start..Stop.
func (u *DatabaseUnit) Store() *Store {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.store
}
