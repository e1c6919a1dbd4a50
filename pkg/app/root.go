package app

import (
	"context"
	"os"
	"time"

	"github.com/core-tools/hsu-users/pkg/lifecycle"
	"github.com/core-tools/hsu-users/pkg/logging"
	"github.com/core-tools/hsu-users/pkg/processfile"
)

type RootOptions struct {
	// RunDuration ends Run after the given time, 0 runs until cancelled.
	RunDuration time.Duration
	// PidFile is written on start and removed on stop when set.
	PidFile string
}

// RootUnit is the top of the application tree. Its Run keeps the tree
// alive until cancellation or the configured run duration.
type RootUnit struct {
	options  RootOptions
	children []lifecycle.Unit
	pidFile  *processfile.PIDFile
	logger   logging.Logger
}

func NewRootUnit(options RootOptions, children []lifecycle.Unit, logger logging.Logger) *RootUnit {
	root := &RootUnit{
		options:  options,
		children: children,
		logger:   logger,
	}
	if options.PidFile != "" {
		root.pidFile = processfile.NewPIDFile(options.PidFile, logger)
	}
	return root
}

func (u *RootUnit) Name() string {
	return "app"
}

func (u *RootUnit) Dependencies() []lifecycle.Unit {
	return u.children
}

func (u *RootUnit) Start(ctx context.Context, tasks lifecycle.Tasks) error {
	if u.pidFile != nil {
		if err := u.pidFile.Acquire(os.Getpid()); err != nil {
			return err
		}
	}
	u.logger.Infof("Application started, pid: %d", os.Getpid())
	return nil
}

func (u *RootUnit) Run(ctx context.Context) error {
	if u.options.RunDuration <= 0 {
		u.logger.Infof("Application is running, waiting for shutdown signal...")
		<-ctx.Done()
		return nil
	}

	u.logger.Infof("Using RUN DURATION of %v", u.options.RunDuration)
	timer := time.NewTimer(u.options.RunDuration)
	defer timer.Stop()

	select {
	case <-timer.C:
		u.logger.Infof("Run duration elapsed")
	case <-ctx.Done():
	}
	return nil
}

func (u *RootUnit) Stop(ctx context.Context) error {
	if u.pidFile != nil {
		return u.pidFile.Release()
	}
	return nil
}
