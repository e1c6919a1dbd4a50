package control

import (
	"context"
	"sync"

	corecontrol "github.com/core-tools/hsu-core/pkg/control"
	coredomain "github.com/core-tools/hsu-core/pkg/domain"
	corelogging "github.com/core-tools/hsu-core/pkg/logging"

	"github.com/core-tools/hsu-users/pkg/domain"
	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/lifecycle"
	"github.com/core-tools/hsu-users/pkg/logging"
)

type UnitOptions struct {
	Port int
}

// ControlUnit runs the hsu-core gRPC control server with the core service
// and grpc.health.v1. The health status is SERVING between Start and Stop.
type ControlUnit struct {
	options    UnitOptions
	coreLogger corelogging.Logger
	logger     logging.Logger
	handler    *domain.StatusHandler

	mutex  sync.Mutex
	server corecontrol.Server
}

func NewControlUnit(options UnitOptions, coreLogger corelogging.Logger, logger logging.Logger) *ControlUnit {
	return &ControlUnit{
		options:    options,
		coreLogger: coreLogger,
		logger:     logger,
		handler:    domain.NewStatusHandler(logger),
	}
}

// NewCoreLogger backs an hsu-core logger with l.
func NewCoreLogger(prefix string, l logging.Logger) corelogging.Logger {
	return corelogging.NewLogger(prefix, corelogging.LogFuncs{
		Debugf: l.Debugf,
		Infof:  l.Infof,
		Warnf:  l.Warnf,
		Errorf: l.Errorf,
	})
}

func (u *ControlUnit) Name() string {
	return "control"
}

func (u *ControlUnit) Dependencies() []lifecycle.Unit {
	return nil
}

func (u *ControlUnit) Start(ctx context.Context, tasks lifecycle.Tasks) error {
	server, err := corecontrol.NewServer(corecontrol.ServerOptions{Port: u.options.Port}, u.coreLogger)
	if err != nil {
		return errors.NewNetworkError("failed to create control server", err).WithContext("port", u.options.Port)
	}

	// Register core services
	coreHandler := coredomain.NewDefaultHandler(u.coreLogger)
	corecontrol.RegisterGRPCServerHandler(server.GRPC(), coreHandler, u.coreLogger)

	RegisterGRPCServerHandler(server.GRPC(), u.handler, u.logger)

	u.mutex.Lock()
	u.server = server
	u.mutex.Unlock()

	tasks.Go("grpc-server", func(ctx context.Context) error {
		server.Start(ctx)
		<-ctx.Done()
		return nil
	})

	u.handler.SetStatus(domain.StatusServing)
	u.logger.Infof("Control server started, port: %d", u.options.Port)
	return nil
}

func (u *ControlUnit) Stop(ctx context.Context) error {
	u.handler.SetStatus(domain.StatusNotServing)

	u.mutex.Lock()
	server := u.server
	u.server = nil
	u.mutex.Unlock()

	if server == nil {
		return nil
	}

	server.Shutdown(ctx)
	u.logger.Infof("Control server stopped")
	return nil
}

// Handler is the status source served over grpc.health.v1.
func (u *ControlUnit) Handler() *domain.StatusHandler {
	return u.handler
}

func (u *ControlUnit) Port() int {
	return u.options.Port
}
