package monitoring

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/core-tools/hsu-users/pkg/api"
	"github.com/core-tools/hsu-users/pkg/control"
	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/lifecycle"
	"github.com/core-tools/hsu-users/pkg/logging"
	"github.com/core-tools/hsu-users/pkg/metrics"
)

const (
	ProbeHTTP = "http-api"
	ProbeGRPC = "grpc-control"
)

// MonitorUnit probes the HTTP API and, when present, the control server
// for as long as the tree runs.
type MonitorUnit struct {
	options HealthCheckRunOptions
	api     *api.APIUnit
	control *control.ControlUnit
	metrics *metrics.Metrics
	logger  logging.Logger

	mutex    sync.Mutex
	monitors []HealthMonitor
}

// NewMonitorUnit returns a unit probing apiUnit and controlUnit. controlUnit
// and m may be nil.
func NewMonitorUnit(options HealthCheckRunOptions, apiUnit *api.APIUnit, controlUnit *control.ControlUnit, m *metrics.Metrics, logger logging.Logger) *MonitorUnit {
	return &MonitorUnit{
		options: options,
		api:     apiUnit,
		control: controlUnit,
		metrics: m,
		logger:  logger,
	}
}

func (u *MonitorUnit) Name() string {
	return "monitor"
}

func (u *MonitorUnit) Dependencies() []lifecycle.Unit {
	deps := []lifecycle.Unit{u.api}
	if u.control != nil {
		deps = append(deps, u.control)
	}
	return deps
}

func (u *MonitorUnit) Start(ctx context.Context, tasks lifecycle.Tasks) error {
	configs, err := u.probes()
	if err != nil {
		return err
	}

	monitors := make([]HealthMonitor, 0, len(configs))
	for _, config := range configs {
		monitor, err := NewHealthMonitor(config, u.metrics, u.logger)
		if err != nil {
			return err
		}
		monitors = append(monitors, monitor)
	}

	u.mutex.Lock()
	u.monitors = monitors
	u.mutex.Unlock()

	for _, monitor := range monitors {
		tasks.Go("health-"+monitor.ID(), monitor.Run)
	}

	u.logger.Infof("Health monitor started, probes: %d, interval: %v", len(monitors), u.options.Interval)
	return nil
}

func (u *MonitorUnit) probes() ([]HealthCheckConfig, error) {
	if u.api == nil {
		return nil, errors.NewStartupError("monitor requires the api unit", nil)
	}
	addr := u.api.Addr()
	if addr == nil {
		return nil, errors.NewStartupError("api unit is not listening", nil)
	}

	configs := []HealthCheckConfig{
		{
			ID:         ProbeHTTP,
			Type:       HealthCheckTypeHTTP,
			HTTP:       HTTPHealthCheckConfig{URL: "http://" + dialAddress(addr.String()) + "/health"},
			RunOptions: u.options,
		},
	}

	if u.control != nil {
		configs = append(configs, HealthCheckConfig{
			ID:   ProbeGRPC,
			Type: HealthCheckTypeGRPC,
			GRPC: GRPCHealthCheckConfig{
				Address: net.JoinHostPort("127.0.0.1", strconv.Itoa(u.control.Port())),
				Service: control.ServiceName,
			},
			RunOptions: u.options,
		})
	}
	return configs, nil
}

// dialAddress swaps an unspecified listen host for loopback.
func dialAddress(address string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (u *MonitorUnit) Stop(ctx context.Context) error {
	return nil
}

// States reports the latest state of every probe by id.
func (u *MonitorUnit) States() map[string]HealthCheckState {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	states := make(map[string]HealthCheckState, len(u.monitors))
	for _, monitor := range u.monitors {
		states[monitor.ID()] = *monitor.State()
	}
	return states
}

// DefaultRunOptions fills zero fields of options.
func DefaultRunOptions(options HealthCheckRunOptions) HealthCheckRunOptions {
	if options.Interval <= 0 {
		options.Interval = 10 * time.Second
	}
	if options.Timeout <= 0 {
		options.Timeout = options.Interval / 2
	}
	return options
}
