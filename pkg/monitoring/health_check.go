package monitoring

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/logging"
	"github.com/core-tools/hsu-users/pkg/metrics"
)

type HealthCheckType string

const (
	HealthCheckTypeHTTP HealthCheckType = "http"
	HealthCheckTypeGRPC HealthCheckType = "grpc"
	HealthCheckTypeTCP  HealthCheckType = "tcp"
)

type HTTPHealthCheckConfig struct {
	URL     string            `yaml:"url"`
	Method  string            `yaml:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

type GRPCHealthCheckConfig struct {
	Address string `yaml:"address"`
	Service string `yaml:"service,omitempty"`
}

type TCPHealthCheckConfig struct {
	Address string `yaml:"address"`
}

type HealthCheckRunOptions struct {
	Interval     time.Duration `yaml:"interval,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`
	InitialDelay time.Duration `yaml:"initial_delay,omitempty"`
}

type HealthCheckConfig struct {
	// ID names the probe in logs and in the health_status gauge.
	ID   string          `yaml:"id"`
	Type HealthCheckType `yaml:"type"`

	HTTP HTTPHealthCheckConfig `yaml:"http,omitempty"`
	GRPC GRPCHealthCheckConfig `yaml:"grpc,omitempty"`
	TCP  TCPHealthCheckConfig  `yaml:"tcp,omitempty"`

	RunOptions HealthCheckRunOptions `yaml:"run_options,omitempty"`
}

type HealthCheckStatus string

const (
	HealthCheckStatusUnknown   HealthCheckStatus = "unknown"
	HealthCheckStatusHealthy   HealthCheckStatus = "healthy"
	HealthCheckStatusDegraded  HealthCheckStatus = "degraded"
	HealthCheckStatusUnhealthy HealthCheckStatus = "unhealthy"
)

// GaugeValue is what the health_status gauge reports for s.
func (s HealthCheckStatus) GaugeValue() float64 {
	switch s {
	case HealthCheckStatusHealthy:
		return 1
	case HealthCheckStatusDegraded:
		return 0.5
	default:
		return 0
	}
}

type HealthCheckState struct {
	Status               HealthCheckStatus
	LastCheck            time.Time
	Message              string
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
}

// HealthMonitor probes one endpoint periodically. One failure makes it
// degraded, two in a row unhealthy, one success healthy again.
type HealthMonitor interface {
	// Run probes until ctx is done.
	Run(ctx context.Context) error
	// Check probes once and returns the resulting state.
	Check(ctx context.Context) HealthCheckState
	State() *HealthCheckState
	ID() string
}

type healthMonitor struct {
	config  HealthCheckConfig
	metrics *metrics.Metrics
	logger  logging.Logger

	mutex sync.Mutex
	state *HealthCheckState
}

// NewHealthMonitor validates config and returns a monitor. m may be nil.
func NewHealthMonitor(config HealthCheckConfig, m *metrics.Metrics, logger logging.Logger) (HealthMonitor, error) {
	if err := ValidateHealthCheckConfig(config); err != nil {
		return nil, errors.NewValidationError("invalid health check configuration", err).WithContext("id", config.ID)
	}
	return &healthMonitor{
		config:  config,
		metrics: m,
		logger:  logger,
		state:   &HealthCheckState{Status: HealthCheckStatusUnknown},
	}, nil
}

func (h *healthMonitor) ID() string {
	return h.config.ID
}

func (h *healthMonitor) State() *HealthCheckState {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	stateCopy := *h.state
	return &stateCopy
}

func (h *healthMonitor) Run(ctx context.Context) error {
	h.logger.Infof("Starting health monitor, id: %s, type: %s, interval: %v", h.config.ID, h.config.Type, h.config.RunOptions.Interval)

	if h.config.RunOptions.InitialDelay > 0 {
		h.logger.Debugf("Health monitor initial delay, id: %s, delay: %v", h.config.ID, h.config.RunOptions.InitialDelay)
		timer := time.NewTimer(h.config.RunOptions.InitialDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			h.logger.Debugf("Health monitor stopped during initial delay, id: %s", h.config.ID)
			return nil
		}
	}

	ticker := time.NewTicker(h.config.RunOptions.Interval)
	defer ticker.Stop()

	h.Check(ctx)

	for {
		select {
		case <-ticker.C:
			h.Check(ctx)
		case <-ctx.Done():
			h.logger.Infof("Health monitor stopped, id: %s", h.config.ID)
			return nil
		}
	}
}

func (h *healthMonitor) Check(ctx context.Context) HealthCheckState {
	h.logger.Debugf("Performing health check, id: %s, type: %s", h.config.ID, h.config.Type)

	checkCtx, cancel := context.WithTimeout(ctx, h.config.RunOptions.Timeout)
	defer cancel()

	var (
		healthy bool
		message string
	)
	switch h.config.Type {
	case HealthCheckTypeHTTP:
		healthy, message = h.checkHTTP(checkCtx)
	case HealthCheckTypeGRPC:
		healthy, message = h.checkGRPC(checkCtx)
	case HealthCheckTypeTCP:
		healthy, message = h.checkTCP(checkCtx)
	default:
		message = fmt.Sprintf("no probe for type %q", h.config.Type)
	}

	if ctx.Err() != nil {
		// shutting down, the failure says nothing about the endpoint
		return *h.State()
	}

	return h.updateState(healthy, message)
}

// next applies one probe result to s.
func (s HealthCheckState) next(healthy bool, message string, at time.Time) HealthCheckState {
	s.LastCheck = at
	s.Message = message

	if healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Status = HealthCheckStatusHealthy
		return s
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures > 1 {
		s.Status = HealthCheckStatusUnhealthy
	} else {
		s.Status = HealthCheckStatusDegraded
	}
	return s
}

func (h *healthMonitor) updateState(healthy bool, message string) HealthCheckState {
	h.mutex.Lock()
	previous := *h.state
	current := previous.next(healthy, message, time.Now())
	*h.state = current
	h.mutex.Unlock()

	switch {
	case current.Status == previous.Status && healthy:
		h.logger.Debugf("Probe ok, id: %s, successes: %d", h.config.ID, current.ConsecutiveSuccesses)
	case current.Status == previous.Status:
		h.logger.Warnf("Probe still failing, id: %s, status: %s, failures: %d, message: %s",
			h.config.ID, current.Status, current.ConsecutiveFailures, message)
	case healthy:
		h.logger.Infof("Probe healthy, id: %s, was: %s", h.config.ID, previous.Status)
	default:
		h.logger.Warnf("Probe %s, id: %s, was: %s, failures: %d, message: %s",
			current.Status, h.config.ID, previous.Status, current.ConsecutiveFailures, message)
	}

	if h.metrics != nil {
		h.metrics.SetHealthStatus(h.config.ID, current.Status.GaugeValue())
	}
	return current
}

func (h *healthMonitor) checkHTTP(ctx context.Context) (bool, string) {
	method := h.config.HTTP.Method
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, h.config.HTTP.URL, nil)
	if err != nil {
		return false, fmt.Sprintf("bad request: %v", err)
	}
	for name, value := range h.config.HTTP.Headers {
		req.Header.Set(name, value)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false, fmt.Sprintf("GET %s: %v", h.config.HTTP.URL, err)
	}
	defer resp.Body.Close()

	healthy := resp.StatusCode/100 == 2
	return healthy, fmt.Sprintf("%s %s: %s", method, h.config.HTTP.URL, resp.Status)
}

func (h *healthMonitor) checkGRPC(ctx context.Context) (bool, string) {
	conn, err := grpc.NewClient(h.config.GRPC.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return false, fmt.Sprintf("gRPC client creation failed: %v", err)
	}
	defer conn.Close()

	response, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: h.config.GRPC.Service})
	if err != nil {
		return false, fmt.Sprintf("gRPC health check failed: %v", err)
	}
	if response.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return false, fmt.Sprintf("gRPC service not serving: %s", response.GetStatus())
	}
	return true, fmt.Sprintf("gRPC health check passed: %s", h.config.GRPC.Address)
}

func (h *healthMonitor) checkTCP(ctx context.Context) (bool, string) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", h.config.TCP.Address)
	if err != nil {
		return false, fmt.Sprintf("dial %s: %v", h.config.TCP.Address, err)
	}
	defer conn.Close()

	return true, "dial " + h.config.TCP.Address + ": ok"
}
