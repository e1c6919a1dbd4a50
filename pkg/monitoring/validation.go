package monitoring

import (
	"net"
	"net/url"

	"github.com/core-tools/hsu-users/pkg/errors"
)

// ValidateHealthCheckConfig checks that config describes a runnable probe.
func ValidateHealthCheckConfig(config HealthCheckConfig) error {
	if config.ID == "" {
		return errors.NewValidationError("probe id is required", nil)
	}
	if err := ValidateHealthCheckRunOptions(config.RunOptions); err != nil {
		return errors.NewValidationError("invalid probe timing", err).WithContext("id", config.ID)
	}

	var address string
	switch config.Type {
	case HealthCheckTypeHTTP:
		target, err := url.Parse(config.HTTP.URL)
		if err != nil || target.Host == "" {
			return errors.NewValidationError("http probe needs an absolute url", err).WithContext("url", config.HTTP.URL)
		}
		return nil
	case HealthCheckTypeGRPC:
		address = config.GRPC.Address
	case HealthCheckTypeTCP:
		address = config.TCP.Address
	default:
		return errors.NewValidationError("unsupported probe type", nil).WithContext("type", string(config.Type))
	}

	if _, port, err := net.SplitHostPort(address); err != nil || port == "" {
		return errors.NewValidationError(string(config.Type)+" probe needs a host:port address", err).
			WithContext("address", address)
	}
	return nil
}

// ValidateHealthCheckRunOptions requires a positive interval and a timeout
// shorter than it.
func ValidateHealthCheckRunOptions(options HealthCheckRunOptions) error {
	switch {
	case options.Interval <= 0:
		return errors.NewValidationError("probe interval must be positive", nil)
	case options.Timeout <= 0:
		return errors.NewValidationError("probe timeout must be positive", nil)
	case options.Timeout >= options.Interval:
		return errors.NewValidationError("probe timeout must be shorter than the interval", nil)
	case options.InitialDelay < 0:
		return errors.NewValidationError("probe initial delay cannot be negative", nil)
	}
	return nil
}
