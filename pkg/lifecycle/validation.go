package lifecycle

import (
	"time"

	"github.com/core-tools/hsu-users/pkg/errors"
)

// ValidateUnitName checks unit name format and constraints
func ValidateUnitName(name string) error {
	if name == "" {
		return errors.NewValidationError("unit name cannot be empty", nil)
	}

	if len(name) > 64 {
		return errors.NewValidationError("unit name cannot exceed 64 characters", nil).WithContext("unit", name)
	}

	for _, char := range name {
		if !isValidNameChar(char) {
			return errors.NewValidationError("unit name contains invalid characters: only letters, numbers, hyphens, and underscores are allowed", nil).
				WithContext("unit", name)
		}
	}

	return nil
}

// ValidateTimeout rejects negative durations. Zero means "use the default".
func ValidateTimeout(timeout time.Duration, name string) error {
	if timeout < 0 {
		return errors.NewValidationError(name+" cannot be negative", nil)
	}
	return nil
}

// ValidateRunnerOptions checks options before defaults are applied.
func ValidateRunnerOptions(options RunnerOptions) error {
	if err := ValidateTimeout(options.GracePeriod, "grace period"); err != nil {
		return err
	}
	if err := ValidateTimeout(options.StopTimeout, "stop timeout"); err != nil {
		return err
	}
	if options.StartConcurrency < 0 {
		return errors.NewValidationError("start concurrency cannot be negative", nil)
	}
	return nil
}

func isValidNameChar(char rune) bool {
	return (char >= 'a' && char <= 'z') ||
		(char >= 'A' && char <= 'Z') ||
		(char >= '0' && char <= '9') ||
		char == '-' || char == '_'
}
