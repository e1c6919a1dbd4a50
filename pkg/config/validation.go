package config

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/core-tools/hsu-users/pkg/errors"
)

var supportedDSNSchemes = []string{"sqlite://", "postgres://", "postgresql://"}

func newValidator() *validator.Validate {
	validate := validator.New()

	// Report fields by their config key rather than the Go field name.
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = validate.RegisterValidation("dsn", func(fl validator.FieldLevel) bool {
		return ValidateDSN(fl.Field().String()) == nil
	})
	_ = validate.RegisterValidation("schedule", func(fl validator.FieldLevel) bool {
		_, err := cron.ParseStandard(fl.Field().String())
		return err == nil
	})

	return validate
}

// Validate checks cfg and reports every failing key in one error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	err := newValidator().Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !stderrors.As(err, &fieldErrors) {
		return errors.NewConfigurationError("failed to validate configuration", err)
	}

	keys := make([]string, 0, len(fieldErrors))
	problems := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		key := fieldKey(fe.Namespace())
		keys = append(keys, key)
		problems = append(problems, describeFieldError(key, fe))
	}

	return errors.NewConfigurationError("invalid configuration: "+strings.Join(problems, "; "), nil).
		WithContext("fields", strings.Join(keys, ","))
}

// fieldKey strips the root struct name: "Config.api.port" -> "api.port".
func fieldKey(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func describeFieldError(key string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", key)
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", key, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", key, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", key, fe.Param(), fmt.Sprint(fe.Value()))
	case "dsn":
		return fmt.Sprintf("%s must start with one of %s", key, strings.Join(supportedDSNSchemes, ", "))
	case "schedule":
		return fmt.Sprintf("%s is not a valid cron schedule: %q", key, fmt.Sprint(fe.Value()))
	case "hostname":
		return fmt.Sprintf("%s must be a domain name, got %q", key, fmt.Sprint(fe.Value()))
	default:
		return fmt.Sprintf("%s failed %s validation", key, fe.Tag())
	}
}

// ValidateDSN accepts sqlite:// and postgres:// style DSNs.
func ValidateDSN(dsn string) error {
	for _, scheme := range supportedDSNSchemes {
		if strings.HasPrefix(dsn, scheme) && len(dsn) > len(scheme) {
			return nil
		}
	}
	return errors.NewValidationError("unsupported database DSN", nil).
		WithContext("supported_schemes", strings.Join(supportedDSNSchemes, ", "))
}
