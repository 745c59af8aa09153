package aqi

import (
	"errors"
	"fmt"
)

// Interval bounds, in minutes.
const (
	MinIntervalMinutes     = 1
	MaxIntervalMinutes     = 60
	DefaultIntervalMinutes = 10
)

// ConfigError reports an invalid persisted or requested setting.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Value, e.Reason)
}

// ValidateInterval returns a *ConfigError when minutes is outside [1,60].
func ValidateInterval(minutes int) error {
	if minutes < MinIntervalMinutes || minutes > MaxIntervalMinutes {
		return &ConfigError{
			Field:  "update_interval",
			Value:  minutes,
			Reason: fmt.Sprintf("must be between %d and %d minutes", MinIntervalMinutes, MaxIntervalMinutes),
		}
	}
	return nil
}

// IsConfigError reports whether err wraps a *ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ProviderErrorKind classifies a failed fetch.
type ProviderErrorKind string

const (
	KindNetwork ProviderErrorKind = "network"
	KindAuth    ProviderErrorKind = "auth"
	KindStatus  ProviderErrorKind = "status"
	KindDecode  ProviderErrorKind = "decode"
)

// ProviderError is returned by providers for any failed fetch.
type ProviderError struct {
	Provider string
	Kind     ProviderErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsProviderError reports whether err wraps a *ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
