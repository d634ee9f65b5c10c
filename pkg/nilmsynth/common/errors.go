package common

import (
	"errors"
	"fmt"
)

// ConfigError reports a malformed or missing declarative field, or a duration
// request a load cannot satisfy.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error: %s: %v", e.Msg, e.Err)
	}
	return "config error: " + e.Msg
}

func (e *ConfigError) Unwrap() error { return e.Err }

// SchedulingError reports that the requested runs cannot be placed inside the
// dataset window.
type SchedulingError struct {
	Load string
	Msg  string
}

func (e *SchedulingError) Error() string {
	if e.Load != "" {
		return fmt.Sprintf("scheduling error [%s]: %s", e.Load, e.Msg)
	}
	return "scheduling error: " + e.Msg
}

// CompositionError reports a sample stream that could not be stitched into a
// buffer. The buffer it was writing to must be discarded.
type CompositionError struct {
	Run string
	Msg string
	Err error
}

func (e *CompositionError) Error() string {
	s := "composition error"
	if e.Run != "" {
		s += " [" + e.Run + "]"
	}
	s += ": " + e.Msg
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *CompositionError) Unwrap() error { return e.Err }

// NewConfigError formats a ConfigError without a cause.
func NewConfigError(format string, args ...interface{}) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// WrapConfigError attaches a cause to a ConfigError.
func WrapConfigError(err error, format string, args ...interface{}) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...), Err: err}
}

// NewSchedulingError formats a SchedulingError for the named load.
func NewSchedulingError(load, format string, args ...interface{}) error {
	return &SchedulingError{Load: load, Msg: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is, or wraps, a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsSchedulingError reports whether err is, or wraps, a SchedulingError.
func IsSchedulingError(err error) bool {
	var se *SchedulingError
	return errors.As(err, &se)
}

// IsCompositionError reports whether err is, or wraps, a CompositionError.
func IsCompositionError(err error) bool {
	var ce *CompositionError
	return errors.As(err, &ce)
}
