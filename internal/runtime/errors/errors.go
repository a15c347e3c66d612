package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired      = sterrors.New("padbreaker: configuration is required")
	ErrLoggerRequired      = sterrors.New("padbreaker: logger is required")
	ErrRegistryRequired    = sterrors.New("padbreaker: registry is required")
	ErrLogRequired         = sterrors.New("padbreaker: durable log is required")
	ErrTopicRequired       = sterrors.New("padbreaker: topic is required")
	ErrServiceNameRequired = sterrors.New("padbreaker: service name is required")
	ErrInstanceURLRequired = sterrors.New("padbreaker: instance url is required")
	ErrEnvelopeRequired    = sterrors.New("padbreaker: envelope payload is required")
)

// Dispatch taxonomy. Callers match these with errors.Is; the concrete value
// returned by the broker is always a *DeliveryError.
var (
	// ErrServiceUnavailable means no instance of the target service could be
	// selected. It is never retried.
	ErrServiceUnavailable = sterrors.New("padbreaker: service unavailable")
	// ErrDeliveryFailed means every attempt against the target service failed
	// (network error, timeout or non-2xx response).
	ErrDeliveryFailed = sterrors.New("padbreaker: delivery failed")
)

// DeliveryError describes a point-to-point delivery that could not be
// completed. Kind is one of ErrServiceUnavailable or ErrDeliveryFailed, Err is
// the last underlying failure (nil for ErrServiceUnavailable).
type DeliveryError struct {
	Kind     error
	Service  string
	Attempts int
	Err      error
}

// NewServiceUnavailable builds the error returned when no instance is usable.
func NewServiceUnavailable(service string, attempts int) *DeliveryError {
	return &DeliveryError{Kind: ErrServiceUnavailable, Service: service, Attempts: attempts}
}

// NewDeliveryFailed builds the error returned once the attempt budget is spent.
func NewDeliveryFailed(service string, attempts int, cause error) *DeliveryError {
	return &DeliveryError{Kind: ErrDeliveryFailed, Service: service, Attempts: attempts, Err: cause}
}

func (e *DeliveryError) Error() string {
	if e.Kind == ErrServiceUnavailable {
		return fmt.Sprintf("no healthy instances available for service: %s", e.Service)
	}
	if e.Err == nil {
		return fmt.Sprintf("max retries reached for %s after %d attempts", e.Service, e.Attempts)
	}
	return fmt.Sprintf("max retries reached for %s after %d attempts: %v", e.Service, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsServiceUnavailable reports whether err carries ErrServiceUnavailable.
func IsServiceUnavailable(err error) bool {
	return sterrors.Is(err, ErrServiceUnavailable)
}

// IsDeliveryFailed reports whether err carries ErrDeliveryFailed.
func IsDeliveryFailed(err error) bool {
	return sterrors.Is(err, ErrDeliveryFailed)
}

// ConfigValidationError marks errors produced while validating configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "padbreaker: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
