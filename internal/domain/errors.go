package domain

import (
	"errors"
	"fmt"
	"time"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// ConnectivityError is a transport or 5xx-class failure talking to a broker
// or provider. The orchestrator retries these.
type ConnectivityError struct {
	Op  string // Operation that failed (e.g., "place_order", "account")
	Err error
}

func (e *ConnectivityError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ConnectivityError) IsRetriable() bool {
	return true
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// NewConnectivityError creates a new retriable connectivity error
func NewConnectivityError(op string, err error) *ConnectivityError {
	return &ConnectivityError{Op: op, Err: err}
}

// ValidationError is a rejected order or request (4xx-class). Never retriable.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return "validation failed [" + e.Field + "]: " + e.Reason
}

func (e *ValidationError) IsRetriable() bool {
	return false
}

// NewValidationError creates a validation error for the given field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// CircuitOpenError is returned without calling the provider while its
// circuit is open.
type CircuitOpenError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.Provider, e.RetryAfter.Round(time.Second))
}

// IsRetriable is false: an open circuit is retried by a later cycle, not in-cycle.
func (e *CircuitOpenError) IsRetriable() bool {
	return false
}

// DataQualityError marks market data that failed a quality check.
type DataQualityError struct {
	Instrument string
	Check      string
}

func (e *DataQualityError) Error() string {
	return "data quality check failed for " + e.Instrument + ": " + e.Check
}

func (e *DataQualityError) IsRetriable() bool {
	return false
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

var (
	// ErrBudgetExceeded is returned once the daily API budget is spent. Fatal for the cycle.
	ErrBudgetExceeded = errors.New("daily api budget exceeded")

	// ErrProviderUnavailable is returned for a disabled provider or an exhausted free tier.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrKillSwitch is returned when the kill switch is engaged.
	ErrKillSwitch = errors.New("kill switch engaged")

	// ErrInvalidSymbol is returned when an instrument id is malformed. Not retriable.
	ErrInvalidSymbol = errors.New("invalid symbol")

	// ErrNotConnected is returned by brokers used before Connect.
	ErrNotConnected = errors.New("broker not connected")

	// ErrOrderNotFound is returned when cancelling an unknown order.
	ErrOrderNotFound = errors.New("order not found")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
