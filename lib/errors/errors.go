// Package errors provides the structured error taxonomy for connpool.
//
// Caller-facing operations (acquire, explicit create, explicit validate)
// surface errors from this package; failures detected by background sweeps
// are internal and only visible through statistics and lifecycle events.
//
// This package provides:
//   - Sentinel errors for common error conditions
//   - A typed CreationError carrying the endpoint that failed
//   - Error wrapping with context preservation
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrPoolClosed is returned by any operation started after pool
	// shutdown has begun. Operations fail fast rather than hang.
	ErrPoolClosed = errors.New("pool: pool is closed")

	// ErrAcquireTimeout is returned when no connection became available
	// before the acquire deadline.
	ErrAcquireTimeout = errors.New("pool: connection acquisition timeout")

	// ErrPoolExhausted is returned when the pool cannot grow and nothing
	// is idle, on paths that do not wait.
	ErrPoolExhausted = errors.New("pool: connection pool exhausted")

	// ErrLeaseHeld is returned when a lease is requested on a connection
	// that already has one outstanding.
	ErrLeaseHeld = errors.New("pool: connection lease already held")

	// ErrLeaseInvalid is returned when using a lease that was released
	// or invalidated.
	ErrLeaseInvalid = errors.New("pool: lease is no longer valid")

	// ErrConnectionUnavailable is returned when leasing a connection that
	// is not in a healthy state.
	ErrConnectionUnavailable = errors.New("pool: connection not available")

	// ErrInvalidState indicates an illegal connection state transition.
	ErrInvalidState = errors.New("pool: invalid connection state")

	// ErrConfiguration indicates invalid pool configuration. Construction
	// with invalid configuration is a hard failure.
	ErrConfiguration = errors.New("pool: configuration error")

	// ErrChannelClosed indicates the underlying transport channel is gone.
	ErrChannelClosed = errors.New("transport: channel closed")
)

// CreationError reports a failed attempt to create a connection to an
// endpoint, either in the channel factory or during connect.
type CreationError struct {
	// Endpoint is the canonical key of the endpoint that failed.
	Endpoint string
	// Err is the underlying factory or connect error.
	Err error
}

// Error implements the error interface.
func (e *CreationError) Error() string {
	return fmt.Sprintf("pool: creating connection to %s: %v", e.Endpoint, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *CreationError) Unwrap() error {
	return e.Err
}

// NewCreationError wraps a factory/connect failure for an endpoint key.
func NewCreationError(endpointKey string, err error) *CreationError {
	return &CreationError{Endpoint: endpointKey, Err: err}
}

// IsCreation reports whether err is a connection creation failure.
func IsCreation(err error) bool {
	var ce *CreationError
	return errors.As(err, &ce)
}

// IsTimeout reports whether err is an acquisition timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrAcquireTimeout)
}

// IsPoolClosed reports whether err indicates access to a disposed pool.
func IsPoolClosed(err error) bool {
	return errors.Is(err, ErrPoolClosed)
}

// Wrap annotates err with a message, preserving the error tree.
// Returns nil if err is nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target,
// and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// New returns an error with the given text.
func New(text string) error {
	return errors.New(text)
}
