package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is matched by CircuitOpenError.
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")
)

// CircuitOpenError is returned by Execute while the breaker rejects calls.
type CircuitOpenError struct {
	Name      string
	State     State
	Failures  int
	NextRetry time.Time
}

func (e *CircuitOpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %s half-open: trial limit reached", e.Name)
	}
	return fmt.Sprintf("circuit breaker %s open after %d failures, retry in %v",
		e.Name, e.Failures, time.Until(e.NextRetry).Round(time.Millisecond))
}

func (e *CircuitOpenError) Unwrap() error {
	return ErrCircuitOpen
}

// RetryError is returned when a retry policy gives up.
type RetryError struct {
	Attempts  int
	Duration  time.Duration
	LastError error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d attempts over %v: %v",
		e.Attempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether Retry should try again after err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var perm *permanentError
	switch {
	case errors.As(err, &perm):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrCircuitOpen):
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
