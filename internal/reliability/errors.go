package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is returned while the breaker rejects calls
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

	// ErrCircuitHalfOpenLimit is returned when half-open probes are exhausted
	ErrCircuitHalfOpenLimit = errors.New("circuit breaker: half-open request limit reached")

	// ErrNonRetryable marks faults that must not be retried
	ErrNonRetryable = errors.New("retry: error is not retryable")

	// ErrInvalidRecord is returned when a stored dead-letter record cannot be decoded
	ErrInvalidRecord = errors.New("dead letter: invalid stored record")
)

// CircuitBreakerError describes a rejected call
type CircuitBreakerError struct {
	Name      string
	State     State
	Failures  int
	NextRetry time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateOpen {
		return fmt.Sprintf("circuit breaker %s open (failures=%d, retry at %s)",
			e.Name, e.Failures, e.NextRetry.Format(time.RFC3339))
	}
	return fmt.Sprintf("circuit breaker %s %s: call rejected", e.Name, e.State)
}

// Unwrap maps the state onto the sentinel errors
func (e *CircuitBreakerError) Unwrap() error {
	if e.State == StateHalfOpen {
		return ErrCircuitHalfOpenLimit
	}
	return ErrCircuitOpen
}

// DeadLetterError represents a failed dead-letter store operation
type DeadLetterError struct {
	Op        string
	EventID   string
	Err       error
	Timestamp time.Time
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("dead letter: %s failed for event %s: %v", e.Op, e.EventID, e.Err)
}

func (e *DeadLetterError) Unwrap() error {
	return e.Err
}
