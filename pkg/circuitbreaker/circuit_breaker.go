// Package circuitbreaker guards calls to an external service so repeated
// failures stop producing network traffic until the service has had a
// chance to recover.
package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker implements the circuit breaker pattern for external
// service calls.
type CircuitBreaker struct {
	name             string
	maxFailures      uint32
	timeout          time.Duration
	halfOpenMaxCalls uint32

	mu              sync.Mutex
	state           State
	failures        uint32
	successCount    uint32
	halfOpenCalls   uint32
	lastFailureTime time.Time

	logger *logrus.Logger
}

// New creates a new circuit breaker
func New(name string, maxFailures uint32, timeout time.Duration) *CircuitBreaker {
	return NewWithLogger(name, maxFailures, timeout, logrus.New())
}

// NewWithLogger creates a new circuit breaker with a custom logger
func NewWithLogger(name string, maxFailures uint32, timeout time.Duration, logger *logrus.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		maxFailures:      maxFailures,
		timeout:          timeout,
		halfOpenMaxCalls: 3,
		state:            StateClosed,
		logger:           logger,
	}
}

// Execute runs fn if the breaker allows it, and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allowRequest() {
		return &OpenError{Name: cb.name, State: cb.GetState()}
	}

	err := fn(ctx)
	if err != nil {
		cb.onFailure()
		return err
	}

	cb.onSuccess()
	return nil
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.maybeHalfOpenLocked() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.halfOpenCalls < cb.halfOpenMaxCalls {
			cb.halfOpenCalls++
			return true
		}
		return false
	default:
		return false
	}
}

// maybeHalfOpenLocked promotes an open breaker to half-open once the
// cool-off has passed. Caller holds the lock.
func (cb *CircuitBreaker) maybeHalfOpenLocked() State {
	if cb.state == StateOpen && time.Since(cb.lastFailureTime) >= cb.timeout {
		cb.state = StateHalfOpen
		cb.halfOpenCalls = 0
		cb.successCount = 0
		cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.name,
			"state":           cb.state.String(),
		}).Info("Circuit breaker transitioned to half-open")
	}
	return cb.state
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateHalfOpen {
		return
	}

	cb.successCount++
	if cb.successCount >= cb.halfOpenMaxCalls {
		cb.state = StateClosed
		cb.failures = 0
		cb.successCount = 0
		cb.halfOpenCalls = 0
		cb.logger.WithFields(logrus.Fields{
			"circuit_breaker": cb.name,
			"state":           cb.state.String(),
		}).Info("Circuit breaker closed after successful recovery")
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			cb.tripLocked()
		}
	case StateHalfOpen:
		cb.tripLocked()
	}
}

func (cb *CircuitBreaker) tripLocked() {
	cb.state = StateOpen
	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"failures":        cb.failures,
		"state":           cb.state.String(),
	}).Warn("Circuit breaker opened due to failures")
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.maybeHalfOpenLocked()
}

// OpenError is returned when the breaker refuses a call.
type OpenError struct {
	Name  string
	State State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// IsOpenError checks if an error came from a refusing breaker.
func IsOpenError(err error) bool {
	_, ok := err.(*OpenError)
	return ok
}
