package coreerrors

import (
	"errors"
	"sync"
	"time"
)

// CircuitState is the open/closed/half-open state of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker trips after a run of consecutive failures and refuses
// calls for a cooldown window, matching the provider-client pattern used to
// stop hammering an unreachable backend.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	cooldown         time.Duration

	state       CircuitState
	failures    int
	openedAt    time.Time
	halfOpenOK  int
	halfOpenMin int
}

// NewCircuitBreaker builds a breaker that opens after failureThreshold
// consecutive failures and stays open for cooldown before probing again.
func NewCircuitBreaker(failureThreshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		halfOpenMin:      1,
	}
}

// Execute runs fn if the breaker permits a call, recording the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenOK = 0
			return true
		}
		return false
	case CircuitHalfOpen:
		return true
	}
	return true
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if success {
		switch cb.state {
		case CircuitHalfOpen:
			cb.halfOpenOK++
			if cb.halfOpenOK >= cb.halfOpenMin {
				cb.state = CircuitClosed
				cb.failures = 0
			}
		default:
			cb.failures = 0
		}
		return
	}
	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.failureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
	}
}

// State reports the breaker's current state, mostly for tests and metrics.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
