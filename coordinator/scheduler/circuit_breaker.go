package scheduler

import (
	"sync"
	"time"
)

// CircuitState represents the state of the admission circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitHalfOpen                     // Testing recovery
	CircuitOpen                         // Rejecting new submissions
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker sheds submissions under queue saturation. It opens
// when queued depth reaches the threshold, cools down, then
// admits limited test traffic before closing again.
type CircuitBreaker struct {
	state CircuitState
	mu    sync.Mutex

	queueThreshold int
	cooldownPeriod time.Duration

	openedAt  time.Time
	testCount int
	testLimit int
}

// NewCircuitBreaker creates a breaker that opens at queueThreshold.
func NewCircuitBreaker(queueThreshold int) *CircuitBreaker {
	return &CircuitBreaker{
		state:          CircuitClosed,
		queueThreshold: queueThreshold,
		cooldownPeriod: 30 * time.Second,
		testLimit:      5,
	}
}

// ShouldAdmit decides whether a new submission is accepted given the
// current queue depth.
func (cb *CircuitBreaker) ShouldAdmit(queueDepth int) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldownPeriod {
		cb.state = CircuitHalfOpen
		cb.testCount = 0
	}

	if cb.state == CircuitHalfOpen {
		if cb.testCount < cb.testLimit {
			cb.testCount++
			return true
		}
		if queueDepth < cb.queueThreshold/2 {
			cb.state = CircuitClosed
			return true
		}
		return false
	}

	if queueDepth >= cb.queueThreshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		return false
	}
	return cb.state == CircuitClosed
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
