package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/coreim/messaging-core/pkg/errors"
)

// CircuitBreaker prevents cascading failures by fast-failing once a dependency
// crosses a failure threshold, then periodically probing for recovery.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu            sync.Mutex
	state         State
	failures      int64
	successes     int64
	openedAt      time.Time
	halfOpenInUse bool
}

// NewCircuitBreaker creates a circuit breaker in the closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// ErrCircuitOpen is returned when a call is rejected because the breaker is open.
var ErrCircuitOpen = errors.New(errors.CodeUnavailable, "circuit breaker is open", nil)

// Execute runs fn if the breaker allows it, and records the outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn Executor) error {
	if err := cb.before(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.after(err == nil)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.cfg.Timeout {
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.halfOpenInUse = true
		return nil
	case StateHalfOpen:
		if cb.halfOpenInUse {
			return ErrCircuitOpen
		}
		cb.halfOpenInUse = true
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) after(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.halfOpenInUse = false

	switch cb.state {
	case StateHalfOpen:
		if success {
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				cb.transition(StateClosed)
			}
		} else {
			cb.transition(StateOpen)
		}
	default: // StateClosed
		if success {
			cb.failures = 0
		} else {
			cb.failures++
			if cb.failures >= cb.cfg.FailureThreshold {
				cb.transition(StateOpen)
			}
		}
	}
}

func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	if to == StateOpen {
		cb.openedAt = time.Now()
	}
	if cb.cfg.OnStateChange != nil {
		go cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
