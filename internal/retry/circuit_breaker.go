package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	inerrors "inapi/internal/errors"
)

// State is a breaker's position.
type State int

const (
	// StateClosed lets dials through.
	StateClosed State = iota
	// StateOpen rejects dials until the reset timeout passes.
	StateOpen
	// StateHalfOpen lets probe dials through to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// CircuitBreakerConfig configures a [CircuitBreaker].  Zero fields take
// the defaults of [DefaultCircuitBreakerConfig].
type CircuitBreakerConfig struct {
	// MaxFailures is the run of failed connects that opens the circuit.
	MaxFailures int
	// ResetTimeout is how long an open circuit rejects dials.
	ResetTimeout time.Duration
	// HalfOpenMax is the run of successful probes that closes it again.
	HalfOpenMax int
	// OnStateChange runs under the breaker's lock.
	OnStateChange func(from, to State)
}

// DefaultCircuitBreakerConfig returns the defaults.
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures:  5,
		ResetTimeout: 30 * time.Second,
		HalfOpenMax:  2,
	}
}

// OpenError is returned without dialing while the circuit is open.  It
// matches [inerrors.ErrCircuitOpen].
type OpenError struct {
	Failures int
	RetryIn  time.Duration
	Last     error
}

func (e *OpenError) Error() string {
	msg := fmt.Sprintf("%v after %d failed connects, retry in %v",
		inerrors.ErrCircuitOpen, e.Failures, e.RetryIn.Round(time.Second))
	if e.Last != nil {
		msg += ": last error: " + e.Last.Error()
	}
	return msg
}

func (e *OpenError) Is(target error) bool { return target == inerrors.ErrCircuitOpen }

// Stats is a point-in-time view of a breaker.
type Stats struct {
	State       State
	Failures    int
	LastFailure time.Time
	LastError   error
}

// CircuitBreaker guards the dials of one host.  Failures caused by the
// caller giving up (context cancellation) are not held against the host.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
	lastErr     error
}

// NewCircuitBreaker returns a closed breaker.  A nil cfg uses the
// defaults.
func NewCircuitBreaker(cfg *CircuitBreakerConfig) *CircuitBreaker {
	c := *DefaultCircuitBreakerConfig()
	if cfg != nil {
		if cfg.MaxFailures > 0 {
			c.MaxFailures = cfg.MaxFailures
		}
		if cfg.ResetTimeout > 0 {
			c.ResetTimeout = cfg.ResetTimeout
		}
		if cfg.HalfOpenMax > 0 {
			c.HalfOpenMax = cfg.HalfOpenMax
		}
		c.OnStateChange = cfg.OnStateChange
	}
	return &CircuitBreaker{cfg: c, now: time.Now}
}

// Execute runs connect unless the circuit is open, and records how it
// went.
func (cb *CircuitBreaker) Execute(connect func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := connect()
	cb.Record(err)
	return err
}

// Allow reports whether a dial may proceed, moving an open circuit to
// half-open once its reset timeout has passed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateOpen {
		return nil
	}
	since := cb.now().Sub(cb.lastFailure)
	if since >= cb.cfg.ResetTimeout {
		cb.successes = 0
		cb.transition(StateHalfOpen)
		return nil
	}
	return &OpenError{Failures: cb.failures, RetryIn: cb.cfg.ResetTimeout - since, Last: cb.lastErr}
}

// Record feeds the outcome of a dial into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.successes = 0
		cb.lastFailure = cb.now()
		cb.lastErr = err
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.MaxFailures {
			cb.transition(StateOpen)
		}
		return
	}

	switch cb.state {
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenMax {
			cb.failures, cb.lastErr = 0, nil
			cb.transition(StateClosed)
		}
	case StateClosed:
		cb.failures, cb.lastErr = 0, nil
	}
}

// Stats returns the breaker's current counters.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{State: cb.state, Failures: cb.failures, LastFailure: cb.lastFailure, LastError: cb.lastErr}
}

// Reset closes the circuit and forgets past failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures, cb.successes, cb.lastErr = 0, 0, nil
	cb.transition(StateClosed)
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}
