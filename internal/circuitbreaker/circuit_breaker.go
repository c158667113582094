// Package circuitbreaker implements a three-state circuit breaker used by
// the storage wrappers and the recursion safety guard.
package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
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
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes the breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit.
	FailureThreshold int
	// SuccessThreshold is the consecutive-success count in half-open state
	// that closes it again.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing.
	Timeout time.Duration
	// OnStateChange is invoked on every transition.
	OnStateChange func(from, to State)
}

// DefaultConfig matches the safety guard defaults: three strikes, 30s open.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	}
}

// Breaker is safe for concurrent use; all state is atomic.
type Breaker struct {
	cfg *Config

	state           int32
	lastFailureNano int64
	failures        int32
	successes       int32

	totalFailures   int64
	totalSuccesses  int64
	totalRejections int64
}

// New creates a breaker in the closed state.
func New(cfg *Config) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Breaker{cfg: cfg, state: int32(StateClosed)}
}

// Execute runs fn under breaker protection, recording the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		atomic.AddInt64(&b.totalRejections, 1)
		return ErrOpen
	}
	err := fn(ctx)
	b.Record(err)
	return err
}

// Allow reports whether a call may proceed, transitioning open→half-open
// after the timeout elapses.
func (b *Breaker) Allow() bool {
	switch b.State() {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		last := atomic.LoadInt64(&b.lastFailureNano)
		if last == 0 || time.Since(time.Unix(0, last)) >= b.cfg.Timeout {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	}
	return false
}

// Record feeds one call outcome into the breaker.
func (b *Breaker) Record(err error) {
	if err != nil {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
}

func (b *Breaker) recordSuccess() {
	atomic.AddInt64(&b.totalSuccesses, 1)
	switch b.State() {
	case StateClosed:
		atomic.StoreInt32(&b.failures, 0)
	case StateHalfOpen:
		if atomic.AddInt32(&b.successes, 1) >= int32(b.cfg.SuccessThreshold) {
			b.transition(StateClosed)
		}
	case StateOpen:
		// timeout drives the open→half-open transition, not successes
	}
}

func (b *Breaker) recordFailure() {
	atomic.AddInt64(&b.totalFailures, 1)
	atomic.StoreInt64(&b.lastFailureNano, time.Now().UnixNano())
	switch b.State() {
	case StateClosed:
		if atomic.AddInt32(&b.failures, 1) >= int32(b.cfg.FailureThreshold) {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	case StateOpen:
	}
}

func (b *Breaker) transition(to State) {
	from := State(atomic.SwapInt32(&b.state, int32(to)))
	if from == to {
		return
	}
	atomic.StoreInt32(&b.failures, 0)
	atomic.StoreInt32(&b.successes, 0)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// State returns the current state.
func (b *Breaker) State() State { return State(atomic.LoadInt32(&b.state)) }

// Trip forces the circuit open, as when the safety guard detects recurring
// loop violations.
func (b *Breaker) Trip() {
	atomic.StoreInt64(&b.lastFailureNano, time.Now().UnixNano())
	b.transition(StateOpen)
}

// Reset returns the breaker to the closed state and clears counters.
func (b *Breaker) Reset() {
	atomic.StoreInt32(&b.failures, 0)
	atomic.StoreInt32(&b.successes, 0)
	atomic.StoreInt64(&b.lastFailureNano, 0)
	b.transition(StateClosed)
}

// Stats is a point-in-time snapshot of breaker counters.
type Stats struct {
	State           State
	TotalFailures   int64
	TotalSuccesses  int64
	TotalRejections int64
	LastFailureAt   time.Time
}

// GetStats returns current counters.
func (b *Breaker) GetStats() Stats {
	var last time.Time
	if nano := atomic.LoadInt64(&b.lastFailureNano); nano > 0 {
		last = time.Unix(0, nano)
	}
	return Stats{
		State:           b.State(),
		TotalFailures:   atomic.LoadInt64(&b.totalFailures),
		TotalSuccesses:  atomic.LoadInt64(&b.totalSuccesses),
		TotalRejections: atomic.LoadInt64(&b.totalRejections),
		LastFailureAt:   last,
	}
}
