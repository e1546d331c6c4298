// Package circuitbreaker guards calls into the Permanent Store behind a
// closed/open/half-open breaker, adapted from the predecessor's per-*arr-
// instance circuit breaker registry down to a single breaker guarding the
// one downstream the pipeline has: C4.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/mescon/eventpipe/internal/domain"
)

// State is the breaker's current operating mode.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker's thresholds.
type Config struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker implements the circuit breaker pattern for the Permanent Store.
type Breaker struct {
	mu              sync.RWMutex
	config          Config
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time
	lastStateChange time.Time
	totalFailures   int64
	totalSuccesses  int64
	totalRejected   int64
}

// New creates a Breaker starting in the closed state.
func New(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	return &Breaker{
		config:          config,
		state:           Closed,
		lastStateChange: time.Now(),
	}
}

// Allow reports whether a call should proceed. Call RecordSuccess or
// RecordFailure after the call completes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.lastFailureTime) >= b.config.ResetTimeout {
			b.state = HalfOpen
			b.lastStateChange = time.Now()
			b.successes = 0
			return true
		}
		b.totalRejected++
		return false
	case HalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = Closed
			b.lastStateChange = time.Now()
			b.failures = 0
			b.successes = 0
		}
	case Open:
		b.state = HalfOpen
		b.lastStateChange = time.Now()
		b.successes = 1
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.failures++
	b.lastFailureTime = time.Now()
	b.successes = 0

	switch b.state {
	case Closed:
		if b.failures >= b.config.FailureThreshold {
			b.state = Open
			b.lastStateChange = time.Now()
		}
	case HalfOpen:
		b.state = Open
		b.lastStateChange = time.Now()
	case Open:
	}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Stats is a point-in-time snapshot for health introspection and metrics.
type Stats struct {
	State               State
	ConsecutiveFailures int
	LastFailureTime     time.Time
	LastStateChange     time.Time
	TotalFailures       int64
	TotalSuccesses      int64
	TotalRejected       int64
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		LastFailureTime:     b.lastFailureTime,
		LastStateChange:     b.lastStateChange,
		TotalFailures:       b.totalFailures,
		TotalSuccesses:      b.totalSuccesses,
		TotalRejected:       b.totalRejected,
	}
}

// Reset forces the breaker back to closed, used by operator intervention.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.successes = 0
	b.lastStateChange = time.Now()
}

// Call guards fn behind the breaker: rejects immediately with
// domain.ErrCircuitOpen when open, otherwise runs fn and records the
// outcome.
func (b *Breaker) Call(fn func() error) error {
	if !b.Allow() {
		return domain.ErrCircuitOpen
	}
	err := fn()
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}
