// Package breaker implements per-dependency circuit breakers guarding
// outbound calls. Each breaker is a three-state machine (closed, open,
// half-open); a process-wide registry exposes stats and admin reset.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed passes calls through and counts failures.
	StateClosed State = iota
	// StateOpen rejects calls until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen admits a bounded number of concurrent probes.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls a breaker's trip and recovery behaviour.
type Config struct {
	// FailureThreshold is the number of consecutive failures in the closed
	// state that trips the breaker.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before admitting
	// a probe.
	RecoveryTimeout time.Duration
	// HalfOpenMax bounds the number of concurrent probes in the half-open
	// state.
	HalfOpenMax int
	// IsSuccessful classifies the wrapped call's error. When nil, any non-nil
	// error counts as a failure. Expected errors (e.g. a 404 from a healthy
	// dependency) can be classified as successes here.
	IsSuccessful func(error) bool
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
	if c.IsSuccessful == nil {
		c.IsSuccessful = func(err error) bool { return err == nil }
	}
	return c
}

// CircuitOpenError is returned when a call is rejected without being attempted.
type CircuitOpenError struct {
	Name       string
	RetryAfter time.Duration
	Reason     string
}

func (e *CircuitOpenError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("circuit %s open: %s", e.Name, e.Reason)
	}
	return fmt.Sprintf("circuit %s open, retry in %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// Breaker guards one logical dependency. The mutex protects only the state
// bookkeeping; the wrapped call runs outside the lock.
type Breaker struct {
	name string
	cfg  Config

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	lastFailure      time.Time
	openedAt         time.Time
	halfOpenInFlight int
}

// New creates a breaker with the given name and config.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: StateClosed,
	}
}

// Name returns the breaker's registry name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs fn if the breaker admits the call. In the open state the call
// is rejected immediately with a CircuitOpenError carrying the retry-after.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(b.cfg.IsSuccessful(err))
	return err
}

// admit decides whether a call may proceed, transitioning Open → HalfOpen when
// the recovery timeout has elapsed.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		since := time.Since(b.lastFailure)
		if since < b.cfg.RecoveryTimeout {
			return &CircuitOpenError{
				Name:       b.name,
				RetryAfter: b.cfg.RecoveryTimeout - since,
			}
		}
		b.state = StateHalfOpen
		b.halfOpenInFlight = 0
		fallthrough
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMax {
			return &CircuitOpenError{
				Name:   b.name,
				Reason: "half-open probe limit reached",
			}
		}
		b.halfOpenInFlight++
	}

	return nil
}

// record applies the outcome of a completed call to the state machine.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenInFlight--
		if success {
			// First successful probe closes the circuit.
			b.state = StateClosed
			b.failureCount = 0
			b.successCount++
		} else {
			b.state = StateOpen
			now := time.Now()
			b.openedAt = now
			b.lastFailure = now
		}
	case StateClosed:
		if success {
			b.failureCount = 0
			b.successCount++
			return
		}
		b.failureCount++
		b.lastFailure = time.Now()
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.lastFailure
		}
	case StateOpen:
		// A call admitted before the transition finished after it; only the
		// failure timestamp is worth keeping.
		if !success {
			b.lastFailure = time.Now()
		}
	}
}

// Reset forces the breaker to closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenInFlight = 0
	b.lastFailure = time.Time{}
	b.openedAt = time.Time{}
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Name         string     `json:"name"`
	State        string     `json:"state"`
	FailureCount int        `json:"failure_count"`
	SuccessCount int        `json:"success_count"`
	LastFailure  *time.Time `json:"last_failure,omitempty"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
}

// Stats returns a snapshot of the breaker's counters and state.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Name:         b.name,
		State:        b.state.String(),
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		s.LastFailure = &t
	}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		s.OpenedAt = &t
	}
	return s
}
