package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBreakerOpen is returned when the breaker rejects a call without
// invoking the protected dependency. Callers distinguish it from ordinary
// failures via errors.Is so "temporarily unavailable" messaging stays
// separate from "failed".
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerState is the circuit breaker state machine state
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// transitionLogCap bounds the diagnostic transition log
const transitionLogCap = 100

// halfOpenSuccesses is the number of consecutive probe successes required
// to close a half-open breaker. Recovery is conservative; a single probe
// failure reopens immediately.
const halfOpenSuccesses = 2

// BreakerConfig configures a circuit breaker
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// BreakerTransition records one state change for diagnostics
type BreakerTransition struct {
	From BreakerState
	To   BreakerState
	At   time.Time
}

// Breaker stops calling a dependency that is currently failing and probes
// for recovery after a cooldown. One instance must be shared across all
// calls to the same logical dependency.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	successCount int
	lastFailure  time.Time
	transitions  []BreakerTransition

	now func() time.Time // overridable in tests
}

// NewBreaker creates a closed breaker for the named dependency
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: BreakerClosed,
		now:   time.Now,
	}
}

// Name returns the protected dependency's name
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Transitions returns a copy of the recent state changes, oldest first
func (b *Breaker) Transitions() []BreakerTransition {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]BreakerTransition(nil), b.transitions...)
}

// Execute runs fn under breaker protection. While open it fails fast with
// ErrBreakerOpen; otherwise fn's own error is returned unchanged.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn()
	b.record(err)
	return err
}

// allow performs the pre-call state check, transitioning open breakers to
// half-open once the reset timeout has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return nil
	}
	if b.now().Sub(b.lastFailure) > b.cfg.ResetTimeout {
		b.transition(BreakerHalfOpen)
		b.successCount = 0
		return nil
	}
	return fmt.Errorf("%s: %w", b.name, ErrBreakerOpen)
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.lastFailure = b.now()
		switch b.state {
		case BreakerHalfOpen:
			// No tolerance for probe failures.
			b.transition(BreakerOpen)
		case BreakerClosed:
			b.failureCount++
			if b.failureCount >= b.cfg.FailureThreshold {
				b.transition(BreakerOpen)
			}
		}
		return
	}

	switch b.state {
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= halfOpenSuccesses {
			b.transition(BreakerClosed)
			b.failureCount = 0
		}
	case BreakerClosed:
		// Successes slowly heal minor flakiness instead of resetting it.
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
}

// transition must be called with the mutex held
func (b *Breaker) transition(to BreakerState) {
	b.transitions = append(b.transitions, BreakerTransition{
		From: b.state,
		To:   to,
		At:   b.now(),
	})
	if len(b.transitions) > transitionLogCap {
		b.transitions = b.transitions[len(b.transitions)-transitionLogCap:]
	}
	b.state = to
}
