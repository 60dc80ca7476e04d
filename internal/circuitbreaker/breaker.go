// Package circuitbreaker implements the circuit breaker pattern guarding
// every outbound HTTP dependency (rules engine, lore database, LLM gateway).
package circuitbreaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation, requests pass through
	StateOpen                  // failure threshold exceeded, requests blocked
	StateHalfOpen              // probing whether the dependency recovered
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

// ErrCircuitOpen is returned when a request is rejected without being
// attempted because the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration.
type Config struct {
	// Name identifies this breaker in logs and metrics.
	Name string

	// FailureThreshold is the number of consecutive failures that trips
	// the breaker open.
	FailureThreshold int

	// OpenTimeout is how long the breaker stays open before allowing a
	// half-open probe.
	OpenTimeout time.Duration

	// OnStateChange is called whenever the state changes.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig matches the shared outbound-client policy: five consecutive
// failures open the breaker for sixty seconds.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
		OnStateChange: func(name string, from, to State) {
			slog.Info("[CircuitBreaker] State change", "name", name, "from", from.String(), "to", to.String())
		},
	}
}

// CircuitBreaker tracks consecutive failures against a single dependency.
// The clock is injectable so tests can drive the open window without
// sleeping; it must be monotonic.
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu           sync.Mutex
	state        State
	failureCount int
	openUntil    time.Time
}

// New creates a breaker with the given config.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 60 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now, state: StateClosed}
}

// NewWithClock creates a breaker with an injected time source.
func NewWithClock(cfg Config, now func() time.Time) *CircuitBreaker {
	cb := New(cfg)
	cb.now = now
	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.cfg.Name }

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// Allow reports whether a request may proceed. In the open state it returns
// ErrCircuitOpen until the open window elapses; the first request after that
// is the half-open probe.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.currentState() == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess resets the breaker after a successful request (or a 4xx,
// which is not a service failure).
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.openUntil = time.Time{}
	cb.setState(StateClosed)
}

// RecordFailure counts a 5xx, transport error, or timeout. Reaching the
// threshold opens the breaker; a failed half-open probe re-opens it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState()
	cb.failureCount++
	if state == StateHalfOpen || cb.failureCount >= cb.cfg.FailureThreshold {
		cb.openUntil = cb.now().Add(cb.cfg.OpenTimeout)
		cb.setState(StateOpen)
	}
}

// currentState resolves open → half-open once the window elapses.
// Caller holds cb.mu.
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && !cb.openUntil.After(cb.now()) {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(state State) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, state)
	}
}

// String implements fmt.Stringer.
func (cb *CircuitBreaker) String() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return fmt.Sprintf("CircuitBreaker[%s: state=%s, failures=%d]", cb.cfg.Name, cb.state, cb.failureCount)
}
