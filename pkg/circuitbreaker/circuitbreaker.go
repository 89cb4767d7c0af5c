// Package circuitbreaker implements the Circuit Breaker pattern for fault
// tolerance. It protects the remote learning platform from retry storms when
// it is down: after enough consecutive fetch failures the breaker fails fast
// until a probe succeeds. An open breaker surfaces as an ordinary fetch
// error and flows through the pollers' normal retry/exhaustion path.
// No external dependencies - uses only standard library.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the current state of the circuit breaker.
type State int

const (
	// StateClosed is the normal state - calls are allowed through.
	StateClosed State = iota
	// StateOpen is the failure state - calls are blocked.
	StateOpen
	// StateHalfOpen is the recovery state - one probe call is allowed.
	StateHalfOpen
)

// String returns the string representation of the state.
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

// ErrCircuitOpen is returned when the circuit is open and calls are blocked.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration.
type Config struct {
	// Name identifies this circuit breaker (for logging).
	Name string

	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of successes in half-open state before
	// closing the circuit. Default: 2
	SuccessThreshold int

	// Timeout is how long to stay open before allowing a probe.
	// Default: 30s
	Timeout time.Duration

	// OnStateChange is called when the circuit state changes.
	OnStateChange func(name string, from, to State)

	// Now tells the time; tests inject virtual time here.
	Now func() time.Time
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// Breaker is a circuit breaker guarding one external dependency.
type Breaker struct {
	mu sync.Mutex

	config       Config
	state        State
	failures     int
	successes    int
	openedAt     time.Time
}

// New creates a Breaker from the given config, applying defaults.
func New(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Breaker{config: config, state: StateClosed}
}

// State returns the current state, accounting for open->half-open expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Execute runs the operation if the circuit allows it, recording the outcome.
func (b *Breaker) Execute(ctx context.Context, operation func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := operation(ctx)
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.currentState() == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// currentState must be called with the mutex held.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.config.Now().Sub(b.openedAt) >= b.config.Timeout {
		b.transition(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		if b.state == StateHalfOpen || b.failures >= b.config.FailureThreshold {
			b.openedAt = b.config.Now()
			b.transition(StateOpen)
		}
		return
	}

	b.failures = 0
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(StateClosed)
		}
	case StateOpen:
		// A success while nominally open means the probe raced the expiry
		// check; treat it as a half-open success.
		b.successes++
		b.transition(StateHalfOpen)
	}
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if to == StateClosed {
		b.failures = 0
		b.successes = 0
	}
	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.config.Name, from, to)
	}
}
