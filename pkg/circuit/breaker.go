// Package circuit guards upstream calls so a dead pool fails fast instead of
// stalling every miner request behind a network timeout.
package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/roundproxy/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - requests are allowed
	StateClosed State = iota
	// StateOpen - requests are rejected
	StateOpen
	// StateHalfOpen - probe requests are allowed to test recovery
	StateHalfOpen
)

// String returns string representation of the state
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

// Config holds circuit breaker configuration
type Config struct {
	MaxFailures     int           // consecutive failures before opening
	SuccessRequired int           // probe successes required to close from half-open
	Timeout         time.Duration // open duration before probing
}

// DefaultConfig returns the configuration used for upstream submit paths.
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:     5,
		SuccessRequired: 2,
		Timeout:         15 * time.Second,
	}
}

// StateChangeFunc is notified on every transition, outside the breaker lock.
type StateChangeFunc func(name string, from, to State)

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name     string
	config   *Config
	onChange StateChangeFunc
	now      func() time.Time

	mu           sync.Mutex
	state        State
	failures     int
	successes    int
	lastFailTime time.Time
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithStateChange registers a transition callback.
func WithStateChange(fn StateChangeFunc) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a new circuit breaker
func New(name string, config *Config, opts ...Option) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	b := &Breaker{
		name:   name,
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// Execute runs fn with circuit breaker protection
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	_, err := ExecuteWithResult(ctx, b, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// ExecuteWithResult runs fn with circuit breaker protection and returns its result.
// Context cancellation is not counted as an upstream failure.
func ExecuteWithResult[T any](ctx context.Context, b *Breaker, fn func() (T, error)) (T, error) {
	var zero T

	if err := b.allow(); err != nil {
		return zero, err
	}

	result, err := fn()
	if err != nil && ctx.Err() != nil {
		return result, err
	}
	b.record(err)
	return result, err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	var transition func()
	defer func() {
		b.mu.Unlock()
		if transition != nil {
			transition()
		}
	}()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailTime) <= b.config.Timeout {
			return errors.New(errors.ErrorTypeUpstream, "circuit_breaker", "circuit breaker is open").
				WithContext("breaker", b.name)
		}
		transition = b.setState(StateHalfOpen)
		b.successes = 0
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	var transition func()
	defer func() {
		b.mu.Unlock()
		if transition != nil {
			transition()
		}
	}()

	if err != nil {
		b.failures++
		b.lastFailTime = b.now()
		switch {
		case b.state == StateHalfOpen:
			transition = b.setState(StateOpen)
		case b.state == StateClosed && b.failures >= b.config.MaxFailures:
			transition = b.setState(StateOpen)
		}
		b.successes = 0
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessRequired {
			transition = b.setState(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	case StateClosed:
		b.failures = 0
	}
}

// setState must be called with mu held. The returned func fires the callback.
func (b *Breaker) setState(to State) func() {
	from := b.state
	b.state = to
	if from == to || b.onChange == nil {
		return nil
	}
	name, cb := b.name, b.onChange
	return func() { cb(name, from, to) }
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	State        State
	Failures     int
	Successes    int
	LastFailTime time.Time
}

// Stats returns statistics about the circuit breaker
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:        b.state,
		Failures:     b.failures,
		Successes:    b.successes,
		LastFailTime: b.lastFailTime,
	}
}

// Reset manually resets the circuit breaker to closed state
func (b *Breaker) Reset() {
	b.mu.Lock()
	transition := b.setState(StateClosed)
	b.failures = 0
	b.successes = 0
	b.mu.Unlock()
	if transition != nil {
		transition()
	}
}
