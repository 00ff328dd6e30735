// Package circuit isolates failing upstream providers behind a
// per-provider closed/open/half-open state machine.
package circuit

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Forzadelricondizionato/FinDashPro3/internal/domain"
)

// State of a provider circuit.
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half_open"
	StateOpen     State = "open"
)

const (
	halfOpenSuccesses = 2
	failureHistory    = 20
	minAdaptive       = 60 * time.Second
	maxAdaptive       = 600 * time.Second
)

// Config tunes a Breaker.
type Config struct {
	Threshold       int
	RecoveryTimeout time.Duration
	Adaptive        bool
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a hook called after every transition.
// The hook runs outside the provider lock.
func WithStateChange(fn func(provider string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// WithAdaptiveTimeout derives the recovery timeout from recent failures.
func WithAdaptiveTimeout() Option {
	return func(b *Breaker) { b.cfg.Adaptive = true }
}

// Breaker holds one circuit per provider. Circuit state is only
// reachable through its methods.
type Breaker struct {
	cfg      Config
	now      func() time.Time
	onChange func(provider string, from, to State)

	mu       sync.Mutex
	circuits map[string]*circuitState
}

type circuitState struct {
	mu                sync.Mutex
	state             State
	failures          int
	lastFailure       time.Time
	halfOpenSuccesses int
	history           []time.Time
}

// Status is a read-only view of one circuit.
type Status struct {
	Provider            string    `json:"provider"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	RecoveryTimeout     float64   `json:"recovery_timeout_seconds"`
}

// New creates a Breaker. Zero config values fall back to a threshold of 3
// and a 300s recovery timeout.
func New(cfg Config, opts ...Option) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 3
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 300 * time.Second
	}
	b := &Breaker{
		cfg:      cfg,
		now:      time.Now,
		circuits: make(map[string]*circuitState),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Call runs fn unless the provider circuit is open.
func (b *Breaker) Call(ctx context.Context, provider string, fn func(context.Context) error) error {
	c := b.circuit(provider)

	c.mu.Lock()
	probing := false
	if c.state == StateOpen {
		timeout := b.recoveryTimeoutLocked(c)
		elapsed := b.now().Sub(c.lastFailure)
		if elapsed < timeout {
			c.mu.Unlock()
			return &domain.CircuitOpenError{Provider: provider, RetryAfter: timeout - elapsed}
		}
		c.state = StateHalfOpen
		c.halfOpenSuccesses = 0
		probing = true
	}
	c.mu.Unlock()
	if probing {
		b.notify(provider, StateOpen, StateHalfOpen)
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// The caller gave up; the provider did not fail.
		return err
	}

	c.mu.Lock()
	before := c.state
	if err != nil {
		b.failureLocked(c)
	} else {
		b.successLocked(c)
	}
	after := c.state
	c.mu.Unlock()

	if before != after {
		b.notify(provider, before, after)
	}
	return err
}

// Do is Call for functions returning a value.
func Do[T any](ctx context.Context, b *Breaker, provider string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Call(ctx, provider, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// successLocked ignores results that land after the circuit opened; the
// call started before the failures that opened it.
func (b *Breaker) successLocked(c *circuitState) {
	if c.state == StateOpen {
		return
	}
	c.failures = 0
	if c.state == StateHalfOpen {
		c.halfOpenSuccesses++
		if c.halfOpenSuccesses >= halfOpenSuccesses {
			c.state = StateClosed
			c.halfOpenSuccesses = 0
		}
	}
}

func (b *Breaker) failureLocked(c *circuitState) {
	now := b.now()
	c.failures++
	c.lastFailure = now
	c.history = append(c.history, now)
	if len(c.history) > failureHistory {
		c.history = c.history[len(c.history)-failureHistory:]
	}

	switch c.state {
	case StateHalfOpen:
		c.state = StateOpen
		c.halfOpenSuccesses = 0
		c.failures = max(c.failures, b.cfg.Threshold)
	case StateClosed:
		if c.failures >= b.cfg.Threshold {
			c.state = StateOpen
		}
	}
}

// recoveryTimeoutLocked is the fixed timeout, or with the adaptive variant
// the mean of an exponential fit to the inter-failure intervals.
func (b *Breaker) recoveryTimeoutLocked(c *circuitState) time.Duration {
	if !b.cfg.Adaptive || len(c.history) < 2 {
		return b.cfg.RecoveryTimeout
	}
	span := c.history[len(c.history)-1].Sub(c.history[0])
	mean := span / time.Duration(len(c.history)-1)
	return min(max(mean, minAdaptive), maxAdaptive)
}

// RecoveryTimeout reports the timeout currently applied to provider.
func (b *Breaker) RecoveryTimeout(provider string) time.Duration {
	c := b.circuit(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	return b.recoveryTimeoutLocked(c)
}

// State returns the stored state of provider. An open circuit whose
// timeout has elapsed still reads open until the next call.
func (b *Breaker) State(provider string) State {
	c := b.circuit(provider)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot lists every known circuit.
func (b *Breaker) Snapshot() []Status {
	b.mu.Lock()
	names := make([]string, 0, len(b.circuits))
	for name := range b.circuits {
		names = append(names, name)
	}
	b.mu.Unlock()
	slices.Sort(names)

	out := make([]Status, 0, len(names))
	for _, name := range names {
		c := b.circuit(name)
		c.mu.Lock()
		out = append(out, Status{
			Provider:            name,
			State:               c.state,
			ConsecutiveFailures: c.failures,
			LastFailureAt:       c.lastFailure,
			RecoveryTimeout:     b.recoveryTimeoutLocked(c).Seconds(),
		})
		c.mu.Unlock()
	}
	return out
}

func (b *Breaker) circuit(provider string) *circuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[provider]
	if !ok {
		c = &circuitState{state: StateClosed}
		b.circuits[provider] = c
	}
	return c
}

func (b *Breaker) notify(provider string, from, to State) {
	switch to {
	case StateOpen:
		slog.Warn("circuit opened", slog.String("provider", provider), slog.String("from", string(from)))
	case StateHalfOpen:
		slog.Info("circuit half-open", slog.String("provider", provider))
	case StateClosed:
		slog.Info("circuit closed", slog.String("provider", provider))
	}
	if b.onChange != nil {
		b.onChange(provider, from, to)
	}
}
