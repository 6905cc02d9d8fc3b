// Package circuitbreaker implements the circuit breaker pattern.
//
// Consecutive failures against a resource (a backend scheduler, a callback
// endpoint) open the circuit and block further attempts until a cooldown
// elapses; a single probe then decides whether to close it again.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // normal operation, requests allowed
	Open                  // failing, requests blocked
	HalfOpen              // cooldown elapsed, probing
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // consecutive failures before the circuit opens (default: 5)
	Cooldown  time.Duration // wait before probing again (default: 30s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Breaker guards a single resource.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int       // consecutive failures
	lastFailure time.Time // when the last failure occurred
}

// New creates a new circuit breaker.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// Allow reports whether a request should be attempted. An open circuit
// whose cooldown has elapsed moves to half-open and lets the probe through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open {
		if time.Since(b.lastFailure) <= b.cfg.Cooldown {
			return false
		}
		b.state = HalfOpen
	}
	return true
}

// RecordSuccess closes the circuit and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.state = Closed
}

// RecordFailure counts a failure. A failed half-open probe reopens the
// circuit immediately; otherwise the circuit opens at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.state = Open
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset returns the breaker to closed with no recorded failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
}
