// Package breaker implements the circuit breaker that guards transport
// operations against failing relay endpoints.
//
// A breaker counts consecutive failures while closed; at the configured
// threshold it opens and rejects requests outright. After the cooldown
// elapses it admits exactly one trial request (half-open): success
// closes the breaker and resets the counter, failure re-opens it with an
// increased cooldown up to a cap. Breakers are keyed per endpoint and
// per operation class so one failing endpoint cannot starve the others.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker state.
type State uint8

const (
	// Closed admits requests and counts failures.
	Closed State = iota
	// Open rejects requests without a network attempt.
	Open
	// HalfOpen has admitted a single trial request and awaits its outcome.
	HalfOpen
)

// String returns the state name.
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

// Class partitions breakers by operation kind, so auth failures do not
// trip the send path and vice versa.
type Class string

const (
	ClassSend     Class = "send"
	ClassAuth     Class = "auth"
	ClassCritical Class = "critical"
)

// TimeProvider supplies the current time; injectable for cooldown tests.
type TimeProvider interface {
	Now() time.Time
}

type realTime struct{}

func (realTime) Now() time.Time { return time.Now() }

// Config tunes a breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int
	// Cooldown is the initial open duration.
	Cooldown time.Duration
	// CooldownMultiplier grows the cooldown on each failed trial.
	CooldownMultiplier float64
	// MaxCooldown caps cooldown growth.
	MaxCooldown time.Duration
	// Time overrides the clock; nil uses the system clock.
	Time TimeProvider
}

// DefaultConfig opens after 5 consecutive failures for 30s, doubling up
// to 5 minutes on repeated trial failures.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		Cooldown:           30 * time.Second,
		CooldownMultiplier: 2,
		MaxCooldown:        5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.CooldownMultiplier < 1 {
		c.CooldownMultiplier = 2
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 5 * time.Minute
	}
	if c.Time == nil {
		c.Time = realTime{}
	}
	return c
}

// Breaker tracks failures for one (endpoint, class) pair. Safe for
// concurrent use.
type Breaker struct {
	mu           sync.Mutex
	cfg          Config
	state        State
	failures     int
	cooldown     time.Duration
	lastFailure  time.Time
	openedAt     time.Time
	trialPending bool
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{cfg: cfg, cooldown: cfg.Cooldown}
}

// Allow reports whether a request may proceed. It is query-only while
// the state is stable: repeated calls in Closed return true, repeated
// calls in Open before the cooldown return false. The single mutation is
// the Open to HalfOpen edge once the cooldown elapses, which admits
// exactly one trial request; further calls return false until the trial
// is resolved by RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return false // trial already in flight
	default: // Open
		if b.cfg.Time.Now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = HalfOpen
		b.trialPending = true
		return true
	}
}

// RecordSuccess resets the breaker after a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failures = 0
	b.cooldown = b.cfg.Cooldown
	b.trialPending = false
}

// RecordFailure counts a failed request. In Closed it may trip the
// breaker; in HalfOpen the failed trial re-opens it with an increased
// cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Time.Now()
	b.lastFailure = now

	switch b.state {
	case HalfOpen:
		next := time.Duration(float64(b.cooldown) * b.cfg.CooldownMultiplier)
		if next > b.cfg.MaxCooldown {
			next = b.cfg.MaxCooldown
		}
		b.cooldown = next
		b.state = Open
		b.openedAt = now
		b.trialPending = false
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = now
		}
	default: // Open: nothing to count, requests are rejected
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// LastFailure returns the time of the most recent recorded failure.
func (b *Breaker) LastFailure() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailure
}
