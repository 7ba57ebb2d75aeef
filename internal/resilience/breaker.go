// Package resilience provides circuit breaking and provider failover for the
// synthesis pipeline.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open) that
// keeps a repeatedly failing TTS backend from being hammered while it is
// down. [Group] composes several instances of a provider type with one
// breaker per entry, and [SynthFallback] applies that to synth.Synthesizer so
// a session transparently fails over to a healthy backend.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker is open and
// the reset timeout has not elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker is open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrBreakerOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through to decide
	// whether the backend has recovered.
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

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// MaxFailures is how many consecutive failures open the breaker.
	// Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenProbes is how many consecutive probe successes close the
	// breaker again. Default: 3.
	HalfOpenProbes int
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	cfg BreakerConfig

	mu             sync.Mutex
	state          State
	failures       int // consecutive, while closed
	probeSuccesses int // consecutive, while half-open
	probesInFlight int
	openedAt       time.Time
}

// NewBreaker creates a closed [Breaker].
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 3
	}
	return &Breaker{cfg: cfg}
}

// Do runs fn if the breaker admits the call, recording the outcome. While
// open it fails fast with [ErrBreakerOpen]; in half-open it admits at most
// HalfOpenProbes concurrent probes.
func (b *Breaker) Do(fn func() error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// admit decides whether a call may proceed and does the open-to-half-open
// transition.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.ResetTimeout {
			return ErrBreakerOpen
		}
		b.state = StateHalfOpen
		b.probeSuccesses = 0
		b.probesInFlight = 0
		slog.Info("breaker probing backend", "name", b.cfg.Name)

	case StateHalfOpen:
		if b.probesInFlight >= b.cfg.HalfOpenProbes {
			return ErrBreakerOpen
		}
	}

	if b.state == StateHalfOpen {
		b.probesInFlight++
	}
	return nil
}

// record books the outcome of an admitted call.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.probesInFlight--
		if err != nil {
			// One failed probe re-opens immediately.
			b.state = StateOpen
			b.openedAt = time.Now()
			slog.Warn("breaker re-opened", "name", b.cfg.Name)
			return
		}
		b.probeSuccesses++
		if b.probeSuccesses >= b.cfg.HalfOpenProbes {
			b.state = StateClosed
			b.failures = 0
			slog.Info("breaker closed", "name", b.cfg.Name)
		}

	case StateClosed:
		if err == nil {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.state = StateOpen
			b.openedAt = time.Now()
			slog.Warn("breaker opened", "name", b.cfg.Name, "consecutive_failures", b.failures)
		}
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports half-open; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.probeSuccesses = 0
	b.probesInFlight = 0
}
