// Package resilience guards calls to optional external dependencies (the
// session journal database) so that an outage there degrades into skipped
// writes instead of piling up blocked goroutines.
//
// The central type is [Breaker], a three-state circuit breaker
// (closed → open → half-open) that admits a single probe after its cooldown.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State represents the current operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrOpen] until the cooldown elapsed.
	StateOpen

	// StateHalfOpen admits exactly one probe call. Its outcome closes or
	// re-opens the breaker.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// Option configures a [Breaker].
type Option func(*Breaker)

// WithThreshold sets the number of consecutive failures that open the
// breaker. Default: 5.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays open before admitting a probe.
// Default: 30s.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithStateChange registers fn to be called (outside the lock) on every
// transition.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// WithLogger sets the logger used for transitions. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.log = l }
}

// withClock replaces time.Now in tests.
func withClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// Breaker is a circuit breaker around one dependency.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	onChange  func(from, to State)
	log       *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed [Breaker]. name appears in log messages.
func NewBreaker(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: 5,
		cooldown:  30 * time.Second,
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Do runs fn if the breaker admits the call and records its outcome. A call
// that fails only because ctx was cancelled by the caller is not counted as a
// dependency failure.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn(ctx)

	switch {
	case err == nil:
		b.succeed()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		b.abandon(probe)
	default:
		b.fail(probe)
	}
	return err
}

// State returns the current state. An open breaker whose cooldown elapsed
// reports [StateHalfOpen]; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return false, nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return false, ErrOpen
		}
		b.probing = true
		b.transition(StateHalfOpen) // unlocks
		return true, nil
	default: // half-open
		if b.probing {
			b.mu.Unlock()
			return false, ErrOpen
		}
		b.probing = true
		b.mu.Unlock()
		return true, nil
	}
}

func (b *Breaker) succeed() {
	b.mu.Lock()
	b.failures = 0
	b.probing = false
	if b.state == StateClosed {
		b.mu.Unlock()
		return
	}
	b.transition(StateClosed)
}

func (b *Breaker) fail(probe bool) {
	b.mu.Lock()
	b.failures++
	if probe || b.state == StateHalfOpen {
		b.probing = false
		b.openedAt = b.now()
		b.transition(StateOpen)
		return
	}
	if b.state == StateClosed && b.failures >= b.threshold {
		b.openedAt = b.now()
		b.transition(StateOpen)
		return
	}
	b.mu.Unlock()
}

// abandon releases a probe slot without judging the dependency.
func (b *Breaker) abandon(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

// transition moves to state to. It must be called with b.mu held and
// releases it before notifying.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	failures := b.failures
	b.mu.Unlock()

	if from == to {
		return
	}
	if to == StateOpen {
		b.log.Warn("circuit breaker opened", "name", b.name, "consecutive_failures", failures)
	} else {
		b.log.Info("circuit breaker state changed", "name", b.name, "from", from, "to", to)
	}
	if b.onChange != nil {
		b.onChange(from, to)
	}
}
