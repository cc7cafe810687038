// Package resilience keeps calls alive while a speech or language provider
// degrades.
//
// A [Breaker] stops sending requests to a provider after repeated failures
// and lets a few probes through once a cooldown has passed. A [Group] puts
// a breaker in front of each of several interchangeable providers and
// serves every request from the first healthy one. [LLMFallback],
// [TTSFallback] and [STTFallback] are groups that implement the provider
// interfaces, so the pipeline never knows whether it talks to the primary.
//
// Failures caused by the caller cancelling its own context, as happens on
// every barge-in, are never counted against a provider.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/tablecall/internal/observe"
)

// ErrCircuitOpen is returned by [Breaker.Do] while the breaker rejects
// requests.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the state of a [Breaker].
type State int

const (
	StateClosed State = iota
	StateOpen
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

// BreakerConfig tunes a [Breaker]. Zero fields take the defaults.
type BreakerConfig struct {
	// MaxFailures opens the breaker after this many consecutive failures.
	// Default 5.
	MaxFailures int

	// Cooldown is how long an open breaker rejects requests. Default 30s.
	Cooldown time.Duration

	// Probes is the number of successful half-open requests that close the
	// breaker again. Default 2.
	Probes int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Probes <= 0 {
		c.Probes = 2
	}
	return c
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	name string
	cfg  BreakerConfig
	now  func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	inFlight int // half-open probes not yet finished
	passed   int // half-open probes that succeeded
}

// NewBreaker returns a closed Breaker. name labels its log lines.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults(), now: time.Now}
}

// State returns the current state. An open breaker whose cooldown has
// passed reports [StateHalfOpen]; the transition happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Do runs fn unless the breaker is open. An error returned after ctx was
// cancelled is passed through without counting as a failure.
func (b *Breaker) Do(ctx context.Context, fn func() error) error {
	probe, err := b.admit(ctx)
	if err != nil {
		return err
	}
	err = fn()
	if err != nil && ctx.Err() != nil {
		b.release(probe)
		return err
	}
	b.record(ctx, probe, err)
	return err
}

func (b *Breaker) admit(ctx context.Context) (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, ErrCircuitOpen
		}
		b.state = StateHalfOpen
		b.inFlight, b.passed = 0, 0
		observe.Logger(ctx).Info("circuit half-open", "provider", b.name)
		fallthrough
	case StateHalfOpen:
		if b.inFlight+b.passed >= b.cfg.Probes {
			return false, ErrCircuitOpen
		}
		b.inFlight++
		return true, nil
	}
	return false, nil
}

func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	if b.state == StateHalfOpen {
		b.inFlight--
	}
	b.mu.Unlock()
}

func (b *Breaker) record(ctx context.Context, probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe && b.state == StateHalfOpen {
		b.inFlight--
		if err != nil {
			b.trip(ctx)
			return
		}
		if b.passed++; b.passed >= b.cfg.Probes {
			b.state, b.failures = StateClosed, 0
			observe.Logger(ctx).Info("circuit closed", "provider", b.name)
		}
		return
	}
	if err == nil {
		b.failures = 0
		return
	}
	if b.failures++; b.state == StateClosed && b.failures >= b.cfg.MaxFailures {
		b.trip(ctx)
	}
}

// trip opens the breaker. b.mu must be held.
func (b *Breaker) trip(ctx context.Context) {
	b.state = StateOpen
	b.openedAt = b.now()
	observe.Logger(ctx).Warn("circuit opened", "provider", b.name, "failures", b.failures, "cooldown", b.cfg.Cooldown)
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures, b.inFlight, b.passed = 0, 0, 0
}
