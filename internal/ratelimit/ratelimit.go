// Package ratelimit gates language-generation requests behind two token
// buckets: one bounding tokens per minute and one bounding requests per
// minute. Both buckets start full and refill continuously.
//
// A [Limiter] is shared by every call in the process. Its mutex is held only
// while reserving from the buckets; waiting happens outside the lock.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MrWong99/tablecall/internal/observe"
)

// ErrClosed is returned by [Limiter.Acquire] after [Limiter.Close].
var ErrClosed = errors.New("ratelimit: limiter closed")

// Default budgets match the Groq free tier.
const (
	DefaultTokensPerMinute   = 6000
	DefaultRequestsPerMinute = 30
)

// longWait is the wait above which Acquire logs a warning.
const longWait = 30 * time.Second

// Option configures a [Limiter].
type Option func(*Limiter)

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// Limiter is a dual token-bucket admission gate. Safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	tokens   *rate.Limiter
	requests *rate.Limiter
	tpm      int
	rpm      int
	metrics  *observe.Metrics

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Limiter allowing tpm tokens and rpm requests per minute.
// Non-positive values fall back to the defaults.
func New(tpm, rpm int, opts ...Option) *Limiter {
	if tpm <= 0 {
		tpm = DefaultTokensPerMinute
	}
	if rpm <= 0 {
		rpm = DefaultRequestsPerMinute
	}
	l := &Limiter{
		tokens:   rate.NewLimiter(perMinute(tpm), tpm),
		requests: rate.NewLimiter(perMinute(rpm), rpm),
		tpm:      tpm,
		rpm:      rpm,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l
}

func perMinute(n int) rate.Limit {
	return rate.Limit(float64(n) / 60)
}

// Acquire blocks until estimatedTokens tokens and one request slot are
// available in both buckets, then deducts them. A request larger than the
// whole token budget is clamped to it so it can eventually proceed.
//
// If ctx ends while waiting, both reservations are returned to their buckets
// and ctx.Err() is returned.
func (l *Limiter) Acquire(ctx context.Context, estimatedTokens int) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}
	if estimatedTokens > l.tpm {
		estimatedTokens = l.tpm
	}

	l.mu.Lock()
	now := time.Now()
	tr := l.tokens.ReserveN(now, estimatedTokens)
	rr := l.requests.ReserveN(now, 1)
	l.mu.Unlock()

	wait := max(tr.DelayFrom(now), rr.DelayFrom(now))
	if wait <= 0 {
		return nil
	}

	log := observe.Logger(ctx)
	l.metrics.RateLimitWaits.Add(ctx, 1)
	if wait > longWait {
		log.Warn("rate limit requires long wait", "wait", wait, "tokens", estimatedTokens)
	} else {
		log.Debug("rate limiter waiting", "wait", wait, "tokens", estimatedTokens)
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		tr.Cancel()
		rr.Cancel()
		return ctx.Err()
	case <-l.done:
		tr.Cancel()
		rr.Cancel()
		return ErrClosed
	}
}

// RecordUsage reconciles a request admitted with estimatedTokens against
// the actualTokens the provider reports. Usage above the estimate is charged
// to the token bucket at once, delaying later requests; usage below it is not
// refunded.
func (l *Limiter) RecordUsage(ctx context.Context, estimatedTokens, actualTokens int) {
	extra := min(actualTokens-min(estimatedTokens, l.tpm), l.tpm)
	observe.Logger(ctx).Debug("llm tokens used", "estimated", estimatedTokens, "tokens", actualTokens)
	if extra <= 0 {
		return
	}
	l.mu.Lock()
	l.tokens.ReserveN(time.Now(), extra)
	l.mu.Unlock()
}

// availableTokens reports the tokens currently in the token bucket. The value
// is negative while outstanding reservations exceed the refill.
func (l *Limiter) availableTokens() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.tokens.Tokens())
}

// Close wakes all waiters with [ErrClosed] and rejects further acquisitions.
// Idempotent.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}
