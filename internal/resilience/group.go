package resilience

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/tablecall/internal/observe"
)

// ErrAllFailed is returned when no member of a [Group] served a request.
var ErrAllFailed = errors.New("resilience: all providers failed")

// Config configures a [Group].
type Config struct {
	Breaker BreakerConfig

	// Metrics receives failover and open-circuit counts. Default:
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

type member[T any] struct {
	name    string
	p       T
	breaker *Breaker
}

// Group holds interchangeable providers of one kind ("llm", "tts", "stt")
// in preference order. Members are added before the group is shared; after
// that it is safe for concurrent use.
type Group[T any] struct {
	kind    string
	cfg     Config
	members []member[T]
}

// NewGroup returns a group whose first member is primary.
func NewGroup[T any](kind, primaryName string, primary T, cfg Config) *Group[T] {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	g := &Group[T]{kind: kind, cfg: cfg}
	g.Add(primaryName, primary)
	return g
}

// Add appends a fallback member.
func (g *Group[T]) Add(name string, p T) {
	g.members = append(g.members, member[T]{name: name, p: p, breaker: NewBreaker(g.kind+"/"+name, g.cfg.Breaker)})
}

// Names returns the member names in preference order.
func (g *Group[T]) Names() []string {
	names := make([]string, len(g.members))
	for i, m := range g.members {
		names[i] = m.name
	}
	return names
}

// Ready fails when every member's circuit is open.
func (g *Group[T]) Ready(context.Context) error {
	var open []string
	for _, m := range g.members {
		if m.breaker.State() != StateOpen {
			return nil
		}
		open = append(open, m.name)
	}
	return fmt.Errorf("%s: circuits open: %s", g.kind, strings.Join(open, ", "))
}

// Do serves a request from the first member that succeeds, skipping members
// whose circuit is open. It stops as soon as ctx is done.
func Do[T, R any](ctx context.Context, g *Group[T], fn func(name string, p T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i, m := range g.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var res R
		err := m.breaker.Do(ctx, func() error {
			var err error
			res, err = fn(m.name, m.p)
			return err
		})
		if err == nil {
			if i > 0 {
				observe.Logger(ctx).Info("served by fallback provider", "kind", g.kind, "provider", m.name)
			}
			return res, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			g.cfg.Metrics.RecordProviderError(ctx, m.name, "circuit_open")
			continue
		}
		g.cfg.Metrics.RecordProviderError(ctx, m.name, "failover")
		observe.Logger(ctx).Warn("provider failed", "kind", g.kind, "provider", m.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %s: %w", ErrAllFailed, g.kind, lastErr)
}
