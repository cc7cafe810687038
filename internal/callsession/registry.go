// Package callsession owns the calls in progress: the dialogue [Session] of
// each call, the [Call] pairing it with its audio pipeline, and the
// [Registry] that admits calls up to a concurrency ceiling.
package callsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tablecall/internal/conversation"
	"github.com/MrWong99/tablecall/internal/observe"
	"github.com/MrWong99/tablecall/internal/pipeline"
)

// DefaultMaxCalls is the default concurrency ceiling.
const DefaultMaxCalls = 10

var (
	// ErrCapacity is returned by [Registry.Create] at the ceiling.
	ErrCapacity = errors.New("callsession: at capacity")

	// ErrNotFound is returned for unknown call IDs.
	ErrNotFound = errors.New("callsession: call not found")
)

// Record is the persisted summary of a finished call.
type Record struct {
	CallID     string
	BusinessID string
	CallerHash string

	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration

	Outcome  pipeline.Outcome
	Phase    conversation.Phase
	Turns    int
	BargeIns int
	Language string

	Transcript string

	STT, LLM, TTS Latency
}

// Recorder persists call records.
type Recorder interface {
	RecordCall(ctx context.Context, r Record) error
}

// Call is one registered call.
type Call struct {
	ID         string
	BusinessID string
	Session    *Session
	Pipeline   *pipeline.Pipeline

	recorder Recorder

	mu       sync.Mutex
	streamID string
	sender   pipeline.Sender

	once   sync.Once
	record Record
	err    error
}

// NewCall pairs a session with its pipeline. recorder may be nil.
func NewCall(s *Session, p *pipeline.Pipeline, recorder Recorder) *Call {
	return &Call{
		ID:         s.ID(),
		BusinessID: s.BusinessID(),
		Session:    s,
		Pipeline:   p,
		recorder:   recorder,
	}
}

// Stream returns the transport stream attached by [Registry.SetStream].
func (c *Call) Stream() (streamID string, sender pipeline.Sender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamID, c.sender
}

// Finalize stops the pipeline and persists the call record. Only the first
// call does work; later calls return its result. A pipeline that fails to
// stop is recorded with [pipeline.OutcomeError].
func (c *Call) Finalize(ctx context.Context) (Record, error) {
	c.once.Do(func() {
		c.record, c.err = c.finalize(ctx)
	})
	return c.record, c.err
}

func (c *Call) finalize(ctx context.Context) (Record, error) {
	var errs []error
	sum, err := c.Pipeline.Finalize(ctx)
	if err != nil {
		errs = append(errs, err)
		sum.Outcome = pipeline.OutcomeError
		sum.Metrics = c.Pipeline.Metrics()
	}

	snap := c.Session.Snapshot()
	end := time.Now().UTC()
	r := Record{
		CallID:     c.ID,
		BusinessID: c.BusinessID,
		CallerHash: c.Session.CallerHash(),
		StartedAt:  c.Session.StartedAt().UTC(),
		EndedAt:    end,
		Duration:   end.Sub(c.Session.StartedAt()),
		Outcome:    sum.Outcome,
		Phase:      snap.Phase,
		Turns:      sum.Turns,
		BargeIns:   sum.BargeIns,
		Language:   snap.Language,
		Transcript: c.Session.Transcript(),
		STT:        LatencyOf(sum.STT),
		LLM:        LatencyOf(sum.LLM),
		TTS:        LatencyOf(sum.TTS),
	}
	if c.recorder != nil {
		// The call context may already be gone; the record must still land.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.recorder.RecordCall(rctx, r); err != nil {
			errs = append(errs, fmt.Errorf("callsession: record call %s: %w", c.ID, err))
		}
	}
	return r, errors.Join(errs...)
}

// Params describe an incoming call.
type Params struct {
	BusinessID string

	// CallerNumber is hashed on creation and never stored.
	CallerNumber string
}

// BuildFunc constructs a call. It runs under the registry lock and must not
// block.
type BuildFunc func(ctx context.Context, callID string, p Params) (*Call, error)

// RegistryOption configures a [Registry].
type RegistryOption func(*Registry)

// WithMaxCalls sets the concurrency ceiling. Values below 1 keep the default.
func WithMaxCalls(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.max = n
		}
	}
}

// WithRegistryMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithRegistryMetrics(m *observe.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// Registry tracks the calls in progress. All methods are safe for concurrent
// use; the lock is only held for map work and call construction.
type Registry struct {
	build   BuildFunc
	max     int
	metrics *observe.Metrics

	mu    sync.Mutex
	calls map[string]*Call
}

// NewRegistry returns an empty Registry building calls with build.
func NewRegistry(build BuildFunc, opts ...RegistryOption) *Registry {
	r := &Registry{
		build: build,
		max:   DefaultMaxCalls,
		calls: make(map[string]*Call),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Create registers a call. Creating an already registered call ID returns
// the existing call. At the ceiling it fails with [ErrCapacity].
func (r *Registry) Create(ctx context.Context, callID string, p Params) (*Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.calls[callID]; ok {
		return c, nil
	}
	if len(r.calls) >= r.max {
		r.metrics.RecordRejectedCall(ctx, "capacity")
		observe.Logger(ctx).Warn("rejecting call at capacity", "call_id", callID, "active", len(r.calls), "max", r.max)
		return nil, ErrCapacity
	}
	c, err := r.build(ctx, callID, p)
	if err != nil {
		return nil, fmt.Errorf("callsession: create %s: %w", callID, err)
	}
	r.calls[callID] = c
	r.metrics.ActiveCalls.Add(ctx, 1)
	observe.Logger(ctx).Info("call registered", "call_id", callID, "business_id", c.BusinessID, "active", len(r.calls))
	return c, nil
}

// Get returns the call with callID.
func (r *Registry) Get(callID string) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	return c, ok
}

// SetStream attaches the transport stream of a call.
func (r *Registry) SetStream(callID, streamID string, sender pipeline.Sender) error {
	c, ok := r.Get(callID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, callID)
	}
	c.mu.Lock()
	c.streamID = streamID
	c.sender = sender
	c.mu.Unlock()
	return nil
}

// Remove detaches and returns a call. Removing an unknown call is a no-op.
func (r *Registry) Remove(callID string) (*Call, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.calls[callID]
	if !ok {
		return nil, false
	}
	delete(r.calls, callID)
	r.metrics.ActiveCalls.Add(context.Background(), -1)
	return c, true
}

// ActiveCount returns the number of registered calls.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// MaxCalls returns the concurrency ceiling.
func (r *Registry) MaxCalls() int { return r.max }

// CloseAll removes every call and finalizes them concurrently. Failures are
// logged; the first one is returned.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	calls := make([]*Call, 0, len(r.calls))
	for _, c := range r.calls {
		calls = append(calls, c)
	}
	clear(r.calls)
	if len(calls) > 0 {
		r.metrics.ActiveCalls.Add(ctx, -int64(len(calls)))
	}
	r.mu.Unlock()

	var g errgroup.Group
	for _, c := range calls {
		g.Go(func() error {
			if _, err := c.Finalize(ctx); err != nil {
				observe.Logger(ctx).Error("finalizing call failed", "call_id", c.ID, "err", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}
