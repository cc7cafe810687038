package pipeline

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/MrWong99/tablecall/internal/observe"
)

// Outcome classifies a finished call.
type Outcome string

const (
	OutcomeResolved      Outcome = "resolved"
	OutcomeFallback      Outcome = "fallback"
	OutcomeDropped       Outcome = "dropped"
	OutcomeError         Outcome = "error"
	OutcomePrivacyOptOut Outcome = "privacy_opt_out"
)

type stats struct {
	bytesIn, bytesOut int
	turns, bargeIns   int
	stt, llm, tts     []time.Duration
	start, last       time.Time
}

// Metrics is a snapshot of a pipeline's counters and latency samples.
type Metrics struct {
	BytesIn  int
	BytesOut int
	Turns    int
	BargeIns int

	// DroppedChunks counts inbound chunks discarded because recognition
	// fell behind.
	DroppedChunks int

	// STT holds, per utterance, the time from first caller speech to the
	// first recognised word.
	STT []time.Duration

	// LLM holds time-to-first-token samples.
	LLM []time.Duration

	// TTS holds time-to-first-audio samples.
	TTS []time.Duration

	Start        time.Time
	LastActivity time.Time
}

// Summary is returned by [Pipeline.Finalize].
type Summary struct {
	Metrics
	Outcome  Outcome
	Duration time.Duration
}

// Metrics returns a snapshot of the current metrics.
func (p *Pipeline) Metrics() Metrics {
	dropped := p.buf.Dropped()
	p.mu.Lock()
	defer p.mu.Unlock()
	return Metrics{
		BytesIn:       p.stats.bytesIn,
		BytesOut:      p.stats.bytesOut,
		Turns:         p.stats.turns,
		BargeIns:      p.stats.bargeIns,
		DroppedChunks: dropped,
		STT:           slices.Clone(p.stats.stt),
		LLM:           slices.Clone(p.stats.llm),
		TTS:           slices.Clone(p.stats.tts),
		Start:         p.stats.start,
		LastActivity:  p.stats.last,
	}
}

// Finalize stops recognition and the turn worker, closes the buffer and
// the recognition stream, records the call metrics and returns the summary.
// A call handed to a human ends as [OutcomeFallback], a call without a
// single caller turn as [OutcomeDropped].
//
// Finalize is idempotent; later calls return the first summary. It returns
// ctx.Err() if the worker goroutines do not stop before ctx ends.
func (p *Pipeline) Finalize(ctx context.Context) (Summary, error) {
	p.mu.Lock()
	if p.finalized {
		s := p.summary
		p.mu.Unlock()
		return s, nil
	}
	p.finalized = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.buf.Close()

	stopped := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		return Summary{}, fmt.Errorf("pipeline: finalize: %w", ctx.Err())
	}

	p.mu.Lock()
	sess := p.session
	p.mu.Unlock()
	if sess != nil {
		if err := sess.Close(); err != nil {
			observe.Logger(ctx).Warn("closing recognition stream", "err", err)
		}
	}

	m := p.Metrics()
	s := Summary{Metrics: m, Outcome: OutcomeResolved, Duration: p.now().Sub(m.Start)}
	switch {
	case p.responder.Transferred():
		s.Outcome = OutcomeFallback
	case m.Turns == 0:
		s.Outcome = OutcomeDropped
	}

	p.mu.Lock()
	p.summary = s
	p.state = StateIdle
	p.mu.Unlock()

	p.metrics.RecordCall(ctx, p.businessID, string(s.Outcome), s.Duration.Seconds())
	observe.Logger(ctx).Info("pipeline finalized",
		"outcome", s.Outcome,
		"turns", m.Turns,
		"barge_ins", m.BargeIns,
		"bytes_in", m.BytesIn,
		"bytes_out", m.BytesOut,
		"dropped_chunks", m.DroppedChunks,
		"duration", s.Duration,
	)
	return s, nil
}
