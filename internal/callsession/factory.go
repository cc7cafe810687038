package callsession

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/tablecall/internal/business"
	"github.com/MrWong99/tablecall/internal/extract"
	"github.com/MrWong99/tablecall/internal/knowledge"
	"github.com/MrWong99/tablecall/internal/observe"
	"github.com/MrWong99/tablecall/internal/pipeline"
	"github.com/MrWong99/tablecall/internal/reservation"
	"github.com/MrWong99/tablecall/internal/transcript"
	"github.com/MrWong99/tablecall/pkg/provider/llm"
	"github.com/MrWong99/tablecall/pkg/provider/stt"
	"github.com/MrWong99/tablecall/pkg/provider/tts"
	"github.com/MrWong99/tablecall/pkg/types"
)

// ErrUnknownBusiness is returned by [Factory.Build] for an unknown business.
var ErrUnknownBusiness = errors.New("callsession: unknown business")

// Factory builds calls from shared dependencies. Nil optional fields
// disable their feature.
type Factory struct {
	Businesses *business.Directory
	Bookings   reservation.Repository

	// LLM writes replies. ExtractLLM reads turns in JSON mode; nil uses LLM.
	LLM        llm.Provider
	ExtractLLM llm.Provider

	STT stt.Provider
	TTS tts.Provider

	Retriever     knowledge.Retriever
	TopK          int
	Limiter       Limiter
	Followups     Followups
	CallerHistory CallerHistory
	Recorder      Recorder

	// Pepper keys [HashCaller].
	Pepper string

	Pipeline pipeline.Config
	Voice    types.VoiceProfile
	Metrics  *observe.Metrics
}

// Build implements [BuildFunc]. It performs no I/O.
func (f *Factory) Build(_ context.Context, callID string, p Params) (*Call, error) {
	prof, ok := f.Businesses.ByID(p.BusinessID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBusiness, p.BusinessID)
	}

	extLLM := f.ExtractLLM
	if extLLM == nil {
		extLLM = f.LLM
	}
	opts := []Option{
		WithCallerHash(HashCaller(p.CallerNumber, f.Pepper)),
		WithMetrics(f.Metrics),
	}
	if f.Retriever != nil {
		opts = append(opts, WithRetriever(f.Retriever, f.TopK))
	}
	if f.Limiter != nil {
		opts = append(opts, WithLimiter(f.Limiter))
	}
	if f.Followups != nil {
		opts = append(opts, WithFollowups(f.Followups))
	}
	if f.CallerHistory != nil {
		opts = append(opts, WithCallerHistory(f.CallerHistory))
	}
	if len(prof.Keywords) > 0 {
		keywords := append([]string{prof.Name}, prof.Keywords...)
		opts = append(opts, WithCorrector(transcript.New(keywords)))
	}
	extOpts := []extract.Option{extract.WithLocation(prof.Location())}
	if f.Limiter != nil {
		extOpts = append(extOpts, extract.WithLimiter(f.Limiter))
	}
	sess := NewSession(callID, prof, prof.NewEngine(f.Bookings), f.LLM,
		extract.New(extLLM, extOpts...), opts...)

	cfg := f.Pipeline
	if prof.Greeting != "" {
		cfg.Greeting = prof.Greeting
	}
	if cfg.Voice.ID == "" {
		cfg.Voice = f.Voice
	}
	pl := pipeline.New(sess, f.STT, f.TTS,
		pipeline.WithConfig(cfg),
		pipeline.WithBusinessID(prof.ID),
		pipeline.WithMetrics(f.Metrics),
	)
	return NewCall(sess, pl, f.Recorder), nil
}
