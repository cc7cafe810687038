package resilience

import (
	"context"

	"github.com/MrWong99/tablecall/pkg/audio"
	"github.com/MrWong99/tablecall/pkg/provider/llm"
	"github.com/MrWong99/tablecall/pkg/provider/stt"
	"github.com/MrWong99/tablecall/pkg/provider/tts"
	"github.com/MrWong99/tablecall/pkg/types"
)

var (
	_ llm.Provider = (*LLMFallback)(nil)
	_ tts.Provider = (*TTSFallback)(nil)
	_ stt.Provider = (*STTFallback)(nil)
)

// LLMFallback is an [llm.Provider] failing over between models. Only
// opening a stream fails over; a stream that breaks midway ends the reply.
type LLMFallback struct {
	*Group[llm.Provider]
}

// NewLLMFallback returns an LLMFallback preferring primary.
func NewLLMFallback(name string, primary llm.Provider, cfg Config) *LLMFallback {
	return &LLMFallback{NewGroup("llm", name, primary, cfg)}
}

// StreamCompletion implements [llm.Provider].
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Do(ctx, f.Group, func(_ string, p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// Complete implements [llm.Provider].
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Do(ctx, f.Group, func(_ string, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens uses the primary's estimate.
func (f *LLMFallback) CountTokens(messages []types.Message) (int, error) {
	return f.members[0].p.CountTokens(messages)
}

// Capabilities reports the primary's capabilities.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	return f.members[0].p.Capabilities()
}

// TTSFallback is a [tts.Provider] failing over between voices. Audio from a
// fallback whose rate differs from the primary's is resampled, so
// [TTSFallback.SampleRate] holds for every stream.
type TTSFallback struct {
	*Group[tts.Provider]
}

// NewTTSFallback returns a TTSFallback preferring primary.
func NewTTSFallback(name string, primary tts.Provider, cfg Config) *TTSFallback {
	return &TTSFallback{NewGroup("tts", name, primary, cfg)}
}

// SynthesizeStream implements [tts.Provider]. The text channel can only be
// consumed once, so a provider that fails after reading from it cannot be
// retried; providers fail before reading when they cannot connect.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	want := f.SampleRate()
	return Do(ctx, f.Group, func(_ string, p tts.Provider) (<-chan []byte, error) {
		ch, err := p.SynthesizeStream(ctx, text, voice)
		if err != nil {
			return nil, err
		}
		if rate := p.SampleRate(); rate != want {
			return resample(ctx, ch, rate, want), nil
		}
		return ch, nil
	})
}

// SampleRate returns the primary's output rate.
func (f *TTSFallback) SampleRate() int {
	return f.members[0].p.SampleRate()
}

// ListVoices implements [tts.Provider].
func (f *TTSFallback) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	return Do(ctx, f.Group, func(_ string, p tts.Provider) ([]types.VoiceProfile, error) {
		return p.ListVoices(ctx)
	})
}

func resample(ctx context.Context, in <-chan []byte, from, to int) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		defer func() { go audio.Drain(in) }()
		for chunk := range in {
			select {
			case out <- audio.ResampleMono16(chunk, from, to):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// STTFallback is an [stt.Provider] behind breakers. With a single member it
// only sheds load from a failing recognizer.
type STTFallback struct {
	*Group[stt.Provider]
}

// NewSTTFallback returns an STTFallback preferring primary.
func NewSTTFallback(name string, primary stt.Provider, cfg Config) *STTFallback {
	return &STTFallback{NewGroup("stt", name, primary, cfg)}
}

// StartStream implements [stt.Provider].
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return Do(ctx, f.Group, func(_ string, p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}
