package app

import (
	"errors"
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/tablecall/internal/config"
	"github.com/MrWong99/tablecall/internal/observe"
	"github.com/MrWong99/tablecall/internal/resilience"
	"github.com/MrWong99/tablecall/pkg/provider/embeddings"
	oaembed "github.com/MrWong99/tablecall/pkg/provider/embeddings/openai"
	"github.com/MrWong99/tablecall/pkg/provider/llm"
	"github.com/MrWong99/tablecall/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/tablecall/pkg/provider/llm/openai"
	"github.com/MrWong99/tablecall/pkg/provider/stt"
	"github.com/MrWong99/tablecall/pkg/provider/stt/deepgram"
	"github.com/MrWong99/tablecall/pkg/provider/tts"
	"github.com/MrWong99/tablecall/pkg/provider/tts/coqui"
	"github.com/MrWong99/tablecall/pkg/provider/tts/elevenlabs"
)

// Providers holds one value per provider slot. Nil means not configured.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider

	// Extract serves the JSON-mode extraction call. Nil uses LLM.
	Extract llm.Provider

	Embeddings embeddings.Provider
}

// RegisterBuiltinProviders adds every provider shipped with tablecall to reg.
func RegisterBuiltinProviders(reg *config.Registry) {
	// groq is the primary; the others share the any-llm-go option shape.
	for _, name := range []string{"groq", "ollama", "deepseek", "mistral"} {
		reg.RegisterLLM(name, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(name, e.Model, opts...)
		})
	}

	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if e.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(e.BaseURL))
		}
		if org := e.StringOption("organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		return oallm.New(e.APIKey, e.Model, opts...)
	})

	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if lang := e.StringOption("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if ms := e.IntOption("utterance_end_ms", 0); ms > 0 {
			opts = append(opts, deepgram.WithUtteranceEnd(ms))
		}
		if e.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(e.BaseURL))
		}
		return deepgram.New(e.APIKey, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if f := e.StringOption("output_format"); f != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(f))
		}
		if lang := e.StringOption("language"); lang != "" {
			opts = append(opts, elevenlabs.WithLanguage(lang))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := e.StringOption("language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if rate := e.IntOption("sample_rate", 0); rate > 0 {
			opts = append(opts, coqui.WithOutputSampleRate(rate))
		}
		return coqui.New(e.BaseURL, opts...)
	})

	reg.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if e.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(e.BaseURL))
		}
		if dims := e.IntOption("dimensions", 0); dims > 0 {
			opts = append(opts, oaembed.WithDimensions(dims))
		}
		return oaembed.New(e.APIKey, e.Model, opts...)
	})
}

// BuildProviders instantiates the providers named in cfg. Primary and
// fallback providers are grouped behind circuit breakers; the recognizer
// gets a breaker of its own.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	ps := &Providers{}
	rc := resilience.Config{Metrics: m}
	pc := cfg.Providers

	if pc.LLM.Configured() {
		primary, err := create(reg.CreateLLM, "llm", pc.LLM)
		if err != nil {
			return nil, err
		}
		group := resilience.NewLLMFallback(pc.LLM.Name, primary, rc)
		if pc.LLMFallback.Configured() {
			fb, err := create(reg.CreateLLM, "llm", pc.LLMFallback)
			if err != nil {
				return nil, err
			}
			group.Add(pc.LLMFallback.Name, fb)
		}
		ps.LLM = group
	}

	if pc.STT.Configured() {
		p, err := create(reg.CreateSTT, "stt", pc.STT)
		if err != nil {
			return nil, err
		}
		ps.STT = resilience.NewSTTFallback(pc.STT.Name, p, rc)
	}

	if pc.TTS.Configured() {
		primary, err := create(reg.CreateTTS, "tts", pc.TTS)
		if err != nil {
			return nil, err
		}
		group := resilience.NewTTSFallback(pc.TTS.Name, primary, rc)
		if pc.TTSFallback.Configured() {
			fb, err := create(reg.CreateTTS, "tts", pc.TTSFallback)
			if err != nil {
				return nil, err
			}
			group.Add(pc.TTSFallback.Name, fb)
		}
		ps.TTS = group
	}

	if pc.Embeddings.Configured() {
		p, err := create(reg.CreateEmbeddings, "embeddings", pc.Embeddings)
		if err != nil {
			return nil, err
		}
		ps.Embeddings = p
	}
	return ps, nil
}

func create[T any](fn func(config.ProviderEntry) (T, error), kind string, e config.ProviderEntry) (T, error) {
	p, err := fn(e)
	if err != nil {
		var zero T
		if errors.Is(err, config.ErrProviderNotRegistered) {
			return zero, fmt.Errorf("app: %s provider %q is not built in: %w", kind, e.Name, err)
		}
		return zero, fmt.Errorf("app: create %s provider %q: %w", kind, e.Name, err)
	}
	slog.Info("provider created", "kind", kind, "name", e.Name, "model", e.Model)
	return p, nil
}
