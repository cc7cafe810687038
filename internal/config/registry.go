package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/tablecall/pkg/provider/embeddings"
	"github.com/MrWong99/tablecall/pkg/provider/llm"
	"github.com/MrWong99/tablecall/pkg/provider/stt"
	"github.com/MrWong99/tablecall/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by the Create methods for a name
// without a factory.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

type factories[T any] struct {
	kind string
	m    map[string]Factory[T]
}

func (f *factories[T]) create(mu *sync.RWMutex, e ProviderEntry) (T, error) {
	mu.RLock()
	fn, ok := f.m[e.Name]
	mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, e.Name)
	}
	p, err := fn(e)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("config: create %s/%s: %w", f.kind, e.Name, err)
	}
	return p, nil
}

// Registry maps provider names to factories. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	stt        factories[stt.Provider]
	llm        factories[llm.Provider]
	tts        factories[tts.Provider]
	embeddings factories[embeddings.Provider]
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		stt:        factories[stt.Provider]{kind: "stt", m: map[string]Factory[stt.Provider]{}},
		llm:        factories[llm.Provider]{kind: "llm", m: map[string]Factory[llm.Provider]{}},
		tts:        factories[tts.Provider]{kind: "tts", m: map[string]Factory[tts.Provider]{}},
		embeddings: factories[embeddings.Provider]{kind: "embeddings", m: map[string]Factory[embeddings.Provider]{}},
	}
}

// RegisterSTT registers a recognizer factory, replacing any under name.
func (r *Registry) RegisterSTT(name string, f Factory[stt.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt.m[name] = f
}

// RegisterLLM registers a language model factory.
func (r *Registry) RegisterLLM(name string, f Factory[llm.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm.m[name] = f
}

// RegisterTTS registers a synthesizer factory.
func (r *Registry) RegisterTTS(name string, f Factory[tts.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts.m[name] = f
}

// RegisterEmbeddings registers an embeddings factory.
func (r *Registry) RegisterEmbeddings(name string, f Factory[embeddings.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings.m[name] = f
}

// CreateSTT builds the recognizer named by e.
func (r *Registry) CreateSTT(e ProviderEntry) (stt.Provider, error) { return r.stt.create(&r.mu, e) }

// CreateLLM builds the language model named by e.
func (r *Registry) CreateLLM(e ProviderEntry) (llm.Provider, error) { return r.llm.create(&r.mu, e) }

// CreateTTS builds the synthesizer named by e.
func (r *Registry) CreateTTS(e ProviderEntry) (tts.Provider, error) { return r.tts.create(&r.mu, e) }

// CreateEmbeddings builds the embeddings provider named by e.
func (r *Registry) CreateEmbeddings(e ProviderEntry) (embeddings.Provider, error) {
	return r.embeddings.create(&r.mu, e)
}
