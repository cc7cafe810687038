// Package mock provides a deterministic test double for embeddings.Provider.
//
// Texts listed in Vectors embed to the given vector. Any other text embeds to
// a normalised bag-of-words vector hashed into Dims buckets, so texts sharing
// words land close together without a live model.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"

	"github.com/MrWong99/tablecall/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// Vectors maps exact texts to fixed vectors.
	Vectors map[string][]float32

	// Dims is the vector length. Zero means 16.
	Dims int

	// Err, if non-nil, is returned by Embed and EmbedBatch.
	Err error

	// Model is returned by ModelID.
	Model string

	// Texts records every text embedded, in order.
	Texts []string
}

// Embed records text and returns its vector.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Texts = append(p.Texts, text)
	if p.Err != nil {
		return nil, p.Err
	}
	return p.vectorLocked(text), nil
}

// EmbedBatch records texts and returns one vector per text.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Texts = append(p.Texts, texts...)
	if p.Err != nil {
		return nil, p.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.vectorLocked(t)
	}
	return out, nil
}

// Dimensions returns Dims, defaulting to 16.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dimsLocked()
}

// ModelID returns Model.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Model == "" {
		return "mock-embed"
	}
	return p.Model
}

// EmbeddedTexts returns a copy of Texts. Thread-safe.
func (p *Provider) EmbeddedTexts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.Texts...)
}

func (p *Provider) dimsLocked() int {
	if p.Dims <= 0 {
		return 16
	}
	return p.Dims
}

func (p *Provider) vectorLocked(text string) []float32 {
	if v, ok := p.Vectors[text]; ok {
		return v
	}
	vec := make([]float32, p.dimsLocked())
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[int(h.Sum32())%len(vec)]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		n := float32(math.Sqrt(norm))
		for i := range vec {
			vec[i] /= n
		}
	}
	return vec
}

// Ensure Provider implements embeddings.Provider at compile time.
var _ embeddings.Provider = (*Provider)(nil)
