// Package embeddings defines the Provider interface for vector embedding
// backends. The knowledge retriever embeds caller utterances and business
// snippets with the same Provider so that their vectors are comparable.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
//
// All vectors returned by one Provider share the length reported by
// Dimensions. Vectors from providers with different ModelID values must not
// be compared.
type Provider interface {
	// Embed computes the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes one vector per text in a single backend call. The
	// i-th result corresponds to texts[i]. On error the whole result is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length.
	Dimensions() int

	// ModelID returns the backend model identifier.
	ModelID() string
}
