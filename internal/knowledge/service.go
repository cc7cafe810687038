package knowledge

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/tablecall/internal/observe"
	"github.com/MrWong99/tablecall/pkg/provider/embeddings"
)

// Index stores pre-embedded items and answers nearest-neighbour queries.
type Index interface {
	// Upsert stores item with its embedding, replacing any item with the
	// same ID.
	Upsert(ctx context.Context, item Item, embedding []float32) error

	// Search returns up to k items of businessID ordered by descending
	// cosine similarity to embedding. An empty categories slice matches all.
	Search(ctx context.Context, businessID string, embedding []float32, k int, categories []Category) ([]Snippet, error)

	// Remove deletes the item with id. Removing an absent item is not an error.
	Remove(ctx context.Context, businessID, id string) error
}

// Service implements [Retriever] on top of an embeddings provider and an
// [Index].
type Service struct {
	embedder embeddings.Provider
	index    Index
	now      func() time.Time
}

var _ Retriever = (*Service)(nil)

// NewService returns a Service.
func NewService(embedder embeddings.Provider, index Index) *Service {
	return &Service{embedder: embedder, index: index, now: time.Now}
}

// Retrieve embeds the normalised query text, searches the index and keeps
// matches scoring at least q.MinScore, ordered by score boosted by item
// priority.
func (s *Service) Retrieve(ctx context.Context, q Query) (Result, error) {
	start := s.now()
	if q.MaxResults <= 0 {
		q.MaxResults = DefaultMaxResults
	}
	if q.MinScore <= 0 {
		q.MinScore = DefaultMinScore
	}
	text := NormalizeQuery(q.Text)
	if text == "" {
		return Result{}, nil
	}

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return Result{}, fmt.Errorf("knowledge: embed query: %w", err)
	}
	hits, err := s.index.Search(ctx, q.BusinessID, vec, q.MaxResults, q.Categories)
	if err != nil {
		return Result{}, fmt.Errorf("knowledge: search: %w", err)
	}

	kept := hits[:0]
	for _, h := range hits {
		if h.Score >= q.MinScore {
			kept = append(kept, h)
		}
	}
	slices.SortStableFunc(kept, func(a, b Snippet) int {
		switch ra, rb := a.rank(), b.rank(); {
		case ra > rb:
			return -1
		case ra < rb:
			return 1
		default:
			return 0
		}
	})

	elapsed := s.now().Sub(start)
	observe.Logger(ctx).Debug("knowledge retrieved",
		"business_id", q.BusinessID, "results", len(kept), "elapsed_ms", elapsed.Milliseconds())
	return Result{Snippets: kept, Elapsed: elapsed}, nil
}

// Index embeds item and stores it.
func (s *Service) Index(ctx context.Context, item Item) error {
	vec, err := s.embedder.Embed(ctx, item.SearchText())
	if err != nil {
		return fmt.Errorf("knowledge: embed item %s: %w", item.ID, err)
	}
	if err := s.index.Upsert(ctx, item, vec); err != nil {
		return fmt.Errorf("knowledge: index item %s: %w", item.ID, err)
	}
	return nil
}

// Reindex embeds items in one batch and stores them. It returns the number
// of items stored before the first failure.
func (s *Service) Reindex(ctx context.Context, items []Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.SearchText()
	}
	vecs, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("knowledge: embed batch: %w", err)
	}
	for i, it := range items {
		if err := s.index.Upsert(ctx, it, vecs[i]); err != nil {
			return i, fmt.Errorf("knowledge: index item %s: %w", it.ID, err)
		}
	}
	return len(items), nil
}

// MemoryIndex is an in-process [Index] using exhaustive cosine similarity.
type MemoryIndex struct {
	mu    sync.RWMutex
	items map[string]memoryEntry
}

type memoryEntry struct {
	item Item
	vec  []float32
}

var _ Index = (*MemoryIndex)(nil)

// NewMemoryIndex returns an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{items: make(map[string]memoryEntry)}
}

// Upsert implements [Index].
func (m *MemoryIndex) Upsert(_ context.Context, item Item, embedding []float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.BusinessID+"/"+item.ID] = memoryEntry{item: item, vec: slices.Clone(embedding)}
	return nil
}

// Remove implements [Index].
func (m *MemoryIndex) Remove(_ context.Context, businessID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, businessID+"/"+id)
	return nil
}

// Search implements [Index].
func (m *MemoryIndex) Search(_ context.Context, businessID string, embedding []float32, k int, categories []Category) ([]Snippet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Snippet
	for _, e := range m.items {
		if e.item.BusinessID != businessID {
			continue
		}
		if len(categories) > 0 && !slices.Contains(categories, e.item.Category) {
			continue
		}
		out = append(out, Snippet{Item: e.item, Score: cosine(embedding, e.vec)})
	}
	slices.SortFunc(out, func(a, b Snippet) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return strings.Compare(a.ID, b.ID)
		}
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
