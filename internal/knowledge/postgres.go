package knowledge

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgvector "github.com/pgvector/pgvector-go"
)

// DB is the subset of [pgxpool.Pool] used by [PostgresIndex].
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// ddlKnowledge returns the DDL with the embedding dimension substituted.
// The dimension is fixed at table creation.
func ddlKnowledge(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS knowledge_items (
    business_id  TEXT         NOT NULL,
    id           TEXT         NOT NULL,
    category     TEXT         NOT NULL,
    title        TEXT         NOT NULL,
    content      TEXT         NOT NULL,
    price        INTEGER      NOT NULL DEFAULT 0,
    vegetarian   BOOLEAN      NOT NULL DEFAULT FALSE,
    priority     INTEGER      NOT NULL DEFAULT 0,
    active       BOOLEAN      NOT NULL DEFAULT TRUE,
    embedding    vector(%d),
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (business_id, id)
);

CREATE INDEX IF NOT EXISTS idx_knowledge_items_embedding
    ON knowledge_items USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// PostgresIndex is an [Index] backed by a knowledge_items table with a
// pgvector HNSW index. All methods are safe for concurrent use.
type PostgresIndex struct {
	db DB
}

var _ Index = (*PostgresIndex)(nil)

// NewPostgresIndex returns an index over db. Call [PostgresIndex.Migrate]
// once before use.
func NewPostgresIndex(db DB) *PostgresIndex {
	return &PostgresIndex{db: db}
}

// Migrate creates the table and vector index. It is idempotent.
func (p *PostgresIndex) Migrate(ctx context.Context, dimensions int) error {
	if _, err := p.db.Exec(ctx, ddlKnowledge(dimensions)); err != nil {
		return fmt.Errorf("knowledge: migrate: %w", err)
	}
	return nil
}

// Upsert implements [Index].
func (p *PostgresIndex) Upsert(ctx context.Context, item Item, embedding []float32) error {
	const q = `
		INSERT INTO knowledge_items
		    (business_id, id, category, title, content, price, vegetarian, priority, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (business_id, id) DO UPDATE SET
		    category   = EXCLUDED.category,
		    title      = EXCLUDED.title,
		    content    = EXCLUDED.content,
		    price      = EXCLUDED.price,
		    vegetarian = EXCLUDED.vegetarian,
		    priority   = EXCLUDED.priority,
		    active     = TRUE,
		    embedding  = EXCLUDED.embedding,
		    updated_at = now()`

	_, err := p.db.Exec(ctx, q,
		item.BusinessID,
		item.ID,
		string(item.Category),
		item.Title,
		item.Content,
		item.Price,
		item.Vegetarian,
		item.Priority,
		pgvector.NewVector(embedding),
	)
	if err != nil {
		return fmt.Errorf("knowledge: upsert %s: %w", item.ID, err)
	}
	return nil
}

// Remove implements [Index].
func (p *PostgresIndex) Remove(ctx context.Context, businessID, id string) error {
	const q = `DELETE FROM knowledge_items WHERE business_id = $1 AND id = $2`
	if _, err := p.db.Exec(ctx, q, businessID, id); err != nil {
		return fmt.Errorf("knowledge: remove %s: %w", id, err)
	}
	return nil
}

// Search implements [Index]. Scores are 1 - cosine distance.
func (p *PostgresIndex) Search(ctx context.Context, businessID string, embedding []float32, k int, categories []Category) ([]Snippet, error) {
	args := []any{businessID, pgvector.NewVector(embedding)}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"business_id = $1", "active"}
	if len(categories) > 0 {
		cats := make([]string, len(categories))
		for i, c := range categories {
			cats[i] = string(c)
		}
		conditions = append(conditions, "category = ANY("+next(cats)+")")
	}
	limit := next(k)

	q := fmt.Sprintf(`
		SELECT id, category, title, content, price, vegetarian, priority,
		       1 - (embedding <=> $2) AS score
		FROM   knowledge_items
		WHERE  %s
		ORDER  BY embedding <=> $2
		LIMIT  %s`, strings.Join(conditions, "\n  AND "), limit)

	rows, err := p.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Snippet, error) {
		var (
			s   Snippet
			cat string
		)
		if err := row.Scan(&s.ID, &cat, &s.Title, &s.Content, &s.Price, &s.Vegetarian, &s.Priority, &s.Score); err != nil {
			return Snippet{}, err
		}
		s.BusinessID = businessID
		s.Category = Category(cat)
		return s, nil
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: scan rows: %w", err)
	}
	return out, nil
}
