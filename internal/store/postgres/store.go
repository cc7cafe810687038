// Package postgres persists tablecall's relational data in PostgreSQL:
// reservations, call records, callback requests and caller preferences.
//
// A single [pgxpool.Pool] serves every table, including the knowledge items
// of [knowledge.PostgresIndex], which is why pgvector types are registered
// on every connection. [Migrate] creates the schema.
//
// Usage:
//
//	st, err := postgres.Open(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	engine := profile.NewEngine(st)      // reservation.Repository
//	factory.Recorder = st                // callsession.Recorder
//	followup.NewService(st, queue)       // followup.Store
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/tablecall/internal/callsession"
	"github.com/MrWong99/tablecall/internal/followup"
	"github.com/MrWong99/tablecall/internal/reservation"
)

// Compile-time interface checks.
var (
	_ reservation.Repository    = (*Store)(nil)
	_ reservation.Locker        = (*Store)(nil)
	_ callsession.Recorder      = (*Store)(nil)
	_ callsession.CallerHistory = (*Store)(nil)
	_ followup.Store            = (*Store)(nil)
)

// DB is the subset of [pgxpool.Pool] used by [Store].
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Store is the PostgreSQL store. All methods are safe for concurrent use.
type Store struct {
	db   DB
	pool *pgxpool.Pool
}

// New returns a Store over db. It neither migrates nor owns db.
func New(db DB) *Store {
	return &Store{db: db}
}

// Open connects to the database at dsn, registers pgvector types on every
// connection, verifies the connection and runs [Migrate].
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{db: pool, pool: pool}, nil
}

// DB returns the underlying connection pool, for sharing with other stores.
func (s *Store) DB() DB { return s.db }

// Ping checks the connection. It serves as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close releases the pool opened by [Open]. It is a no-op for stores built
// with [New].
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
