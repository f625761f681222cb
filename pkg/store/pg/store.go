// Package pg is the PostgreSQL + pgvector implementation of [store.Store].
package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/modernmethod/ethos/pkg/store"
)

// Store is a pgx-backed implementation of [store.Store]. It is safe for
// concurrent use: every operation borrows a connection from the pool only
// for the duration of its own query.
type Store struct {
	pool      *pgxpool.Pool
	dimension int

	sessions SessionStore
	episodes EpisodicStore
	facts    SemanticStore
	vectors  VectorIndex
	graph    GraphStore
}

var _ store.Store = (*Store)(nil)

// New connects to dsn, registers the pgvector type on every pooled
// connection, runs the idempotent migration, and returns a ready Store.
//
// dimension must match the embedding gateway's configured dimension
// exactly — the vector column is declared with this width.
func New(ctx context.Context, dsn string, dimension int) (*Store, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("store: dimension must be positive, got %d", dimension)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, dimension); err != nil {
		pool.Close()
		return nil, err
	}

	s := &Store{pool: pool, dimension: dimension}
	s.sessions = SessionStore{pool: pool}
	s.episodes = EpisodicStore{pool: pool}
	s.facts = SemanticStore{pool: pool}
	s.vectors = VectorIndex{pool: pool, dimension: dimension}
	s.graph = GraphStore{pool: pool}
	return s, nil
}

func (s *Store) Sessions() store.SessionStore { return s.sessions }
func (s *Store) Episodes() store.EpisodicStore { return s.episodes }
func (s *Store) Facts() store.SemanticStore    { return s.facts }
func (s *Store) Vectors() store.VectorIndex    { return s.vectors }
func (s *Store) Graph() store.GraphStore       { return s.graph }

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

// MaxConns reports the pool's configured connection ceiling, surfaced in
// startup logging.
func (s *Store) MaxConns() int32 {
	return s.pool.Config().MaxConns
}
