package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/civicsight/pkg/vectorcache"
)

var _ vectorcache.Store = (*Store)(nil)

// Store is a PostgreSQL-backed label embedding cache. All operations are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a connection pool to the database at dsn, registers
// pgvector types on every connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("vector cache: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("vector cache: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vector cache: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vector cache: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Get implements [vectorcache.Store].
func (s *Store) Get(ctx context.Context, model string, labels []string) ([][]float32, bool, error) {
	if len(labels) == 0 {
		return nil, false, nil
	}

	const q = `
		SELECT label, embedding
		FROM label_embeddings
		WHERE model = $1 AND label = ANY($2)`

	rows, err := s.pool.Query(ctx, q, model, labels)
	if err != nil {
		return nil, false, fmt.Errorf("vector cache: get: %w", err)
	}
	defer rows.Close()

	found := make(map[string][]float32, len(labels))
	for rows.Next() {
		var (
			label string
			vec   pgvector.Vector
		)
		if err := rows.Scan(&label, &vec); err != nil {
			return nil, false, fmt.Errorf("vector cache: scan: %w", err)
		}
		found[label] = vec.Slice()
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("vector cache: rows: %w", err)
	}

	out := make([][]float32, len(labels))
	for i, l := range labels {
		v, ok := found[l]
		if !ok {
			return nil, false, nil
		}
		out[i] = v
	}
	return out, true, nil
}

// Put implements [vectorcache.Store]. All rows are written in a single
// transaction.
func (s *Store) Put(ctx context.Context, model string, labels []string, vecs [][]float32) error {
	if len(labels) != len(vecs) {
		return fmt.Errorf("vector cache: put: %d labels but %d vectors", len(labels), len(vecs))
	}

	const q = `
		INSERT INTO label_embeddings (model, label, embedding, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (model, label) DO UPDATE SET
		    embedding  = EXCLUDED.embedding,
		    updated_at = EXCLUDED.updated_at`

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for i, l := range labels {
			batch.Queue(q, model, l, pgvector.NewVector(vecs[i]))
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("vector cache: put: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable. Used by readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
