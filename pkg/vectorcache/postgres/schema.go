// Package postgres provides a PostgreSQL-backed [vectorcache.Store] that keeps
// label embeddings in a pgvector column.
//
// The pgvector extension must be available in the target database; [Migrate]
// installs it automatically via CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	vecs, ok, err := store.Get(ctx, "ViT-B/32", labels)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// The embedding column is left unsized so that checkpoints with different
// output dimensions can share the table.
const ddlLabelEmbeddings = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS label_embeddings (
    model       TEXT         NOT NULL,
    label       TEXT         NOT NULL,
    embedding   vector       NOT NULL,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (model, label)
);
`

// Migrate creates the label_embeddings table and the vector extension. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlLabelEmbeddings); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}
