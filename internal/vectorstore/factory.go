package vectorstore

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"ragkb/internal/config"
	"ragkb/internal/kberr"
)

// New resolves the configured vector store backend: "memory", "qdrant" or
// "postgres". metaPool is reused for the postgres backend when
// cfg.Postgres.DSN is empty, so a small deployment can share one Postgres
// instance between the metadata store and the vector index.
func New(ctx context.Context, cfg config.VectorStoreConfig, metaPool *pgxpool.Pool) (VectorStore, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "qdrant":
		return NewQdrant(cfg.Qdrant.Addr, cfg.Qdrant.Collection)
	case "postgres", "pgvector":
		pool := metaPool
		if cfg.Postgres.DSN != "" {
			pcfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
			if err != nil {
				return nil, kberr.Wrap(kberr.Validation, err, "parse vector store postgres dsn")
			}
			pcfg.AfterConnect = pgxvector.RegisterTypes
			p, err := pgxpool.NewWithConfig(ctx, pcfg)
			if err != nil {
				return nil, kberr.Wrap(kberr.DBError, err, "open vector store postgres pool")
			}
			pool = p
		}
		if pool == nil {
			return nil, kberr.New(kberr.Validation, "postgres vector backend requires a database pool or postgres.dsn")
		}
		return NewPgvector(ctx, pool, cfg.Postgres.Table)
	default:
		return nil, kberr.Newf(kberr.Validation, "unknown vector_store.backend %q", cfg.Backend)
	}
}
