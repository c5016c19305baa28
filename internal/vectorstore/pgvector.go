package vectorstore

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"ragkb/internal/kberr"
)

// Pgvector implements VectorStore on a Postgres table using the pgvector
// extension, with a partition modeled as an owner_id column predicate so
// the vector index can live in the same Postgres instance as the metadata
// store in small deployments.
type Pgvector struct {
	pool      *pgxpool.Pool
	table     string
	dimension int
}

// NewPgvector uses the already-open pool and ensures the pgvector extension
// exists; the backing table is created by EnsureCollection.
func NewPgvector(ctx context.Context, pool *pgxpool.Pool, table string) (*Pgvector, error) {
	if table == "" {
		table = "chunk_vectors"
	}
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return nil, kberr.Wrap(kberr.DBError, err, "create vector extension")
	}
	return &Pgvector{pool: pool, table: table}, nil
}

// Ping confirms the pool can still reach Postgres.
func (p *Pgvector) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return kberr.Wrap(kberr.ProviderUnavailable, err, "ping pgvector")
	}
	return nil
}

func (p *Pgvector) EnsureCollection(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return kberr.New(kberr.Validation, "vector dimension must be > 0")
	}
	var existingDim int
	err := p.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT atttypmod FROM pg_attribute a JOIN pg_class c ON a.attrelid = c.oid
		 WHERE c.relname = %s AND a.attname = 'embedding'`, quoteLiteral(p.table)),
	).Scan(&existingDim)
	if err == nil && existingDim > 0 && existingDim != dimension {
		return kberr.Newf(kberr.DimensionMismatch, "table %s embedding column has dimension %d, requested %d", p.table, existingDim, dimension)
	}
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  owner_id TEXT NOT NULL,
  document_id TEXT NOT NULL,
  chunk_index INTEGER NOT NULL,
  embedding vector(%d) NOT NULL,
  PRIMARY KEY (owner_id, document_id, chunk_index)
)`, p.table, dimension)
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return kberr.Wrap(kberr.DBError, err, "create vector table")
	}
	p.dimension = dimension
	return nil
}

func (p *Pgvector) EnsurePartition(_ context.Context, _ string) error {
	return nil
}

func (p *Pgvector) Upsert(ctx context.Context, ownerID string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return kberr.Wrap(kberr.DBError, err, "begin vector upsert tx")
	}
	defer tx.Rollback(ctx)

	for _, pt := range points {
		if p.dimension != 0 && len(pt.Vector) != p.dimension {
			return kberr.Newf(kberr.DimensionMismatch, "vector dimension %d does not match table dimension %d", len(pt.Vector), p.dimension)
		}
		_, err := tx.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (owner_id, document_id, chunk_index, embedding)
VALUES ($1, $2, $3, $4)
ON CONFLICT (owner_id, document_id, chunk_index) DO UPDATE SET embedding = EXCLUDED.embedding
`, p.table), ownerID, pt.DocumentID, pt.ChunkIndex, pgvector.NewVector(pt.Vector))
		if err != nil {
			return kberr.Wrap(kberr.DBError, err, "upsert vector row")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return kberr.Wrap(kberr.DBError, err, "commit vector upsert tx")
	}
	return nil
}

func (p *Pgvector) DeleteByDocument(ctx context.Context, ownerID, documentID string) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE owner_id = $1 AND document_id = $2`, p.table), ownerID, documentID)
	if err != nil {
		return kberr.Wrap(kberr.DBError, err, "delete vector rows")
	}
	return nil
}

func (p *Pgvector) DeletePoint(ctx context.Context, ownerID, documentID string, chunkIndex int) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE owner_id = $1 AND document_id = $2 AND chunk_index = $3`, p.table), ownerID, documentID, chunkIndex)
	if err != nil {
		return kberr.Wrap(kberr.DBError, err, "delete vector point")
	}
	return nil
}

func (p *Pgvector) Search(ctx context.Context, ownerIDs []string, queryVector []float32, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = 10
	}
	query := fmt.Sprintf(`
SELECT document_id, chunk_index, 1 - (embedding <=> $1) / 2 AS score
FROM %s
%s
ORDER BY score DESC, document_id::bigint ASC, chunk_index ASC
LIMIT %d`, p.table, ownerFilterClause(ownerIDs), topK)

	args := []any{pgvector.NewVector(queryVector)}
	for _, id := range ownerIDs {
		args = append(args, id)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, kberr.Wrap(kberr.VectorError, err, "vector search query")
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.DocumentID, &h.ChunkIndex, &h.Score); err != nil {
			return nil, kberr.Wrap(kberr.VectorError, err, "scan vector search row")
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// ownerFilterClause builds the WHERE clause restricting search to one or
// more partitions; zero owner IDs means an administrator cross-partition
// search with no filter at all.
func ownerFilterClause(ownerIDs []string) string {
	if len(ownerIDs) == 0 {
		return ""
	}
	placeholders := make([]string, len(ownerIDs))
	for i := range ownerIDs {
		placeholders[i] = "$" + strconv.Itoa(i+2)
	}
	return "WHERE owner_id IN (" + strings.Join(placeholders, ", ") + ")"
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
