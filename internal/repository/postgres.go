package repository

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"ragkb/internal/config"
	"ragkb/internal/domain"
	"ragkb/internal/kberr"
)

// Postgres implements Repository against a Postgres metadata database.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres constructs a Postgres repository and ensures its schema.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	r := &Postgres{pool: pool}
	if err := r.init(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// NewPool opens a pgxpool sized from cfg, shared by the metadata store and
// (when vector_store.backend is postgres with no dsn of its own) the vector
// index.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, kberr.Wrap(kberr.Validation, err, "parse database dsn")
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		pcfg.MinConns = cfg.MinConns
	}
	pcfg.MaxConnLifetime = cfg.ConnMaxLifetime()
	pcfg.HealthCheckPeriod = 30 * time.Second
	// Registers the pgvector wire codec on every pooled connection so the
	// vector store (when it shares this pool) can pass pgvector.Vector
	// values directly as query args instead of hand-built vector literals.
	pcfg.AfterConnect = pgxvector.RegisterTypes

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, kberr.Wrap(kberr.DBError, err, "open database pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, kberr.Wrap(kberr.ProviderUnavailable, err, "ping database pool")
	}
	return pool, nil
}

// Ping confirms the pool can still reach Postgres.
func (r *Postgres) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *Postgres) init(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS documents (
    id BIGSERIAL PRIMARY KEY,
    owner_id BIGINT NOT NULL,
    filename TEXT NOT NULL,
    content_type TEXT NOT NULL,
    sha256 TEXT NOT NULL,
    size_bytes BIGINT NOT NULL,
    status TEXT NOT NULL,
    conversion_status TEXT NOT NULL,
    blob_key TEXT NOT NULL DEFAULT '',
    markdown_key TEXT NOT NULL DEFAULT '',
    conversion_error TEXT NOT NULL DEFAULT '',
    reject_reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    confirmed_at TIMESTAMPTZ,
    reviewed_at TIMESTAMPTZ,
    indexed_at TIMESTAMPTZ,
    reviewer_id BIGINT,
    preview_text TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS documents_owner_idx ON documents(owner_id);
CREATE INDEX IF NOT EXISTS documents_status_idx ON documents(status);
CREATE INDEX IF NOT EXISTS documents_status_owner_idx ON documents(status, owner_id);

CREATE TABLE IF NOT EXISTS chunks (
    document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    chunk_index INTEGER NOT NULL,
    content TEXT NOT NULL,
    char_count INTEGER NOT NULL,
    included BOOLEAN NOT NULL DEFAULT TRUE,
    PRIMARY KEY (document_id, chunk_index)
);

CREATE TABLE IF NOT EXISTS review_actions (
    id BIGSERIAL PRIMARY KEY,
    document_id BIGINT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    reviewer_id BIGINT NOT NULL,
    action TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS tenant_settings (
    tenant_id BIGINT PRIMARY KEY,
    llm_provider TEXT NOT NULL DEFAULT '',
    llm_model TEXT NOT NULL DEFAULT '',
    embedding_provider TEXT NOT NULL DEFAULT '',
    embedding_model TEXT NOT NULL DEFAULT '',
    top_k INTEGER NOT NULL DEFAULT 5,
    temperature DOUBLE PRECISION NOT NULL DEFAULT 0.2,
    rerank_enabled BOOLEAN NOT NULL DEFAULT FALSE,
    rerank_provider TEXT NOT NULL DEFAULT '',
    rerank_model TEXT NOT NULL DEFAULT ''
);
`)
	if err != nil {
		return kberr.Wrap(kberr.DBError, err, "init repository schema")
	}
	return nil
}

func (r *Postgres) CreateDocument(ctx context.Context, doc domain.Document) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, `
INSERT INTO documents (owner_id, filename, content_type, sha256, size_bytes, status, conversion_status, blob_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`,
		doc.OwnerID, doc.Filename, doc.ContentType, doc.SHA256, doc.SizeBytes, doc.Status, doc.ConversionStatus, doc.BlobKey,
	).Scan(&id)
	if err != nil {
		return 0, kberr.Wrap(kberr.DBError, err, "insert document")
	}
	return id, nil
}

func (r *Postgres) GetDocument(ctx context.Context, id int64) (domain.Document, error) {
	row := r.pool.QueryRow(ctx, `
SELECT id, owner_id, filename, content_type, sha256, size_bytes, status, conversion_status,
       blob_key, markdown_key, conversion_error, reject_reason, created_at, confirmed_at,
       reviewed_at, indexed_at, reviewer_id, preview_text
FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Document{}, kberr.Newf(kberr.NotFound, "document %d not found", id)
		}
		return domain.Document{}, kberr.Wrap(kberr.DBError, err, "get document")
	}
	return doc, nil
}

func (r *Postgres) UpdateDocument(ctx context.Context, doc domain.Document) error {
	tag, err := r.pool.Exec(ctx, `
UPDATE documents SET
  filename = $2, content_type = $3, sha256 = $4, size_bytes = $5, status = $6, conversion_status = $7,
  blob_key = $8, markdown_key = $9, conversion_error = $10, reject_reason = $11,
  confirmed_at = $12, reviewed_at = $13, indexed_at = $14, reviewer_id = $15, preview_text = $16
WHERE id = $1`,
		doc.ID, doc.Filename, doc.ContentType, doc.SHA256, doc.SizeBytes, doc.Status, doc.ConversionStatus,
		doc.BlobKey, doc.MarkdownKey, doc.ConversionError, doc.RejectReason,
		doc.ConfirmedAt, doc.ReviewedAt, doc.IndexedAt, doc.ReviewerID, doc.PreviewText,
	)
	if err != nil {
		return kberr.Wrap(kberr.DBError, err, "update document")
	}
	if tag.RowsAffected() == 0 {
		return kberr.Newf(kberr.NotFound, "document %d not found", doc.ID)
	}
	return nil
}

func (r *Postgres) ListDocuments(ctx context.Context, filter DocumentFilter) ([]domain.Document, int, error) {
	where := []string{"1=1"}
	args := []any{}
	if filter.OwnerID != nil {
		args = append(args, *filter.OwnerID)
		where = append(where, "owner_id = $"+strconv.Itoa(len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT count(*) FROM documents WHERE "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, kberr.Wrap(kberr.DBError, err, "count documents")
	}

	page, pageSize := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	args = append(args, pageSize, (page-1)*pageSize)
	query := `
SELECT id, owner_id, filename, content_type, sha256, size_bytes, status, conversion_status,
       blob_key, markdown_key, conversion_error, reject_reason, created_at, confirmed_at,
       reviewed_at, indexed_at, reviewer_id, preview_text
FROM documents WHERE ` + whereClause + ` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)-1) + ` OFFSET $` + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, kberr.Wrap(kberr.DBError, err, "list documents")
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, 0, kberr.Wrap(kberr.DBError, err, "scan document row")
		}
		docs = append(docs, doc)
	}
	return docs, total, rows.Err()
}

func (r *Postgres) DeleteDocument(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return kberr.Wrap(kberr.DBError, err, "delete document")
	}
	return nil
}

func (r *Postgres) ReplaceChunks(ctx context.Context, documentID int64, chunks []domain.Chunk) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return kberr.Wrap(kberr.DBError, err, "begin replace chunks tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return kberr.Wrap(kberr.DBError, err, "delete existing chunks")
	}
	for _, c := range chunks {
		_, err := tx.Exec(ctx, `
INSERT INTO chunks (document_id, chunk_index, content, char_count, included)
VALUES ($1, $2, $3, $4, $5)`, documentID, c.ChunkIndex, c.Content, len([]rune(c.Content)), true)
		if err != nil {
			return kberr.Wrap(kberr.DBError, err, "insert chunk")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return kberr.Wrap(kberr.DBError, err, "commit replace chunks tx")
	}
	return nil
}

func (r *Postgres) ListChunks(ctx context.Context, documentID int64, page, pageSize int) ([]domain.Chunk, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM chunks WHERE document_id = $1`, documentID).Scan(&total); err != nil {
		return nil, 0, kberr.Wrap(kberr.DBError, err, "count chunks")
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	rows, err := r.pool.Query(ctx, `
SELECT document_id, chunk_index, content, char_count, included FROM chunks
WHERE document_id = $1 ORDER BY chunk_index ASC LIMIT $2 OFFSET $3`,
		documentID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, kberr.Wrap(kberr.DBError, err, "list chunks")
	}
	defer rows.Close()
	chunks, err := scanChunks(rows)
	return chunks, total, err
}

func (r *Postgres) IncludedChunks(ctx context.Context, documentID int64) ([]domain.Chunk, error) {
	rows, err := r.pool.Query(ctx, `
SELECT document_id, chunk_index, content, char_count, included FROM chunks
WHERE document_id = $1 AND included = TRUE ORDER BY chunk_index ASC`, documentID)
	if err != nil {
		return nil, kberr.Wrap(kberr.DBError, err, "list included chunks")
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (r *Postgres) CreateChunk(ctx context.Context, documentID int64, content string) (domain.Chunk, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Chunk{}, kberr.Wrap(kberr.DBError, err, "begin create chunk tx")
	}
	defer tx.Rollback(ctx)

	var next int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM chunks WHERE document_id = $1`, documentID).Scan(&next); err != nil {
		return domain.Chunk{}, kberr.Wrap(kberr.DBError, err, "count chunks for append")
	}
	_, err = tx.Exec(ctx, `
INSERT INTO chunks (document_id, chunk_index, content, char_count, included)
VALUES ($1, $2, $3, $4, TRUE)`, documentID, next, content, len([]rune(content)))
	if err != nil {
		return domain.Chunk{}, kberr.Wrap(kberr.DBError, err, "insert chunk")
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Chunk{}, kberr.Wrap(kberr.DBError, err, "commit create chunk tx")
	}
	return domain.Chunk{DocumentID: documentID, ChunkIndex: next, Content: content, CharCount: len([]rune(content)), Included: true}, nil
}

func (r *Postgres) UpdateChunk(ctx context.Context, documentID int64, chunkIndex int, content *string, included *bool) (domain.Chunk, error) {
	if content != nil {
		_, err := r.pool.Exec(ctx, `UPDATE chunks SET content = $3, char_count = $4 WHERE document_id = $1 AND chunk_index = $2`,
			documentID, chunkIndex, *content, len([]rune(*content)))
		if err != nil {
			return domain.Chunk{}, kberr.Wrap(kberr.DBError, err, "update chunk content")
		}
	}
	if included != nil {
		_, err := r.pool.Exec(ctx, `UPDATE chunks SET included = $3 WHERE document_id = $1 AND chunk_index = $2`,
			documentID, chunkIndex, *included)
		if err != nil {
			return domain.Chunk{}, kberr.Wrap(kberr.DBError, err, "update chunk included")
		}
	}
	row := r.pool.QueryRow(ctx, `
SELECT document_id, chunk_index, content, char_count, included FROM chunks
WHERE document_id = $1 AND chunk_index = $2`, documentID, chunkIndex)
	var c domain.Chunk
	if err := row.Scan(&c.DocumentID, &c.ChunkIndex, &c.Content, &c.CharCount, &c.Included); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Chunk{}, kberr.Newf(kberr.NotFound, "chunk %d of document %d not found", chunkIndex, documentID)
		}
		return domain.Chunk{}, kberr.Wrap(kberr.DBError, err, "reload chunk")
	}
	return c, nil
}

// DeleteChunk removes the chunk at chunkIndex and renumbers every later
// chunk down by one, preserving density.
func (r *Postgres) DeleteChunk(ctx context.Context, documentID int64, chunkIndex int) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return kberr.Wrap(kberr.DBError, err, "begin delete chunk tx")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1 AND chunk_index = $2`, documentID, chunkIndex); err != nil {
		return kberr.Wrap(kberr.DBError, err, "delete chunk")
	}
	if _, err := tx.Exec(ctx, `
UPDATE chunks SET chunk_index = chunk_index - 1
WHERE document_id = $1 AND chunk_index > $2`, documentID, chunkIndex); err != nil {
		return kberr.Wrap(kberr.DBError, err, "renumber chunks after delete")
	}
	if err := tx.Commit(ctx); err != nil {
		return kberr.Wrap(kberr.DBError, err, "commit delete chunk tx")
	}
	return nil
}

func (r *Postgres) RecordReviewAction(ctx context.Context, action domain.ReviewAction) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO review_actions (document_id, reviewer_id, action, reason)
VALUES ($1, $2, $3, $4)`, action.DocumentID, action.ReviewerID, action.Action, action.Reason)
	if err != nil {
		return kberr.Wrap(kberr.DBError, err, "insert review action")
	}
	return nil
}

func (r *Postgres) GetTenantSettings(ctx context.Context, tenantID int64) (domain.TenantSettings, error) {
	row := r.pool.QueryRow(ctx, `
SELECT tenant_id, llm_provider, llm_model, embedding_provider, embedding_model, top_k, temperature,
       rerank_enabled, rerank_provider, rerank_model
FROM tenant_settings WHERE tenant_id = $1`, tenantID)
	var s domain.TenantSettings
	err := row.Scan(&s.TenantID, &s.LLMProvider, &s.LLMModel, &s.EmbeddingProvider, &s.EmbeddingModel,
		&s.TopK, &s.Temperature, &s.RerankEnabled, &s.RerankProvider, &s.RerankModel)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.TenantSettings{TenantID: tenantID, TopK: 5, Temperature: 0.2}, nil
		}
		return domain.TenantSettings{}, kberr.Wrap(kberr.DBError, err, "get tenant settings")
	}
	return s, nil
}

func (r *Postgres) UpsertTenantSettings(ctx context.Context, s domain.TenantSettings) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO tenant_settings (tenant_id, llm_provider, llm_model, embedding_provider, embedding_model,
                              top_k, temperature, rerank_enabled, rerank_provider, rerank_model)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (tenant_id) DO UPDATE SET
  llm_provider = EXCLUDED.llm_provider, llm_model = EXCLUDED.llm_model,
  embedding_provider = EXCLUDED.embedding_provider, embedding_model = EXCLUDED.embedding_model,
  top_k = EXCLUDED.top_k, temperature = EXCLUDED.temperature, rerank_enabled = EXCLUDED.rerank_enabled,
  rerank_provider = EXCLUDED.rerank_provider, rerank_model = EXCLUDED.rerank_model`,
		s.TenantID, s.LLMProvider, s.LLMModel, s.EmbeddingProvider, s.EmbeddingModel,
		s.TopK, s.Temperature, s.RerankEnabled, s.RerankProvider, s.RerankModel)
	if err != nil {
		return kberr.Wrap(kberr.DBError, err, "upsert tenant settings")
	}
	return nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (domain.Document, error) {
	var d domain.Document
	var reviewerID sql.NullInt64
	err := row.Scan(&d.ID, &d.OwnerID, &d.Filename, &d.ContentType, &d.SHA256, &d.SizeBytes, &d.Status,
		&d.ConversionStatus, &d.BlobKey, &d.MarkdownKey, &d.ConversionError, &d.RejectReason,
		&d.CreatedAt, &d.ConfirmedAt, &d.ReviewedAt, &d.IndexedAt, &reviewerID, &d.PreviewText)
	if err != nil {
		return domain.Document{}, err
	}
	if reviewerID.Valid {
		d.ReviewerID = &reviewerID.Int64
	}
	return d, nil
}

func scanChunks(rows pgx.Rows) ([]domain.Chunk, error) {
	var chunks []domain.Chunk
	for rows.Next() {
		var c domain.Chunk
		if err := rows.Scan(&c.DocumentID, &c.ChunkIndex, &c.Content, &c.CharCount, &c.Included); err != nil {
			return nil, kberr.Wrap(kberr.DBError, err, "scan chunk row")
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}
