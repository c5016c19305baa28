// Package lifecycle implements the C6 document lifecycle service: the
// upload/confirm/review/index state machine, ownership checks, and chunk
// CRUD with density-preserving renumbering. It is the only component that
// writes to the documents/chunks/review_actions tables through anything
// but the repository's own invariants.
package lifecycle

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"ragkb/internal/broker"
	"ragkb/internal/chunker"
	"ragkb/internal/config"
	"ragkb/internal/domain"
	"ragkb/internal/kberr"
	"ragkb/internal/metrics"
	"ragkb/internal/objectstore"
	"ragkb/internal/provider/embedder"
	"ragkb/internal/repository"
	"ragkb/internal/vectorstore"
)

// Indexer is C7's indexing path, invoked by approve and by sync-on-edit.
type Indexer interface {
	IndexDocument(ctx context.Context, documentID int64) error
}

// Service implements every C6 public operation.
type Service struct {
	repo     repository.Repository
	store    objectstore.ObjectStore
	producer broker.Producer
	vstore   vectorstore.VectorStore
	embed    embedder.Embedder
	indexer  Indexer
	metrics  metrics.Metrics
	defaults config.RetrievalDefaults
}

// New constructs a lifecycle Service.
func New(
	repo repository.Repository,
	store objectstore.ObjectStore,
	producer broker.Producer,
	vstore vectorstore.VectorStore,
	embed embedder.Embedder,
	indexer Indexer,
	m metrics.Metrics,
	defaults config.RetrievalDefaults,
) *Service {
	return &Service{
		repo:     repo,
		store:    store,
		producer: producer,
		vstore:   vstore,
		embed:    embed,
		indexer:  indexer,
		metrics:  m,
		defaults: defaults,
	}
}

func ownerID(id int64) string { return strconv.FormatInt(id, 10) }

func requireOwnership(tenant domain.Tenant, doc domain.Document) error {
	if !doc.Owned(tenant) {
		return kberr.New(kberr.Forbidden, "tenant does not own this document")
	}
	return nil
}

func (s *Service) loadOwned(ctx context.Context, tenant domain.Tenant, id int64) (domain.Document, error) {
	doc, err := s.repo.GetDocument(ctx, id)
	if err != nil {
		return domain.Document{}, err
	}
	if err := requireOwnership(tenant, doc); err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

// Upload persists document metadata (status=uploaded, conversion_status=
// pending), stores the original blob, and enqueues a conversion job.
func (s *Service) Upload(ctx context.Context, tenant domain.Tenant, fileBytes []byte, filename, contentType string) (int64, error) {
	sum := sha256.Sum256(fileBytes)
	now := time.Now().UTC()
	id, err := s.repo.CreateDocument(ctx, domain.Document{
		OwnerID:          tenant.ID,
		Filename:         filename,
		ContentType:      contentType,
		SHA256:           hex.EncodeToString(sum[:]),
		SizeBytes:        int64(len(fileBytes)),
		Status:           domain.StatusUploaded,
		ConversionStatus: domain.ConversionPending,
		CreatedAt:        now,
	})
	if err != nil {
		return 0, err
	}

	blobKey := objectstore.UploadKey(ownerID(tenant.ID), uuid.NewString(), filename)
	if _, err := s.store.Put(ctx, blobKey, bytes.NewReader(fileBytes), objectstore.PutOptions{ContentType: contentType}); err != nil {
		return 0, kberr.Wrap(kberr.StorageError, err, "store original blob")
	}

	doc, err := s.repo.GetDocument(ctx, id)
	if err != nil {
		return 0, err
	}
	doc.BlobKey = blobKey
	if err := s.repo.UpdateDocument(ctx, doc); err != nil {
		return 0, err
	}

	if err := s.producer.Enqueue(ctx, broker.Job{DocumentID: id}); err != nil {
		return 0, kberr.Wrap(kberr.StorageError, err, "enqueue conversion job")
	}
	s.metrics.IncCounter("documents_uploaded_total", nil)
	return id, nil
}

// GetStatus returns the full document record for tenant, enforcing
// ownership (or admin override).
func (s *Service) GetStatus(ctx context.Context, tenant domain.Tenant, id int64) (domain.Document, error) {
	return s.loadOwned(ctx, tenant, id)
}

// List returns a page of documents visible to tenant. Non-admins are
// always scoped to their own owner_id regardless of the requested filter.
func (s *Service) List(ctx context.Context, tenant domain.Tenant, filter repository.DocumentFilter) ([]domain.Document, int, error) {
	if !tenant.IsAdmin() {
		owner := tenant.ID
		filter.OwnerID = &owner
	}
	return s.repo.ListDocuments(ctx, filter)
}

// DownloadMarkdown returns the converted Markdown body for a document.
func (s *Service) DownloadMarkdown(ctx context.Context, tenant domain.Tenant, id int64) (string, error) {
	doc, err := s.loadOwned(ctx, tenant, id)
	if err != nil {
		return "", err
	}
	if doc.MarkdownKey == "" {
		return "", kberr.New(kberr.Precondition, "document has no converted markdown yet")
	}
	rc, _, err := s.store.Get(ctx, doc.MarkdownKey)
	if err != nil {
		return "", kberr.Wrap(kberr.StorageError, err, "fetch markdown blob")
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		return "", kberr.Wrap(kberr.StorageError, err, "read markdown blob")
	}
	return string(b), nil
}

// UploadMarkdown replaces a document's Markdown and re-runs the splitter.
// Permitted only when conversion_status ∈ {ready, failed}; since the
// caller has edited authoritative content, status resets to confirmed.
func (s *Service) UploadMarkdown(ctx context.Context, tenant domain.Tenant, id int64, markdown string) error {
	doc, err := s.loadOwned(ctx, tenant, id)
	if err != nil {
		return err
	}
	switch doc.ConversionStatus {
	case domain.ConversionReady, domain.ConversionFailed:
	default:
		return kberr.Newf(kberr.Precondition, "markdown replacement requires conversion_status ready or failed, got %s", doc.ConversionStatus)
	}

	markdownKey := doc.MarkdownKey
	if markdownKey == "" {
		markdownKey = objectstore.MarkdownKey(ownerID(doc.OwnerID), strconv.FormatInt(doc.ID, 10))
	}
	if _, err := s.store.Put(ctx, markdownKey, bytes.NewReader([]byte(markdown)), objectstore.PutOptions{ContentType: "text/markdown"}); err != nil {
		return kberr.Wrap(kberr.StorageError, err, "write markdown blob")
	}

	chunks := split(markdown, s.defaults)
	if err := s.repo.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return kberr.Wrap(kberr.DBError, err, "replace chunks")
	}

	doc.MarkdownKey = markdownKey
	doc.ConversionStatus = domain.ConversionReady
	doc.ConversionError = ""
	doc.PreviewText = preview(chunks)
	doc.Status = domain.StatusConfirmed
	now := time.Now().UTC()
	doc.ConfirmedAt = &now
	return s.repo.UpdateDocument(ctx, doc)
}

// RetryConversion re-enqueues a conversion job; permitted only when
// conversion_status ∈ {failed, pending}.
func (s *Service) RetryConversion(ctx context.Context, tenant domain.Tenant, id int64) error {
	doc, err := s.loadOwned(ctx, tenant, id)
	if err != nil {
		return err
	}
	switch doc.ConversionStatus {
	case domain.ConversionFailed, domain.ConversionPending:
	default:
		return kberr.Newf(kberr.Precondition, "retry requires conversion_status failed or pending, got %s", doc.ConversionStatus)
	}
	doc.ConversionStatus = domain.ConversionPending
	doc.ConversionError = ""
	if err := s.repo.UpdateDocument(ctx, doc); err != nil {
		return err
	}
	if err := s.producer.Enqueue(ctx, broker.Job{DocumentID: id}); err != nil {
		return kberr.Wrap(kberr.StorageError, err, "enqueue conversion job")
	}
	return nil
}

// Confirm transitions uploaded→confirmed once conversion is ready.
func (s *Service) Confirm(ctx context.Context, tenant domain.Tenant, id int64) error {
	doc, err := s.loadOwned(ctx, tenant, id)
	if err != nil {
		return err
	}
	if doc.Status != domain.StatusUploaded {
		return kberr.Newf(kberr.Precondition, "confirm requires status uploaded, got %s", doc.Status)
	}
	if doc.ConversionStatus != domain.ConversionReady {
		return kberr.Newf(kberr.Precondition, "confirm requires conversion_status ready, got %s", doc.ConversionStatus)
	}
	doc.Status = domain.StatusConfirmed
	now := time.Now().UTC()
	doc.ConfirmedAt = &now
	return s.repo.UpdateDocument(ctx, doc)
}

// ListChunks returns a page of a document's chunks.
func (s *Service) ListChunks(ctx context.Context, tenant domain.Tenant, id int64, page, pageSize int) ([]domain.Chunk, int, error) {
	if _, err := s.loadOwned(ctx, tenant, id); err != nil {
		return nil, 0, err
	}
	return s.repo.ListChunks(ctx, id, page, pageSize)
}

// CreateChunk appends a new chunk at the next dense index.
func (s *Service) CreateChunk(ctx context.Context, tenant domain.Tenant, id int64, content string, syncVectors bool) (domain.Chunk, error) {
	doc, err := s.loadOwned(ctx, tenant, id)
	if err != nil {
		return domain.Chunk{}, err
	}
	if doc.ConversionStatus == domain.ConversionProcessing {
		return domain.Chunk{}, kberr.New(kberr.Precondition, "chunk create rejected: document conversion is in progress")
	}
	if content == "" {
		return domain.Chunk{}, kberr.New(kberr.Validation, "chunk content must not be empty")
	}
	c, err := s.repo.CreateChunk(ctx, id, content)
	if err != nil {
		return domain.Chunk{}, err
	}
	if doc.Status == domain.StatusIndexed && syncVectors {
		if err := s.upsertChunkVector(ctx, doc, c); err != nil {
			log.Error().Err(err).Int64("document_id", id).Int("chunk_index", c.ChunkIndex).Msg("sync_vectors upsert failed on create_chunk")
		}
	}
	return c, nil
}

// UpdateChunk edits content and/or toggles inclusion. When the document is
// indexed and syncVectors is true, content edits upsert the vector,
// included=false removes it, included=true reinserts it.
func (s *Service) UpdateChunk(ctx context.Context, tenant domain.Tenant, id int64, chunkIndex int, content *string, included *bool, syncVectors bool) (domain.Chunk, error) {
	doc, err := s.loadOwned(ctx, tenant, id)
	if err != nil {
		return domain.Chunk{}, err
	}
	if doc.ConversionStatus == domain.ConversionProcessing {
		return domain.Chunk{}, kberr.New(kberr.Precondition, "chunk update rejected: document conversion is in progress")
	}
	c, err := s.repo.UpdateChunk(ctx, id, chunkIndex, content, included)
	if err != nil {
		return domain.Chunk{}, err
	}
	if doc.Status != domain.StatusIndexed || !syncVectors {
		return c, nil
	}
	if included != nil && !*included {
		if err := s.vstore.DeletePoint(ctx, ownerID(doc.OwnerID), strconv.FormatInt(id, 10), chunkIndex); err != nil {
			log.Error().Err(err).Int64("document_id", id).Int("chunk_index", chunkIndex).Msg("sync_vectors delete failed on update_chunk")
		}
		return c, nil
	}
	if (content != nil) || (included != nil && *included) {
		if err := s.upsertChunkVector(ctx, doc, c); err != nil {
			log.Error().Err(err).Int64("document_id", id).Int("chunk_index", chunkIndex).Msg("sync_vectors upsert failed on update_chunk")
		}
	}
	return c, nil
}

// DeleteChunk removes a chunk and renumbers subsequent chunks to preserve
// density. When syncVectors is set on an indexed document, the deleted
// chunk's vector point is removed; reconciliation (C8) is the backstop for
// any drift left by the renumbering of later chunks' point keys.
func (s *Service) DeleteChunk(ctx context.Context, tenant domain.Tenant, id int64, chunkIndex int, syncVectors bool) error {
	doc, err := s.loadOwned(ctx, tenant, id)
	if err != nil {
		return err
	}
	if doc.ConversionStatus == domain.ConversionProcessing {
		return kberr.New(kberr.Precondition, "chunk delete rejected: document conversion is in progress")
	}
	if doc.Status == domain.StatusIndexed && syncVectors && s.vstore != nil {
		if err := s.vstore.DeletePoint(ctx, ownerID(doc.OwnerID), strconv.FormatInt(id, 10), chunkIndex); err != nil {
			log.Error().Err(err).Int64("document_id", id).Int("chunk_index", chunkIndex).Msg("sync_vectors delete failed on delete_chunk")
		}
	}
	// chunk_index renumbering after the delete shifts every later chunk's
	// vector point key by one; a full reconciliation (C8.rebuild_vectors)
	// is the documented recovery for that drift, not attempted inline here.
	return s.repo.DeleteChunk(ctx, id, chunkIndex)
}

// Approve records an approval and indexes the document. On indexing
// failure status stays approved and the error is returned; no automatic
// retry is made.
func (s *Service) Approve(ctx context.Context, tenant domain.Tenant, id int64) error {
	doc, err := s.loadOwned(ctx, tenant, id)
	if err != nil {
		return err
	}
	switch doc.Status {
	case domain.StatusUploaded, domain.StatusConfirmed:
	default:
		return kberr.Newf(kberr.Precondition, "approve requires status uploaded or confirmed, got %s", doc.Status)
	}
	if doc.ConversionStatus != domain.ConversionReady {
		return kberr.Newf(kberr.Precondition, "approve requires conversion_status ready, got %s", doc.ConversionStatus)
	}

	var reason string
	if doc.Status == domain.StatusUploaded {
		reason = "fast-track: chunks not reviewed before approval"
	}

	now := time.Now().UTC()
	if err := s.repo.RecordReviewAction(ctx, domain.ReviewAction{
		DocumentID: id,
		ReviewerID: tenant.ID,
		Action:     domain.ActionApprove,
		Reason:     reason,
		CreatedAt:  now,
	}); err != nil {
		return err
	}

	doc.Status = domain.StatusApproved
	doc.ReviewedAt = &now
	doc.ReviewerID = &tenant.ID
	if err := s.repo.UpdateDocument(ctx, doc); err != nil {
		return err
	}

	if err := s.indexer.IndexDocument(ctx, id); err != nil {
		return kberr.Wrap(kberr.VectorError, err, "index document")
	}

	doc, err = s.repo.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	doc.Status = domain.StatusIndexed
	return s.repo.UpdateDocument(ctx, doc)
}

// Reject records a rejection with reason.
func (s *Service) Reject(ctx context.Context, tenant domain.Tenant, id int64, reason string) error {
	doc, err := s.loadOwned(ctx, tenant, id)
	if err != nil {
		return err
	}
	switch doc.Status {
	case domain.StatusUploaded, domain.StatusConfirmed:
	default:
		return kberr.Newf(kberr.Precondition, "reject requires status uploaded or confirmed, got %s", doc.Status)
	}
	now := time.Now().UTC()
	if err := s.repo.RecordReviewAction(ctx, domain.ReviewAction{
		DocumentID: id,
		ReviewerID: tenant.ID,
		Action:     domain.ActionReject,
		Reason:     reason,
		CreatedAt:  now,
	}); err != nil {
		return err
	}
	doc.Status = domain.StatusRejected
	doc.RejectReason = reason
	doc.ReviewedAt = &now
	doc.ReviewerID = &tenant.ID
	return s.repo.UpdateDocument(ctx, doc)
}

// Resubmit moves a rejected document back to confirmed.
func (s *Service) Resubmit(ctx context.Context, tenant domain.Tenant, id int64) error {
	doc, err := s.loadOwned(ctx, tenant, id)
	if err != nil {
		return err
	}
	if doc.Status != domain.StatusRejected {
		return kberr.Newf(kberr.Precondition, "resubmit requires status rejected, got %s", doc.Status)
	}
	doc.Status = domain.StatusConfirmed
	return s.repo.UpdateDocument(ctx, doc)
}

// Delete cascades to chunks, vectors, the original blob, and the markdown
// blob; any single downstream failure is logged, not returned, since
// reconciliation is the backstop for leftover artifacts.
func (s *Service) Delete(ctx context.Context, tenant domain.Tenant, id int64) error {
	doc, err := s.loadOwned(ctx, tenant, id)
	if err != nil {
		return err
	}
	if s.vstore != nil {
		if err := s.vstore.DeleteByDocument(ctx, ownerID(doc.OwnerID), strconv.FormatInt(id, 10)); err != nil {
			log.Error().Err(err).Int64("document_id", id).Msg("delete: vector cleanup failed")
		}
	}
	if doc.BlobKey != "" {
		if err := s.store.Delete(ctx, doc.BlobKey); err != nil {
			log.Error().Err(err).Int64("document_id", id).Msg("delete: original blob cleanup failed")
		}
	}
	if doc.MarkdownKey != "" {
		if err := s.store.Delete(ctx, doc.MarkdownKey); err != nil {
			log.Error().Err(err).Int64("document_id", id).Msg("delete: markdown blob cleanup failed")
		}
	}
	return s.repo.DeleteDocument(ctx, id)
}

func (s *Service) upsertChunkVector(ctx context.Context, doc domain.Document, c domain.Chunk) error {
	vecs, err := s.embed.EmbedBatch(ctx, []string{c.Content})
	if err != nil {
		return err
	}
	return s.vstore.Upsert(ctx, ownerID(doc.OwnerID), []vectorstore.Point{{
		DocumentID: strconv.FormatInt(doc.ID, 10),
		ChunkIndex: c.ChunkIndex,
		Vector:     vecs[0],
	}})
}

func split(markdown string, defaults config.RetrievalDefaults) []domain.Chunk {
	opt := chunker.Options{
		Strategy:       chunker.Strategy(defaults.ChunkStrategy),
		ChunkSize:      defaults.ChunkSize,
		OverlapPercent: defaults.OverlapPercent,
		Delimiters:     defaults.Delimiters,
	}
	parts := chunker.Split(markdown, opt)
	chunks := make([]domain.Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = domain.Chunk{ChunkIndex: p.Index, Content: p.Text, CharCount: len([]rune(p.Text)), Included: true}
	}
	return chunks
}

const (
	previewChunkCount = 3
	previewMaxChars   = 500
)

func preview(chunks []domain.Chunk) string {
	n := previewChunkCount
	if n > len(chunks) {
		n = len(chunks)
	}
	var out string
	for i := 0; i < n; i++ {
		if i > 0 {
			out += " "
		}
		out += chunks[i].Content
	}
	runes := []rune(out)
	if len(runes) > previewMaxChars {
		runes = runes[:previewMaxChars]
	}
	return string(runes)
}
