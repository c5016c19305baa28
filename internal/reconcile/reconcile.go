// Package reconcile implements the C8 reconciliation service: the recovery
// path that restores the vector index after provider changes, vector-store
// loss, or drift left by chunk edits made with sync_vectors=false.
package reconcile

import (
	"context"
	"strconv"

	"github.com/rs/zerolog/log"

	"ragkb/internal/domain"
	"ragkb/internal/kberr"
	"ragkb/internal/metrics"
	"ragkb/internal/provider/embedder"
	"ragkb/internal/repository"
	"ragkb/internal/vectorstore"
)

// listPageSize is large enough to pull every document matching a bulk
// reindex filter in one repository call; reindex is an operator-invoked,
// infrequent path, not a hot one.
const listPageSize = 100000

// Filter narrows Reindex to a subset of documents.
type Filter struct {
	OwnerID  *int64
	StatusIn []domain.DocumentStatus
}

// FailedDocument is one document Reindex could not rebuild.
type FailedDocument struct {
	DocumentID int64
	Reason     string
}

// Outcome is Reindex's per-document result summary.
type Outcome struct {
	OK     []int64
	Failed []FailedDocument
}

// Service rebuilds vector-store state from the metadata DB, the one source
// of truth for chunk content.
type Service struct {
	repo    repository.Repository
	vstore  vectorstore.VectorStore
	embed   embedder.Embedder
	metrics metrics.Metrics
}

// New constructs a reconciliation Service.
func New(repo repository.Repository, vstore vectorstore.VectorStore, embed embedder.Embedder, m metrics.Metrics) *Service {
	return &Service{repo: repo, vstore: vstore, embed: embed, metrics: m}
}

// RebuildVectors deletes every vector for documentID and re-embeds and
// re-upserts its currently included chunks, restoring Invariant 4
// regardless of what drift preceded the call.
func (s *Service) RebuildVectors(ctx context.Context, documentID int64) error {
	doc, err := s.repo.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	owner := strconv.FormatInt(doc.OwnerID, 10)
	docKey := strconv.FormatInt(documentID, 10)

	if err := s.vstore.DeleteByDocument(ctx, owner, docKey); err != nil {
		return kberr.Wrap(kberr.VectorError, err, "delete existing vectors before rebuild")
	}

	chunks, err := s.repo.IncludedChunks(ctx, documentID)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vectors, err := s.embed.EmbedBatch(ctx, texts)
	if err != nil {
		return kberr.Wrap(kberr.ProviderUnavailable, err, "embed chunks for rebuild")
	}
	if len(vectors) != len(chunks) {
		return kberr.Newf(kberr.ProviderBadResponse, "embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
	}

	if err := s.vstore.EnsurePartition(ctx, owner); err != nil {
		return kberr.Wrap(kberr.VectorError, err, "ensure partition")
	}
	points := make([]vectorstore.Point, len(chunks))
	for i, c := range chunks {
		if len(vectors[i]) != s.embed.Dimension() {
			return kberr.Newf(kberr.DimensionMismatch, "embedder %q returned vector of length %d, want %d", s.embed.Name(), len(vectors[i]), s.embed.Dimension())
		}
		points[i] = vectorstore.Point{DocumentID: docKey, ChunkIndex: c.ChunkIndex, Vector: vectors[i]}
	}
	if err := s.vstore.Upsert(ctx, owner, points); err != nil {
		return kberr.Wrap(kberr.VectorError, err, "upsert rebuilt vectors")
	}
	return nil
}

// Reindex runs RebuildVectors over every document matching filter,
// sequentially (the single-writer-per-document rule applies per
// document, not across the batch), logging and collecting each outcome
// rather than aborting on the first failure.
func (s *Service) Reindex(ctx context.Context, filter Filter) Outcome {
	docs, _, err := s.repo.ListDocuments(ctx, repository.DocumentFilter{OwnerID: filter.OwnerID, Page: 1, PageSize: listPageSize})
	if err != nil {
		log.Error().Err(err).Msg("reindex: list documents failed")
		return Outcome{}
	}

	var out Outcome
	for _, doc := range docs {
		if !statusMatches(doc.Status, filter.StatusIn) {
			continue
		}
		if err := s.RebuildVectors(ctx, doc.ID); err != nil {
			log.Warn().Err(err).Int64("document_id", doc.ID).Msg("reindex: rebuild failed")
			out.Failed = append(out.Failed, FailedDocument{DocumentID: doc.ID, Reason: err.Error()})
			s.metrics.IncCounter("reindex_failed_total", map[string]string{})
			continue
		}
		log.Info().Int64("document_id", doc.ID).Msg("reindex: rebuild ok")
		out.OK = append(out.OK, doc.ID)
		s.metrics.IncCounter("reindex_ok_total", map[string]string{})
	}
	return out
}

func statusMatches(status domain.DocumentStatus, allowed []domain.DocumentStatus) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, s := range allowed {
		if status == s {
			return true
		}
	}
	return false
}
