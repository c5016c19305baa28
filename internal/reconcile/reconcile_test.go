package reconcile

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragkb/internal/domain"
	"ragkb/internal/metrics"
	"ragkb/internal/provider/embedder"
	"ragkb/internal/repository"
	"ragkb/internal/vectorstore"
)

func newTestService(t *testing.T) (*Service, repository.Repository, vectorstore.VectorStore) {
	t.Helper()
	repo := repository.NewMemory()
	vstore := vectorstore.NewMemory()
	embed := embedder.NewHash(8, true, 0)
	return New(repo, vstore, embed, metrics.NewMock()), repo, vstore
}

func seedDoc(t *testing.T, repo repository.Repository, ownerID int64, status domain.DocumentStatus, chunks ...string) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := repo.CreateDocument(ctx, domain.Document{
		OwnerID:          ownerID,
		Filename:         "doc.md",
		ContentType:      "text/markdown",
		Status:           status,
		ConversionStatus: domain.ConversionReady,
	})
	require.NoError(t, err)
	records := make([]domain.Chunk, len(chunks))
	for i, c := range chunks {
		records[i] = domain.Chunk{ChunkIndex: i, Content: c, Included: true}
	}
	require.NoError(t, repo.ReplaceChunks(ctx, id, records))
	return id
}

func TestRebuildVectors_ReplacesDriftedVectorsFromCurrentChunks(t *testing.T) {
	ctx := context.Background()
	svc, repo, vstore := newTestService(t)
	id := seedDoc(t, repo, 1, domain.StatusIndexed, "original content")

	require.NoError(t, vstore.Upsert(ctx, "1", []vectorstore.Point{{DocumentID: "1", ChunkIndex: 0, Vector: []float32{9, 9, 9, 9, 9, 9, 9, 9}}}))

	require.NoError(t, svc.RebuildVectors(ctx, id))

	chunks, err := repo.IncludedChunks(ctx, id)
	require.NoError(t, err)
	qvecs, err := svc.embed.EmbedBatch(ctx, []string{chunks[0].Content})
	require.NoError(t, err)

	hits, err := vstore.Search(ctx, []string{"1"}, qvecs[0], 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.InDelta(t, 1.0, hits[0].Score, 0.0001)
}

func TestRebuildVectors_EmptyChunkSetLeavesNoVectors(t *testing.T) {
	ctx := context.Background()
	svc, repo, vstore := newTestService(t)
	id := seedDoc(t, repo, 1, domain.StatusIndexed)

	require.NoError(t, svc.RebuildVectors(ctx, id))

	hits, err := vstore.Search(ctx, []string{"1"}, []float32{0, 0, 0, 0, 0, 0, 0, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestReindex_FiltersByOwnerAndStatus(t *testing.T) {
	ctx := context.Background()
	svc, repo, vstore := newTestService(t)
	a := seedDoc(t, repo, 1, domain.StatusIndexed, "alpha")
	seedDoc(t, repo, 1, domain.StatusRejected, "beta")
	seedDoc(t, repo, 2, domain.StatusIndexed, "gamma")

	owner := int64(1)
	out := svc.Reindex(ctx, Filter{OwnerID: &owner, StatusIn: []domain.DocumentStatus{domain.StatusIndexed}})

	assert.Equal(t, []int64{a}, out.OK)
	assert.Empty(t, out.Failed)

	qvecs, err := svc.embed.EmbedBatch(ctx, []string{"alpha"})
	require.NoError(t, err)
	hits, err := vstore.Search(ctx, []string{"1"}, qvecs[0], 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	got, err := strconv.ParseInt(hits[0].DocumentID, 10, 64)
	require.NoError(t, err)
	assert.Equal(t, a, got)
}
