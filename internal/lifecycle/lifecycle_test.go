package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragkb/internal/broker"
	"ragkb/internal/config"
	"ragkb/internal/domain"
	"ragkb/internal/kberr"
	"ragkb/internal/metrics"
	"ragkb/internal/objectstore"
	"ragkb/internal/provider/embedder"
	"ragkb/internal/repository"
	"ragkb/internal/vectorstore"
)

type fakeIndexer struct {
	err   error
	calls int
}

func (f *fakeIndexer) IndexDocument(context.Context, int64) error {
	f.calls++
	return f.err
}

func newTestService(t *testing.T, indexer Indexer) (*Service, repository.Repository, objectstore.ObjectStore, vectorstore.VectorStore) {
	t.Helper()
	repo := repository.NewMemory()
	store := objectstore.NewMemoryStore()
	prod := broker.NewMemory()
	vstore := vectorstore.NewMemory()
	embed := embedder.NewHash(8, true, 0)
	defaults := config.RetrievalDefaults{ChunkStrategy: "fixed-char", ChunkSize: 50}
	svc := New(repo, store, prod, vstore, embed, indexer, metrics.NewMock(), defaults)
	return svc, repo, store, vstore
}

func owner(id int64) domain.Tenant { return domain.Tenant{ID: id, Role: domain.RoleUser} }
func admin(id int64) domain.Tenant { return domain.Tenant{ID: id, Role: domain.RoleAdmin} }

func mustUploadReadyDoc(t *testing.T, svc *Service, repo repository.Repository, tenant domain.Tenant) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := svc.Upload(ctx, tenant, []byte("hello world, this is document content."), "notes.txt", "text/plain")
	require.NoError(t, err)
	doc, err := repo.GetDocument(ctx, id)
	require.NoError(t, err)
	doc.ConversionStatus = domain.ConversionReady
	doc.MarkdownKey = "tenant_1/markdown/" + "1.md"
	require.NoError(t, repo.UpdateDocument(ctx, doc))
	require.NoError(t, repo.ReplaceChunks(ctx, id, []domain.Chunk{
		{ChunkIndex: 0, Content: "hello world"},
		{ChunkIndex: 1, Content: "this is document content"},
	}))
	return id
}

func TestUpload_PersistsMetadataStoresBlobAndEnqueuesJob(t *testing.T) {
	ctx := context.Background()
	svc, repo, store, _ := newTestService(t, &fakeIndexer{})
	tenant := owner(1)

	id, err := svc.Upload(ctx, tenant, []byte("hello"), "a.txt", "text/plain")
	require.NoError(t, err)

	doc, err := repo.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusUploaded, doc.Status)
	assert.Equal(t, domain.ConversionPending, doc.ConversionStatus)
	assert.NotEmpty(t, doc.BlobKey)

	_, _, err = store.Get(ctx, doc.BlobKey)
	require.NoError(t, err)
}

func TestConfirm_RequiresReadyConversion(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService(t, &fakeIndexer{})
	tenant := owner(1)
	id, err := svc.Upload(ctx, tenant, []byte("hello"), "a.txt", "text/plain")
	require.NoError(t, err)

	err = svc.Confirm(ctx, tenant, id)
	require.Error(t, err)
	assert.Equal(t, kberr.Precondition, kberr.KindOf(err))
}

func TestApprove_IndexesAndTransitionsToIndexed(t *testing.T) {
	ctx := context.Background()
	indexer := &fakeIndexer{}
	svc, repo, _, _ := newTestService(t, indexer)
	tenant := owner(1)
	id := mustUploadReadyDoc(t, svc, repo, tenant)

	require.NoError(t, svc.Approve(ctx, tenant, id))
	assert.Equal(t, 1, indexer.calls)

	doc, err := repo.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIndexed, doc.Status)
}

func TestApprove_LeavesApprovedOnIndexingFailure(t *testing.T) {
	ctx := context.Background()
	indexer := &fakeIndexer{err: kberr.New(kberr.VectorError, "boom")}
	svc, repo, _, _ := newTestService(t, indexer)
	tenant := owner(1)
	id := mustUploadReadyDoc(t, svc, repo, tenant)

	err := svc.Approve(ctx, tenant, id)
	require.Error(t, err)

	doc, err := repo.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, doc.Status)
}

func TestRejectThenResubmit(t *testing.T) {
	ctx := context.Background()
	svc, repo, _, _ := newTestService(t, &fakeIndexer{})
	tenant := owner(1)
	id := mustUploadReadyDoc(t, svc, repo, tenant)

	require.NoError(t, svc.Reject(ctx, tenant, id, "missing citations"))
	doc, err := repo.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, doc.Status)
	assert.Equal(t, "missing citations", doc.RejectReason)

	require.NoError(t, svc.Resubmit(ctx, tenant, id))
	doc, err = repo.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, doc.Status)
}

func TestOwnership_ForbidsOtherTenant(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService(t, &fakeIndexer{})
	id, err := svc.Upload(ctx, owner(1), []byte("hello"), "a.txt", "text/plain")
	require.NoError(t, err)

	_, err = svc.GetStatus(ctx, owner(2), id)
	require.Error(t, err)
	assert.Equal(t, kberr.Forbidden, kberr.KindOf(err))

	_, err = svc.GetStatus(ctx, admin(99), id)
	require.NoError(t, err)
}

func TestDeleteChunk_RenumbersDensely(t *testing.T) {
	ctx := context.Background()
	svc, repo, _, _ := newTestService(t, &fakeIndexer{})
	tenant := owner(1)
	id := mustUploadReadyDoc(t, svc, repo, tenant)

	require.NoError(t, svc.DeleteChunk(ctx, tenant, id, 0, false))
	chunks, total, err := repo.ListChunks(ctx, id, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, "this is document content", chunks[0].Content)
}

func TestUpdateChunk_SyncsVectorOnIncludedToggle(t *testing.T) {
	ctx := context.Background()
	indexer := &fakeIndexer{}
	svc, repo, _, vstore := newTestService(t, indexer)
	tenant := owner(1)
	id := mustUploadReadyDoc(t, svc, repo, tenant)
	require.NoError(t, svc.Approve(ctx, tenant, id))

	require.NoError(t, vstore.Upsert(ctx, "1", []vectorstore.Point{{DocumentID: "1", ChunkIndex: 0, Vector: []float32{1, 0, 0, 0}}}))

	excluded := false
	_, err := svc.UpdateChunk(ctx, tenant, id, 0, nil, &excluded, true)
	require.NoError(t, err)

	hits, err := vstore.Search(ctx, []string{"1"}, []float32{1, 0, 0, 0}, 10)
	require.NoError(t, err)
	for _, h := range hits {
		assert.False(t, h.DocumentID == "1" && h.ChunkIndex == 0)
	}
}

func TestChunkCRUD_RejectedWhileConversionInProgress(t *testing.T) {
	ctx := context.Background()
	svc, repo, _, _ := newTestService(t, &fakeIndexer{})
	tenant := owner(1)
	id := mustUploadReadyDoc(t, svc, repo, tenant)

	doc, err := repo.GetDocument(ctx, id)
	require.NoError(t, err)
	doc.ConversionStatus = domain.ConversionProcessing
	require.NoError(t, repo.UpdateDocument(ctx, doc))

	_, err = svc.CreateChunk(ctx, tenant, id, "new chunk", false)
	require.Error(t, err)
	assert.Equal(t, kberr.Precondition, kberr.KindOf(err))

	content := "edited"
	_, err = svc.UpdateChunk(ctx, tenant, id, 0, &content, nil, false)
	require.Error(t, err)
	assert.Equal(t, kberr.Precondition, kberr.KindOf(err))

	err = svc.DeleteChunk(ctx, tenant, id, 0, false)
	require.Error(t, err)
	assert.Equal(t, kberr.Precondition, kberr.KindOf(err))
}

func TestApprove_RecordsFastTrackReasonFromUploaded(t *testing.T) {
	ctx := context.Background()
	svc, repo, _, _ := newTestService(t, &fakeIndexer{})
	tenant := owner(1)
	id := mustUploadReadyDoc(t, svc, repo, tenant)

	require.NoError(t, svc.Approve(ctx, tenant, id))

	actions := repo.(*repository.Memory).ReviewActions(id)
	require.NotEmpty(t, actions)
	last := actions[len(actions)-1]
	assert.Equal(t, domain.ActionApprove, last.Action)
	assert.Equal(t, "fast-track: chunks not reviewed before approval", last.Reason)
}

func TestApprove_NoFastTrackReasonFromConfirmed(t *testing.T) {
	ctx := context.Background()
	svc, repo, _, _ := newTestService(t, &fakeIndexer{})
	tenant := owner(1)
	id := mustUploadReadyDoc(t, svc, repo, tenant)
	require.NoError(t, svc.Confirm(ctx, tenant, id))

	require.NoError(t, svc.Approve(ctx, tenant, id))

	actions := repo.(*repository.Memory).ReviewActions(id)
	require.NotEmpty(t, actions)
	last := actions[len(actions)-1]
	assert.Equal(t, domain.ActionApprove, last.Action)
	assert.Empty(t, last.Reason)
}

func TestDelete_CascadesBlobAndChunks(t *testing.T) {
	ctx := context.Background()
	svc, repo, store, _ := newTestService(t, &fakeIndexer{})
	tenant := owner(1)
	id := mustUploadReadyDoc(t, svc, repo, tenant)

	doc, err := repo.GetDocument(ctx, id)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, tenant, id))

	_, err = repo.GetDocument(ctx, id)
	require.Error(t, err)
	_, _, err = store.Get(ctx, doc.BlobKey)
	require.Error(t, err)
	chunks, total, err := repo.ListChunks(ctx, id, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, chunks)
}
