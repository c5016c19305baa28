package convert

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragkb/internal/broker"
	"ragkb/internal/config"
	"ragkb/internal/domain"
	"ragkb/internal/kberr"
	"ragkb/internal/metrics"
	"ragkb/internal/objectstore"
	"ragkb/internal/repository"
)

type stubPDF struct {
	text string
	err  error
}

func (s stubPDF) Convert(context.Context, []byte) (string, error) { return s.text, s.err }

type stubOCR struct{ text string }

func (s stubOCR) Extract(context.Context, []byte) (string, error) { return s.text, nil }

func newTestWorker(t *testing.T, repo repository.Repository, store objectstore.ObjectStore, consumer broker.Consumer) *Worker {
	t.Helper()
	cfg := config.ConversionConfig{Workers: 1, MinTextChars: 10, MaxRetries: 2}
	defaults := config.RetrievalDefaults{ChunkStrategy: "fixed-char", ChunkSize: 100, OverlapPercent: 0}
	return New(repo, store, consumer, stubPDF{}, stubOCR{}, false, metrics.NewMock(), cfg, defaults)
}

func TestConvert_PlainTextDocumentProducesChunks(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	store := objectstore.NewMemoryStore()

	id, err := repo.CreateDocument(ctx, domain.Document{
		OwnerID:          1,
		Filename:         "notes.txt",
		ContentType:      "text/plain",
		Status:           domain.StatusUploaded,
		ConversionStatus: domain.ConversionPending,
		BlobKey:          "tenant_1/documents/doc-1/notes.txt",
	})
	require.NoError(t, err)
	_, err = store.Put(ctx, "tenant_1/documents/doc-1/notes.txt", strings.NewReader("hello world, this is the document body."), objectstore.PutOptions{})
	require.NoError(t, err)

	w := newTestWorker(t, repo, store, nil)
	require.NoError(t, w.process(ctx, id))

	doc, err := repo.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversionReady, doc.ConversionStatus)
	assert.NotEmpty(t, doc.MarkdownKey)
	assert.NotEmpty(t, doc.PreviewText)

	chunks, total, err := repo.ListChunks(ctx, id, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, total, len(chunks))
	assert.Equal(t, 0, chunks[0].ChunkIndex)
}

func TestConvert_AlreadyConvertedDocumentIsNoOp(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	store := objectstore.NewMemoryStore()
	id, err := repo.CreateDocument(ctx, domain.Document{
		OwnerID:          1,
		Status:           domain.StatusIndexed,
		ConversionStatus: domain.ConversionReady,
		BlobKey:          "tenant_1/documents/doc-1/x.txt",
	})
	require.NoError(t, err)

	w := newTestWorker(t, repo, store, nil)
	require.NoError(t, w.process(ctx, id))

	doc, err := repo.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversionReady, doc.ConversionStatus)
	assert.Empty(t, doc.MarkdownKey)
}

func TestConvert_MissingBlobIsStorageErrorAndRetryable(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	store := objectstore.NewMemoryStore()
	id, err := repo.CreateDocument(ctx, domain.Document{
		OwnerID:          1,
		Status:           domain.StatusUploaded,
		ConversionStatus: domain.ConversionPending,
		BlobKey:          "tenant_1/documents/missing.txt",
	})
	require.NoError(t, err)

	w := newTestWorker(t, repo, store, nil)
	err = w.process(ctx, id)
	require.Error(t, err)
	assert.Equal(t, kberr.StorageError, kberr.KindOf(err))
}

func TestConvert_PdfFallsBackToOCRWhenTextTooShort(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	store := objectstore.NewMemoryStore()
	id, err := repo.CreateDocument(ctx, domain.Document{
		OwnerID:          1,
		Filename:         "scan.pdf",
		ContentType:      "application/pdf",
		Status:           domain.StatusUploaded,
		ConversionStatus: domain.ConversionPending,
		BlobKey:          "tenant_1/documents/doc-2/scan.pdf",
	})
	require.NoError(t, err)
	_, err = store.Put(ctx, "tenant_1/documents/doc-2/scan.pdf", strings.NewReader("%PDF-fake"), objectstore.PutOptions{})
	require.NoError(t, err)

	cfg := config.ConversionConfig{Workers: 1, MinTextChars: 10, MaxRetries: 0}
	defaults := config.RetrievalDefaults{ChunkStrategy: "fixed-char", ChunkSize: 100}
	w := New(repo, store, nil, stubPDF{text: "x"}, stubOCR{text: "the scanned page content recovered by OCR"}, true, metrics.NewMock(), cfg, defaults)

	require.NoError(t, w.process(ctx, id))
	doc, err := repo.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversionReady, doc.ConversionStatus)
}

func TestConvert_PdfWithNoTextAndOCRDisabledSucceedsWithZeroChunks(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	store := objectstore.NewMemoryStore()
	id, err := repo.CreateDocument(ctx, domain.Document{
		OwnerID:          1,
		Filename:         "scanned.pdf",
		ContentType:      "application/pdf",
		Status:           domain.StatusUploaded,
		ConversionStatus: domain.ConversionPending,
		BlobKey:          "tenant_1/documents/doc-4/scanned.pdf",
	})
	require.NoError(t, err)
	_, err = store.Put(ctx, "tenant_1/documents/doc-4/scanned.pdf", strings.NewReader("%PDF-fake"), objectstore.PutOptions{})
	require.NoError(t, err)

	cfg := config.ConversionConfig{Workers: 1, MinTextChars: 10, MaxRetries: 0}
	defaults := config.RetrievalDefaults{ChunkStrategy: "fixed-char", ChunkSize: 100}
	w := New(repo, store, nil, stubPDF{text: ""}, stubOCR{}, false, metrics.NewMock(), cfg, defaults)

	require.NoError(t, w.process(ctx, id))

	doc, err := repo.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversionReady, doc.ConversionStatus)
	assert.NotEmpty(t, doc.MarkdownKey)

	chunks, total, err := repo.ListChunks(ctx, id, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, chunks)
}

func TestConvertCSV_RendersMarkdownTableWithEscapedNewlines(t *testing.T) {
	md, err := convertCSV([]byte("name,notes\nalice,\"line1\nline2\"\nbob,ok\n"))
	require.NoError(t, err)
	assert.Contains(t, md, "|---|")
	assert.Contains(t, md, "line1<br/>line2")
}

func TestConvertJSON_PrettyPrintsInFencedBlock(t *testing.T) {
	md, err := convertJSON([]byte(`{"a":1}`))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(md, "```json\n"))
	assert.Contains(t, md, "\"a\": 1")
}

func TestProcessWithRetry_MarksFailedOnConversionError(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	store := objectstore.NewMemoryStore()
	id, err := repo.CreateDocument(ctx, domain.Document{
		OwnerID:          1,
		Filename:         "bad.json",
		ContentType:      "application/json",
		Status:           domain.StatusUploaded,
		ConversionStatus: domain.ConversionPending,
		BlobKey:          "tenant_1/documents/doc-3/bad.json",
	})
	require.NoError(t, err)
	_, err = store.Put(ctx, "tenant_1/documents/doc-3/bad.json", strings.NewReader("{not json"), objectstore.PutOptions{})
	require.NoError(t, err)

	w := newTestWorker(t, repo, store, nil)
	w.processWithRetry(ctx, broker.Job{DocumentID: id})

	doc, err := repo.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ConversionFailed, doc.ConversionStatus)
	assert.NotEmpty(t, doc.ConversionError)
}
