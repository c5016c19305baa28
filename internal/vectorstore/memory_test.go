package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_UpsertIsIdempotent(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.EnsureCollection(ctx, 3))
	require.NoError(t, m.EnsurePartition(ctx, "t1"))

	pt := Point{DocumentID: "doc-1", ChunkIndex: 0, Vector: []float32{1, 0, 0}}
	require.NoError(t, m.Upsert(ctx, "t1", []Point{pt}))
	require.NoError(t, m.Upsert(ctx, "t1", []Point{pt}))

	hits, err := m.Search(ctx, []string{"t1"}, []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "doc-1", hits[0].DocumentID)
}

func TestMemory_PartitionIsolation(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.EnsureCollection(ctx, 2))

	require.NoError(t, m.Upsert(ctx, "tenant-a", []Point{{DocumentID: "d1", ChunkIndex: 0, Vector: []float32{1, 0}}}))
	require.NoError(t, m.Upsert(ctx, "tenant-b", []Point{{DocumentID: "d2", ChunkIndex: 0, Vector: []float32{1, 0}}}))

	hits, err := m.Search(ctx, []string{"tenant-a"}, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "d1", hits[0].DocumentID)

	all, err := m.Search(ctx, nil, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemory_DeleteByDocument(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.EnsureCollection(ctx, 2))
	require.NoError(t, m.Upsert(ctx, "t1", []Point{
		{DocumentID: "d1", ChunkIndex: 0, Vector: []float32{1, 0}},
		{DocumentID: "d1", ChunkIndex: 1, Vector: []float32{0, 1}},
	}))
	require.NoError(t, m.DeleteByDocument(ctx, "t1", "d1"))
	hits, err := m.Search(ctx, []string{"t1"}, []float32{1, 0}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMemory_DimensionMismatchRejected(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.EnsureCollection(ctx, 3))
	err := m.Upsert(ctx, "t1", []Point{{DocumentID: "d1", ChunkIndex: 0, Vector: []float32{1, 0}}})
	assert.Error(t, err)
}

func TestMemory_ScoresAreNormalizedToUnitRange(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.EnsureCollection(ctx, 2))
	require.NoError(t, m.Upsert(ctx, "t1", []Point{{DocumentID: "d1", ChunkIndex: 0, Vector: []float32{-1, 0}}}))
	hits, err := m.Search(ctx, []string{"t1"}, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.GreaterOrEqual(t, hits[0].Score, 0.0)
	assert.LessOrEqual(t, hits[0].Score, 1.0)
}

func TestMemory_TieBreakOrdering(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.EnsureCollection(ctx, 2))
	require.NoError(t, m.Upsert(ctx, "t1", []Point{
		{DocumentID: "zzz", ChunkIndex: 2, Vector: []float32{1, 0}},
		{DocumentID: "aaa", ChunkIndex: 1, Vector: []float32{1, 0}},
		{DocumentID: "aaa", ChunkIndex: 0, Vector: []float32{1, 0}},
	}))
	hits, err := m.Search(ctx, []string{"t1"}, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "aaa", hits[0].DocumentID)
	assert.Equal(t, 0, hits[0].ChunkIndex)
	assert.Equal(t, "aaa", hits[1].DocumentID)
	assert.Equal(t, 1, hits[1].ChunkIndex)
	assert.Equal(t, "zzz", hits[2].DocumentID)
}

func TestMemory_TieBreakOrdersDocumentIDNumericallyNotLexically(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.EnsureCollection(ctx, 2))
	require.NoError(t, m.Upsert(ctx, "t1", []Point{
		{DocumentID: "10", ChunkIndex: 0, Vector: []float32{1, 0}},
		{DocumentID: "9", ChunkIndex: 0, Vector: []float32{1, 0}},
	}))
	hits, err := m.Search(ctx, []string{"t1"}, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "9", hits[0].DocumentID)
	assert.Equal(t, "10", hits[1].DocumentID)
}
