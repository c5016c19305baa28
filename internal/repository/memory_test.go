package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragkb/internal/domain"
)

func TestMemory_DeleteChunkRenumbersDensely(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, err := m.CreateDocument(ctx, domain.Document{OwnerID: 1})
	require.NoError(t, err)
	require.NoError(t, m.ReplaceChunks(ctx, id, []domain.Chunk{
		{ChunkIndex: 0, Content: "a"},
		{ChunkIndex: 1, Content: "b"},
		{ChunkIndex: 2, Content: "c"},
	}))

	require.NoError(t, m.DeleteChunk(ctx, id, 1))

	chunks, total, err := m.ListChunks(ctx, id, 1, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.Equal(t, "a", chunks[0].Content)
	assert.Equal(t, 1, chunks[1].ChunkIndex)
	assert.Equal(t, "c", chunks[1].Content)
}

func TestMemory_CreateChunkAppendsAtNextIndex(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, err := m.CreateDocument(ctx, domain.Document{OwnerID: 1})
	require.NoError(t, err)
	require.NoError(t, m.ReplaceChunks(ctx, id, []domain.Chunk{{ChunkIndex: 0, Content: "a"}}))

	c, err := m.CreateChunk(ctx, id, "b")
	require.NoError(t, err)
	assert.Equal(t, 1, c.ChunkIndex)
	assert.True(t, c.Included)
}

func TestMemory_IncludedChunksExcludesToggledOff(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	id, err := m.CreateDocument(ctx, domain.Document{OwnerID: 1})
	require.NoError(t, err)
	require.NoError(t, m.ReplaceChunks(ctx, id, []domain.Chunk{
		{ChunkIndex: 0, Content: "a"},
		{ChunkIndex: 1, Content: "b"},
	}))
	excluded := false
	_, err = m.UpdateChunk(ctx, id, 1, nil, &excluded)
	require.NoError(t, err)

	included, err := m.IncludedChunks(ctx, id)
	require.NoError(t, err)
	require.Len(t, included, 1)
	assert.Equal(t, 0, included[0].ChunkIndex)
}

func TestMemory_GetDocumentNotFound(t *testing.T) {
	m := NewMemory()
	_, err := m.GetDocument(context.Background(), 999)
	assert.Error(t, err)
}

func TestMemory_TenantSettingsDefaultsWhenAbsent(t *testing.T) {
	m := NewMemory()
	s, err := m.GetTenantSettings(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(7), s.TenantID)
	assert.Equal(t, 5, s.TopK)
}
