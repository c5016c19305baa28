package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"ragkb/internal/domain"
	"ragkb/internal/kberr"
)

// Memory is a plain-map Repository fake for unit tests, following the
// corpus's preference for hand-written fakes over a mocking framework.
type Memory struct {
	mu          sync.Mutex
	nextID      int64
	docs        map[int64]domain.Document
	chunks      map[int64][]domain.Chunk
	reviews     []domain.ReviewAction
	settings    map[int64]domain.TenantSettings
	nextReview  int64
}

// NewMemory constructs an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		docs:     map[int64]domain.Document{},
		chunks:   map[int64][]domain.Chunk{},
		settings: map[int64]domain.TenantSettings{},
	}
}

// Ping always succeeds: the in-memory backend has no external dependency.
func (m *Memory) Ping(_ context.Context) error { return nil }

func (m *Memory) CreateDocument(_ context.Context, doc domain.Document) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	doc.ID = m.nextID
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Unix(0, 0).UTC()
	}
	m.docs[doc.ID] = doc
	return doc.ID, nil
}

func (m *Memory) GetDocument(_ context.Context, id int64) (domain.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return domain.Document{}, kberr.Newf(kberr.NotFound, "document %d not found", id)
	}
	return doc, nil
}

func (m *Memory) UpdateDocument(_ context.Context, doc domain.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[doc.ID]; !ok {
		return kberr.Newf(kberr.NotFound, "document %d not found", doc.ID)
	}
	m.docs[doc.ID] = doc
	return nil
}

func (m *Memory) ListDocuments(_ context.Context, filter DocumentFilter) ([]domain.Document, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []domain.Document
	for _, doc := range m.docs {
		if filter.OwnerID != nil && doc.OwnerID != *filter.OwnerID {
			continue
		}
		if filter.Status != "" && doc.Status != filter.Status {
			continue
		}
		matched = append(matched, doc)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	total := len(matched)

	page, pageSize := filter.Page, filter.PageSize
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	start := (page - 1) * pageSize
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (m *Memory) DeleteDocument(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, id)
	delete(m.chunks, id)
	return nil
}

func (m *Memory) ReplaceChunks(_ context.Context, documentID int64, chunks []domain.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]domain.Chunk, len(chunks))
	for i, c := range chunks {
		c.DocumentID = documentID
		c.Included = true
		cp[i] = c
	}
	m.chunks[documentID] = cp
	return nil
}

func (m *Memory) ListChunks(_ context.Context, documentID int64, page, pageSize int) ([]domain.Chunk, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.chunks[documentID]
	total := len(all)
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	out := make([]domain.Chunk, end-start)
	copy(out, all[start:end])
	return out, total, nil
}

func (m *Memory) IncludedChunks(_ context.Context, documentID int64) ([]domain.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Chunk
	for _, c := range m.chunks[documentID] {
		if c.Included {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) CreateChunk(_ context.Context, documentID int64, content string) (domain.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := domain.Chunk{
		DocumentID: documentID,
		ChunkIndex: len(m.chunks[documentID]),
		Content:    content,
		CharCount:  len([]rune(content)),
		Included:   true,
	}
	m.chunks[documentID] = append(m.chunks[documentID], c)
	return c, nil
}

func (m *Memory) UpdateChunk(_ context.Context, documentID int64, chunkIndex int, content *string, included *bool) (domain.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.chunks[documentID]
	for i := range list {
		if list[i].ChunkIndex != chunkIndex {
			continue
		}
		if content != nil {
			list[i].Content = *content
			list[i].CharCount = len([]rune(*content))
		}
		if included != nil {
			list[i].Included = *included
		}
		return list[i], nil
	}
	return domain.Chunk{}, kberr.Newf(kberr.NotFound, "chunk %d of document %d not found", chunkIndex, documentID)
}

func (m *Memory) DeleteChunk(_ context.Context, documentID int64, chunkIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.chunks[documentID]
	out := make([]domain.Chunk, 0, len(list))
	for _, c := range list {
		switch {
		case c.ChunkIndex < chunkIndex:
			out = append(out, c)
		case c.ChunkIndex > chunkIndex:
			c.ChunkIndex--
			out = append(out, c)
		}
	}
	m.chunks[documentID] = out
	return nil
}

func (m *Memory) RecordReviewAction(_ context.Context, action domain.ReviewAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextReview++
	action.ID = m.nextReview
	m.reviews = append(m.reviews, action)
	return nil
}

// ReviewActions returns the recorded review actions for a document, oldest
// first. Exposed for tests; the audit trail has no HTTP read surface yet.
func (m *Memory) ReviewActions(documentID int64) []domain.ReviewAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ReviewAction
	for _, a := range m.reviews {
		if a.DocumentID == documentID {
			out = append(out, a)
		}
	}
	return out
}

func (m *Memory) GetTenantSettings(_ context.Context, tenantID int64) (domain.TenantSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.settings[tenantID]; ok {
		return s, nil
	}
	return domain.TenantSettings{TenantID: tenantID, TopK: 5, Temperature: 0.2}, nil
}

func (m *Memory) UpsertTenantSettings(_ context.Context, s domain.TenantSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[s.TenantID] = s
	return nil
}
