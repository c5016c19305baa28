package vectorstore

import (
	"context"
	"math"
	"sync"

	"ragkb/internal/kberr"
)

type memoryPoint struct {
	ownerID    string
	documentID string
	chunkIndex int
	vector     []float32
}

// Memory is an in-memory VectorStore, used for the "memory" backend and in
// unit tests.
type Memory struct {
	mu         sync.RWMutex
	dimension  int
	partitions map[string]bool
	points     map[string]memoryPoint
}

// NewMemory constructs an empty in-memory vector store.
func NewMemory() *Memory {
	return &Memory{partitions: map[string]bool{}, points: map[string]memoryPoint{}}
}

// Ping always succeeds: the in-memory backend has no external dependency.
func (m *Memory) Ping(_ context.Context) error { return nil }

func (m *Memory) EnsureCollection(_ context.Context, dimension int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dimension != 0 && m.dimension != dimension {
		return kberr.Newf(kberr.DimensionMismatch, "vector collection dimension %d does not match requested %d", m.dimension, dimension)
	}
	m.dimension = dimension
	return nil
}

func (m *Memory) EnsurePartition(_ context.Context, ownerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partitions[ownerID] = true
	return nil
}

func (m *Memory) Upsert(_ context.Context, ownerID string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		if m.dimension != 0 && len(p.Vector) != m.dimension {
			return kberr.Newf(kberr.DimensionMismatch, "vector dimension %d does not match collection dimension %d", len(p.Vector), m.dimension)
		}
		key := pointKey(ownerID, p.DocumentID, p.ChunkIndex)
		cp := make([]float32, len(p.Vector))
		copy(cp, p.Vector)
		m.points[key] = memoryPoint{ownerID: ownerID, documentID: p.DocumentID, chunkIndex: p.ChunkIndex, vector: cp}
	}
	return nil
}

func (m *Memory) DeleteByDocument(_ context.Context, ownerID, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, p := range m.points {
		if p.ownerID == ownerID && p.documentID == documentID {
			delete(m.points, k)
		}
	}
	return nil
}

func (m *Memory) DeletePoint(_ context.Context, ownerID, documentID string, chunkIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.points, pointKey(ownerID, documentID, chunkIndex))
	return nil
}

func (m *Memory) Search(_ context.Context, ownerIDs []string, queryVector []float32, topK int) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if topK <= 0 {
		topK = 10
	}
	allowed := map[string]bool{}
	for _, id := range ownerIDs {
		allowed[id] = true
	}
	qn := norm(queryVector)
	var hits []Hit
	for _, p := range m.points {
		if len(allowed) > 0 && !allowed[p.ownerID] {
			continue
		}
		hits = append(hits, Hit{
			DocumentID: p.documentID,
			ChunkIndex: p.chunkIndex,
			Score:      normalizedCosine(queryVector, p.vector, qn),
		})
	}
	sortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func norm(a []float32) float64 {
	var s float64
	for _, x := range a {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s float64
	for i := 0; i < n; i++ {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// normalizedCosine returns cosine similarity remapped from [-1,1] to [0,1],
// matching the contract every backend's Search must honor.
func normalizedCosine(a, b []float32, anorm float64) float64 {
	if anorm == 0 {
		anorm = norm(a)
	}
	bnorm := norm(b)
	if anorm == 0 || bnorm == 0 {
		return 0
	}
	cos := dot(a, b) / (anorm * bnorm)
	return (cos + 1) / 2
}
