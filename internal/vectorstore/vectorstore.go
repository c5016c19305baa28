// Package vectorstore implements the C3 vector index gateway: Postgres is
// canonical for chunk content, this package holds only the derived vector
// index used for similarity search, scoped to per-tenant partitions.
package vectorstore

import (
	"context"
	"fmt"
	"strconv"
)

// Point is one vector to upsert, keyed by (DocumentID, ChunkIndex) so
// re-indexing the same chunk is idempotent.
type Point struct {
	DocumentID string
	ChunkIndex int
	Vector     []float32
}

// Hit is one similarity search result.
type Hit struct {
	DocumentID string
	ChunkIndex int
	Score      float64 // cosine-like, normalized to [0,1], higher is more relevant
}

// VectorStore is the C3 interface. A partition corresponds to one tenant's
// owner_id; ensure_partition is idempotent and cheap to call repeatedly.
type VectorStore interface {
	// EnsureCollection is idempotent; it fails loudly on a dimension
	// mismatch with an existing collection rather than silently dropping it.
	EnsureCollection(ctx context.Context, dimension int) error
	EnsurePartition(ctx context.Context, ownerID string) error
	// Upsert overwrites any vector already stored under the same
	// (ownerID, DocumentID, ChunkIndex) key, so repeating it is idempotent.
	Upsert(ctx context.Context, ownerID string, points []Point) error
	DeleteByDocument(ctx context.Context, ownerID, documentID string) error
	// DeletePoint removes a single (document, chunk) vector, used by the
	// chunk-edit sync path (toggling included=false) rather than a full
	// document re-index.
	DeletePoint(ctx context.Context, ownerID, documentID string, chunkIndex int) error
	// Search: if ownerIDs has one element, only that partition is searched;
	// zero or multiple ownerIDs means an administrator cross-partition
	// search. Ties break by ascending (DocumentID, ChunkIndex).
	Search(ctx context.Context, ownerIDs []string, queryVector []float32, topK int) ([]Hit, error)
	// Ping reports whether the backend is reachable, for the connectivity
	// diagnostics endpoint.
	Ping(ctx context.Context) error
}

// pointKey is the deterministic string used to derive a backend-native
// point identity so upserting the same (document, chunk) twice overwrites
// rather than duplicates.
func pointKey(ownerID, documentID string, chunkIndex int) string {
	return fmt.Sprintf("%s/%s/%d", ownerID, documentID, chunkIndex)
}

func sortHits(hits []Hit) {
	// insertion sort is fine at the sizes top_k_retrieve produces (<=100)
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && less(hits[j], hits[j-1]); j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
}

// less orders by score descending, then (document_id, chunk_index) ascending
// so equal-score ties are reproducible. document_id is compared numerically,
// not lexicographically ("10" sorts after "9", not before it).
func less(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.DocumentID != b.DocumentID {
		return documentIDLess(a.DocumentID, b.DocumentID)
	}
	return a.ChunkIndex < b.ChunkIndex
}

// documentIDLess compares document IDs as integers, falling back to a
// string compare if either side isn't parseable (defensive only; document
// IDs are always formatted from int64 by the caller).
func documentIDLess(a, b string) bool {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr != nil || berr != nil {
		return a < b
	}
	return ai < bi
}
