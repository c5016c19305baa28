package vectorstore

import (
	"context"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"ragkb/internal/kberr"
)

// ownerIDField/documentIDField/chunkIndexField are the Qdrant payload keys
// that carry the logical (tenant, document, chunk) identity a point's
// deterministic UUID is derived from: Qdrant only allows UUID or integer
// point IDs, so the original key is recovered from the payload rather than
// the point ID itself.
const (
	ownerIDField    = "owner_id"
	documentIDField = "document_id"
	chunkIndexField = "chunk_index"
)

// Qdrant implements VectorStore against a single shared Qdrant collection,
// with a tenant partition modeled as a mandatory owner_id payload filter
// rather than one collection per tenant.
type Qdrant struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// NewQdrant connects to a Qdrant gRPC endpoint (default port 6334). An
// optional api_key query parameter on dsn is forwarded as the API key.
func NewQdrant(dsn, collection string) (*Qdrant, error) {
	if collection == "" {
		return nil, kberr.New(kberr.Validation, "qdrant collection name is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, kberr.Wrap(kberr.Validation, err, "parse qdrant dsn")
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, kberr.Wrap(kberr.Validation, err, "invalid port in qdrant dsn")
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, kberr.Wrap(kberr.ProviderUnavailable, err, "create qdrant client")
	}
	return &Qdrant{client: client, collection: collection}, nil
}

// Ping confirms the Qdrant connection answers requests at all, independent
// of whether the collection itself has been created yet.
func (q *Qdrant) Ping(ctx context.Context) error {
	if _, err := q.client.CollectionExists(ctx, q.collection); err != nil {
		return kberr.Wrap(kberr.ProviderUnavailable, err, "ping qdrant")
	}
	return nil
}

func (q *Qdrant) EnsureCollection(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return kberr.New(kberr.Validation, "vector dimension must be > 0")
	}
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return kberr.Wrap(kberr.VectorError, err, "check qdrant collection exists")
	}
	if exists {
		info, err := q.client.GetCollectionInfo(ctx, q.collection)
		if err != nil {
			return kberr.Wrap(kberr.VectorError, err, "get qdrant collection info")
		}
		existing := int(info.GetConfig().GetParams().GetVectorsConfig().GetParams().GetSize())
		if existing != 0 && existing != dimension {
			return kberr.Newf(kberr.DimensionMismatch, "qdrant collection %q has dimension %d, requested %d", q.collection, existing, dimension)
		}
		q.dimension = dimension
		return nil
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return kberr.Wrap(kberr.VectorError, err, "create qdrant collection")
	}
	q.dimension = dimension
	return nil
}

// EnsurePartition is a cheap idempotent no-op: a partition is a payload
// filter value on the shared collection, not a collection of its own, so
// there is nothing to provision ahead of the first upsert.
func (q *Qdrant) EnsurePartition(_ context.Context, _ string) error {
	return nil
}

func pointUUID(ownerID, documentID string, chunkIndex int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(pointKey(ownerID, documentID, chunkIndex))).String()
}

func (q *Qdrant) Upsert(ctx context.Context, ownerID string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		payload := qdrant.NewValueMap(map[string]any{
			ownerIDField:    ownerID,
			documentIDField: p.DocumentID,
			chunkIndexField: int64(p.ChunkIndex),
		})
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(pointUUID(ownerID, p.DocumentID, p.ChunkIndex)),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: payload,
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         structs,
	})
	if err != nil {
		return kberr.Wrap(kberr.VectorError, err, "qdrant upsert")
	}
	return nil
}

func (q *Qdrant) DeleteByDocument(ctx context.Context, ownerID, documentID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch(ownerIDField, ownerID),
				qdrant.NewMatch(documentIDField, documentID),
			},
		}),
	})
	if err != nil {
		return kberr.Wrap(kberr.VectorError, err, "qdrant delete by document")
	}
	return nil
}

func (q *Qdrant) DeletePoint(ctx context.Context, ownerID, documentID string, chunkIndex int) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Points:         qdrant.NewPointsSelectorIDs([]*qdrant.PointId{qdrant.NewIDUUID(pointUUID(ownerID, documentID, chunkIndex))}),
	})
	if err != nil {
		return kberr.Wrap(kberr.VectorError, err, "qdrant delete point")
	}
	return nil
}

func (q *Qdrant) Search(ctx context.Context, ownerIDs []string, queryVector []float32, topK int) ([]Hit, error) {
	if topK <= 0 {
		topK = 10
	}
	vec := make([]float32, len(queryVector))
	copy(vec, queryVector)

	var filter *qdrant.Filter
	if len(ownerIDs) == 1 {
		filter = &qdrant.Filter{Must: []*qdrant.Condition{qdrant.NewMatch(ownerIDField, ownerIDs[0])}}
	} else if len(ownerIDs) > 1 {
		should := make([]*qdrant.Condition, 0, len(ownerIDs))
		for _, id := range ownerIDs {
			should = append(should, qdrant.NewMatch(ownerIDField, id))
		}
		filter = &qdrant.Filter{Should: should}
	}

	limit := uint64(topK)
	result, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         filter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, kberr.Wrap(kberr.VectorError, err, "qdrant search")
	}
	hits := make([]Hit, 0, len(result))
	for _, hit := range result {
		var documentID string
		var chunkIndex int
		if hit.Payload != nil {
			if v, ok := hit.Payload[documentIDField]; ok {
				documentID = v.GetStringValue()
			}
			if v, ok := hit.Payload[chunkIndexField]; ok {
				chunkIndex = int(v.GetIntegerValue())
			}
		}
		hits = append(hits, Hit{
			DocumentID: documentID,
			ChunkIndex: chunkIndex,
			Score:      (float64(hit.Score) + 1) / 2,
		})
	}
	sortHits(hits)
	return hits, nil
}

func (q *Qdrant) Close() error {
	return q.client.Close()
}
