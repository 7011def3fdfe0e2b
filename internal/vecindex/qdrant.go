package vecindex

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// Payload field names used on every point.
const (
	fieldTenant     = "tenant"
	fieldDocumentID = "document_id"
	fieldChunkIndex = "chunk_index"
)

// QdrantConfig holds connection parameters for the Qdrant-backed index.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this collection.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantIndex implements Index backed by a single Qdrant collection shared by
// all tenants. Tenant isolation is enforced by filtering on the tenant
// payload field, which carries a keyword index.
type QdrantIndex struct {
	client *qdrant.Client
	cfg    *QdrantConfig
}

// NewQdrantIndex creates a QdrantIndex, ensuring the collection and its
// tenant field index exist.
func NewQdrantIndex(ctx context.Context, cfg *QdrantConfig) (*QdrantIndex, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.Collection == "" {
		cfg.Collection = "kbase_chunks"
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("vecindex: failed to create qdrant client: %w", err)
	}

	idx := &QdrantIndex{client: client, cfg: cfg}
	if err := idx.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return idx, nil
}

// ensureCollection creates the collection and the tenant keyword index if
// they do not already exist.
func (q *QdrantIndex) ensureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.cfg.Collection)
	if err != nil {
		return fmt.Errorf("vecindex: failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     q.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("vecindex: failed to create collection %q: %w", q.cfg.Collection, err)
	}

	// The keyword index makes the per-tenant filter cheap even when one
	// collection holds every tenant's chunks.
	_, err = q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: q.cfg.Collection,
		FieldName:      fieldTenant,
		FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
	})
	if err != nil {
		return fmt.Errorf("vecindex: failed to index tenant field: %w", err)
	}
	return nil
}

// Upsert writes the records as points with deterministic IDs, replacing any
// previous vectors for the same chunks.
func (q *QdrantIndex) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(records))
	for _, r := range records {
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointID(r.Tenant, r.DocumentID, r.ChunkIndex)),
			Vectors: qdrant.NewVectors(r.Vector...),
			Payload: qdrant.NewValueMap(map[string]interface{}{
				fieldTenant:     r.Tenant,
				fieldDocumentID: r.DocumentID,
				fieldChunkIndex: int64(r.ChunkIndex),
			}),
		})
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.cfg.Collection,
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("vecindex: upsert failed: %w", err)
	}
	return nil
}

// DeleteDocument removes all points of one document via a payload filter.
// A document with no points deletes to a no-op.
func (q *QdrantIndex) DeleteDocument(ctx context.Context, tenant string, docID int64) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.cfg.Collection,
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{
				qdrant.NewMatch(fieldTenant, tenant),
				qdrant.NewMatchInt(fieldDocumentID, docID),
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("vecindex: delete document %d failed: %w", docID, err)
	}
	return nil
}

// DeleteChunk removes the single point of one chunk by its deterministic ID.
func (q *QdrantIndex) DeleteChunk(ctx context.Context, tenant string, docID int64, chunkIndex int) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.cfg.Collection,
		Points: qdrant.NewPointsSelector(
			qdrant.NewIDUUID(PointID(tenant, docID, chunkIndex)),
		),
	})
	if err != nil {
		return fmt.Errorf("vecindex: delete chunk %d/%d failed: %w", docID, chunkIndex, err)
	}
	return nil
}

// Search performs a cosine similarity search restricted to the given tenants
// and returns the topK hits. An empty tenant list searches the whole
// collection (admin scope).
func (q *QdrantIndex) Search(ctx context.Context, tenants []string, embedding []float32, topK int) ([]Hit, error) {
	limit := uint64(topK)
	req := &qdrant.QueryPoints{
		CollectionName: q.cfg.Collection,
		Query:          qdrant.NewQuery(embedding...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(tenants) > 0 {
		conditions := make([]*qdrant.Condition, 0, len(tenants))
		for _, tenant := range tenants {
			conditions = append(conditions, qdrant.NewMatch(fieldTenant, tenant))
		}
		// Should-conditions OR the tenants together.
		req.Filter = &qdrant.Filter{Should: conditions}
	}

	results, err := q.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("vecindex: search failed: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hit := Hit{Score: r.Score}
		if p := r.Payload; p != nil {
			if v, ok := p[fieldTenant]; ok {
				hit.Tenant = v.GetStringValue()
			}
			if v, ok := p[fieldDocumentID]; ok {
				hit.DocumentID = v.GetIntegerValue()
			}
			if v, ok := p[fieldChunkIndex]; ok {
				hit.ChunkIndex = int(v.GetIntegerValue())
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// HealthCheck verifies the Qdrant server is reachable.
func (q *QdrantIndex) HealthCheck(ctx context.Context) error {
	if _, err := q.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("vecindex: health check failed: %w", err)
	}
	return nil
}

// Close closes the underlying gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
