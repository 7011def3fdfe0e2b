// Package vecindex provides the vector index abstraction and its Qdrant
// implementation. The index stores one point per included chunk, keyed
// deterministically by (tenant, document, chunk index), and isolates tenants
// through a keyword-indexed payload field so a single collection serves all
// of them. The relational store remains the source of truth: everything here
// can be rebuilt from it.
package vecindex

import (
	"context"

	"github.com/google/uuid"
)

// Hit is one search result from the index.
type Hit struct {
	// DocumentID is the relational ID of the document the chunk belongs to.
	DocumentID int64

	// ChunkIndex is the chunk's position within the document.
	ChunkIndex int

	// Tenant owns the document.
	Tenant string

	// Score is the cosine similarity reported by the index, higher is better.
	Score float32
}

// Record is one chunk vector to be written to the index.
type Record struct {
	Tenant     string
	DocumentID int64
	ChunkIndex int
	Vector     []float32
}

// Index is the vector index used for retrieval. Implementations must be safe
// for concurrent use.
type Index interface {
	// Upsert writes the given records, replacing any points with the same
	// (tenant, document, chunk index) identity.
	Upsert(ctx context.Context, records []Record) error

	// DeleteDocument removes every point of one document. Removing a document
	// that has no points is not an error.
	DeleteDocument(ctx context.Context, tenant string, docID int64) error

	// DeleteChunk removes the point of a single chunk, if present.
	DeleteChunk(ctx context.Context, tenant string, docID int64, chunkIndex int) error

	// Search returns the topK nearest points for the embedding, restricted to
	// the given tenants. An empty tenant list means no tenant restriction.
	Search(ctx context.Context, tenants []string, embedding []float32, topK int) ([]Hit, error)
}

// pointNamespace seeds the deterministic point IDs. Fixed so the same chunk
// always maps to the same point across processes and reindex runs.
var pointNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// PointID derives the stable UUID for a chunk's point. Upserts after an edit
// and deletes after an exclusion address the same point the original insert
// wrote, so the index never accumulates stale duplicates.
func PointID(tenant string, docID int64, chunkIndex int) string {
	name := make([]byte, 0, len(tenant)+24)
	name = append(name, tenant...)
	name = append(name, '|')
	name = appendInt(name, docID)
	name = append(name, '|')
	name = appendInt(name, int64(chunkIndex))
	return uuid.NewSHA1(pointNamespace, name).String()
}

func appendInt(b []byte, v int64) []byte {
	if v < 0 {
		b = append(b, '-')
		v = -v
	}
	var tmp [20]byte
	i := len(tmp)
	for {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
		if v == 0 {
			break
		}
	}
	return append(b, tmp[i:]...)
}
