// Package syncer keeps the vector index consistent with the relational chunk
// store. The store is always written first and is the source of truth; index
// writes follow best-effort, and a failed index write is reported to the
// caller without rolling back the relational change. A full reindex of the
// document repairs any divergence.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vektis/kbase-go/internal/embedder"
	"github.com/vektis/kbase-go/internal/logging"
	"github.com/vektis/kbase-go/internal/store"
	"github.com/vektis/kbase-go/internal/vecindex"
)

// ErrSyncFailed wraps vector index write failures. The relational change the
// operation made is already committed; callers surface the flag to the client
// and leave repair to a reindex.
var ErrSyncFailed = errors.New("syncer: vector index out of sync")

// Syncer applies chunk-level and document-level mutations to the vector
// index. Per-document serialization prevents interleaved edits from leaving
// the index with a mix of old and new vectors.
type Syncer struct {
	store   *store.Store
	index   vecindex.Index
	embed   embedder.Embedder
	metrics *syncMetrics

	mu    sync.Mutex
	locks map[int64]*docLock
}

// docLock is a reference-counted per-document mutex, dropped from the table
// when the last holder releases it.
type docLock struct {
	sync.Mutex
	refs int
}

// New constructs a Syncer. The registry receives the sync metrics; pass a
// fresh registry in tests.
func New(st *store.Store, idx vecindex.Index, emb embedder.Embedder, reg prometheus.Registerer) *Syncer {
	return &Syncer{
		store:   st,
		index:   idx,
		embed:   emb,
		metrics: newSyncMetrics(reg),
		locks:   make(map[int64]*docLock),
	}
}

// lockDoc serializes index mutations per document.
func (s *Syncer) lockDoc(id int64) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &docLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// ChunkChanged propagates a chunk create or edit. For documents that are not
// indexed nothing happens — their vectors are built wholesale at approval
// time. For indexed documents an included chunk is re-embedded and upserted;
// an excluded one has its point removed.
func (s *Syncer) ChunkChanged(ctx context.Context, doc *store.Document, chunk *store.Chunk) error {
	if doc.Status != store.StatusIndexed {
		return nil
	}
	unlock := s.lockDoc(doc.ID)
	defer unlock()

	if !chunk.Included {
		return s.finish(ctx, "chunk_delete", doc,
			s.index.DeleteChunk(ctx, doc.Tenant, doc.ID, chunk.ChunkIndex))
	}

	vecs, err := s.embed.Embed(ctx, []string{chunk.Content})
	if err != nil {
		return s.finish(ctx, "chunk_upsert", doc, err)
	}
	return s.finish(ctx, "chunk_upsert", doc, s.index.Upsert(ctx, []vecindex.Record{{
		Tenant:     doc.Tenant,
		DocumentID: doc.ID,
		ChunkIndex: chunk.ChunkIndex,
		Vector:     vecs[0],
	}}))
}

// ChunkDeleted removes a deleted chunk's point for indexed documents.
func (s *Syncer) ChunkDeleted(ctx context.Context, doc *store.Document, chunkIndex int) error {
	if doc.Status != store.StatusIndexed {
		return nil
	}
	unlock := s.lockDoc(doc.ID)
	defer unlock()
	return s.finish(ctx, "chunk_delete", doc,
		s.index.DeleteChunk(ctx, doc.Tenant, doc.ID, chunkIndex))
}

// IndexDocument rebuilds the document's index representation from scratch:
// all existing points are removed, then every included chunk is embedded and
// written in chunk order. A document whose chunks are all excluded indexes to
// an empty set, which is valid — it is simply not retrievable.
func (s *Syncer) IndexDocument(ctx context.Context, doc *store.Document) error {
	unlock := s.lockDoc(doc.ID)
	defer unlock()

	chunks, err := s.store.IncludedChunks(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("syncer: load chunks for document %d: %w", doc.ID, err)
	}

	if err := s.index.DeleteDocument(ctx, doc.Tenant, doc.ID); err != nil {
		return s.finish(ctx, "reindex", doc, err)
	}
	if len(chunks) == 0 {
		logging.FromContext(ctx).Warn("document indexed with no included chunks",
			slog.Int64("document_id", doc.ID))
		return s.finish(ctx, "reindex", doc, nil)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	vecs, err := s.embed.Embed(ctx, texts)
	if err != nil {
		return s.finish(ctx, "reindex", doc, err)
	}
	if len(vecs) != len(chunks) {
		return s.finish(ctx, "reindex", doc,
			fmt.Errorf("expected %d embeddings, got %d", len(chunks), len(vecs)))
	}

	records := make([]vecindex.Record, len(chunks))
	for i, c := range chunks {
		records[i] = vecindex.Record{
			Tenant:     doc.Tenant,
			DocumentID: doc.ID,
			ChunkIndex: c.ChunkIndex,
			Vector:     vecs[i],
		}
	}
	return s.finish(ctx, "reindex", doc, s.index.Upsert(ctx, records))
}

// Reembed refreshes the vectors of specific chunks of an indexed document,
// for example after an embedding model change. Excluded chunks in the set
// have their points removed instead.
func (s *Syncer) Reembed(ctx context.Context, doc *store.Document, chunkIDs []int64) error {
	if doc.Status != store.StatusIndexed {
		return fmt.Errorf("syncer: document %d is not indexed", doc.ID)
	}
	unlock := s.lockDoc(doc.ID)
	defer unlock()

	chunks, err := s.store.ChunksByIDs(ctx, doc.ID, chunkIDs)
	if err != nil {
		return fmt.Errorf("syncer: load chunks for document %d: %w", doc.ID, err)
	}

	var (
		included []store.Chunk
		texts    []string
	)
	for _, c := range chunks {
		if c.Included {
			included = append(included, c)
			texts = append(texts, c.Content)
			continue
		}
		if err := s.index.DeleteChunk(ctx, doc.Tenant, doc.ID, c.ChunkIndex); err != nil {
			return s.finish(ctx, "reembed", doc, err)
		}
	}
	if len(included) == 0 {
		return s.finish(ctx, "reembed", doc, nil)
	}

	vecs, err := s.embed.Embed(ctx, texts)
	if err != nil {
		return s.finish(ctx, "reembed", doc, err)
	}
	records := make([]vecindex.Record, len(included))
	for i, c := range included {
		records[i] = vecindex.Record{
			Tenant:     doc.Tenant,
			DocumentID: doc.ID,
			ChunkIndex: c.ChunkIndex,
			Vector:     vecs[i],
		}
	}
	return s.finish(ctx, "reembed", doc, s.index.Upsert(ctx, records))
}

// DocumentDeleted removes every point of a deleted document.
func (s *Syncer) DocumentDeleted(ctx context.Context, tenant string, docID int64) error {
	unlock := s.lockDoc(docID)
	defer unlock()
	return s.finish(ctx, "document_delete", &store.Document{ID: docID, Tenant: tenant},
		s.index.DeleteDocument(ctx, tenant, docID))
}

// finish records the operation's outcome and wraps failures in ErrSyncFailed.
func (s *Syncer) finish(ctx context.Context, op string, doc *store.Document, err error) error {
	if err == nil {
		s.metrics.opsTotal.WithLabelValues(op, "ok").Inc()
		return nil
	}
	s.metrics.opsTotal.WithLabelValues(op, "error").Inc()
	logging.FromContext(ctx).Error("vector sync failed",
		slog.String("op", op),
		slog.Int64("document_id", doc.ID),
		slog.String("tenant", doc.Tenant),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("%w: %s document %d: %v", ErrSyncFailed, op, doc.ID, err)
}
