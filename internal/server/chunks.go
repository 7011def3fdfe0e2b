package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/vektis/kbase-go/internal/store"
	"github.com/vektis/kbase-go/internal/syncer"
)

// toChunkResponse converts a store chunk to its JSON form.
func toChunkResponse(c *store.Chunk) *chunkResponse {
	return &chunkResponse{
		ID:         c.ID,
		DocumentID: c.DocumentID,
		ChunkIndex: c.ChunkIndex,
		Content:    c.Content,
		Included:   c.Included,
	}
}

// syncOutcome folds a syncer result into (vectorSynced, fatalErr). The
// relational write already committed when the syncer runs, so an index
// failure is reported in the response body instead of failing the request;
// anything that is not an index sync failure is fatal.
func syncOutcome(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if errors.Is(err, syncer.ErrSyncFailed) {
		return false, nil
	}
	return false, err
}

// handleListChunks handles GET /api/documents/{id}/chunks with page and
// page_size query parameters.
func (s *Server) handleListChunks(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.visibleDocument(r, id); err != nil {
		writeError(w, r, err)
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	chunks, total, err := s.deps.Store.ListChunks(r.Context(), id, page, pageSize)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := chunkListResponse{
		Chunks:   make([]chunkResponse, 0, len(chunks)),
		Total:    total,
		Page:     max(page, 1),
		PageSize: len(chunks),
	}
	for i := range chunks {
		resp.Chunks = append(resp.Chunks, *toChunkResponse(&chunks[i]))
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// handleCreateChunk handles POST /api/documents/{id}/chunks. The chunk is
// appended after the last existing index and marked included. For indexed
// documents the vector index is updated in the same request; a failed index
// write still returns 200 with vector_synced false.
func (s *Server) handleCreateChunk(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := s.visibleDocument(r, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req createChunkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, r, badRequestf("content must not be empty"))
		return
	}

	chunk, err := s.deps.Store.CreateChunk(r.Context(), id, req.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}

	synced, err := syncOutcome(s.deps.Syncer.ChunkChanged(r.Context(), doc, chunk))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, chunkMutationResponse{
		Chunk:        toChunkResponse(chunk),
		VectorSynced: synced,
	})
}

// handleUpdateChunk handles PATCH /api/chunks/{id}. Absent body fields are
// left untouched; toggling included drives the corresponding index write.
func (s *Server) handleUpdateChunk(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	chunk, err := s.deps.Store.GetChunk(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := s.visibleDocument(r, chunk.DocumentID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req updateChunkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Content == nil && req.Included == nil {
		writeError(w, r, badRequestf("at least one of content or included is required"))
		return
	}
	if req.Content != nil && strings.TrimSpace(*req.Content) == "" {
		writeError(w, r, badRequestf("content must not be empty"))
		return
	}

	updated, err := s.deps.Store.UpdateChunk(r.Context(), id, req.Content, req.Included)
	if err != nil {
		writeError(w, r, err)
		return
	}

	synced, err := syncOutcome(s.deps.Syncer.ChunkChanged(r.Context(), doc, updated))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, chunkMutationResponse{
		Chunk:        toChunkResponse(updated),
		VectorSynced: synced,
	})
}

// handleDeleteChunk handles DELETE /api/chunks/{id}.
func (s *Server) handleDeleteChunk(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	chunk, err := s.deps.Store.GetChunk(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := s.visibleDocument(r, chunk.DocumentID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.deps.Store.DeleteChunk(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	synced, err := syncOutcome(s.deps.Syncer.ChunkDeleted(r.Context(), doc, chunk.ChunkIndex))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, chunkMutationResponse{VectorSynced: synced})
}

// handleReembedDocument handles POST /api/documents/{id}/reembed. It
// refreshes the vectors of the named chunks of an indexed document, for
// example after an embedding model change. An empty chunk_ids list reembeds
// every chunk.
func (s *Server) handleReembedDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := s.visibleDocument(r, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if doc.Status != store.StatusIndexed {
		writeJSON(w, r, http.StatusConflict,
			errorResponse{Error: fmt.Sprintf("document is %s; reembed requires indexed", doc.Status)})
		return
	}

	var req reembedRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	chunkIDs := req.ChunkIDs
	if len(chunkIDs) == 0 {
		chunks, err := s.deps.Store.Chunks(r.Context(), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		for _, c := range chunks {
			chunkIDs = append(chunkIDs, c.ID)
		}
	}

	synced, err := syncOutcome(s.deps.Syncer.Reembed(r.Context(), doc, chunkIDs))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, chunkMutationResponse{VectorSynced: synced})
}
