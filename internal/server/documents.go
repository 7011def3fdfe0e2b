package server

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/vektis/kbase-go/internal/logging"
	"github.com/vektis/kbase-go/internal/splitter"
	"github.com/vektis/kbase-go/internal/store"
)

// defaultMaxUploadBytes caps uploads when Config.MaxUploadBytes is zero.
const defaultMaxUploadBytes = 32 << 20 // 32 MiB

// rfc3339 formats a timestamp for JSON responses. Zero times and nil
// pointers render as the empty string, which omitempty then drops.
func rfc3339(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// toDocumentResponse converts a store document to its JSON form.
// chunkCount below zero omits the field.
func toDocumentResponse(doc *store.Document, chunkCount int) documentResponse {
	resp := documentResponse{
		ID:                 doc.ID,
		Tenant:             doc.Tenant,
		Name:               doc.Name,
		ContentType:        doc.ContentType,
		SizeBytes:          doc.SizeBytes,
		SHA256:             doc.SHA256,
		Status:             string(doc.Status),
		ConversionStatus:   string(doc.ConversionStatus),
		ConversionError:    doc.ConversionError,
		ConversionAttempts: doc.ConversionAttempts,
		RejectReason:       doc.RejectReason,
		Reviewer:           doc.Reviewer,
		CreatedAt:          rfc3339(&doc.CreatedAt),
		ConfirmedAt:        rfc3339(doc.ConfirmedAt),
		ReviewedAt:         rfc3339(doc.ReviewedAt),
		IndexedAt:          rfc3339(doc.IndexedAt),
	}
	if chunkCount >= 0 {
		resp.ChunkCount = chunkCount
	}
	return resp
}

// pathID parses the {id} path segment as an int64.
func pathID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequestf("invalid id %q", raw)
	}
	return id, nil
}

// visibleDocument fetches a document and enforces tenant visibility: owners
// see their own tenant's documents, reviewers and admins see all. A document
// in another tenant is reported as not found so its existence stays opaque.
func (s *Server) visibleDocument(r *http.Request, id int64) (*store.Document, error) {
	doc, err := s.deps.Store.GetDocument(r.Context(), id)
	if err != nil {
		return nil, err
	}
	ident := identityFrom(r.Context())
	if doc.Tenant != ident.Tenant && !ident.reviewer() {
		return nil, fmt.Errorf("server: document %d: %w", id, store.ErrNotFound)
	}
	return doc, nil
}

// handleUploadDocument handles POST /api/documents. The multipart form must
// carry the payload in a "file" field. The document is stored with status
// uploaded, the raw bytes land in the blob store, and conversion is queued
// immediately so a preview is usually ready by the time the owner confirms.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())
	ident := identityFrom(r.Context())

	maxBytes := s.cfg.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxUploadBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, r, http.StatusRequestEntityTooLarge,
				errorResponse{Error: fmt.Sprintf("upload exceeds %d bytes", maxBytes)})
			return
		}
		writeError(w, r, badRequestf(`multipart "file" field required: %v`, err))
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, fmt.Errorf("server: read upload: %w", err))
		return
	}
	if len(data) == 0 {
		writeError(w, r, badRequestf("uploaded file is empty"))
		return
	}

	sum := sha256.Sum256(data)
	ref, err := s.deps.Blobs.Put(header.Filename, data)
	if err != nil {
		writeError(w, r, fmt.Errorf("server: store upload: %w", err))
		return
	}

	doc := &store.Document{
		Tenant:      ident.Tenant,
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		SizeBytes:   int64(len(data)),
		SHA256:      hex.EncodeToString(sum[:]),
		ContentRef:  ref,
	}
	id, err := s.deps.Store.CreateDocument(r.Context(), doc)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.deps.Tasks.Enqueue(id)
	s.metrics.uploadBytes.Observe(float64(len(data)))

	log.Info("document uploaded",
		slog.Int64("document_id", id),
		slog.String("tenant", ident.Tenant),
		slog.String("name", doc.Name),
		slog.Int64("size_bytes", doc.SizeBytes),
	)

	created, err := s.deps.Store.GetDocument(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, toDocumentResponse(created, -1))
}

// handleListDocuments handles GET /api/documents with page and page_size
// query parameters. Members list their own tenant; admins may pass ?tenant=
// to list another one.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())

	tenant := ident.Tenant
	if t := r.URL.Query().Get("tenant"); t != "" && t != ident.Tenant {
		if !ident.admin() {
			writeJSON(w, r, http.StatusForbidden,
				errorResponse{Error: "listing another tenant requires the admin role"})
			return
		}
		tenant = t
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	docs, total, err := s.deps.Store.ListDocuments(r.Context(), tenant, page, pageSize)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ids := make([]int64, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	counts, err := s.deps.Store.CountChunks(r.Context(), ids)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := documentListResponse{
		Documents: make([]documentResponse, 0, len(docs)),
		Total:     total,
		Page:      max(page, 1),
		PageSize:  len(docs),
	}
	for _, d := range docs {
		resp.Documents = append(resp.Documents, toDocumentResponse(d, counts[d.ID]))
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// handleGetDocument handles GET /api/documents/{id}.
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
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
	counts, err := s.deps.Store.CountChunks(r.Context(), []int64{id})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toDocumentResponse(doc, counts[id]))
}

// handleConfirmDocument handles POST /api/documents/{id}/confirm.
func (s *Server) handleConfirmDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.visibleDocument(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := s.deps.Lifecycle.Confirm(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toDocumentResponse(doc, -1))
}

// handleResubmitDocument handles POST /api/documents/{id}/resubmit.
func (s *Server) handleResubmitDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.visibleDocument(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	doc, err := s.deps.Lifecycle.Resubmit(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toDocumentResponse(doc, -1))
}

// handleDeleteDocument handles DELETE /api/documents/{id}.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deleteDocument(r, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deleteDocument removes one document everywhere: vector index first, then
// blobs, then the relational rows. A failed index delete aborts so the store
// never references vectors it cannot clean up later; blob deletes are best
// effort since orphaned blobs are harmless.
func (s *Server) deleteDocument(r *http.Request, id int64) error {
	doc, err := s.visibleDocument(r, id)
	if err != nil {
		return err
	}
	if err := s.deps.Syncer.DocumentDeleted(r.Context(), doc.Tenant, doc.ID); err != nil {
		return err
	}

	log := logging.FromContext(r.Context())
	for _, ref := range []string{doc.ContentRef, doc.ConvertedRef} {
		if ref == "" {
			continue
		}
		if err := s.deps.Blobs.Delete(ref); err != nil {
			log.Warn("blob delete failed",
				slog.Int64("document_id", id),
				slog.String("ref", ref),
				slog.Any("error", err),
			)
		}
	}

	if err := s.deps.Store.DeleteDocument(r.Context(), id); err != nil {
		return err
	}
	log.Info("document deleted", slog.Int64("document_id", id), slog.String("tenant", doc.Tenant))
	return nil
}

// handleBatchDeleteDocuments handles POST /api/documents/batch-delete.
// Each document is deleted independently; failures are reported per ID and
// never abort the rest of the batch.
func (s *Server) handleBatchDeleteDocuments(w http.ResponseWriter, r *http.Request) {
	var req batchDeleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, r, badRequestf("ids must not be empty"))
		return
	}

	resp := batchDeleteResponse{Deleted: make([]int64, 0, len(req.IDs))}
	for _, id := range req.IDs {
		if err := s.deleteDocument(r, id); err != nil {
			if resp.Failed == nil {
				resp.Failed = make(map[int64]string)
			}
			resp.Failed[id] = err.Error()
			continue
		}
		resp.Deleted = append(resp.Deleted, id)
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// handlePreviewDocument handles GET /api/documents/{id}/preview. It splits
// the converted text with the requested parameters (falling back to the
// server's defaults) without persisting anything, so owners can tune
// chunking before confirming.
func (s *Server) handlePreviewDocument(w http.ResponseWriter, r *http.Request) {
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
	if doc.ConversionStatus != store.ConversionReady || doc.ConvertedRef == "" {
		writeJSON(w, r, http.StatusConflict,
			errorResponse{Error: fmt.Sprintf("conversion is %s; preview requires ready", doc.ConversionStatus)})
		return
	}

	params := s.cfg.SplitParams
	q := r.URL.Query()
	if v := q.Get("strategy"); v != "" {
		params.Strategy = v
	}
	if v := q.Get("size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, r, badRequestf("invalid size %q", v))
			return
		}
		params.Size = n
	}
	if v := q.Get("overlap"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, badRequestf("invalid overlap %q", v))
			return
		}
		params.Overlap = n
	}

	split, err := splitter.New(params)
	if err != nil {
		writeError(w, r, badRequestf("%v", err))
		return
	}

	text, err := s.deps.Blobs.Get(doc.ConvertedRef)
	if err != nil {
		writeError(w, r, fmt.Errorf("server: read converted text: %w", err))
		return
	}

	chunks := split.Split(string(text))
	size, overlap := splitter.ResolveWindow(params)
	strategy := params.Strategy
	if strategy == "" {
		strategy = splitter.StrategyRecursive
	}
	writeJSON(w, r, http.StatusOK, previewResponse{
		Strategy: strategy,
		Size:     size,
		Overlap:  overlap,
		Chunks:   chunks,
	})
}
