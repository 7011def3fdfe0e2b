package server

import (
	"net/http"
	"strings"
)

// requireReviewer rejects callers without the reviewer or admin role.
// Returns false after writing the response when access is denied.
func (s *Server) requireReviewer(w http.ResponseWriter, r *http.Request) bool {
	if !identityFrom(r.Context()).reviewer() {
		writeJSON(w, r, http.StatusForbidden,
			errorResponse{Error: "review operations require the reviewer role"})
		return false
	}
	return true
}

// handlePendingReview handles GET /api/review/pending. It returns every
// confirmed document whose conversion is ready, oldest first, with chunk
// counts so reviewers can gauge the work.
func (s *Server) handlePendingReview(w http.ResponseWriter, r *http.Request) {
	if !s.requireReviewer(w, r) {
		return
	}

	docs, err := s.deps.Store.PendingReview(r.Context())
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
		Total:     len(docs),
		Page:      1,
		PageSize:  len(docs),
	}
	for _, d := range docs {
		resp.Documents = append(resp.Documents, toDocumentResponse(d, counts[d.ID]))
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// handleApproveDocument handles POST /api/review/{id}/approve. Approval
// triggers indexing inside the same request; on index failure the document
// stays approved and a retry of this endpoint resumes from there.
func (s *Server) handleApproveDocument(w http.ResponseWriter, r *http.Request) {
	if !s.requireReviewer(w, r) {
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	doc, err := s.deps.Lifecycle.Approve(r.Context(), id, identityFrom(r.Context()).User)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.metrics.reviewActionsTotal.WithLabelValues("approve").Inc()
	writeJSON(w, r, http.StatusOK, toDocumentResponse(doc, -1))
}

// handleRejectDocument handles POST /api/review/{id}/reject. A reject reason
// is mandatory — the owner needs to know what to fix before resubmitting.
func (s *Server) handleRejectDocument(w http.ResponseWriter, r *http.Request) {
	if !s.requireReviewer(w, r) {
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req rejectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, r, badRequestf("reject reason is required"))
		return
	}

	doc, err := s.deps.Lifecycle.Reject(r.Context(), id, identityFrom(r.Context()).User, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s.metrics.reviewActionsTotal.WithLabelValues("reject").Inc()
	writeJSON(w, r, http.StatusOK, toDocumentResponse(doc, -1))
}
