package server

import (
	"net/http"

	"github.com/vektis/kbase-go/internal/pipeline"
)

// handleQuery handles POST /api/query. It runs the retrieval pipeline for the
// caller's authorized scope and returns the grounded answer with its sources.
// When no vector index is configured the endpoint reports 503 rather than
// pretending an empty knowledge base answered.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline == nil {
		writeJSON(w, r, http.StatusServiceUnavailable,
			errorResponse{Error: "query pipeline is not configured"})
		return
	}

	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ident := identityFrom(r.Context())
	answer, err := s.deps.Pipeline.Query(r.Context(), &pipeline.Request{
		Query:          req.Query,
		Tenant:         ident.Tenant,
		Admin:          ident.admin(),
		Scope:          req.Scope,
		TopK:           req.TopK,
		Provider:       req.Provider,
		Model:          req.Model,
		Temperature:    req.Temperature,
		Rerank:         req.Rerank,
		RerankProvider: req.RerankProvider,
		RerankModel:    req.RerankModel,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, answer)
}
