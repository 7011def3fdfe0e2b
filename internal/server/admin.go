package server

import (
	"log/slog"
	"net/http"

	"github.com/vektis/kbase-go/internal/logging"
	"github.com/vektis/kbase-go/internal/store"
)

// reindexableStatuses parses the request's status filter. Only approved and
// indexed documents are eligible — approved means the review passed but the
// index build did not finish, indexed means the vectors exist and are being
// rebuilt. Anything earlier in the lifecycle must go through review first.
func reindexableStatuses(names []string) ([]store.DocumentStatus, error) {
	if len(names) == 0 {
		return []store.DocumentStatus{store.StatusIndexed, store.StatusApproved}, nil
	}
	statuses := make([]store.DocumentStatus, 0, len(names))
	for _, name := range names {
		st := store.DocumentStatus(name)
		if st != store.StatusIndexed && st != store.StatusApproved {
			return nil, badRequestf("cannot reindex documents in status %q; only approved and indexed are eligible", name)
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

// handleReindex handles POST /api/admin/reindex. It rebuilds the vector
// representation of the selected documents from the relational store — the
// repair path for vector_synced=false responses, for approvals whose index
// build failed, and the bulk migration path after an embedding model change.
// An empty request reindexes every indexed or approved document; ids, tenant,
// and statuses narrow the selection, with ids taking precedence. Approved
// documents whose rebuild succeeds complete their transition to indexed.
func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	if !identityFrom(r.Context()).admin() {
		writeJSON(w, r, http.StatusForbidden,
			errorResponse{Error: "reindex requires the admin role"})
		return
	}

	var req reindexRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	statuses, err := reindexableStatuses(req.Statuses)
	if err != nil {
		writeError(w, r, err)
		return
	}

	docs, err := s.deps.Store.DocumentsByFilter(r.Context(), store.DocumentFilter{
		IDs:      req.IDs,
		Tenant:   req.Tenant,
		Statuses: statuses,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	eligible := make(map[store.DocumentStatus]bool, len(statuses))
	for _, st := range statuses {
		eligible[st] = true
	}

	log := logging.FromContext(r.Context())
	resp := reindexResponse{Reindexed: make([]int64, 0, len(docs))}
	fail := func(id int64, msg string) {
		if resp.Failed == nil {
			resp.Failed = make(map[int64]string)
		}
		resp.Failed[id] = msg
	}
	for _, doc := range docs {
		if !eligible[doc.Status] {
			// Explicit ids bypass the status filter in the store query.
			fail(doc.ID, "document is "+string(doc.Status)+", not reindexable")
			continue
		}
		if err := s.deps.Syncer.IndexDocument(r.Context(), doc); err != nil {
			fail(doc.ID, err.Error())
			log.Warn("reindex failed",
				slog.Int64("document_id", doc.ID),
				slog.Any("error", err),
			)
			continue
		}
		if doc.Status == store.StatusApproved {
			if err := s.deps.Store.MarkIndexed(r.Context(), doc.ID); err != nil {
				fail(doc.ID, err.Error())
				continue
			}
		}
		resp.Reindexed = append(resp.Reindexed, doc.ID)
	}

	log.Info("reindex completed",
		slog.Int("reindexed", len(resp.Reindexed)),
		slog.Int("failed", len(resp.Failed)),
	)
	writeJSON(w, r, http.StatusOK, resp)
}
