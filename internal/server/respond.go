package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/vektis/kbase-go/internal/lifecycle"
	"github.com/vektis/kbase-go/internal/logging"
	"github.com/vektis/kbase-go/internal/pipeline"
	"github.com/vektis/kbase-go/internal/provider"
	"github.com/vektis/kbase-go/internal/store"
)

// errBadRequest marks client input errors so writeError maps them to 400.
var errBadRequest = errors.New("bad request")

// badRequestf wraps a formatted message with errBadRequest.
func badRequestf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errBadRequest}, args...)...)
}

// errorResponse is the JSON body for all error replies.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as the JSON response body with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("response encode error", slog.Any("error", err))
	}
}

// writeError maps err onto the HTTP status taxonomy and writes the JSON
// error body:
//
//	store.ErrNotFound              -> 404
//	lifecycle.ErrInvalidTransition -> 409
//	lifecycle.ErrPrecondition      -> 422
//	pipeline.ErrForbidden          -> 403
//	provider.ErrUnknownBackend     -> 400
//	pipeline.ErrRerankUnavailable  -> 400
//	errBadRequest (validation)     -> 400
//	anything else                  -> 500
//
// 5xx causes are logged at ERROR; 4xx at WARN with the mapped status.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, lifecycle.ErrPrecondition):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, pipeline.ErrEmptyQuery),
		errors.Is(err, pipeline.ErrRerankUnavailable),
		errors.Is(err, provider.ErrUnknownBackend),
		errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	}

	log := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", slog.Any("error", err))
		// Do not leak internals in 500 bodies.
		writeJSON(w, r, status, errorResponse{Error: "internal error"})
		return
	}

	log.Warn("request rejected", slog.Int("status", status), slog.Any("error", err))
	writeJSON(w, r, status, errorResponse{Error: err.Error()})
}

// decodeJSON reads the request body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequestf("invalid JSON body: %v", err)
	}
	return nil
}
