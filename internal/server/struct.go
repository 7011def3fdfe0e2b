package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/vektis/kbase-go/internal/lifecycle"
	"github.com/vektis/kbase-go/internal/objstore"
	"github.com/vektis/kbase-go/internal/pipeline"
	"github.com/vektis/kbase-go/internal/splitter"
	"github.com/vektis/kbase-go/internal/store"
	"github.com/vektis/kbase-go/internal/syncer"
	"github.com/vektis/kbase-go/internal/tasks"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per identity on
	// rate-limited endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per identity. Defaults to
	// 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on all /api/* routes in addition to
	// the identity headers. If empty, token auth is disabled (development
	// mode behind a trusted gateway).
	APIKey string
	// MaxUploadBytes caps the accepted upload size (default 32 MiB).
	MaxUploadBytes int64
	// SplitParams are the chunking parameters used for conversions and as
	// preview defaults.
	SplitParams splitter.Params
}

// Deps are the service components the handlers drive. All fields are
// required except Pipeline, which may be nil when no index is configured
// (queries then return 503).
type Deps struct {
	Store     *store.Store
	Blobs     objstore.Store
	Tasks     *tasks.Runner
	Lifecycle *lifecycle.Controller
	Syncer    *syncer.Syncer
	Pipeline  *pipeline.Pipeline
}

// Server is the HTTP server for the knowledge-base API.
type Server struct {
	cfg  *Config
	deps *Deps

	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus metrics owned by the server.
	metrics *serverMetrics
	// rl enforces the per-tenant request rate on /api routes.
	rl *rateLimiter
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// documentResponse is the JSON representation of a document.
type documentResponse struct {
	ID                 int64  `json:"id"`
	Tenant             string `json:"tenant"`
	Name               string `json:"name"`
	ContentType        string `json:"content_type"`
	SizeBytes          int64  `json:"size_bytes"`
	SHA256             string `json:"sha256"`
	Status             string `json:"status"`
	ConversionStatus   string `json:"conversion_status"`
	ConversionError    string `json:"conversion_error,omitempty"`
	ConversionAttempts int    `json:"conversion_attempts"`
	RejectReason       string `json:"reject_reason,omitempty"`
	Reviewer           string `json:"reviewer,omitempty"`
	ChunkCount         int    `json:"chunk_count,omitempty"`
	CreatedAt          string `json:"created_at"`
	ConfirmedAt        string `json:"confirmed_at,omitempty"`
	ReviewedAt         string `json:"reviewed_at,omitempty"`
	IndexedAt          string `json:"indexed_at,omitempty"`
}

// documentListResponse is the JSON body for GET /api/documents.
type documentListResponse struct {
	Documents []documentResponse `json:"documents"`
	Total     int                `json:"total"`
	Page      int                `json:"page"`
	PageSize  int                `json:"page_size"`
}

// chunkResponse is the JSON representation of a chunk.
type chunkResponse struct {
	ID         int64  `json:"id"`
	DocumentID int64  `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
	Content    string `json:"content"`
	Included   bool   `json:"included"`
}

// chunkListResponse is the JSON body for GET /api/documents/{id}/chunks.
type chunkListResponse struct {
	Chunks   []chunkResponse `json:"chunks"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// chunkMutationResponse reports a chunk write plus whether the vector index
// reflects it. VectorSynced false means the relational change committed but
// the index write failed; a reindex repairs it.
type chunkMutationResponse struct {
	Chunk        *chunkResponse `json:"chunk,omitempty"`
	VectorSynced bool           `json:"vector_synced"`
}

// createChunkRequest is the JSON body for POST /api/documents/{id}/chunks.
type createChunkRequest struct {
	Content string `json:"content"`
}

// updateChunkRequest is the JSON body for PATCH /api/chunks/{id}. Absent
// fields are left untouched.
type updateChunkRequest struct {
	Content  *string `json:"content"`
	Included *bool   `json:"included"`
}

// reembedRequest is the JSON body for POST /api/documents/{id}/reembed.
type reembedRequest struct {
	ChunkIDs []int64 `json:"chunk_ids"`
}

// batchDeleteRequest is the JSON body for POST /api/documents/batch-delete.
type batchDeleteRequest struct {
	IDs []int64 `json:"ids"`
}

// batchDeleteResponse reports per-document outcomes of a batch delete.
type batchDeleteResponse struct {
	Deleted []int64          `json:"deleted"`
	Failed  map[int64]string `json:"failed,omitempty"`
}

// rejectRequest is the JSON body for POST /api/review/{id}/reject.
type rejectRequest struct {
	Reason string `json:"reason"`
}

// queryRequest is the JSON body for POST /api/query. Provider, model,
// temperature, and the rerank fields override the deployment defaults for
// this request only.
type queryRequest struct {
	Query          string  `json:"query"`
	Scope          string  `json:"scope,omitempty"`
	TopK           int     `json:"top_k,omitempty"`
	Provider       string  `json:"provider,omitempty"`
	Model          string  `json:"model,omitempty"`
	Temperature    float32 `json:"temperature,omitempty"`
	Rerank         *bool   `json:"rerank,omitempty"`
	RerankProvider string  `json:"rerank_provider,omitempty"`
	RerankModel    string  `json:"rerank_model,omitempty"`
}

// reindexRequest is the JSON body for POST /api/admin/reindex. An empty
// request reindexes every indexed or approved document; ids, tenant, and
// statuses narrow the selection.
type reindexRequest struct {
	IDs      []int64  `json:"ids,omitempty"`
	Tenant   string   `json:"tenant,omitempty"`
	Statuses []string `json:"statuses,omitempty"`
}

// reindexResponse reports per-document reindex outcomes.
type reindexResponse struct {
	Reindexed []int64          `json:"reindexed"`
	Failed    map[int64]string `json:"failed,omitempty"`
}

// previewResponse is the JSON body for GET /api/documents/{id}/preview.
type previewResponse struct {
	Strategy string   `json:"strategy"`
	Size     int      `json:"size"`
	Overlap  int      `json:"overlap"`
	Chunks   []string `json:"chunks"`
}
