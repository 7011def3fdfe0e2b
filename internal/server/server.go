// Package server implements the HTTP API for the knowledge-base service:
// document upload and lifecycle, chunk curation, review queue, retrieval
// queries, and admin reindexing. The server is started by the `kbase serve`
// CLI command.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vektis/kbase-go/internal/logging"
)

// New constructs a Server from the provided dependencies and config.
// Prometheus metrics register against reg; pass a fresh registry in tests.
func New(deps *Deps, cfg *Config, reg prometheus.Registerer) (*Server, error) {
	if deps == nil || deps.Store == nil || deps.Blobs == nil || deps.Tasks == nil ||
		deps.Lifecycle == nil || deps.Syncer == nil {
		return nil, fmt.Errorf("server: store, blobs, tasks, lifecycle, and syncer are required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// WriteTimeout must cover a full retrieve-rerank-generate round trip.
		cfg.WriteTimeout = 2 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		log:     log,
		pingers: cfg.Pingers,
		metrics: newServerMetrics(reg),
	}
	s.rl, s.stopRL = newRateLimiter(cfg.RateLimit, cfg.RateBurst, log)

	mux := http.NewServeMux()

	// Unauthenticated surface: liveness, readiness, metrics.
	mux.Handle("GET /api/health", requestLogger(log, s.metrics, "health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /api/ready", requestLogger(log, s.metrics, "ready", http.HandlerFunc(s.handleReady)))
	mux.Handle("GET /metrics", promhttp.Handler())

	// Document lifecycle.
	mux.Handle("POST /api/documents", s.api("upload_document", s.handleUploadDocument))
	mux.Handle("GET /api/documents", s.api("list_documents", s.handleListDocuments))
	mux.Handle("POST /api/documents/batch-delete", s.api("batch_delete_documents", s.handleBatchDeleteDocuments))
	mux.Handle("GET /api/documents/{id}", s.api("get_document", s.handleGetDocument))
	mux.Handle("DELETE /api/documents/{id}", s.api("delete_document", s.handleDeleteDocument))
	mux.Handle("POST /api/documents/{id}/confirm", s.api("confirm_document", s.handleConfirmDocument))
	mux.Handle("POST /api/documents/{id}/resubmit", s.api("resubmit_document", s.handleResubmitDocument))
	mux.Handle("GET /api/documents/{id}/preview", s.api("preview_document", s.handlePreviewDocument))

	// Chunk curation.
	mux.Handle("GET /api/documents/{id}/chunks", s.api("list_chunks", s.handleListChunks))
	mux.Handle("POST /api/documents/{id}/chunks", s.api("create_chunk", s.handleCreateChunk))
	mux.Handle("POST /api/documents/{id}/reembed", s.api("reembed_document", s.handleReembedDocument))
	mux.Handle("PATCH /api/chunks/{id}", s.api("update_chunk", s.handleUpdateChunk))
	mux.Handle("DELETE /api/chunks/{id}", s.api("delete_chunk", s.handleDeleteChunk))

	// Review queue.
	mux.Handle("GET /api/review/pending", s.api("pending_review", s.handlePendingReview))
	mux.Handle("POST /api/review/{id}/approve", s.api("approve_document", s.handleApproveDocument))
	mux.Handle("POST /api/review/{id}/reject", s.api("reject_document", s.handleRejectDocument))

	// Retrieval and admin.
	mux.Handle("POST /api/query", s.api("query", s.handleQuery))
	mux.Handle("POST /api/admin/reindex", s.api("reindex", s.handleReindex))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// api wraps an authenticated API handler with the standard middleware chain:
// request logging and metrics (outermost), token/identity auth, then the
// per-tenant rate limit. The rate limiter runs after auth so its bucket key
// is the tenant, not the socket address.
func (s *Server) api(name string, h http.HandlerFunc) http.Handler {
	return requestLogger(s.log, s.metrics, name,
		authMiddleware(s.cfg.APIKey,
			s.rl.middleware(h)))
}

// Handler exposes the server's HTTP handler for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown and stops the
// rate limiter's eviction goroutine.
func (s *Server) Start(ctx context.Context) error {
	defer s.stopRL()

	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}
