package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/vektis/kbase-go/internal/embedder"
	"github.com/vektis/kbase-go/internal/lifecycle"
	"github.com/vektis/kbase-go/internal/logging"
	"github.com/vektis/kbase-go/internal/objstore"
	"github.com/vektis/kbase-go/internal/pipeline"
	"github.com/vektis/kbase-go/internal/provider"
	"github.com/vektis/kbase-go/internal/rerank"
	"github.com/vektis/kbase-go/internal/server"
	"github.com/vektis/kbase-go/internal/splitter"
	"github.com/vektis/kbase-go/internal/store"
	"github.com/vektis/kbase-go/internal/syncer"
	"github.com/vektis/kbase-go/internal/tasks"
	"github.com/vektis/kbase-go/internal/tracing"
	"github.com/vektis/kbase-go/internal/vecindex"
)

// disabledIndex stands in for the vector index when QDRANT_HOST is unset.
// Lifecycle transitions still work; nothing is embedded and queries are off.
type disabledIndex struct{}

func (disabledIndex) Upsert(ctx context.Context, records []vecindex.Record) error { return nil }
func (disabledIndex) DeleteDocument(ctx context.Context, tenant string, docID int64) error {
	return nil
}
func (disabledIndex) DeleteChunk(ctx context.Context, tenant string, docID int64, chunkIndex int) error {
	return nil
}
func (disabledIndex) Search(ctx context.Context, tenants []string, embedding []float32, topK int) ([]vecindex.Hit, error) {
	return nil, nil
}

// NewServeCmd constructs the `kbase serve` command, which starts the HTTP
// API server and the background conversion workers.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the kbase HTTP API server",
		Long: `Start the kbase HTTP API server on localhost.

The server exposes the document lifecycle, chunk curation, review queue,
query, and admin endpoints, and runs the conversion workers in the
background.

Examples:
  kbase serve
  kbase serve --port 9090
  MODEL_PROVIDER=azure kbase serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Flag defaults are captured before the YAML config is loaded;
			// re-read the env here so config-file values apply unless the
			// flag was given explicitly.
			if !cmd.Flags().Changed("host") {
				host = envOr("KBASE_HOST", host)
			}
			if !cmd.Flags().Changed("port") {
				port = envInt("KBASE_PORT", port)
			}

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting",
				slog.String("model_provider", os.Getenv("MODEL_PROVIDER")),
				slog.String("embedding_provider", envOr("EMBEDDING_PROVIDER", embedder.ProviderOllama)),
			)

			// Langfuse tracing — opt-in, no-op if keys are absent.
			if handler, flush, ok := tracing.Setup(log); ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
			}

			embCfg := embedderConfigFromEnv()
			embedder.Validate(log, embCfg)
			emb, err := embedder.New(embCfg)
			if err != nil {
				return fmt.Errorf("serve: embedder: %w", err)
			}

			dbPath := os.Getenv("KBASE_DB")
			if dbPath == "" {
				dbPath, err = store.DefaultDBPath()
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}
			}
			st, err := store.Open(dbPath)
			if err != nil {
				return fmt.Errorf("serve: open store: %w", err)
			}
			defer func() { _ = st.Close() }()
			log.Info("store opened", slog.String("path", dbPath))

			blobDir := os.Getenv("KBASE_BLOB_DIR")
			if blobDir == "" {
				blobDir, err = objstore.DefaultRoot()
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}
			}
			blobs, err := objstore.NewFS(blobDir)
			if err != nil {
				return fmt.Errorf("serve: open blob store: %w", err)
			}

			splitParams := splitParamsFromEnv()
			split, err := splitter.New(splitParams)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			reg := prometheus.DefaultRegisterer

			runner := tasks.New(st, blobs, split, tasks.Config{
				Workers:     envInt("CONVERT_WORKERS", 0),
				MaxAttempts: envInt("CONVERT_MAX_ATTEMPTS", 0),
			}, reg)
			runner.Start(ctx)
			defer runner.Wait()

			var (
				idx     vecindex.Index
				pingers []server.Pinger
			)
			if qcfg := qdrantConfigFromEnv(embCfg.EffectiveDimensions()); qcfg != nil {
				qidx, err := vecindex.NewQdrantIndex(ctx, qcfg)
				if err != nil {
					return fmt.Errorf("serve: qdrant: %w", err)
				}
				defer func() { _ = qidx.Close() }()
				idx = qidx
				pingers = append(pingers, server.NewQdrantPinger(qidx))
				log.Info("vector index connected",
					slog.String("host", qcfg.Host),
					slog.String("collection", qcfg.Collection),
				)
			} else {
				idx = disabledIndex{}
				log.Warn("QDRANT_HOST not set — running store-only, queries disabled")
			}

			sy := syncer.New(st, idx, emb, reg)
			lc := lifecycle.New(st, sy, runner)

			var rr rerank.Reranker
			if rcfg := rerankConfigFromEnv(); rcfg != nil {
				client, err := rerank.New(rcfg)
				if err != nil {
					return fmt.Errorf("serve: reranker: %w", err)
				}
				rr = client
				if p, err := server.NewHTTPPinger(rcfg.Endpoint, "reranker"); err == nil {
					pingers = append(pingers, p)
				}
				log.Info("reranker enabled", slog.String("endpoint", rcfg.Endpoint))
			}

			var pipe *pipeline.Pipeline
			if pcfg := providerConfigFromEnv(); pcfg == nil {
				log.Warn("MODEL_PROVIDER not set — queries disabled")
			} else if _, isQdrant := idx.(*vecindex.QdrantIndex); !isQdrant {
				log.Warn("queries need a vector index — pipeline disabled")
			} else {
				// Queries may select any configured backend per request; the
				// registry constructs them lazily. The default is built now so
				// a misconfigured MODEL_PROVIDER fails at startup.
				gens := provider.NewRegistry(pcfg.Backend, providerConfigFor)
				if _, err := gens.Generator(ctx, ""); err != nil {
					return fmt.Errorf("serve: model provider: %w", err)
				}
				pipe = pipeline.New(st, idx, emb, gens, rr, reg)
				log.Info("query pipeline enabled", slog.String("default_backend", string(pcfg.Backend)))
			}

			srv, err := server.New(&server.Deps{
				Store:     st,
				Blobs:     blobs,
				Tasks:     runner,
				Lifecycle: lc,
				Syncer:    sy,
				Pipeline:  pipe,
			}, &server.Config{
				Host:           host,
				Port:           port,
				Logger:         log,
				Pingers:        pingers,
				RateLimit:      float64(envInt("KBASE_RATE_LIMIT", 0)),
				RateBurst:      envInt("KBASE_RATE_BURST", 0),
				APIKey:         os.Getenv("KBASE_API_KEY"),
				MaxUploadBytes: int64(envInt("KBASE_MAX_UPLOAD_MB", 0)) << 20,
				SplitParams:    splitParams,
			}, reg)
			if err != nil {
				return fmt.Errorf("serve: create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", envOr("KBASE_HOST", "127.0.0.1"), "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", envInt("KBASE_PORT", 8080), "TCP port to listen on")

	return cmd
}
