package commands

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/vektis/kbase-go/internal/embedder"
	"github.com/vektis/kbase-go/internal/logging"
	"github.com/vektis/kbase-go/internal/store"
	"github.com/vektis/kbase-go/internal/syncer"
	"github.com/vektis/kbase-go/internal/vecindex"
)

// NewReindexCmd constructs the `kbase reindex` command, which rebuilds the
// vector index from the relational store without going through the HTTP API.
// It is the offline recovery path after an index loss or an embedding model
// change.
func NewReindexCmd() *cobra.Command {
	var (
		tenant      string
		ids         []int64
		statusNames []string
	)

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the vector index from the document store",
		Long: `Rebuild the vector representation of indexed and approved documents.

Every included chunk of each selected document is re-embedded and written
to Qdrant, replacing whatever the index held for that document. Approved
documents whose index build failed are completed to indexed. Without
flags, every indexed or approved document is rebuilt.

Examples:
  kbase reindex
  kbase reindex --tenant acme
  kbase reindex --id 12 --id 45
  kbase reindex --status approved`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			embCfg := embedderConfigFromEnv()
			embedder.Validate(log, embCfg)
			emb, err := embedder.New(embCfg)
			if err != nil {
				return fmt.Errorf("reindex: embedder: %w", err)
			}

			qcfg := qdrantConfigFromEnv(embCfg.EffectiveDimensions())
			if qcfg == nil {
				return fmt.Errorf("reindex: QDRANT_HOST must be set")
			}
			idx, err := vecindex.NewQdrantIndex(ctx, qcfg)
			if err != nil {
				return fmt.Errorf("reindex: qdrant: %w", err)
			}
			defer func() { _ = idx.Close() }()

			dbPath := os.Getenv("KBASE_DB")
			if dbPath == "" {
				dbPath, err = store.DefaultDBPath()
				if err != nil {
					return fmt.Errorf("reindex: %w", err)
				}
			}
			st, err := store.Open(dbPath)
			if err != nil {
				return fmt.Errorf("reindex: open store: %w", err)
			}
			defer func() { _ = st.Close() }()

			statuses := []store.DocumentStatus{store.StatusIndexed, store.StatusApproved}
			if len(statusNames) > 0 {
				statuses = statuses[:0]
				for _, name := range statusNames {
					status := store.DocumentStatus(name)
					if status != store.StatusIndexed && status != store.StatusApproved {
						return fmt.Errorf("reindex: cannot reindex %q documents; only approved and indexed are eligible", name)
					}
					statuses = append(statuses, status)
				}
			}
			eligible := make(map[store.DocumentStatus]bool, len(statuses))
			for _, s := range statuses {
				eligible[s] = true
			}

			docs, err := st.DocumentsByFilter(ctx, store.DocumentFilter{
				IDs:      ids,
				Tenant:   tenant,
				Statuses: statuses,
			})
			if err != nil {
				return fmt.Errorf("reindex: %w", err)
			}
			if len(docs) == 0 {
				fmt.Println("nothing to reindex")
				return nil
			}

			sy := syncer.New(st, idx, emb, prometheus.NewRegistry())

			failed := 0
			for _, doc := range docs {
				if !eligible[doc.Status] {
					// Explicit --id values bypass the status filter.
					log.Warn("skipping document that is not reindexable",
						slog.Int64("document_id", doc.ID),
						slog.String("status", string(doc.Status)))
					continue
				}
				if err := sy.IndexDocument(ctx, doc); err != nil {
					failed++
					log.Error("reindex failed",
						slog.Int64("document_id", doc.ID),
						slog.Any("error", err))
					continue
				}
				if doc.Status == store.StatusApproved {
					if err := st.MarkIndexed(ctx, doc.ID); err != nil {
						failed++
						log.Error("marking document indexed failed",
							slog.Int64("document_id", doc.ID),
							slog.Any("error", err))
						continue
					}
				}
				fmt.Printf("reindexed %d (%s/%s)\n", doc.ID, doc.Tenant, doc.Name)
			}

			if failed > 0 {
				return fmt.Errorf("reindex: %d of %d documents failed", failed, len(docs))
			}
			fmt.Printf("done: %d documents\n", len(docs))
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "Restrict to one tenant")
	cmd.Flags().Int64SliceVar(&ids, "id", nil, "Restrict to specific document IDs (repeatable)")
	cmd.Flags().StringSliceVar(&statusNames, "status", nil, "Restrict to documents in these statuses: approved, indexed (repeatable)")

	return cmd
}
