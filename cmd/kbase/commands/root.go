// Package commands defines all Cobra CLI commands for the kbase binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/vektis/kbase-go/internal/audit"
	"github.com/vektis/kbase-go/internal/config"
	"github.com/vektis/kbase-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "kbase",
		Short: "kbase — multi-tenant knowledge-base service with reviewed ingestion and RAG queries",
		Long: `kbase manages a curated, multi-tenant knowledge base.

Documents go through upload, owner confirmation, and reviewer approval
before their chunks are embedded into the vector index and become
retrievable. Queries run a retrieve-rerank-generate pipeline grounded
in the approved content.

Providers are selected via environment variables or a YAML config file
(~/.kbase/config.yaml). See 'kbase --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.kbase/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewReindexCmd(),
		NewSplitCmd(),
		NewVersionCmd(),
	)

	return root
}
