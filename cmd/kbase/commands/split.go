package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vektis/kbase-go/internal/convert"
	"github.com/vektis/kbase-go/internal/splitter"
)

// NewSplitCmd constructs the `kbase split` command, which converts a local
// file and prints its chunks without touching the service. It mirrors the
// preview endpoint, so the output matches what an upload of the same file
// would produce under the same parameters.
func NewSplitCmd() *cobra.Command {
	var (
		strategy string
		size     int
		overlap  int
	)

	cmd := &cobra.Command{
		Use:   "split <file>",
		Short: "Convert a local file and print its chunks",
		Long: `Convert a local file to normalized text and print the chunks the
configured splitting strategy would produce.

Useful for tuning strategy, size, and overlap before uploading.

Examples:
  kbase split notes.md
  kbase split --strategy token --size 400 handbook.txt`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("split: %w", err)
			}

			text, err := convert.ToText(filepath.Base(path), "", data)
			if err != nil {
				if errors.Is(err, convert.ErrUnsupported) {
					return fmt.Errorf("split: unsupported file type %q", filepath.Ext(path))
				}
				return fmt.Errorf("split: %w", err)
			}

			params := splitParamsFromEnv()
			if strategy != "" {
				params.Strategy = strategy
			}
			if size > 0 {
				params.Size = size
			}
			if cmd.Flags().Changed("overlap") {
				params.Overlap = overlap
			}

			split, err := splitter.New(params)
			if err != nil {
				return fmt.Errorf("split: %w", err)
			}

			chunks := split.Split(text)
			for i, chunk := range chunks {
				fmt.Printf("--- chunk %d (%d chars) ---\n%s\n", i, len(chunk), chunk)
			}
			fmt.Printf("--- %d chunks ---\n", len(chunks))
			return nil
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "", "Splitting strategy: character, recursive, or token")
	cmd.Flags().IntVar(&size, "size", 0, "Target chunk size")
	cmd.Flags().IntVar(&overlap, "overlap", 0, "Overlap between consecutive chunks")

	return cmd
}
