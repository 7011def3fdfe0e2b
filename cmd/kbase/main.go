// Command kbase is the entry point for the knowledge-base service.
// It provides a CLI interface (via Cobra) and the HTTP API server that
// manages document intake, review, and retrieval-augmented queries.
package main

import (
	"fmt"
	"os"

	"github.com/vektis/kbase-go/cmd/kbase/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
