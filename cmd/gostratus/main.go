package main

import (
	"fmt"
	"os"

	"github.com/3leaps/gostratus/internal/cmd"
	"github.com/3leaps/gostratus/internal/observability"
)

func main() {
	defer observability.Sync()

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cmd.ExitCode(err))
	}
}
