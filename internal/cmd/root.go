// Package cmd implements the gostratus CLI.
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3leaps/gostratus/internal/observability"
)

var rootCmd = &cobra.Command{
	Use:   "gostratus",
	Short: "Run agent sessions on a pool of remote compute nodes",
	Long: `gostratus schedules agent-runtime sessions onto a pool of cloud
compute nodes: it packs your working directory into a context bundle,
pushes it to a node with free capacity (provisioning one when the pool
is full), launches the agent detached from the connection, and lets you
poll, tail, and kill sessions from any later invocation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var rootLogLevel string

func init() {
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	rootCmd.PersistentPreRun = func(_ *cobra.Command, _ []string) {
		if rootLogLevel != "" {
			observability.Init(rootLogLevel)
		}
	}
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// codedError carries the process exit code chosen for a failure.
type codedError struct {
	code    int
	message string
	err     error
}

func (e *codedError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *codedError) Unwrap() error { return e.err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &codedError{code: code, message: message, err: err}
}

// ExitCode extracts the exit code from a command error, defaulting to 1.
func ExitCode(err error) int {
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return 1
}
