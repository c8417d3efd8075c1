package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gostratus/internal/observability"
	"github.com/3leaps/gostratus/pkg/sshconn"
)

var outputCmd = &cobra.Command{
	Use:   "output <session-id>",
	Short: "Show a session's agent output",
	Long: `Print recent lines of the session's captured agent output.

With --follow, keep polling and printing new output until the session
reaches a terminal state.

Example:
  gostratus output s-20260115-093000-deadbeef
  gostratus output s-20260115-093000-deadbeef --lines 200
  gostratus output s-20260115-093000-deadbeef --follow`,
	Args: cobra.ExactArgs(1),
	RunE: runOutput,
}

var (
	outputLines  int
	outputFollow bool
)

func init() {
	rootCmd.AddCommand(outputCmd)

	outputCmd.Flags().IntVarP(&outputLines, "lines", "n", 50, "Number of lines to show")
	outputCmd.Flags().BoolVarP(&outputFollow, "follow", "f", false, "Poll until the session finishes")
}

func runOutput(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sessionID := args[0]

	app, err := newApp(ctx)
	if err != nil {
		return err
	}
	if _, err := app.sched.Session(sessionID); err != nil {
		return exitError(foundry.ExitFileNotFound, "Session not found", err)
	}

	if outputFollow {
		return followOutput(ctx, app, sessionID)
	}

	lines, err := app.sched.Tail(ctx, sessionID, outputLines)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read output", err)
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

// followOutput re-tails the log until the session is terminal. Output is
// best-effort: transient unreachability logs a warning and keeps polling.
func followOutput(ctx context.Context, app *app, sessionID string) error {
	interval := app.cfg.Poll.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	nextLine := 1

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		lines, err := app.sched.TailFrom(ctx, sessionID, nextLine)
		if err != nil {
			if !sshconn.IsUnreachable(err) {
				return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read output", err)
			}
			observability.CLILogger.Warn("Node unreachable, retrying",
				zap.String("session_id", sessionID))
		} else {
			for _, line := range lines {
				fmt.Println(line)
			}
			nextLine += len(lines)
		}

		sess, err := app.sched.RefreshSession(ctx, sessionID)
		if err == nil && sess.Status.Terminal() {
			fmt.Printf("\nSession %s: %s\n", sessionID, sess.Status)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
