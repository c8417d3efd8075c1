package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gostratus/pkg/pool"
)

var killCmd = &cobra.Command{
	Use:   "kill <session-id>",
	Short: "Terminate a session",
	Long: `Terminate a session's remote agent process. Killing a session
that already finished is a no-op.

Example:
  gostratus kill s-20260115-093000-deadbeef`,
	Args: cobra.ExactArgs(1),
	RunE: runKill,
}

func init() {
	rootCmd.AddCommand(killCmd)
}

func runKill(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sessionID := args[0]

	app, err := newApp(ctx)
	if err != nil {
		return err
	}

	sess, err := app.sched.Kill(ctx, sessionID)
	if err != nil {
		if pool.IsSessionNotFound(err) {
			return exitError(foundry.ExitFileNotFound, "Session not found", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to kill session", err)
	}

	fmt.Printf("%s  %s\n", sess.ID, sess.Status)
	return nil
}
