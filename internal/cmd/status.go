package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gostratus/internal/observability"
	"github.com/3leaps/gostratus/pkg/pool"
	"github.com/3leaps/gostratus/pkg/sshconn"
)

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show one session's status",
	Long: `Show a session's current status. The node is polled for fresh
state; if it is unreachable, the last known state is shown with a
warning.

Example:
  gostratus status s-20260115-093000-deadbeef
  gostratus status s-20260115-093000-deadbeef --json`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Emit JSON instead of text")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sessionID := args[0]

	app, err := newApp(ctx)
	if err != nil {
		return err
	}

	sess, err := app.sched.RefreshSession(ctx, sessionID)
	if err != nil {
		if pool.IsSessionNotFound(err) {
			return exitError(foundry.ExitFileNotFound, "Session not found", err)
		}
		if sshconn.IsUnreachable(err) {
			observability.CLILogger.Warn("Node unreachable, showing last known state",
				zap.String("session_id", sessionID))
			sess, err = app.sched.Session(sessionID)
		}
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to query session", err)
		}
	}

	if statusJSON {
		return printJSON(sess)
	}
	printSession(sess)
	return nil
}

func printSession(sess pool.Session) {
	fmt.Printf("Session:  %s\n", sess.ID)
	fmt.Printf("VM:       %s\n", sess.NodeName)
	fmt.Printf("Status:   %s\n", sess.Status)
	fmt.Printf("Created:  %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05"))
	if sess.StartedAt != nil {
		fmt.Printf("Started:  %s\n", sess.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if sess.EndedAt != nil {
		fmt.Printf("Ended:    %s\n", sess.EndedAt.Format("2006-01-02 15:04:05"))
	}
	if sess.ExitCode != nil {
		fmt.Printf("Exit:     %d\n", *sess.ExitCode)
	}
	if sess.ResultRef != "" {
		fmt.Printf("Result:   %s\n", sess.ResultRef)
	}
	if sess.Error != "" {
		fmt.Printf("Error:    %s\n", sess.Error)
	}
	fmt.Printf("Prompt:   %s\n", sess.Prompt)
}
