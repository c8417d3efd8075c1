package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gostratus/pkg/pool"
	"github.com/3leaps/gostratus/pkg/scheduler"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Long: `List sessions, newest first.

By default the node state is refreshed before listing so finished
sessions show their terminal status. Use --no-refresh for a fast,
local-only view.

Example:
  gostratus list
  gostratus list --status running
  gostratus list --json | jq '.sessions[].session_id'`,
	RunE: runList,
}

var (
	listStatus    string
	listJSON      bool
	listNoRefresh bool
)

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (pending|running|completed|failed|killed)")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Emit JSON instead of a table")
	listCmd.Flags().BoolVar(&listNoRefresh, "no-refresh", false, "Skip polling nodes; show last known state")
}

func runList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	app, err := newApp(ctx)
	if err != nil {
		return err
	}

	if !listNoRefresh {
		if err := app.sched.Refresh(ctx); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to refresh sessions", err)
		}
	}

	list := app.sched.ListSessions(pool.Filter{Status: pool.Status(listStatus)})

	if listJSON {
		return printJSON(list)
	}
	printSessionTable(list)
	return nil
}

func printSessionTable(list scheduler.SessionList) {
	if len(list.Sessions) == 0 {
		fmt.Println("No sessions.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tVM\tSTATUS\tAGE\tPROMPT")
	for _, s := range list.Sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%dm\t%s\n",
			s.SessionID, s.VMName, s.Status, s.AgeMinutes, truncate(s.Prompt, 48))
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// printJSON writes indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to encode output", err)
	}
	return nil
}
