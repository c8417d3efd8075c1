package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/gostratus/pkg/pool"
	"github.com/3leaps/gostratus/pkg/scheduler"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Show the node pool",
	Long: `Show pool nodes with per-node and aggregate capacity.

Example:
  gostratus nodes
  gostratus nodes --json`,
	RunE: runNodes,
}

var nodesJSON bool

var teardownCmd = &cobra.Command{
	Use:   "teardown <vm-name>",
	Short: "Terminate a pool node",
	Long: `Remove a node from the pool and terminate its instance. Nodes
with active sessions are refused; kill or wait out the sessions first.

Example:
  gostratus teardown stratus-dev-20260115-093000`,
	Args: cobra.ExactArgs(1),
	RunE: runTeardown,
}

func init() {
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(teardownCmd)

	nodesCmd.Flags().BoolVar(&nodesJSON, "json", false, "Emit JSON instead of a table")
}

func runNodes(cmd *cobra.Command, _ []string) error {
	app, err := newApp(cmd.Context())
	if err != nil {
		return err
	}

	ps := app.sched.PoolStatus()
	if nodesJSON {
		return printJSON(ps)
	}
	printPoolTable(ps)
	return nil
}

func printPoolTable(ps scheduler.PoolSummary) {
	if ps.TotalVMs == 0 {
		fmt.Println("Pool is empty.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VM\tSIZE\tREGION\tACTIVE\tFREE")
	for _, n := range ps.VMs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\n",
			n.Name, n.Size, n.Region, n.ActiveSessions, n.Capacity, n.AvailableCapacity)
	}
	_ = w.Flush()
	fmt.Printf("\n%d VMs, %d/%d slots in use\n", ps.TotalVMs, ps.ActiveSessions, ps.TotalCapacity)
}

func runTeardown(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	name := args[0]

	app, err := newApp(ctx)
	if err != nil {
		return err
	}

	if err := app.sched.Teardown(ctx, name); err != nil {
		if errors.Is(err, pool.ErrNodeNotFound) {
			return exitError(foundry.ExitFileNotFound, "Node not found", err)
		}
		if errors.Is(err, pool.ErrNodeBusy) {
			return exitError(foundry.ExitInvalidArgument, "Node has active sessions", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Teardown failed", err)
	}

	fmt.Printf("%s terminated\n", name)
	return nil
}
