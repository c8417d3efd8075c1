package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gostratus/internal/observability"
	"github.com/3leaps/gostratus/pkg/manifest"
	"github.com/3leaps/gostratus/pkg/pool"
	"github.com/3leaps/gostratus/pkg/provision"
	"github.com/3leaps/gostratus/pkg/scheduler"
)

var startCmd = &cobra.Command{
	Use:   "start [prompt]",
	Short: "Start agent sessions on the pool",
	Long: `Start one session from a prompt, or a batch from a job manifest.

The working directory is packed into a context bundle and pushed to the
session's node. Batch tasks are placed together so they pack onto shared
nodes before new ones are provisioned.

Example:
  gostratus start "Refactor the storage layer" --size L
  gostratus start --job batch.yaml
  gostratus start "Write release notes" --workdir ./docs --history prior.jsonl`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStart,
}

var (
	startSize    string
	startWorkDir string
	startHistory string
	startJobPath string
)

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringVarP(&startSize, "size", "s", "", "Node size class (S|M|L|XL; default from config)")
	startCmd.Flags().StringVarP(&startWorkDir, "workdir", "w", ".", "Directory packed as the session workspace")
	startCmd.Flags().StringVar(&startHistory, "history", "", "JSONL conversation history to seed the session")
	startCmd.Flags().StringVarP(&startJobPath, "job", "j", "", "Path to a batch job manifest")
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	tasks, err := startTasks(args)
	if err != nil {
		return err
	}

	app, err := newApp(ctx)
	if err != nil {
		return err
	}

	results := app.sched.Schedule(ctx, tasks)

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			observability.CLILogger.Error("Task failed",
				zap.String("task", r.Task.Name),
				zap.Error(r.Err))
			continue
		}
		fmt.Printf("%s  %s  %s\n", r.Session.ID, r.Session.NodeName, r.Session.Status)
	}

	if failed == len(results) {
		last := results[len(results)-1].Err
		if provision.IsAllRegionsFailed(last) {
			return exitError(foundry.ExitExternalServiceUnavailable, "Provisioning failed in all regions", last)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "All tasks failed", last)
	}
	if failed > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, fmt.Sprintf("%d of %d tasks failed", failed, len(results)), fmt.Errorf("partial batch failure"))
	}
	return nil
}

// startTasks resolves the prompt argument or job manifest into tasks.
func startTasks(args []string) ([]scheduler.Task, error) {
	if startJobPath != "" {
		if len(args) > 0 {
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid arguments", fmt.Errorf("--job and a prompt argument are mutually exclusive"))
		}
		m, err := manifest.Load(startJobPath)
		if err != nil {
			return nil, exitError(foundry.ExitInvalidArgument, "Invalid job manifest", err)
		}
		tasks := make([]scheduler.Task, 0, len(m.Tasks))
		for _, t := range m.Tasks {
			task, err := buildTask(t.Name, t.Prompt, t.Size, t.WorkDir, t.HistoryPath)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, task)
		}
		return tasks, nil
	}

	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid arguments", fmt.Errorf("a prompt or --job manifest is required"))
	}
	task, err := buildTask("", args[0], startSize, startWorkDir, startHistory)
	if err != nil {
		return nil, err
	}
	return []scheduler.Task{task}, nil
}

func buildTask(name, prompt, size, workDir, historyPath string) (scheduler.Task, error) {
	task := scheduler.Task{Name: name, Prompt: prompt, WorkDir: workDir, HistoryPath: historyPath}
	if size != "" {
		parsed, err := pool.ParseSize(size)
		if err != nil {
			return scheduler.Task{}, exitError(foundry.ExitInvalidArgument, "Invalid size", err)
		}
		task.Size = parsed
	}
	if task.WorkDir == "" {
		task.WorkDir = "."
	}
	if info, err := os.Stat(task.WorkDir); err != nil || !info.IsDir() {
		return scheduler.Task{}, exitError(foundry.ExitFileNotFound, "Working directory not found", fmt.Errorf("not a directory: %s", task.WorkDir))
	}
	return task, nil
}
