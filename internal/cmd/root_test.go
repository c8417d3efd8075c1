package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExitCode(t *testing.T) {
	err := exitError(foundry.ExitInvalidArgument, "Invalid size", errors.New("unknown size"))
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(err))
	assert.Contains(t, err.Error(), "Invalid size")
	assert.Contains(t, err.Error(), "unknown size")

	// Wrapping preserves the code.
	wrapped := fmt.Errorf("context: %w", err)
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(wrapped))

	// Plain errors default to 1.
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
}

func TestStartTasks_PromptRequired(t *testing.T) {
	startJobPath = ""
	defer func() { startJobPath = "" }()

	_, err := startTasks(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a prompt or --job manifest is required")
}

func TestStartTasks_JobAndPromptExclusive(t *testing.T) {
	startJobPath = "job.yaml"
	defer func() { startJobPath = "" }()

	_, err := startTasks([]string{"do something"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestStartTasks_FromManifest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.yaml")
	data := "version: 1\ndefaults:\n  size: M\n  workdir: " + dir + "\ntasks:\n  - prompt: one\n  - prompt: two\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	startJobPath = path
	defer func() { startJobPath = "" }()

	tasks, err := startTasks(nil)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "task-1", tasks[0].Name)
	assert.Equal(t, "M", tasks[0].Size.String())
	assert.Equal(t, dir, tasks[0].WorkDir)
}

func TestBuildTask_Validation(t *testing.T) {
	dir := t.TempDir()

	_, err := buildTask("", "p", "XXL", dir, "")
	require.Error(t, err)
	assert.Equal(t, int(foundry.ExitInvalidArgument), ExitCode(err))

	_, err = buildTask("", "p", "L", filepath.Join(dir, "missing"), "")
	require.Error(t, err)
	assert.Equal(t, int(foundry.ExitFileNotFound), ExitCode(err))

	task, err := buildTask("n", "p", "L", dir, "")
	require.NoError(t, err)
	assert.Equal(t, "L", task.Size.String())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "0123...", truncate("0123456789", 7))
}
