package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `version: 1
defaults:
  size: M
  workdir: ./repo
tasks:
  - name: refactor
    prompt: "Refactor the storage layer"
    size: L
  - prompt: "Write release notes"
`

func TestLoad_YAMLWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	require.Len(t, m.Tasks, 2)

	assert.Equal(t, "refactor", m.Tasks[0].Name)
	assert.Equal(t, "L", m.Tasks[0].Size)
	assert.Equal(t, "./repo", m.Tasks[0].WorkDir)

	// Second task gets positional name and manifest defaults.
	assert.Equal(t, "task-2", m.Tasks[1].Name)
	assert.Equal(t, "M", m.Tasks[1].Size)
	assert.Equal(t, "./repo", m.Tasks[1].WorkDir)
}

func TestLoad_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.json")
	data := `{"version":1,"tasks":[{"prompt":"Summarize the codebase","size":"S"}]}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	m, err := Load(path)
	require.NoError(t, err)
	require.Len(t, m.Tasks, 1)
	assert.Equal(t, "task-1", m.Tasks[0].Name)
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest file not found")
}

func TestLoadFromBytes_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "empty",
			yaml:    "",
			wantErr: "manifest file is empty",
		},
		{
			name:    "wrong version",
			yaml:    "version: 2\ntasks:\n  - prompt: hi\n",
			wantErr: "unsupported manifest version 2",
		},
		{
			name:    "no tasks",
			yaml:    "version: 1\ntasks: []\n",
			wantErr: "manifest has no tasks",
		},
		{
			name:    "missing prompt",
			yaml:    "version: 1\ntasks:\n  - name: a\n",
			wantErr: "prompt is required",
		},
		{
			name:    "bad size",
			yaml:    "version: 1\ntasks:\n  - prompt: hi\n    size: XXL\n",
			wantErr: "XXL",
		},
		{
			name:    "duplicate names",
			yaml:    "version: 1\ntasks:\n  - name: a\n    prompt: one\n  - name: a\n    prompt: two\n",
			wantErr: `duplicate task name "a"`,
		},
		{
			name:    "unknown field",
			yaml:    "version: 1\ntasks:\n  - prompt: hi\n    retries: 3\n",
			wantErr: "invalid YAML",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml), "job.yaml")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFromReader(t *testing.T) {
	m, err := LoadFromReader(strings.NewReader(validYAML), "")
	require.NoError(t, err)
	assert.Len(t, m.Tasks, 2)
}
