// Package manifest defines batch job manifests: a declarative list of
// session tasks submitted together so the scheduler can pack them onto
// shared nodes.
package manifest

import (
	"fmt"

	"github.com/3leaps/gostratus/pkg/pool"
)

// CurrentVersion is the manifest schema version this build understands.
const CurrentVersion = 1

// Task is one session request in a batch manifest.
type Task struct {
	// Name identifies the task within the manifest. Optional; defaults to
	// task-<index>.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Prompt is the instruction handed to the agent. Required.
	Prompt string `yaml:"prompt" json:"prompt"`

	// Size overrides the manifest default session size.
	Size string `yaml:"size,omitempty" json:"size,omitempty"`

	// WorkDir is the local directory bundled as the task's workspace.
	WorkDir string `yaml:"workdir,omitempty" json:"workdir,omitempty"`

	// HistoryPath optionally seeds the session with prior conversation
	// history (JSONL).
	HistoryPath string `yaml:"history,omitempty" json:"history,omitempty"`
}

// Defaults supplies fallback values applied to tasks that omit them.
type Defaults struct {
	Size    string `yaml:"size,omitempty" json:"size,omitempty"`
	WorkDir string `yaml:"workdir,omitempty" json:"workdir,omitempty"`
}

// Manifest is a batch of session tasks.
type Manifest struct {
	Version  int      `yaml:"version" json:"version"`
	Defaults Defaults `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Tasks    []Task   `yaml:"tasks" json:"tasks"`
}

// ApplyDefaults fills in omitted task fields from the manifest defaults
// and assigns positional names to unnamed tasks.
func (m *Manifest) ApplyDefaults() {
	for i := range m.Tasks {
		t := &m.Tasks[i]
		if t.Name == "" {
			t.Name = fmt.Sprintf("task-%d", i+1)
		}
		if t.Size == "" {
			t.Size = m.Defaults.Size
		}
		if t.WorkDir == "" {
			t.WorkDir = m.Defaults.WorkDir
		}
	}
}

// Validate checks the manifest after defaults have been applied.
func (m *Manifest) Validate() error {
	if m.Version != CurrentVersion {
		return fmt.Errorf("unsupported manifest version %d (expected %d)", m.Version, CurrentVersion)
	}
	if len(m.Tasks) == 0 {
		return fmt.Errorf("manifest has no tasks")
	}
	seen := make(map[string]struct{}, len(m.Tasks))
	for i, t := range m.Tasks {
		if t.Prompt == "" {
			return fmt.Errorf("task %q (index %d): prompt is required", t.Name, i)
		}
		if t.Size != "" {
			if _, err := pool.ParseSize(t.Size); err != nil {
				return fmt.Errorf("task %q: %w", t.Name, err)
			}
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("duplicate task name %q", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}
