package pool

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a session.
//
// NOTE: These values are persisted in session records on disk and are part
// of the stable contract.
type Status string

const (
	// StatusPending means the session is scheduled but the remote process
	// has not been confirmed started.
	StatusPending Status = "pending"

	// StatusRunning means the remote process was confirmed started.
	StatusRunning Status = "running"

	// StatusCompleted means the remote process exited with code 0.
	StatusCompleted Status = "completed"

	// StatusFailed means the remote process exited non-zero, crashed, or
	// the session pipeline failed before launch.
	StatusFailed Status = "failed"

	// StatusKilled means the session was explicitly terminated.
	StatusKilled Status = "killed"
)

// Terminal reports whether the status is final. No transitions leave a
// terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusKilled:
		return true
	}
	return false
}

// transitions is the session state machine:
//
//	pending --(remote process started)--> running
//	running --(exit code 0)--> completed
//	running --(exit code != 0 / crash)--> failed
//	pending|running --(explicit kill)--> killed
//	pending --(pipeline failure)--> failed
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusKilled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusKilled},
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// Session is one scheduled, remotely-executing agent task. A session is
// owned by exactly one node for its lifetime; NodeID is immutable once set.
type Session struct {
	// ID is the unique session id: s-<YYYYMMDD-HHMMSS>-<uuid8>.
	ID string `json:"session_id"`

	// NodeID is the owning node's instance id.
	NodeID string `json:"node_id"`

	// NodeName is the owning node's pool name, denormalized for display.
	NodeName string `json:"vm_name"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Prompt is the opaque task description handed to the agent runtime.
	Prompt string `json:"prompt"`

	// CreatedAt is when the session record was created (pending).
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the remote process was confirmed started.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// EndedAt is when the session reached a terminal state.
	EndedAt *time.Time `json:"ended_at,omitempty"`

	// ExitCode is the remote process exit code, valid once terminal.
	ExitCode *int `json:"exit_code,omitempty"`

	// ResultRef locates the retrieved output once available: a local
	// directory or an s3:// URI when archival is configured.
	ResultRef string `json:"result_ref,omitempty"`

	// Error is the captured failure cause for failed sessions.
	Error string `json:"error,omitempty"`
}

// AgeMinutes returns the session age in whole minutes at the given instant.
func (s Session) AgeMinutes(now time.Time) int {
	if s.CreatedAt.IsZero() {
		return 0
	}
	return int(now.Sub(s.CreatedAt).Minutes())
}

// Active reports whether the session occupies a capacity slot on its node.
func (s Session) Active() bool {
	return !s.Status.Terminal()
}

// NewSessionID derives a session id from a timestamp plus a random suffix.
func NewSessionID(now time.Time) string {
	return fmt.Sprintf("s-%s-%s", now.Format("20060102-150405"), uuid.NewString()[:8])
}
