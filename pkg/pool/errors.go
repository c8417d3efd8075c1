package pool

import "errors"

// Sentinel errors for pool operations.
var (
	// ErrSessionNotFound indicates no session exists with the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNodeNotFound indicates no node exists with the given id or name.
	ErrNodeNotFound = errors.New("node not found")

	// ErrSessionExists indicates a session with the id is already recorded.
	ErrSessionExists = errors.New("session already exists")

	// ErrNodeExists indicates a node with the id is already recorded.
	ErrNodeExists = errors.New("node already exists")

	// ErrNoCapacity indicates the target node has no free session slots.
	ErrNoCapacity = errors.New("node has no free capacity")

	// ErrNodeBusy indicates a teardown was refused because the node still
	// hosts active sessions.
	ErrNodeBusy = errors.New("node has active sessions")

	// ErrInvalidTransition indicates an illegal session state change.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrInvalidSize indicates an unknown node size class.
	ErrInvalidSize = errors.New("invalid node size")
)

// IsSessionNotFound reports whether err wraps ErrSessionNotFound.
func IsSessionNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}

// IsNoCapacity reports whether err wraps ErrNoCapacity.
func IsNoCapacity(err error) bool {
	return errors.Is(err, ErrNoCapacity)
}

// IsNodeBusy reports whether err wraps ErrNodeBusy.
func IsNodeBusy(err error) bool {
	return errors.Is(err, ErrNodeBusy)
}
