package pool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Store persists and owns node and session records.
//
// Directory layout:
//
//	<root>/nodes/<instance-id>.json
//	<root>/sessions/<session-id>.json
//
// Root is expected to be under the app data dir (~/.gostratus by default).
// All mutation happens under a single mutex; records are written atomically
// (temp file + rename) so a crashed process never leaves a torn record.
//
// The store enforces the capacity invariant: for every node, the number of
// active (non-terminal) sessions never exceeds the node's fixed capacity.
// CreateSession is the reservation point: it checks and binds atomically.
// Reservations from other processes on the same root are serialized with a
// lock file, so concurrent CLI invocations cannot double-book a slot.
type Store struct {
	root string

	mu       sync.Mutex
	nodes    map[string]*Node
	sessions map[string]*Session
}

// Filter selects sessions for listing. Zero values match everything.
type Filter struct {
	Status Status
	NodeID string
}

// Open loads (or initializes) a store rooted at the given directory.
func Open(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("store root dir is empty")
	}
	s := &Store{
		root:     root,
		nodes:    make(map[string]*Node),
		sessions: make(map[string]*Session),
	}
	for _, dir := range []string{s.nodesDir(), s.sessionsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// RootDir returns the store's root directory.
func (s *Store) RootDir() string { return s.root }

func (s *Store) nodesDir() string    { return filepath.Join(s.root, "nodes") }
func (s *Store) sessionsDir() string { return filepath.Join(s.root, "sessions") }

func (s *Store) load() error {
	nodeFiles, err := os.ReadDir(s.nodesDir())
	if err != nil {
		return fmt.Errorf("read nodes dir: %w", err)
	}
	for _, entry := range nodeFiles {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var n Node
		if err := readRecord(filepath.Join(s.nodesDir(), entry.Name()), &n); err != nil {
			// A torn record would have been prevented by atomic writes;
			// anything unreadable here is operator-corrupted and skipped.
			continue
		}
		s.nodes[n.ID] = &n
	}

	return s.reloadSessionsLocked()
}

// reloadSessionsLocked replaces the in-memory session map with what is on
// disk. The record files are authoritative; every mutation writes its file
// before touching memory, so a reload never loses this process's writes.
func (s *Store) reloadSessionsLocked() error {
	sessFiles, err := os.ReadDir(s.sessionsDir())
	if err != nil {
		return fmt.Errorf("read sessions dir: %w", err)
	}
	fresh := make(map[string]*Session, len(sessFiles))
	for _, entry := range sessFiles {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var sess Session
		if err := readRecord(filepath.Join(s.sessionsDir(), entry.Name()), &sess); err != nil {
			continue
		}
		fresh[sess.ID] = &sess
	}
	s.sessions = fresh
	return nil
}

// lockRoot takes an exclusive advisory lock on the store root, blocking
// until any other holder (typically another gostratus process) releases
// it. The caller must release with unlockRoot.
func (s *Store) lockRoot() (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(s.root, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open store lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock store: %w", err)
	}
	return f, nil
}

func unlockRoot(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}

// AddNode records a newly provisioned node.
func (s *Store) AddNode(n Node) error {
	if strings.TrimSpace(n.ID) == "" {
		return fmt.Errorf("node id is required")
	}
	if _, err := ParseSize(string(n.Size)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[n.ID]; ok {
		return fmt.Errorf("%w: %s", ErrNodeExists, n.ID)
	}
	if err := writeRecord(filepath.Join(s.nodesDir(), n.ID+".json"), &n); err != nil {
		return err
	}
	s.nodes[n.ID] = &n
	return nil
}

// Node returns the node with the given instance id.
func (s *Store) Node(id string) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return *n, nil
}

// NodeByName returns the node with the given pool name.
func (s *Store) NodeByName(name string) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.nodes {
		if n.Name == name {
			return *n, nil
		}
	}
	return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, name)
}

// Nodes returns all known nodes, oldest first.
func (s *Store) Nodes() []Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// RemoveNode deletes a node record. It refuses to remove a node that still
// hosts active sessions.
func (s *Store) RemoveNode(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n := s.activeLocked(id); n > 0 {
		return fmt.Errorf("%w: %s has %d active session(s)", ErrNodeBusy, id, n)
	}
	if err := os.Remove(filepath.Join(s.nodesDir(), id+".json")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove node record: %w", err)
	}
	delete(s.nodes, id)
	return nil
}

// CreateSession records a new pending session bound to a node, reserving one
// capacity slot. This is the atomic reservation point: the capacity check
// and the binding happen under the same lock, so two pipelines can never
// race onto the same last free slot. The root lock file extends the same
// guarantee across processes; the session map is re-read from disk while
// holding it so reservations made by another process count here too.
func (s *Store) CreateSession(sess Session) error {
	if strings.TrimSpace(sess.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if sess.Status == "" {
		sess.Status = StatusPending
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := s.lockRoot()
	if err != nil {
		return err
	}
	defer unlockRoot(lock)
	if err := s.reloadSessionsLocked(); err != nil {
		return err
	}

	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("%w: %s", ErrSessionExists, sess.ID)
	}
	node, ok := s.nodes[sess.NodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, sess.NodeID)
	}
	if sess.Active() && s.activeLocked(node.ID) >= node.Capacity() {
		return fmt.Errorf("%w: %s (%d/%d)", ErrNoCapacity, node.Name, s.activeLocked(node.ID), node.Capacity())
	}
	if sess.NodeName == "" {
		sess.NodeName = node.Name
	}
	if err := writeRecord(filepath.Join(s.sessionsDir(), sess.ID+".json"), &sess); err != nil {
		return err
	}
	s.sessions[sess.ID] = &sess
	return nil
}

// Session returns the session with the given id.
func (s *Store) Session(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return *sess, nil
}

// Sessions returns sessions matching the filter, newest first.
func (s *Store) Sessions(f Filter) []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if f.Status != "" && sess.Status != f.Status {
			continue
		}
		if f.NodeID != "" && sess.NodeID != f.NodeID {
			continue
		}
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// UpdateSession applies fn to the session under the store lock and persists
// the result. Status changes are validated against the state machine; a
// change out of a terminal state fails with ErrInvalidTransition. NodeID is
// immutable once assigned.
func (s *Store) UpdateSession(id string, fn func(*Session) error) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	next := *cur
	if err := fn(&next); err != nil {
		return Session{}, err
	}
	if next.NodeID != cur.NodeID {
		return Session{}, fmt.Errorf("session %s: node binding is immutable", id)
	}
	if next.Status != cur.Status && !cur.Status.CanTransition(next.Status) {
		return Session{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, next.Status)
	}
	if err := writeRecord(filepath.Join(s.sessionsDir(), id+".json"), &next); err != nil {
		return Session{}, err
	}
	*cur = next
	return next, nil
}

// Transition moves a session to the given status, stamping StartedAt or
// EndedAt as appropriate. Terminal sessions reject every transition,
// including one back to the same status: a closed record never gets its
// timestamps rewritten.
func (s *Store) Transition(id string, next Status, at time.Time) (Session, error) {
	return s.UpdateSession(id, func(sess *Session) error {
		if sess.Status.Terminal() {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, sess.Status, next)
		}
		sess.Status = next
		switch {
		case next == StatusRunning:
			t := at
			sess.StartedAt = &t
		case next.Terminal():
			t := at
			sess.EndedAt = &t
		}
		return nil
	})
}

// ActiveSessions returns the number of active sessions on the node.
func (s *Store) ActiveSessions(nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(nodeID)
}

// AvailableCapacity returns the node's free session slots.
func (s *Store) AvailableCapacity(nodeID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	return n.Capacity() - s.activeLocked(nodeID), nil
}

func (s *Store) activeLocked(nodeID string) int {
	count := 0
	for _, sess := range s.sessions {
		if sess.NodeID == nodeID && sess.Active() {
			count++
		}
	}
	return count
}

func readRecord(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return fmt.Errorf("record %s is empty", path)
	}
	return json.Unmarshal([]byte(trimmed), v)
}

func writeRecord(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	b = append(b, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp record: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename record: %w", err)
	}
	return nil
}
