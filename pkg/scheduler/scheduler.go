// Package scheduler places session tasks onto pool nodes and drives each
// placed session through pack, push, and launch.
//
// Placement is sequential and runs under the store's capacity accounting:
// tasks in one batch see nodes provisioned for earlier tasks, so a batch
// packs onto shared nodes instead of provisioning one node per task. The
// per-session pipelines that follow placement run concurrently.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/gostratus/pkg/bundle"
	"github.com/3leaps/gostratus/pkg/pool"
	"github.com/3leaps/gostratus/pkg/remote"
	"github.com/3leaps/gostratus/pkg/sshconn"
)

// pipelineConcurrency bounds simultaneous pack/push/launch pipelines.
const pipelineConcurrency = 4

// Packer builds context bundles.
type Packer interface {
	Pack(ctx context.Context, spec bundle.Spec, destDir string) (*bundle.Bundle, error)
}

// Provisioner creates and destroys pool nodes.
type Provisioner interface {
	Provision(ctx context.Context, size pool.Size, regions []string) (pool.Node, error)
	Terminate(ctx context.Context, node pool.Node) error
}

// Transporter moves bundles between the local machine and nodes.
type Transporter interface {
	Push(ctx context.Context, b bundle.Bundle, node pool.Node, remotePath string) error
	Pull(ctx context.Context, node pool.Node, remotePath, localPath, wantDigest string) error
}

// Executor supervises remote agent processes.
type Executor interface {
	Launch(ctx context.Context, node pool.Node, sessionID string) (remote.Handle, error)
	Poll(ctx context.Context, h remote.Handle) (remote.PollResult, error)
	Tail(ctx context.Context, h remote.Handle, n int) ([]string, error)
	TailFrom(ctx context.Context, h remote.Handle, fromLine int) ([]string, error)
	Kill(ctx context.Context, h remote.Handle) error
	ArchiveResult(ctx context.Context, h remote.Handle) (string, string, error)
}

// Archiver optionally copies retrieved results to long-term storage,
// returning a reference such as an s3:// URI.
type Archiver interface {
	Store(ctx context.Context, sessionID, localPath string) (string, error)
}

// Task is one session request.
type Task struct {
	Name        string
	Prompt      string
	Size        pool.Size
	WorkDir     string
	HistoryPath string
}

// Result reports the outcome of scheduling one task.
type Result struct {
	Task    Task
	Session pool.Session
	Err     error
}

// Config configures a Scheduler.
type Config struct {
	// Regions is the provisioning preference order.
	Regions []string

	// DefaultSize applies to tasks that do not request a size.
	DefaultSize pool.Size

	// ResultsDir is where pulled result bundles land, one subdirectory
	// per session.
	ResultsDir string
}

// Deps are the scheduler's collaborators.
type Deps struct {
	Store       *pool.Store
	Packer      Packer
	Provisioner Provisioner
	Transporter Transporter
	Executor    Executor

	// Archiver may be nil; results then stay on local disk.
	Archiver Archiver
}

// Scheduler owns session placement and lifecycle.
type Scheduler struct {
	store    *pool.Store
	packer   Packer
	prov     Provisioner
	trans    Transporter
	exec     Executor
	archiver Archiver
	cfg      Config
	log      *zap.Logger
	now      func() time.Time
}

// New creates a Scheduler.
func New(deps Deps, cfg Config, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		store:    deps.Store,
		packer:   deps.Packer,
		prov:     deps.Provisioner,
		trans:    deps.Transporter,
		exec:     deps.Executor,
		archiver: deps.Archiver,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Schedule places every task and runs the per-session pipelines. Each
// task's outcome is reported in its Result; one task failing does not
// abort the rest of the batch.
func (s *Scheduler) Schedule(ctx context.Context, tasks []Task) []Result {
	results := make([]Result, len(tasks))

	// Placement pass: sequential, so capacity reservations and any
	// provisioned nodes are visible to the rest of the batch.
	type placed struct {
		index int
		node  pool.Node
	}
	var pipeline []placed
	for i, task := range tasks {
		results[i].Task = task
		size := task.Size
		if size == "" {
			size = s.cfg.DefaultSize
		}

		node, err := s.place(ctx, size)
		if err != nil {
			results[i].Err = err
			continue
		}

		sess := pool.Session{
			ID:        pool.NewSessionID(s.now()),
			NodeID:    node.ID,
			NodeName:  node.Name,
			Status:    pool.StatusPending,
			Prompt:    task.Prompt,
			CreatedAt: s.now(),
		}
		if err := s.store.CreateSession(sess); err != nil {
			results[i].Err = err
			continue
		}
		results[i].Session = sess
		pipeline = append(pipeline, placed{index: i, node: node})
	}

	// Pipeline pass: pack, push, launch concurrently.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(pipelineConcurrency)
	for _, p := range pipeline {
		g.Go(func() error {
			r := &results[p.index]
			if err := s.runPipeline(gctx, r.Task, r.Session, p.node); err != nil {
				r.Err = err
				s.markFailed(r.Session.ID, err)
			} else if sess, err := s.store.Session(r.Session.ID); err == nil {
				r.Session = sess
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// place finds a node of the requested size with a free slot, provisioning
// one when the pool has none. Ties go to the eligible node with the most
// free slots, so the rest of a batch can land beside the first task
// instead of spreading one session per node.
func (s *Scheduler) place(ctx context.Context, size pool.Size) (pool.Node, error) {
	var best pool.Node
	bestAvail := -1
	for _, n := range s.store.Nodes() {
		if n.Size != size {
			continue
		}
		avail, err := s.store.AvailableCapacity(n.ID)
		if err != nil || avail <= 0 {
			continue
		}
		if avail > bestAvail {
			best, bestAvail = n, avail
		}
	}
	if bestAvail > 0 {
		return best, nil
	}

	s.log.Info("Pool full for size, provisioning node",
		zap.String("size", size.String()),
		zap.Strings("regions", s.cfg.Regions))
	node, err := s.prov.Provision(ctx, size, s.cfg.Regions)
	if err != nil {
		return pool.Node{}, err
	}
	if err := s.store.AddNode(node); err != nil {
		return pool.Node{}, err
	}
	return node, nil
}

// runPipeline takes one placed session from pending to running.
func (s *Scheduler) runPipeline(ctx context.Context, task Task, sess pool.Session, node pool.Node) error {
	stagingDir := filepath.Join(s.store.RootDir(), "bundles", sess.ID)
	b, err := s.packer.Pack(ctx, bundle.Spec{
		WorkDir:     task.WorkDir,
		Prompt:      task.Prompt,
		HistoryPath: task.HistoryPath,
	}, stagingDir)
	if err != nil {
		return fmt.Errorf("pack context: %w", err)
	}
	defer func() { _ = os.RemoveAll(stagingDir) }()

	if err := s.trans.Push(ctx, *b, node, remote.BundleRemotePath(sess.ID)); err != nil {
		return fmt.Errorf("push context: %w", err)
	}

	// A kill can land while the bundle is in flight. Launching anyway
	// would start an agent no session record supervises, so re-check
	// before starting anything on the node.
	if cur, err := s.store.Session(sess.ID); err != nil {
		return err
	} else if cur.Status.Terminal() {
		s.log.Info("Session ended before launch, skipping",
			zap.String("session_id", sess.ID),
			zap.String("status", string(cur.Status)))
		return nil
	}

	if _, err := s.exec.Launch(ctx, node, sess.ID); err != nil {
		return fmt.Errorf("launch agent: %w", err)
	}
	if _, err := s.store.Transition(sess.ID, pool.StatusRunning, s.now()); err != nil {
		return err
	}
	s.log.Info("Session running",
		zap.String("session_id", sess.ID),
		zap.String("node", node.Name))
	return nil
}

// markFailed records a pipeline failure; the terminal state releases the
// session's capacity slot. A session that already ended (killed while the
// pipeline was in flight) keeps its state.
func (s *Scheduler) markFailed(sessionID string, cause error) {
	if cur, err := s.store.Session(sessionID); err == nil && cur.Status.Terminal() {
		return
	}
	_, err := s.store.UpdateSession(sessionID, func(sess *pool.Session) error {
		sess.Status = pool.StatusFailed
		sess.Error = cause.Error()
		t := s.now()
		sess.EndedAt = &t
		return nil
	})
	if err != nil {
		s.log.Warn("Failed to record session failure",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}

// Refresh polls every non-terminal session and reconciles local state with
// what its node reports. Unreachable nodes leave sessions untouched; the
// outcome is unknown, not failed.
func (s *Scheduler) Refresh(ctx context.Context) error {
	for _, sess := range s.store.Sessions(pool.Filter{}) {
		if sess.Status.Terminal() {
			continue
		}
		if _, err := s.refreshOne(ctx, sess); err != nil {
			if sshconn.IsUnreachable(err) {
				s.log.Warn("Node unreachable during refresh, keeping last known state",
					zap.String("session_id", sess.ID),
					zap.String("node", sess.NodeName))
				continue
			}
			return err
		}
	}
	return nil
}

// RefreshSession polls one session's node and returns the reconciled
// session. The node is authoritative: a session that looks running locally
// but has exited remotely is finalized here.
func (s *Scheduler) RefreshSession(ctx context.Context, sessionID string) (pool.Session, error) {
	sess, err := s.store.Session(sessionID)
	if err != nil {
		return pool.Session{}, err
	}
	if sess.Status.Terminal() {
		return sess, nil
	}
	return s.refreshOne(ctx, sess)
}

func (s *Scheduler) refreshOne(ctx context.Context, sess pool.Session) (pool.Session, error) {
	node, err := s.store.Node(sess.NodeID)
	if err != nil {
		return pool.Session{}, err
	}
	h := remote.Handle{SessionID: sess.ID, Node: node}

	res, err := s.exec.Poll(ctx, h)
	if err != nil {
		return pool.Session{}, err
	}

	switch res.State {
	case pool.StatusRunning:
		if sess.Status == pool.StatusPending {
			return s.store.Transition(sess.ID, pool.StatusRunning, s.now())
		}
		return sess, nil
	case pool.StatusCompleted, pool.StatusFailed:
		return s.finalize(ctx, sess, h, res)
	default:
		return sess, nil
	}
}

// finalize retrieves the result bundle and records the terminal state.
func (s *Scheduler) finalize(ctx context.Context, sess pool.Session, h remote.Handle, res remote.PollResult) (pool.Session, error) {
	resultRef, pullErr := s.retrieveResult(ctx, h)
	if pullErr != nil {
		s.log.Warn("Result retrieval failed",
			zap.String("session_id", sess.ID),
			zap.Error(pullErr))
	}

	return s.store.UpdateSession(sess.ID, func(cur *pool.Session) error {
		cur.Status = res.State
		code := res.ExitCode
		cur.ExitCode = &code
		t := s.now()
		cur.EndedAt = &t
		cur.ResultRef = resultRef
		if res.State == pool.StatusFailed {
			cur.Error = fmt.Sprintf("agent exited with code %d", res.ExitCode)
		}
		if pullErr != nil {
			cur.Error = pullErr.Error()
		}
		return nil
	})
}

func (s *Scheduler) retrieveResult(ctx context.Context, h remote.Handle) (string, error) {
	remotePath, digest, err := s.exec.ArchiveResult(ctx, h)
	if err != nil {
		return "", fmt.Errorf("archive result: %w", err)
	}
	localDir := filepath.Join(s.cfg.ResultsDir, h.SessionID)
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return "", err
	}
	localPath := filepath.Join(localDir, "result.tar.gz")
	if err := s.trans.Pull(ctx, h.Node, remotePath, localPath, digest); err != nil {
		return "", err
	}
	if s.archiver != nil {
		ref, err := s.archiver.Store(ctx, h.SessionID, localPath)
		if err != nil {
			s.log.Warn("Result archival failed, keeping local copy",
				zap.String("session_id", h.SessionID),
				zap.Error(err))
			return localPath, nil
		}
		return ref, nil
	}
	return localPath, nil
}

// Tail returns recent agent output for a session.
func (s *Scheduler) Tail(ctx context.Context, sessionID string, n int) ([]string, error) {
	sess, err := s.store.Session(sessionID)
	if err != nil {
		return nil, err
	}
	node, err := s.store.Node(sess.NodeID)
	if err != nil {
		return nil, err
	}
	return s.exec.Tail(ctx, remote.Handle{SessionID: sess.ID, Node: node}, n)
}

// TailFrom returns agent output starting at the 1-based line offset, for
// incremental follow reads.
func (s *Scheduler) TailFrom(ctx context.Context, sessionID string, fromLine int) ([]string, error) {
	sess, err := s.store.Session(sessionID)
	if err != nil {
		return nil, err
	}
	node, err := s.store.Node(sess.NodeID)
	if err != nil {
		return nil, err
	}
	return s.exec.TailFrom(ctx, remote.Handle{SessionID: sess.ID, Node: node}, fromLine)
}

// Kill terminates a session. Killing a session that already reached a
// terminal state is a no-op; an unknown session id is an error.
func (s *Scheduler) Kill(ctx context.Context, sessionID string) (pool.Session, error) {
	sess, err := s.store.Session(sessionID)
	if err != nil {
		return pool.Session{}, err
	}
	if sess.Status.Terminal() {
		return sess, nil
	}
	node, err := s.store.Node(sess.NodeID)
	if err != nil {
		return pool.Session{}, err
	}
	if err := s.exec.Kill(ctx, remote.Handle{SessionID: sess.ID, Node: node}); err != nil {
		return pool.Session{}, err
	}
	return s.store.Transition(sess.ID, pool.StatusKilled, s.now())
}

// Teardown removes a node from the pool and terminates its instance. A
// node with active sessions is refused with pool.ErrNodeBusy.
func (s *Scheduler) Teardown(ctx context.Context, nodeName string) error {
	node, err := s.store.NodeByName(nodeName)
	if err != nil {
		return err
	}
	if err := s.store.RemoveNode(node.ID); err != nil {
		return err
	}
	if err := s.prov.Terminate(ctx, node); err != nil {
		// The pool record is gone; the instance must not leak silently.
		return fmt.Errorf("node %s removed from pool but instance termination failed: %w", nodeName, err)
	}
	s.log.Info("Node torn down", zap.String("node", nodeName))
	return nil
}

// Session returns the stored session record.
func (s *Scheduler) Session(sessionID string) (pool.Session, error) {
	return s.store.Session(sessionID)
}
