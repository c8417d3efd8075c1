// Package remote supervises agent-runtime processes on pool nodes.
//
// Launch starts the agent detached from the SSH connection (nohup + setsid)
// so a network drop never kills the task; completion is observed only by
// polling, never by a blocking join. The node's filesystem is the source of
// truth: a pid file while running, an exit file once finished.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gostratus/pkg/pool"
	"github.com/3leaps/gostratus/pkg/sshconn"
)

// Remote session directory layout, relative to the login user's home:
//
//	.gostratus/sessions/<id>/context.tar.gz   pushed bundle
//	.gostratus/sessions/<id>/prompt.txt       unpacked prompt
//	.gostratus/sessions/<id>/workspace/       unpacked working tree
//	.gostratus/sessions/<id>/agent.log        captured output
//	.gostratus/sessions/<id>/agent.pid        detached process id
//	.gostratus/sessions/<id>/agent.exit       exit code, written on exit
//	.gostratus/sessions/<id>/result.tar.gz    archived result for pull
const sessionsRoot = ".gostratus/sessions"

// Sentinel errors for executor operations.
var (
	// ErrNotStarted indicates the agent process could not be confirmed
	// started on the node.
	ErrNotStarted = errors.New("agent process not started")
)

// BundleRemotePath returns where the transporter should place a session's
// context bundle (relative to the remote home directory).
func BundleRemotePath(sessionID string) string {
	return sessionsRoot + "/" + sessionID + "/context.tar.gz"
}

// ResultRemotePath returns where ArchiveResult leaves the result bundle.
func ResultRemotePath(sessionID string) string {
	return sessionsRoot + "/" + sessionID + "/result.tar.gz"
}

// Handle identifies one remote execution.
type Handle struct {
	SessionID string
	Node      pool.Node
}

// PollResult is one status observation.
type PollResult struct {
	// State is pending, running, completed, or failed.
	State pool.Status

	// ExitCode is valid when State is completed or failed. A crash with
	// no recorded exit code reports -1.
	ExitCode int
}

// Config configures an Executor.
type Config struct {
	// AgentCommand is the agent executable on the node.
	AgentCommand string

	// MaxTurns bounds the agent's turn count (0 omits the flag).
	MaxTurns int

	// PollTimeout bounds one status/tail probe.
	PollTimeout time.Duration

	// PollRatePerSecond throttles probes across concurrent read paths.
	PollRatePerSecond float64
}

// Executor launches and supervises remote agent processes.
// Safe for concurrent use; Poll and Tail may overlap freely.
type Executor struct {
	dialer  sshconn.Dialer
	cfg     Config
	log     *zap.Logger
	limiter *rate.Limiter
}

// New creates an Executor.
func New(dialer sshconn.Dialer, cfg Config, log *zap.Logger) *Executor {
	if cfg.AgentCommand == "" {
		cfg.AgentCommand = "claude"
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = 20 * time.Second
	}
	if cfg.PollRatePerSecond <= 0 {
		cfg.PollRatePerSecond = 4
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		dialer:  dialer,
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.PollRatePerSecond), 1),
	}
}

// Launch unpacks the pushed bundle and starts the agent detached. It
// returns as soon as the process is confirmed started; it never blocks for
// completion.
func (e *Executor) Launch(ctx context.Context, node pool.Node, sessionID string) (Handle, error) {
	client, err := e.dialer.Dial(ctx, node.PublicAddress)
	if err != nil {
		return Handle{}, err
	}
	defer func() { _ = client.Close() }()

	script := launchScript(sessionID, e.cfg.AgentCommand, e.cfg.MaxTurns)
	res, err := client.Run(ctx, script)
	if err != nil {
		return Handle{}, err
	}
	if res.ExitCode != 0 {
		return Handle{}, fmt.Errorf("%w: launch script exited %d: %s",
			ErrNotStarted, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	// Confirm the detached process actually exists before reporting the
	// session as running. A very fast agent may already have exited; an
	// exit file counts as started too.
	check, err := client.Run(ctx, statusScript(sessionID))
	if err != nil {
		return Handle{}, err
	}
	state := parseStatus(check.Stdout)
	if state.State == pool.StatusPending {
		return Handle{}, fmt.Errorf("%w: no process or exit record after launch", ErrNotStarted)
	}

	e.log.Debug("Agent launched",
		zap.String("session_id", sessionID),
		zap.String("node", node.Name))
	return Handle{SessionID: sessionID, Node: node}, nil
}

// Poll is a cheap, idempotent status check, safe to call concurrently from
// every read path. Unreachable nodes surface sshconn.ErrUnreachable: the
// outcome is unknown, which is distinct from an observed failure.
func (e *Executor) Poll(ctx context.Context, h Handle) (PollResult, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return PollResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PollTimeout)
	defer cancel()

	client, err := e.dialer.Dial(ctx, h.Node.PublicAddress)
	if err != nil {
		return PollResult{}, err
	}
	defer func() { _ = client.Close() }()

	res, err := client.Run(ctx, statusScript(h.SessionID))
	if err != nil {
		return PollResult{}, err
	}
	return parseStatus(res.Stdout), nil
}

// Tail returns up to n recent lines of the agent's captured output. It is
// best-effort: a briefly unreachable node returns an error the caller may
// treat as stale-data.
func (e *Executor) Tail(ctx context.Context, h Handle, n int) ([]string, error) {
	if n <= 0 {
		n = 50
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PollTimeout)
	defer cancel()

	client, err := e.dialer.Dial(ctx, h.Node.PublicAddress)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	cmd := fmt.Sprintf(`tail -n %d "$HOME/%s/%s/agent.log" 2>/dev/null || true`, n, sessionsRoot, h.SessionID)
	res, err := client.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	out := strings.TrimRight(res.Stdout, "\n")
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// TailFrom returns agent output starting at the 1-based line offset,
// for incremental follow reads. A fromLine of 0 or 1 reads from the start.
func (e *Executor) TailFrom(ctx context.Context, h Handle, fromLine int) ([]string, error) {
	if fromLine < 1 {
		fromLine = 1
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.PollTimeout)
	defer cancel()

	client, err := e.dialer.Dial(ctx, h.Node.PublicAddress)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Close() }()

	cmd := fmt.Sprintf(`tail -n +%d "$HOME/%s/%s/agent.log" 2>/dev/null || true`, fromLine, sessionsRoot, h.SessionID)
	res, err := client.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	out := strings.TrimRight(res.Stdout, "\n")
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Kill sends TERM to the detached process group. Killing an already-exited
// session is a no-op, not an error.
func (e *Executor) Kill(ctx context.Context, h Handle) error {
	client, err := e.dialer.Dial(ctx, h.Node.PublicAddress)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	res, err := client.Run(ctx, killScript(h.SessionID))
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("kill session %s: exit %d: %s", h.SessionID, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// ArchiveResult packs the session's log and workspace into result.tar.gz
// on the node and returns its remote path plus sha256 digest for verified
// retrieval. Called only after a terminal state is observed.
func (e *Executor) ArchiveResult(ctx context.Context, h Handle) (string, string, error) {
	client, err := e.dialer.Dial(ctx, h.Node.PublicAddress)
	if err != nil {
		return "", "", err
	}
	defer func() { _ = client.Close() }()

	res, err := client.Run(ctx, archiveScript(h.SessionID))
	if err != nil {
		return "", "", err
	}
	if res.ExitCode != 0 {
		return "", "", fmt.Errorf("archive session %s: exit %d: %s", h.SessionID, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	digest := strings.Fields(res.Stdout)
	if len(digest) == 0 {
		return "", "", fmt.Errorf("archive session %s: no digest in output", h.SessionID)
	}
	return ResultRemotePath(h.SessionID), digest[0], nil
}

// launchScript unpacks the bundle and starts the agent under nohup+setsid.
// The prompt travels inside the bundle (prompt.txt), so arbitrary prompt
// text never needs shell quoting.
func launchScript(sessionID, agentCommand string, maxTurns int) string {
	turnFlag := ""
	if maxTurns > 0 {
		turnFlag = fmt.Sprintf(" --max-turns %d", maxTurns)
	}
	inner := fmt.Sprintf(`%s -p "$(cat "$d/prompt.txt")"%s > "$d/agent.log" 2>&1; echo $? > "$d/agent.exit"`,
		agentCommand, turnFlag)

	return strings.Join([]string{
		fmt.Sprintf(`d="$HOME/%s/%s"`, sessionsRoot, sessionID),
		`export d`,
		`mkdir -p "$d/workspace"`,
		`tar -xzf "$d/context.tar.gz" -C "$d"`,
		`cd "$d/workspace"`,
		`nohup setsid sh -c '` + inner + `' </dev/null >/dev/null 2>&1 &`,
		`echo $! > "$d/agent.pid"`,
	}, "\n")
}

// statusScript reports one of: "exited <code>", "running", "crashed",
// "pending".
func statusScript(sessionID string) string {
	return strings.Join([]string{
		fmt.Sprintf(`d="$HOME/%s/%s"`, sessionsRoot, sessionID),
		`if [ -f "$d/agent.exit" ]; then echo "exited $(cat "$d/agent.exit")"`,
		`elif [ -f "$d/agent.pid" ] && kill -0 "$(cat "$d/agent.pid")" 2>/dev/null; then echo running`,
		`elif [ -f "$d/agent.pid" ]; then echo crashed`,
		`else echo pending; fi`,
	}, "\n")
}

// killScript signals the detached process group. setsid makes the recorded
// pid the group leader, so the negative pid reaches the whole tree.
func killScript(sessionID string) string {
	return strings.Join([]string{
		fmt.Sprintf(`d="$HOME/%s/%s"`, sessionsRoot, sessionID),
		`if [ -f "$d/agent.pid" ] && [ ! -f "$d/agent.exit" ]; then`,
		`  kill -TERM -- "-$(cat "$d/agent.pid")" 2>/dev/null || kill -TERM "$(cat "$d/agent.pid")" 2>/dev/null || true`,
		`fi`,
		`true`,
	}, "\n")
}

func archiveScript(sessionID string) string {
	return strings.Join([]string{
		fmt.Sprintf(`d="$HOME/%s/%s"`, sessionsRoot, sessionID),
		`cd "$d"`,
		`tar -czf result.tar.gz agent.log workspace 2>/dev/null || tar -czf result.tar.gz agent.log`,
		`sha256sum result.tar.gz`,
	}, "\n")
}

// parseStatus maps statusScript output to a PollResult.
func parseStatus(stdout string) PollResult {
	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return PollResult{State: pool.StatusPending}
	}
	switch fields[0] {
	case "running":
		return PollResult{State: pool.StatusRunning}
	case "crashed":
		return PollResult{State: pool.StatusFailed, ExitCode: -1}
	case "exited":
		code := -1
		if len(fields) > 1 {
			if parsed, err := strconv.Atoi(fields[1]); err == nil {
				code = parsed
			}
		}
		if code == 0 {
			return PollResult{State: pool.StatusCompleted, ExitCode: 0}
		}
		return PollResult{State: pool.StatusFailed, ExitCode: code}
	default:
		return PollResult{State: pool.StatusPending}
	}
}
