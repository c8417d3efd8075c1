// Package transport moves context and result bundles between the local
// machine and pool nodes, verifying a sha256 digest on every transfer and
// retrying with bounded exponential backoff before giving up.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/3leaps/gostratus/pkg/bundle"
	"github.com/3leaps/gostratus/pkg/pool"
	"github.com/3leaps/gostratus/pkg/sshconn"
)

// Sentinel errors for transfer operations.
var (
	// ErrTransferFailed indicates a transfer did not verify within the
	// configured attempt budget.
	ErrTransferFailed = errors.New("transfer failed")

	// ErrDigestMismatch indicates the transferred bytes did not match the
	// expected sha256 digest.
	ErrDigestMismatch = errors.New("digest mismatch")
)

// TransferError wraps a failed transfer with its direction and path.
type TransferError struct {
	Op       string // "push" or "pull"
	Path     string
	Attempts int
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s %s failed after %d attempts: %v", e.Op, e.Path, e.Attempts, e.Err)
}

func (e *TransferError) Unwrap() []error {
	return []error{ErrTransferFailed, e.Err}
}

// IsTransferFailed reports whether err wraps ErrTransferFailed.
func IsTransferFailed(err error) bool {
	return errors.Is(err, ErrTransferFailed)
}

// Config configures a Transporter.
type Config struct {
	// MaxAttempts bounds retries per transfer (default 4).
	MaxAttempts int

	// Timeout bounds one attempt (default 2m).
	Timeout time.Duration
}

// Transporter performs verified bundle transfers over SSH.
type Transporter struct {
	dialer sshconn.Dialer
	cfg    Config
	log    *zap.Logger
}

// New creates a Transporter.
func New(dialer sshconn.Dialer, cfg Config, log *zap.Logger) *Transporter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Transporter{dialer: dialer, cfg: cfg, log: log}
}

// Push uploads a context bundle to remotePath on the node and verifies the
// remote copy's sha256 digest against the bundle's. A mismatch or transport
// failure is retried; the partial remote file is simply overwritten by the
// next attempt.
func (t *Transporter) Push(ctx context.Context, b bundle.Bundle, node pool.Node, remotePath string) error {
	attempts := 0
	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()

		client, err := t.dialer.Dial(attemptCtx, node.PublicAddress)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		if err := client.Upload(attemptCtx, b.Path, remotePath); err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		got, err := remoteDigest(attemptCtx, client, remotePath)
		if err != nil {
			return err
		}
		if got != b.Digest {
			t.log.Warn("Pushed bundle digest mismatch, retrying",
				zap.String("node", node.Name),
				zap.String("remote_path", remotePath),
				zap.Int("attempt", attempts))
			return fmt.Errorf("%w: want %s, got %s", ErrDigestMismatch, b.Digest, got)
		}
		return nil
	}

	if err := backoff.Retry(op, t.newBackOff(ctx)); err != nil {
		return &TransferError{Op: "push", Path: remotePath, Attempts: attempts, Err: err}
	}
	return nil
}

// Pull downloads remotePath from the node to localPath and verifies it
// against wantDigest. Called after a session reaches a terminal state, so
// the remote file is stable across retries.
func (t *Transporter) Pull(ctx context.Context, node pool.Node, remotePath, localPath, wantDigest string) error {
	attempts := 0
	op := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
		defer cancel()

		client, err := t.dialer.Dial(attemptCtx, node.PublicAddress)
		if err != nil {
			return err
		}
		defer func() { _ = client.Close() }()

		if err := client.Download(attemptCtx, remotePath, localPath); err != nil {
			return fmt.Errorf("download: %w", err)
		}
		got, err := bundle.DigestFile(localPath)
		if err != nil {
			return fmt.Errorf("digest local copy: %w", err)
		}
		if wantDigest != "" && got != wantDigest {
			return fmt.Errorf("%w: want %s, got %s", ErrDigestMismatch, wantDigest, got)
		}
		return nil
	}

	if err := backoff.Retry(op, t.newBackOff(ctx)); err != nil {
		return &TransferError{Op: "pull", Path: remotePath, Attempts: attempts, Err: err}
	}
	return nil
}

func (t *Transporter) newBackOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(t.cfg.MaxAttempts-1)), ctx)
}

// remoteDigest computes the sha256 of a remote file. remotePath is
// home-relative, matching SFTP semantics.
func remoteDigest(ctx context.Context, client sshconn.Client, remotePath string) (string, error) {
	res, err := client.Run(ctx, fmt.Sprintf(`sha256sum "$HOME/%s"`, remotePath))
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("sha256sum exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		return "", fmt.Errorf("sha256sum produced no output")
	}
	return fields[0], nil
}
