// Package sshconn provides the SSH channel used to reach pool nodes:
// remote command execution plus SFTP file transfer.
//
// Components depend on the Client interface, not the concrete
// implementation, so tests can substitute fakes without a network.
package sshconn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Sentinel errors for connection operations.
var (
	// ErrUnreachable indicates the node could not be reached over SSH.
	// The outcome of any in-flight remote work is unknown.
	ErrUnreachable = errors.New("node unreachable")
)

// IsUnreachable reports whether err wraps ErrUnreachable.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// RunResult captures one remote command execution.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Client executes commands and transfers files on a single node.
//
// Implementations must be safe for concurrent use: status polls, tail
// reads, and transfers can overlap.
type Client interface {
	// Run executes a command remotely and returns its output and exit
	// code. A non-zero exit code is not an error; failures to reach the
	// node or start the command are.
	Run(ctx context.Context, command string) (*RunResult, error)

	// Upload copies a local file to the remote path, creating parent
	// directories as needed.
	Upload(ctx context.Context, localPath, remotePath string) error

	// Download copies a remote file to the local path.
	Download(ctx context.Context, remotePath, localPath string) error

	// Close releases the underlying connection.
	Close() error
}

// Dialer opens Clients to node addresses.
type Dialer interface {
	Dial(ctx context.Context, address string) (Client, error)
}

// Config configures the SSH dialer.
type Config struct {
	// User is the remote login user.
	User string

	// KeyPath is the private key file used for authentication.
	KeyPath string

	// Port is the SSH port (default 22).
	Port int

	// ConnectTimeout bounds one connection attempt.
	ConnectTimeout time.Duration
}

// NewDialer loads the private key and returns a Dialer for pool nodes.
func NewDialer(cfg Config) (Dialer, error) {
	if cfg.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}
	keyBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &dialer{
		user:    cfg.User,
		signer:  signer,
		port:    port,
		timeout: timeout,
	}, nil
}

type dialer struct {
	user    string
	signer  ssh.Signer
	port    int
	timeout time.Duration
}

func (d *dialer) Dial(ctx context.Context, address string) (Client, error) {
	clientCfg := &ssh.ClientConfig{
		User: d.user,
		Auth: []ssh.AuthMethod{ssh.PublicKeys(d.signer)},
		// Pool nodes are freshly provisioned instances; their host keys
		// are generated at first boot and are not known in advance.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         d.timeout,
	}

	addr := net.JoinHostPort(address, fmt.Sprintf("%d", d.port))
	netDialer := &net.Dialer{Timeout: d.timeout}
	conn, err := netDialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnreachable, addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: handshake %s: %v", ErrUnreachable, addr, err)
	}
	return &client{conn: ssh.NewClient(sshConn, chans, reqs)}, nil
}

type client struct {
	conn *ssh.Client
}

func (c *client) Run(ctx context.Context, command string) (*RunResult, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: open session: %v", ErrUnreachable, err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr safeBuffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		// Closing the session tears down the channel; the command on the
		// node keeps running only if it detached itself.
		_ = session.Close()
		<-done
		return nil, ctx.Err()
	case err = <-done:
	}

	res := &RunResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return nil, fmt.Errorf("%w: run %q: %v", ErrUnreachable, command, err)
	}
	return res, nil
}

func (c *client) Upload(ctx context.Context, localPath, remotePath string) error {
	return c.withSFTP(ctx, func(sc *sftp.Client) error {
		if dir := sftpDir(remotePath); dir != "" {
			if err := sc.MkdirAll(dir); err != nil {
				return fmt.Errorf("create remote dir %s: %w", dir, err)
			}
		}
		src, err := os.Open(localPath)
		if err != nil {
			return fmt.Errorf("open local file: %w", err)
		}
		defer func() { _ = src.Close() }()

		dst, err := sc.Create(remotePath)
		if err != nil {
			return fmt.Errorf("create remote file: %w", err)
		}
		if _, err := dst.ReadFrom(src); err != nil {
			_ = dst.Close()
			return fmt.Errorf("write remote file: %w", err)
		}
		return dst.Close()
	})
}

func (c *client) Download(ctx context.Context, remotePath, localPath string) error {
	return c.withSFTP(ctx, func(sc *sftp.Client) error {
		src, err := sc.Open(remotePath)
		if err != nil {
			return fmt.Errorf("open remote file: %w", err)
		}
		defer func() { _ = src.Close() }()

		dst, err := os.Create(localPath)
		if err != nil {
			return fmt.Errorf("create local file: %w", err)
		}
		if _, err := src.WriteTo(dst); err != nil {
			_ = dst.Close()
			return fmt.Errorf("read remote file: %w", err)
		}
		return dst.Close()
	})
}

// withSFTP runs fn with a fresh SFTP subsystem client, honoring ctx
// cancellation by closing the subsystem.
func (c *client) withSFTP(ctx context.Context, fn func(*sftp.Client) error) error {
	sc, err := sftp.NewClient(c.conn)
	if err != nil {
		return fmt.Errorf("%w: open sftp: %v", ErrUnreachable, err)
	}
	defer func() { _ = sc.Close() }()

	done := make(chan error, 1)
	go func() { done <- fn(sc) }()

	select {
	case <-ctx.Done():
		_ = sc.Close()
		<-done
		return ctx.Err()
	case err = <-done:
		return err
	}
}

func (c *client) Close() error {
	return c.conn.Close()
}

// safeBuffer is a mutex-guarded buffer: the session goroutine writes while
// the cancellation path may still be tearing the session down.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// sftpDir returns the parent of a slash-separated remote path.
func sftpDir(remotePath string) string {
	for i := len(remotePath) - 1; i >= 0; i-- {
		if remotePath[i] == '/' {
			return remotePath[:i]
		}
	}
	return ""
}
