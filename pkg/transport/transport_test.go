package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/gostratus/pkg/bundle"
	"github.com/3leaps/gostratus/pkg/pool"
	"github.com/3leaps/gostratus/pkg/sshconn"
)

// fakeClient simulates a node's filesystem as an in-memory map keyed by
// remote path. flakyUploads makes the first N uploads write corrupt bytes.
type fakeClient struct {
	files        map[string][]byte
	flakyUploads int
	uploads      int
	downloads    int
	downloadErr  error
}

func newFakeClient() *fakeClient {
	return &fakeClient{files: map[string][]byte{}}
}

func (c *fakeClient) Run(_ context.Context, command string) (*sshconn.RunResult, error) {
	// Only sha256sum is exercised here.
	for path, data := range c.files {
		if command == fmt.Sprintf(`sha256sum "$HOME/%s"`, path) {
			return &sshconn.RunResult{
				Stdout: fmt.Sprintf("%s  %s\n", digestOf(data), path),
			}, nil
		}
	}
	return &sshconn.RunResult{ExitCode: 1, Stderr: "No such file or directory\n"}, nil
}

func (c *fakeClient) Upload(_ context.Context, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	c.uploads++
	if c.uploads <= c.flakyUploads {
		data = append([]byte("corrupt"), data...)
	}
	c.files[remotePath] = data
	return nil
}

func (c *fakeClient) Download(_ context.Context, remotePath, localPath string) error {
	c.downloads++
	if c.downloadErr != nil && c.downloads == 1 {
		return c.downloadErr
	}
	data, ok := c.files[remotePath]
	if !ok {
		return fmt.Errorf("remote file not found: %s", remotePath)
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (c *fakeClient) Close() error { return nil }

type fakeDialer struct{ client *fakeClient }

func (d *fakeDialer) Dial(context.Context, string) (sshconn.Client, error) {
	return d.client, nil
}

func digestOf(data []byte) string {
	tmp, err := os.CreateTemp("", "digest-*")
	if err != nil {
		panic(err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		panic(err)
	}
	_ = tmp.Close()
	d, err := bundle.DigestFile(tmp.Name())
	if err != nil {
		panic(err)
	}
	return d
}

func testBundle(t *testing.T, content string) bundle.Bundle {
	t.Helper()
	path := filepath.Join(t.TempDir(), "context.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	digest, err := bundle.DigestFile(path)
	require.NoError(t, err)
	return bundle.Bundle{Path: path, SizeBytes: int64(len(content)), Digest: digest}
}

func testNode() pool.Node {
	return pool.Node{Name: "stratus-dev-20260115-093000", PublicAddress: "203.0.113.10"}
}

func TestPushPullRoundTrip(t *testing.T) {
	client := newFakeClient()
	tr := New(&fakeDialer{client: client}, Config{}, nil)
	b := testBundle(t, "bundle payload bytes")

	remotePath := ".gostratus/sessions/s-1/context.tar.gz"
	require.NoError(t, tr.Push(context.Background(), b, testNode(), remotePath))

	localCopy := filepath.Join(t.TempDir(), "copy.tar.gz")
	require.NoError(t, tr.Pull(context.Background(), testNode(), remotePath, localCopy, b.Digest))

	got, err := bundle.DigestFile(localCopy)
	require.NoError(t, err)
	assert.Equal(t, b.Digest, got)
}

func TestPush_RetriesCorruptUpload(t *testing.T) {
	client := newFakeClient()
	client.flakyUploads = 2
	tr := New(&fakeDialer{client: client}, Config{MaxAttempts: 4}, nil)
	b := testBundle(t, "payload")

	err := tr.Push(context.Background(), b, testNode(), "ctx.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, 3, client.uploads)
}

func TestPush_ExhaustsAttempts(t *testing.T) {
	client := newFakeClient()
	client.flakyUploads = 100
	tr := New(&fakeDialer{client: client}, Config{MaxAttempts: 2}, nil)
	b := testBundle(t, "payload")

	err := tr.Push(context.Background(), b, testNode(), "ctx.tar.gz")
	require.Error(t, err)
	assert.True(t, IsTransferFailed(err))
	assert.True(t, errors.Is(err, ErrDigestMismatch))

	var terr *TransferError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "push", terr.Op)
	assert.Equal(t, 2, terr.Attempts)
}

func TestPull_RetriesTransientFailure(t *testing.T) {
	client := newFakeClient()
	client.files["result.tar.gz"] = []byte("result bytes")
	client.downloadErr = errors.New("connection reset")
	tr := New(&fakeDialer{client: client}, Config{MaxAttempts: 3}, nil)

	local := filepath.Join(t.TempDir(), "result.tar.gz")
	err := tr.Pull(context.Background(), testNode(), "result.tar.gz", local, digestOf([]byte("result bytes")))
	require.NoError(t, err)
	assert.Equal(t, 2, client.downloads)
}

func TestPull_DigestMismatch(t *testing.T) {
	client := newFakeClient()
	client.files["result.tar.gz"] = []byte("tampered")
	tr := New(&fakeDialer{client: client}, Config{MaxAttempts: 2}, nil)

	local := filepath.Join(t.TempDir(), "result.tar.gz")
	err := tr.Pull(context.Background(), testNode(), "result.tar.gz", local, digestOf([]byte("expected")))
	require.Error(t, err)
	assert.True(t, IsTransferFailed(err))
	assert.True(t, errors.Is(err, ErrDigestMismatch))
}
