package sshconn

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	path := filepath.Join(t.TempDir(), "id_rsa")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path
}

func TestNewDialerValidation(t *testing.T) {
	_, err := NewDialer(Config{KeyPath: writeTestKey(t)})
	require.Error(t, err, "user is required")

	_, err = NewDialer(Config{User: "ubuntu", KeyPath: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)

	badKey := filepath.Join(t.TempDir(), "bad")
	require.NoError(t, os.WriteFile(badKey, []byte("not a key"), 0o600))
	_, err = NewDialer(Config{User: "ubuntu", KeyPath: badKey})
	require.Error(t, err)

	_, err = NewDialer(Config{User: "ubuntu", KeyPath: writeTestKey(t)})
	require.NoError(t, err)
}

func TestDialUnreachable(t *testing.T) {
	d, err := NewDialer(Config{
		User:           "ubuntu",
		KeyPath:        writeTestKey(t),
		Port:           1, // nothing listens here
		ConnectTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err = d.Dial(ctx, "127.0.0.1")
	require.Error(t, err)
	assert.True(t, IsUnreachable(err))
}

func TestSftpDir(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/home/ubuntu/.gostratus/sessions/s-1/context.tar.gz", "/home/ubuntu/.gostratus/sessions/s-1"},
		{"file.txt", ""},
		{"/file.txt", ""},
	}
	for _, tt := range tests {
		if got := sftpDir(tt.in); got != tt.want {
			t.Fatalf("sftpDir(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
