package bundle

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func TestPackUnpackRoundTrip(t *testing.T) {
	ctx := context.Background()
	work := t.TempDir()
	writeTree(t, work, map[string]string{
		"main.go":          "package main\n",
		"internal/auth.go": "package internal\n",
		".git/config":      "[core]\n",
	})

	p, err := NewPacker(Config{MaxBytes: 1 << 20})
	require.NoError(t, err)

	b, err := p.Pack(ctx, Spec{WorkDir: work, Prompt: "refactor auth module"}, t.TempDir())
	require.NoError(t, err)
	assert.NotEmpty(t, b.Digest)
	assert.Greater(t, b.SizeBytes, int64(0))

	// Digest matches an independent recomputation.
	digest, err := DigestFile(b.Path)
	require.NoError(t, err)
	assert.Equal(t, b.Digest, digest)

	dest := t.TempDir()
	require.NoError(t, Unpack(ctx, b.Path, dest))

	prompt, err := os.ReadFile(filepath.Join(dest, PromptEntry))
	require.NoError(t, err)
	assert.Equal(t, "refactor auth module", string(prompt))

	got, err := os.ReadFile(filepath.Join(dest, "workspace", "main.go"))
	require.NoError(t, err)
	assert.Equal(t, "package main\n", string(got))

	_, err = os.ReadFile(filepath.Join(dest, "workspace", "internal", "auth.go"))
	require.NoError(t, err)

	// Hidden segments are excluded by default.
	_, err = os.Stat(filepath.Join(dest, "workspace", ".git"))
	assert.True(t, os.IsNotExist(err))
}

func TestPackCeiling(t *testing.T) {
	ctx := context.Background()
	work := t.TempDir()
	writeTree(t, work, map[string]string{"big.txt": string(make([]byte, 4096))})

	p, err := NewPacker(Config{MaxBytes: 1024})
	require.NoError(t, err)

	_, err = p.Pack(ctx, Spec{WorkDir: work, Prompt: "x"}, t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestPackSelection(t *testing.T) {
	ctx := context.Background()
	work := t.TempDir()
	writeTree(t, work, map[string]string{
		"src/a.go":               "a",
		"src/a_test.go":          "t",
		"docs/readme.md":         "r",
		"node_modules/dep/x.js":  "x",
		"vendor/lib/y.go":        "y",
	})

	p, err := NewPacker(Config{
		MaxBytes: 1 << 20,
		Includes: []string{"src/**", "docs/**"},
		Excludes: []string{"**/*_test.go"},
	})
	require.NoError(t, err)

	b, err := p.Pack(ctx, Spec{WorkDir: work, Prompt: "p"}, t.TempDir())
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, Unpack(ctx, b.Path, dest))

	exists := func(rel string) bool {
		_, err := os.Stat(filepath.Join(dest, "workspace", filepath.FromSlash(rel)))
		return err == nil
	}
	assert.True(t, exists("src/a.go"))
	assert.True(t, exists("docs/readme.md"))
	assert.False(t, exists("src/a_test.go"), "excluded by glob")
	assert.False(t, exists("node_modules/dep/x.js"), "not included")
	assert.False(t, exists("vendor/lib/y.go"), "not included")
}

func TestPackHistory(t *testing.T) {
	ctx := context.Background()
	history := filepath.Join(t.TempDir(), "history.jsonl")
	require.NoError(t, os.WriteFile(history, []byte(`{"turn":1}`), 0o644))

	p, err := NewPacker(Config{MaxBytes: 1 << 20})
	require.NoError(t, err)

	b, err := p.Pack(ctx, Spec{Prompt: "p", HistoryPath: history}, t.TempDir())
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, Unpack(ctx, b.Path, dest))
	got, err := os.ReadFile(filepath.Join(dest, HistoryEntry))
	require.NoError(t, err)
	assert.Equal(t, `{"turn":1}`, string(got))
}

func TestNewPackerValidation(t *testing.T) {
	_, err := NewPacker(Config{MaxBytes: 0})
	require.Error(t, err)

	_, err = NewPacker(Config{MaxBytes: 1, Includes: []string{"[bad"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestPackRequiresPrompt(t *testing.T) {
	p, err := NewPacker(Config{MaxBytes: 1 << 20})
	require.NoError(t, err)
	_, err = p.Pack(context.Background(), Spec{}, t.TempDir())
	require.Error(t, err)
}
