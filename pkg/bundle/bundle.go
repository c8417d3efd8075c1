// Package bundle packages a task's working context (files, prompt, history)
// into a single transferable tar.gz artifact with an integrity digest.
//
// Bundles are ephemeral: created per session, owned by the transporter
// until delivered, then discardable. Packing is not deterministic (tar
// timestamps vary), but Unpack(Pack(x)) reproduces the same logical file
// set and prompt.
package bundle

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/dustin/go-humanize"
)

// Archive entry layout inside a context bundle.
const (
	// PromptEntry is the tar entry holding the task prompt.
	PromptEntry = "prompt.txt"

	// HistoryEntry is the optional tar entry holding prior conversation
	// history.
	HistoryEntry = "history.jsonl"

	// WorkspacePrefix prefixes all packaged working-directory files.
	WorkspacePrefix = "workspace/"
)

// Errors returned by packing operations.
var (
	// ErrTooLarge indicates the context exceeds the configured ceiling.
	// Oversized contexts fail fast locally rather than mid-transfer.
	ErrTooLarge = errors.New("context bundle too large")

	// ErrInvalidPattern indicates an include/exclude glob cannot compile.
	ErrInvalidPattern = errors.New("invalid glob pattern")
)

// Bundle is a packed context artifact.
type Bundle struct {
	// Path is the local tar.gz location.
	Path string

	// SizeBytes is the compressed artifact size.
	SizeBytes int64

	// Digest is the sha256 of the artifact, hex-encoded, used for
	// post-transfer verification.
	Digest string
}

// Spec describes what to pack for one session.
type Spec struct {
	// WorkDir is the working directory whose files are packaged.
	WorkDir string

	// Prompt is the opaque task description.
	Prompt string

	// HistoryPath optionally points at a conversation history file.
	HistoryPath string
}

// Config controls file selection and the size ceiling.
type Config struct {
	// MaxBytes is the ceiling on total input bytes. Required.
	MaxBytes int64

	// Includes are doublestar globs files must match (at least one).
	// Empty means every file.
	Includes []string

	// Excludes are doublestar globs that remove files from the selection.
	Excludes []string

	// IncludeHidden controls whether dot-segments are packaged.
	IncludeHidden bool
}

// Packer packs context bundles according to a fixed selection config.
// A Packer is safe for concurrent use.
type Packer struct {
	cfg Config
}

// NewPacker validates the selection globs and returns a Packer.
func NewPacker(cfg Config) (*Packer, error) {
	if cfg.MaxBytes <= 0 {
		return nil, fmt.Errorf("bundle size ceiling must be positive")
	}
	for _, p := range append(append([]string{}, cfg.Includes...), cfg.Excludes...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPattern, p)
		}
	}
	return &Packer{cfg: cfg}, nil
}

// Pack builds the context bundle for spec under destDir. The returned
// bundle carries the artifact path, size, and sha256 digest.
func (p *Packer) Pack(ctx context.Context, spec Spec, destDir string) (*Bundle, error) {
	if spec.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	files, total, err := p.selectFiles(spec.WorkDir)
	if err != nil {
		return nil, err
	}
	total += int64(len(spec.Prompt))
	if total > p.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: %s exceeds ceiling %s",
			ErrTooLarge, humanize.IBytes(uint64(total)), humanize.IBytes(uint64(p.cfg.MaxBytes)))
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle dir: %w", err)
	}
	path := filepath.Join(destDir, "context.tar.gz")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create bundle: %w", err)
	}
	defer func() { _ = f.Close() }()

	hash := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(f, hash)}
	gz := gzip.NewWriter(counter)
	tw := tar.NewWriter(gz)

	if err := writeEntry(tw, PromptEntry, []byte(spec.Prompt)); err != nil {
		return nil, err
	}
	if spec.HistoryPath != "" {
		history, err := os.ReadFile(spec.HistoryPath)
		if err != nil {
			return nil, fmt.Errorf("read history: %w", err)
		}
		if err := writeEntry(tw, HistoryEntry, history); err != nil {
			return nil, err
		}
	}
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := writeFileEntry(tw, spec.WorkDir, rel); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("close gzip: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close bundle: %w", err)
	}

	return &Bundle{
		Path:      path,
		SizeBytes: counter.n,
		Digest:    hex.EncodeToString(hash.Sum(nil)),
	}, nil
}

// selectFiles walks the working directory and applies the glob selection.
// Returned paths are slash-separated and relative to workDir.
func (p *Packer) selectFiles(workDir string) ([]string, int64, error) {
	if workDir == "" {
		return nil, 0, nil
	}
	var files []string
	var total int64
	err := filepath.WalkDir(workDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(workDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if !p.cfg.IncludeHidden && hasHiddenSegment(rel) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if !p.matches(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, rel)
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("scan working directory: %w", err)
	}
	return files, total, nil
}

func (p *Packer) matches(rel string) bool {
	for _, pat := range p.cfg.Excludes {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return false
		}
	}
	if len(p.cfg.Includes) == 0 {
		return true
	}
	for _, pat := range p.cfg.Includes {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

func hasHiddenSegment(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

func writeEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(data)),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("write tar entry %s: %w", name, err)
	}
	return nil
}

func writeFileEntry(tw *tar.Writer, workDir, rel string) error {
	full := filepath.Join(workDir, filepath.FromSlash(rel))
	info, err := os.Stat(full)
	if err != nil {
		return err
	}
	hdr := &tar.Header{
		Name: WorkspacePrefix + rel,
		Mode: int64(info.Mode().Perm()),
		Size: info.Size(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header %s: %w", rel, err)
	}
	f, err := os.Open(full)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("write tar entry %s: %w", rel, err)
	}
	return nil
}

// countingWriter counts bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Unpack extracts a bundle into destDir, restoring prompt.txt, the optional
// history file, and the workspace tree. Entries escaping destDir are
// rejected.
func Unpack(ctx context.Context, bundlePath, destDir string) error {
	f, err := os.Open(bundlePath)
	if err != nil {
		return fmt.Errorf("open bundle: %w", err)
	}
	defer func() { _ = f.Close() }()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		clean := filepath.Clean(filepath.FromSlash(hdr.Name))
		if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return fmt.Errorf("unsafe tar entry: %s", hdr.Name)
		}
		target := filepath.Join(destDir, clean)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", hdr.Name, err)
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode).Perm())
		if err != nil {
			return fmt.Errorf("create %s: %w", hdr.Name, err)
		}
		//nolint:gosec // bundle sizes are bounded by the pack ceiling
		if _, err := io.Copy(out, tr); err != nil {
			_ = out.Close()
			return fmt.Errorf("extract %s: %w", hdr.Name, err)
		}
		if err := out.Close(); err != nil {
			return fmt.Errorf("close %s: %w", hdr.Name, err)
		}
	}
}

// DigestFile computes the hex sha256 of a file, for verification after
// transfer.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
