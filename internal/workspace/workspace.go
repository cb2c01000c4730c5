// Package workspace prepares per-project Flutter workspaces: template
// seeding, extraction of file blocks from model output and crash-safe writes.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
	"go.uber.org/zap"

	"sdkforge/internal/logging"
)

// SeedMarker is written into a workspace once the template has been copied.
const SeedMarker = ".sdkforge_seeded"

// ErrNoSource is returned when model output contains no usable source file.
var ErrNoSource = errors.New("no valid source found")

// skipDirs are template directories that hold build output, never source.
var skipDirs = map[string]bool{
	"build":      true,
	".dart_tool": true,
}

// WriteError reports the file a materialization failed on.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// FileChange summarises what one materialized file did to the workspace.
type FileChange struct {
	Path    string `json:"path"`
	Created bool   `json:"created"`
	Added   int    `json:"lines_added"`
	Removed int    `json:"lines_removed"`
}

// Result is the outcome of one Materialize call.
type Result struct {
	Written []string     `json:"written"`
	Changes []FileChange `json:"changes"`
}

// Manager hands out workspaces keyed by project id under a common root.
type Manager struct {
	root        string
	templateDir string
	logger      *zap.Logger

	mu     sync.Mutex
	spaces map[string]*Workspace
}

// NewManager creates a workspace manager.
func NewManager(root, templateDir string, logger *zap.Logger) *Manager {
	return &Manager{
		root:        root,
		templateDir: templateDir,
		logger:      logging.OrNamed(logger, "workspace"),
		spaces:      make(map[string]*Workspace),
	}
}

// For returns the workspace of projectID, creating the handle on first use.
// Existing projects are never seeded from the template.
func (m *Manager) For(projectID string, existing bool) (*Workspace, error) {
	if projectID == "" || NormalizePath(projectID) != projectID || strings.Contains(projectID, "/") {
		return nil, fmt.Errorf("invalid project id %q", projectID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ws, ok := m.spaces[projectID]; ok {
		return ws, nil
	}
	ws := &Workspace{
		ProjectID:   projectID,
		Root:        filepath.Join(m.root, projectID),
		Existing:    existing,
		templateDir: m.templateDir,
		logger:      m.logger.With(zap.String("project_id", projectID)),
	}
	m.spaces[projectID] = ws
	return ws, nil
}

// Remove forgets the workspace handle and, if purge is set, deletes its tree.
func (m *Manager) Remove(projectID string, purge bool) error {
	m.mu.Lock()
	ws, ok := m.spaces[projectID]
	delete(m.spaces, projectID)
	m.mu.Unlock()

	if !purge {
		return nil
	}
	root := filepath.Join(m.root, projectID)
	if ok {
		root = ws.Root
	}
	if err := os.RemoveAll(root); err != nil {
		return fmt.Errorf("failed to remove workspace %s: %w", root, err)
	}
	return nil
}

// Workspace is one project's integration directory.
type Workspace struct {
	ProjectID string
	Root      string
	Existing  bool

	templateDir string
	logger      *zap.Logger
	mu          sync.Mutex
}

// SourceDir is the absolute path of the workspace's source root.
func (w *Workspace) SourceDir() string {
	return filepath.Join(w.Root, SourceRoot)
}

// Seeded reports whether the template has already been copied in.
func (w *Workspace) Seeded() bool {
	_, err := os.Stat(filepath.Join(w.Root, SeedMarker))
	return err == nil
}

// Seed copies the template tree into the workspace once. Later calls, and
// calls on existing projects, only ensure the root exists.
func (w *Workspace) Seed() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.Root, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace %s: %w", w.Root, err)
	}
	if w.Existing || w.Seeded() {
		return nil
	}
	if w.templateDir == "" {
		return errors.New("no template directory configured")
	}

	copied := 0
	err := filepath.WalkDir(w.templateDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(w.templateDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(w.Root, rel), 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		copied++
		return copyFile(p, filepath.Join(w.Root, rel))
	})
	if err != nil {
		return fmt.Errorf("failed to seed workspace from %s: %w", w.templateDir, err)
	}

	if err := os.WriteFile(filepath.Join(w.Root, SeedMarker), nil, 0o644); err != nil {
		return fmt.Errorf("failed to write seed marker: %w", err)
	}
	w.logger.Info("Workspace seeded from template", zap.Int("files", copied))
	return nil
}

// Materialize writes blocks under the source root. Each file is written to a
// temp file in its target directory and renamed into place, so readers never
// see a partial file. Last write wins per path.
func (w *Workspace) Materialize(blocks []Block) (*Result, error) {
	blocks = dedupe(blocks)
	if len(blocks) == 0 {
		return nil, ErrNoSource
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	res := &Result{}
	for _, b := range blocks {
		target := filepath.Join(w.SourceDir(), filepath.FromSlash(b.Path))

		var previous string
		created := true
		if old, err := os.ReadFile(target); err == nil {
			previous = string(old)
			created = false
		}

		if err := writeAtomic(target, []byte(b.Content)); err != nil {
			return res, &WriteError{Path: target, Err: err}
		}

		added, removed := lineDelta(previous, b.Content)
		res.Written = append(res.Written, target)
		res.Changes = append(res.Changes, FileChange{
			Path:    filepath.ToSlash(filepath.Join(SourceRoot, b.Path)),
			Created: created,
			Added:   added,
			Removed: removed,
		})
	}

	w.logger.Debug("Materialized blocks", zap.Int("files", len(res.Written)))
	return res, nil
}

// SourceFiles lists the Dart sources under the source root, sorted.
func (w *Workspace) SourceFiles() ([]string, error) {
	return ListSources(w.Root)
}

// ListSources lists the Dart sources under root's source directory, sorted.
// A missing source directory yields an empty list.
func ListSources(root string) ([]string, error) {
	var files []string
	src := filepath.Join(root, SourceRoot)
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), ".dart") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sources in %s: %w", src, err)
	}
	sort.Strings(files)
	return files, nil
}

// MaxFlattenBytes caps the snapshot produced by Flatten.
const MaxFlattenBytes = 256 << 10

// Flatten renders the workspace sources as one plain-text snapshot, used as
// generation context for existing projects.
func (w *Workspace) Flatten() (string, error) {
	maxBytes := MaxFlattenBytes
	files, err := w.SourceFiles()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", f, err)
		}
		rel, _ := filepath.Rel(w.Root, f)
		fmt.Fprintf(&b, "// File: %s\n%s\n\n", filepath.ToSlash(rel), data)
		if b.Len() >= maxBytes {
			break
		}
	}
	out := b.String()
	if len(out) > maxBytes {
		out = out[:maxBytes]
	}
	return out, nil
}

func writeAtomic(target string, data []byte) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".sdkforge-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// lineDelta counts lines added and removed going from before to after.
func lineDelta(before, after string) (added, removed int) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if !strings.HasSuffix(d.Text, "\n") && d.Text != "" {
			n++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	return added, removed
}
