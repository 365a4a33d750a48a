package workspace

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/conductor/internal/conflict"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/touchset"
)

// TempPrefix marks temporary files conductor creates inside the shared
// workspace while applying a commit. Snapshots skip them.
const TempPrefix = ".conductor-tmp-"

// ownWriteWindow is how long a committed path is treated as conductor's own
// write for drift suppression.
const ownWriteWindow = 2 * time.Second

// Shared is the on-disk project workspace all tasks commit into. It only
// reads the filesystem on its own; every mutation goes through Commit or
// Revert under write locks.
type Shared struct {
	root        string
	stagingRoot string
	ignoreDirs  []string
	logger      *logging.Logger
	bus         *event.Bus

	mu            sync.Mutex
	lastCommitter map[string]string
	ownWrites     map[string]time.Time

	// beforeApply, when set, runs before each path is applied. Tests use it
	// to inject failures.
	beforeApply func(rel string) error
}

// Option configures a Shared workspace.
type Option func(*Shared)

// WithStagingDir sets the directory under which per-attempt staging
// directories are created.
func WithStagingDir(dir string) Option {
	return func(s *Shared) { s.stagingRoot = dir }
}

// WithIgnoreDirs replaces the directory names skipped by snapshots.
func WithIgnoreDirs(names ...string) Option {
	return func(s *Shared) { s.ignoreDirs = names }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Shared) { s.logger = l }
}

// WithEventBus publishes commit.rolled_back events.
func WithEventBus(bus *event.Bus) Option {
	return func(s *Shared) { s.bus = bus }
}

// NewShared opens the workspace rooted at root, which must be an existing
// directory.
func NewShared(root string, opts ...Option) (*Shared, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}

	s := &Shared{
		root:          abs,
		stagingRoot:   filepath.Join(os.TempDir(), "conductor-staging"),
		ignoreDirs:    conflict.DefaultIgnoreDirs,
		lastCommitter: make(map[string]string),
		ownWrites:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger)

	if s.stagingRoot, err = filepath.Abs(s.stagingRoot); err != nil {
		return nil, fmt.Errorf("resolve staging dir: %w", err)
	}
	if err := os.MkdirAll(s.stagingRoot, 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	return s, nil
}

// Root returns the absolute workspace root.
func (s *Shared) Root() string { return s.root }

// StagingDir returns the absolute staging root.
func (s *Shared) StagingDir() string { return s.stagingRoot }

// Abs resolves a workspace-relative path, rejecting unsafe ones.
func (s *Shared) Abs(rel string) (string, error) {
	cleaned, err := touchset.Clean(rel)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

func (s *Shared) abs(cleaned string) string {
	return filepath.Join(s.root, filepath.FromSlash(cleaned))
}

// Hash returns the current hash of a workspace path.
func (s *Shared) Hash(rel string) (string, error) {
	p, err := s.Abs(rel)
	if err != nil {
		return "", err
	}
	return HashFile(p)
}

// Snapshot captures every regular file in the workspace.
func (s *Shared) Snapshot() (*Snapshot, error) {
	files := make(map[string]FileState)
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != s.root && (s.ignoredDir(d.Name()) || path == s.stagingRoot) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), TempPrefix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		st, ok, err := stateOf(path)
		if err != nil {
			return err
		}
		if ok {
			files[filepath.ToSlash(rel)] = st
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot workspace: %w", err)
	}
	return &Snapshot{files: files, capturedAt: time.Now()}, nil
}

// SnapshotOf captures the files covered by set. Sets of literal file paths
// are resolved directly; sets containing globs or directories fall back to a
// full walk.
func (s *Shared) SnapshotOf(set touchset.Set) (*Snapshot, error) {
	if set.HasGlob() || s.namesDir(set.Literals()) {
		full, err := s.Snapshot()
		if err != nil {
			return nil, err
		}
		files := make(map[string]FileState)
		for _, p := range full.Match(set) {
			files[p] = full.files[p]
		}
		return &Snapshot{files: files, capturedAt: full.capturedAt, partial: true}, nil
	}

	files := make(map[string]FileState)
	for _, rel := range set.Literals() {
		st, ok, err := stateOf(s.abs(rel))
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", rel, err)
		}
		if ok {
			files[rel] = st
		}
	}
	return &Snapshot{files: files, capturedAt: time.Now(), partial: true}, nil
}

// namesDir reports whether any of paths is an existing directory.
func (s *Shared) namesDir(paths []string) bool {
	for _, rel := range paths {
		if s.isDir(rel) {
			return true
		}
	}
	return false
}

func (s *Shared) isDir(rel string) bool {
	info, err := os.Stat(s.abs(rel))
	return err == nil && info.IsDir()
}

// stateOf returns the FileState of a regular file, or ok=false if absent.
func stateOf(path string) (FileState, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileState{}, false, nil
		}
		return FileState{}, false, err
	}
	if !info.Mode().IsRegular() {
		return FileState{}, false, nil
	}
	h, err := HashFile(path)
	if err != nil {
		return FileState{}, false, err
	}
	return FileState{Hash: h, ModTime: info.ModTime(), Size: info.Size()}, true, nil
}

func (s *Shared) ignoredDir(name string) bool {
	for _, ig := range s.ignoreDirs {
		if name == ig {
			return true
		}
	}
	return false
}

// LastCommitter returns the id of the task that last committed path, or ""
// if no task has.
func (s *Shared) LastCommitter(rel string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommitter[rel]
}

// IsOwnWrite reports whether rel was recently written by a commit or is a
// commit temp file. It is meant for drift detectors.
func (s *Shared) IsOwnWrite(rel string) bool {
	if strings.HasPrefix(filepath.Base(rel), TempPrefix) {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.ownWrites[rel]
	return ok && time.Since(at) < ownWriteWindow
}

func (s *Shared) noteOwnWrites(paths []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for p, at := range s.ownWrites {
		if now.Sub(at) > ownWriteWindow {
			delete(s.ownWrites, p)
		}
	}
	for _, p := range paths {
		s.ownWrites[p] = now
	}
}

// recordCommit sets taskID as the last committer of paths and returns the
// previous committers.
func (s *Shared) recordCommit(taskID string, paths []string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := make(map[string]string, len(paths))
	for _, p := range paths {
		prev[p] = s.lastCommitter[p]
		s.lastCommitter[p] = taskID
	}
	return prev
}

func (s *Shared) restoreCommitters(prev map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p, id := range prev {
		if id == "" {
			delete(s.lastCommitter, p)
		} else {
			s.lastCommitter[p] = id
		}
	}
}

// atomicWrite copies src into dst through a temp file in dst's directory
// followed by a rename, so readers never see a partial file.
func atomicWrite(dst string, src io.Reader, mode fs.FileMode) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		cleanup()
		return err
	}
	return nil
}

// copyFileAtomic replaces dst with the content of src.
func copyFileAtomic(dst, src string, mode fs.FileMode) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	return atomicWrite(dst, f, mode)
}

// fileMode returns the permission bits of path, or def if it is absent.
func fileMode(path string, def fs.FileMode) fs.FileMode {
	if info, err := os.Stat(path); err == nil {
		return info.Mode().Perm()
	}
	return def
}
