package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/touchset"
)

// ChangeKind is the net effect of a task on one path.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// FileChange is one net change a task made to a path, relative to the
// content it saw when its workspace was opened.
type FileChange struct {
	Kind    ChangeKind `json:"kind"`
	Path    string     `json:"path"`
	OldHash string     `json:"old_hash"`
	NewHash string     `json:"new_hash"`
}

// entry tracks one path known to a task workspace.
type entry struct {
	base    string // hash of the shared content copied at first touch
	present bool   // whether the staged copy exists
	mode    fs.FileMode
}

// TaskWorkspace is the private staging area of one task attempt. The task
// reads and writes through it; the shared workspace is untouched until
// Commit.
type TaskWorkspace struct {
	shared    *Shared
	taskID    string
	attemptID string
	dir       string
	touch     touchset.Set
	expanded  []string

	mu      sync.Mutex
	entries map[string]*entry
	touched map[string]bool
	closed  bool

	// set by a successful Commit, consumed by Revert
	applied   []FileChange
	backups   map[string]string
	committed map[string]string
}

const (
	stagingFiles  = "files"
	stagingBackup = "backup"
)

// Open creates a task workspace for one attempt. Globs in touch are
// expanded against snap; existing touch-set files are copied into a fresh
// staging directory and their base hashes recorded. If snap is nil a
// snapshot of the touch-set is taken.
func Open(shared *Shared, snap *Snapshot, taskID string, touch touchset.Set) (*TaskWorkspace, error) {
	if snap == nil {
		var err error
		if snap, err = shared.SnapshotOf(touch); err != nil {
			return nil, err
		}
	}

	attemptID := uuid.NewString()
	dir := filepath.Join(shared.stagingRoot, fmt.Sprintf("%s-%s", safeName(taskID), attemptID[:8]))
	if err := os.MkdirAll(filepath.Join(dir, stagingFiles), 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	tw := &TaskWorkspace{
		shared:    shared,
		taskID:    taskID,
		attemptID: attemptID,
		dir:       dir,
		touch:     touch,
		entries:   make(map[string]*entry),
		touched:   make(map[string]bool),
	}

	paths := make(map[string]bool)
	for _, p := range touch.Literals() {
		// Directory entries are staged through the files matched below.
		if !shared.isDir(p) {
			paths[p] = true
		}
	}
	for _, p := range snap.Match(touch) {
		paths[p] = true
	}
	for p := range paths {
		tw.expanded = append(tw.expanded, p)
	}
	sort.Strings(tw.expanded)

	for _, p := range tw.expanded {
		if _, err := tw.load(p); err != nil {
			_ = os.RemoveAll(dir)
			return nil, errors.Wrapf(err, "stage %s", p)
		}
	}
	return tw, nil
}

// safeName turns a task id into something usable as a directory name.
func safeName(id string) string {
	out := []rune(id)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			out[i] = '_'
		}
	}
	if len(out) > 40 {
		out = out[:40]
	}
	return string(out)
}

// load copies rel from the shared workspace into staging the first time it
// is seen and records its base hash. Must be called with mu held or before
// the workspace is shared.
func (tw *TaskWorkspace) load(rel string) (*entry, error) {
	if e, ok := tw.entries[rel]; ok {
		return e, nil
	}
	src := tw.shared.abs(rel)
	data, err := os.ReadFile(src)
	switch {
	case err == nil:
		dst := tw.stagedPath(rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return nil, err
		}
		mode := fileMode(src, 0644)
		if err := os.WriteFile(dst, data, mode); err != nil {
			return nil, err
		}
		e := &entry{base: HashBytes(data), present: true, mode: mode}
		tw.entries[rel] = e
		return e, nil
	case os.IsNotExist(err):
		e := &entry{base: ZeroHash, mode: 0644}
		tw.entries[rel] = e
		return e, nil
	default:
		return nil, err
	}
}

func (tw *TaskWorkspace) stagedPath(rel string) string {
	return filepath.Join(tw.dir, stagingFiles, filepath.FromSlash(rel))
}

func (tw *TaskWorkspace) backupPath(rel string) string {
	return filepath.Join(tw.dir, stagingBackup, filepath.FromSlash(rel))
}

func (tw *TaskWorkspace) prepare(rel string) (string, *entry, error) {
	cleaned, err := touchset.Clean(rel)
	if err != nil {
		return "", nil, err
	}
	if tw.closed {
		return "", nil, errors.ErrWorkspaceClosed
	}
	e, err := tw.load(cleaned)
	if err != nil {
		return "", nil, errors.Wrapf(err, "stage %s", cleaned)
	}
	return cleaned, e, nil
}

// ReadFile returns the task's current view of rel. Paths outside the
// touch-set are staged from the shared workspace on first access.
func (tw *TaskWorkspace) ReadFile(rel string) ([]byte, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	cleaned, e, err := tw.prepare(rel)
	if err != nil {
		return nil, err
	}
	if !e.present {
		return nil, &fs.PathError{Op: "read", Path: cleaned, Err: fs.ErrNotExist}
	}
	return os.ReadFile(tw.stagedPath(cleaned))
}

// WriteFile replaces the task's view of rel with data.
func (tw *TaskWorkspace) WriteFile(rel string, data []byte) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	cleaned, e, err := tw.prepare(rel)
	if err != nil {
		return err
	}
	dst := tw.stagedPath(cleaned)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, e.mode); err != nil {
		return err
	}
	e.present = true
	tw.touched[cleaned] = true
	return nil
}

// DeleteFile removes rel from the task's view. Deleting a path that does
// not exist returns an fs.ErrNotExist error.
func (tw *TaskWorkspace) DeleteFile(rel string) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	cleaned, e, err := tw.prepare(rel)
	if err != nil {
		return err
	}
	if !e.present {
		return &fs.PathError{Op: "delete", Path: cleaned, Err: fs.ErrNotExist}
	}
	if err := os.Remove(tw.stagedPath(cleaned)); err != nil && !os.IsNotExist(err) {
		return err
	}
	e.present = false
	tw.touched[cleaned] = true
	return nil
}

// Exists reports whether rel exists in the task's view.
func (tw *TaskWorkspace) Exists(rel string) (bool, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	_, e, err := tw.prepare(rel)
	if err != nil {
		return false, err
	}
	return e.present, nil
}

// Changes returns the net changes the task made, ordered by path. A path
// written back to its base content produces no change.
func (tw *TaskWorkspace) Changes() ([]FileChange, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.changesLocked()
}

func (tw *TaskWorkspace) changesLocked() ([]FileChange, error) {
	if tw.closed {
		return nil, errors.ErrWorkspaceClosed
	}
	paths := make([]string, 0, len(tw.touched))
	for p := range tw.touched {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var out []FileChange
	for _, p := range paths {
		e := tw.entries[p]
		next := ZeroHash
		if e.present {
			h, err := HashFile(tw.stagedPath(p))
			if err != nil {
				return nil, errors.Wrapf(err, "hash staged %s", p)
			}
			next = h
		}
		if next == e.base {
			continue
		}
		kind := ChangeModified
		switch {
		case e.base == ZeroHash:
			kind = ChangeAdded
		case next == ZeroHash:
			kind = ChangeDeleted
		}
		out = append(out, FileChange{Kind: kind, Path: p, OldHash: e.base, NewHash: next})
	}
	return out, nil
}

// TouchSet returns the declared touch-set.
func (tw *TaskWorkspace) TouchSet() touchset.Set { return tw.touch }

// ExpandedPaths returns the declared touch-set with globs expanded against
// the snapshot the workspace was opened on.
func (tw *TaskWorkspace) ExpandedPaths() []string {
	return append([]string(nil), tw.expanded...)
}

// TouchedPaths returns the expanded touch-set plus every path the task has
// written or deleted, sorted. These are the paths a commit locks.
func (tw *TaskWorkspace) TouchedPaths() []string {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.touchedPathsLocked()
}

func (tw *TaskWorkspace) touchedPathsLocked() []string {
	set := make(map[string]bool, len(tw.expanded)+len(tw.touched))
	for _, p := range tw.expanded {
		set[p] = true
	}
	for p := range tw.touched {
		set[p] = true
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// TaskID returns the owning task's id.
func (tw *TaskWorkspace) TaskID() string { return tw.taskID }

// AttemptID returns the unique id of this attempt.
func (tw *TaskWorkspace) AttemptID() string { return tw.attemptID }

// Dir returns the staging directory.
func (tw *TaskWorkspace) Dir() string { return tw.dir }

// Discard removes the staging directory. It is idempotent; after it the
// workspace rejects every operation with ErrWorkspaceClosed.
func (tw *TaskWorkspace) Discard() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.closed {
		return nil
	}
	tw.closed = true
	if err := os.RemoveAll(tw.dir); err != nil {
		return fmt.Errorf("remove staging dir: %w", err)
	}
	return nil
}
