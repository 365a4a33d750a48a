package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/conductor/internal/conflict"
	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/filelock"
)

// Outcome is the result of a commit attempt.
type Outcome string

const (
	// Applied: every change is now in the shared workspace.
	Applied Outcome = "applied"
	// Conflicted: a changed path moved since the workspace was opened.
	// Nothing was applied.
	Conflicted Outcome = "conflicted"
	// RolledBack: applying failed partway and every path was restored.
	RolledBack Outcome = "rolled_back"
)

// CommitResult describes a commit attempt. Report is set for Conflicted,
// Reason for RolledBack, Err for both.
type CommitResult struct {
	Outcome Outcome
	Changes []FileChange
	Report  *conflict.Report
	Reason  string
	Err     error
}

// ChangedPaths returns the paths of the committed changes.
func (r CommitResult) ChangedPaths() []string {
	return pathsOf(r.Changes)
}

// Locker acquires write locks on a set of paths in a global order.
type Locker interface {
	AcquireWriteAll(ctx context.Context, paths []string) (*filelock.MultiGuard, error)
}

// Commit applies the task's changes to the shared workspace under write
// locks on every touched path. Changes are applied only if every changed
// path still has the hash the task saw when it first touched it.
func Commit(ctx context.Context, tw *TaskWorkspace, locks Locker) CommitResult {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	s := tw.shared
	log := s.logger.WithTask(tw.taskID).WithPhase("commit")

	changes, err := tw.changesLocked()
	if err != nil {
		return rolledBack(nil, "read changes", errors.NewCommitError("read changes", err).WithTaskID(tw.taskID))
	}
	paths := tw.touchedPathsLocked()

	guard, err := locks.AcquireWriteAll(ctx, paths)
	if err != nil {
		return rolledBack(changes, "acquire locks", errors.NewCommitError("acquire locks", err).WithTaskID(tw.taskID))
	}
	defer guard.Release()

	if len(changes) == 0 {
		log.Debug("nothing to commit")
		return CommitResult{Outcome: Applied}
	}

	var conflicts []conflict.FileConflict
	for _, c := range changes {
		current, err := HashFile(s.abs(c.Path))
		if err != nil {
			return rolledBack(changes, "hash "+c.Path, errors.NewCommitError("hash shared file", fmt.Errorf("%s: %w: %v", c.Path, errors.ErrCommitIO, err)).WithTaskID(tw.taskID))
		}
		if current != c.OldHash {
			conflicts = append(conflicts, conflict.FileConflict{
				Path:        c.Path,
				TaskID:      tw.taskID,
				OtherTaskID: s.LastCommitter(c.Path),
				Kind:        conflict.Classify(c.OldHash, current, c.NewHash),
				BaseHash:    c.OldHash,
				CurrentHash: current,
			})
		}
	}
	if len(conflicts) > 0 {
		report := conflict.NewReport(conflicts)
		log.Info("commit conflicted", "paths", report.Paths(), "others", report.OtherTasks())
		return CommitResult{
			Outcome: Conflicted,
			Changes: changes,
			Report:  report,
			Err: errors.NewCommitError("shared content changed since open", errors.ErrCommitConflict).
				WithTaskID(tw.taskID).WithPaths(report.Paths()),
		}
	}

	backups := make(map[string]string, len(changes))
	for i, c := range changes {
		if err := tw.apply(c, backups); err != nil {
			reason := fmt.Sprintf("apply %s: %v", c.Path, err)
			if rbErr := tw.restore(changes[:i+1], backups); rbErr != nil {
				log.Error("rollback incomplete", "error", rbErr)
				reason += "; rollback: " + rbErr.Error()
			}
			log.Warn("commit rolled back", "reason", reason)
			s.bus.Publish(event.NewCommitRolledBackEvent(tw.taskID, pathsOf(changes), reason))
			return rolledBack(changes, reason,
				errors.NewCommitError(reason, errors.ErrCommitIO).WithTaskID(tw.taskID).WithPaths(pathsOf(changes)))
		}
	}

	changed := pathsOf(changes)
	tw.committed = s.recordCommit(tw.taskID, changed)
	s.noteOwnWrites(changed)
	tw.applied = changes
	tw.backups = backups

	log.Info("commit applied", "changes", len(changes))
	return CommitResult{Outcome: Applied, Changes: changes}
}

func rolledBack(changes []FileChange, reason string, err error) CommitResult {
	return CommitResult{Outcome: RolledBack, Changes: changes, Reason: reason, Err: err}
}

func pathsOf(changes []FileChange) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.Path
	}
	return out
}

// apply backs up the shared content of c.Path, then writes or removes it.
// backups maps each backed-up path to its copy; paths absent before the
// change have no entry.
func (tw *TaskWorkspace) apply(c FileChange, backups map[string]string) error {
	dst := tw.shared.abs(c.Path)

	if c.OldHash != ZeroHash {
		bak := tw.backupPath(c.Path)
		if err := os.MkdirAll(filepath.Dir(bak), 0755); err != nil {
			return err
		}
		if err := copyFileAtomic(bak, dst, fileMode(dst, 0644)); err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		backups[c.Path] = bak
	}

	if hook := tw.shared.beforeApply; hook != nil {
		if err := hook(c.Path); err != nil {
			return err
		}
	}

	if c.Kind == ChangeDeleted {
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return copyFileAtomic(dst, tw.stagedPath(c.Path), tw.entries[c.Path].mode)
}

// restore puts changes back to their pre-change content in reverse order.
// It keeps going after an error so as much as possible is restored.
func (tw *TaskWorkspace) restore(changes []FileChange, backups map[string]string) error {
	var errs []error
	for i := len(changes) - 1; i >= 0; i-- {
		c := changes[i]
		dst := tw.shared.abs(c.Path)
		bak, ok := backups[c.Path]
		switch {
		case ok:
			if err := copyFileAtomic(dst, bak, fileMode(bak, 0644)); err != nil {
				errs = append(errs, fmt.Errorf("restore %s: %w", c.Path, err))
			}
		case c.OldHash == ZeroHash:
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				errs = append(errs, fmt.Errorf("remove %s: %w", c.Path, err))
			}
		}
	}
	tw.shared.noteOwnWrites(pathsOf(changes))
	return errors.Join(errs...)
}

// Revert undoes a previously applied commit, for example after a failed
// validation gate. Every changed path must still hold the content the
// commit wrote; if another commit has since changed one, nothing is
// reverted and a conflict CommitError is returned.
func Revert(ctx context.Context, tw *TaskWorkspace, locks Locker) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	if tw.closed {
		return errors.ErrWorkspaceClosed
	}
	if len(tw.applied) == 0 {
		return nil
	}
	s := tw.shared
	changed := pathsOf(tw.applied)

	guard, err := locks.AcquireWriteAll(ctx, changed)
	if err != nil {
		return errors.NewCommitError("acquire locks for revert", err).WithTaskID(tw.taskID)
	}
	defer guard.Release()

	var moved []string
	for _, c := range tw.applied {
		current, err := HashFile(s.abs(c.Path))
		if err != nil {
			return errors.NewCommitError("hash shared file", fmt.Errorf("%s: %w: %v", c.Path, errors.ErrCommitIO, err)).WithTaskID(tw.taskID)
		}
		if current != c.NewHash {
			moved = append(moved, c.Path)
		}
	}
	if len(moved) > 0 {
		return errors.NewCommitError("revert refused, paths changed after commit", errors.ErrCommitConflict).
			WithTaskID(tw.taskID).WithPaths(moved)
	}

	if err := tw.restore(tw.applied, tw.backups); err != nil {
		return errors.NewCommitError(err.Error(), errors.ErrCommitIO).WithTaskID(tw.taskID).WithPaths(changed)
	}
	s.restoreCommitters(tw.committed)
	s.logger.WithTask(tw.taskID).Info("commit reverted", "paths", changed)

	tw.applied, tw.backups, tw.committed = nil, nil, nil
	return nil
}
