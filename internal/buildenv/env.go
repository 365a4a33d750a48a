// Package buildenv runs build, lint and test commands against an isolated
// copy of a workspace snapshot, so validation never touches the shared
// workspace and never sees edits made after the snapshot was taken.
package buildenv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/util"
	"github.com/Iron-Ham/conductor/internal/workspace"
)

const (
	// DefaultTimeout bounds a command whose spec has no timeout.
	DefaultTimeout = 10 * time.Minute

	// DefaultMaxOutput is how many trailing bytes of output are kept.
	DefaultMaxOutput = 64 * 1024

	// killGrace bounds how long Wait may block on inherited pipes after
	// the process tree was killed.
	killGrace = 2 * time.Second
)

// Env runs validation commands in throwaway copies of snapshots.
type Env struct {
	shared    *workspace.Shared
	tempRoot  string
	maxOutput int
	strict    bool
	logger    *logging.Logger
}

// Option configures an Env.
type Option func(*Env)

// WithTempDir sets where isolated copies are created.
func WithTempDir(dir string) Option {
	return func(e *Env) { e.tempRoot = dir }
}

// WithMaxOutput sets how many trailing bytes of output are kept.
func WithMaxOutput(n int) Option {
	return func(e *Env) { e.maxOutput = n }
}

// WithStrictSnapshot makes preparation fail when a file no longer matches
// its snapshot hash. By default the current content is used and a warning
// is logged.
func WithStrictSnapshot() Option {
	return func(e *Env) { e.strict = true }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Env) { e.logger = l }
}

// New creates an Env that copies files out of shared.
func New(shared *workspace.Shared, opts ...Option) *Env {
	e := &Env{
		shared:    shared,
		tempRoot:  os.TempDir(),
		maxOutput: DefaultMaxOutput,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrNop(e.logger).WithPhase("validate")
	return e
}

// RunBuild runs a build command.
func (e *Env) RunBuild(ctx context.Context, snap *workspace.Snapshot, spec CommandSpec) ValidationResult {
	return e.Run(ctx, KindBuild, snap, spec)
}

// RunLint runs a lint command.
func (e *Env) RunLint(ctx context.Context, snap *workspace.Snapshot, spec CommandSpec) ValidationResult {
	return e.Run(ctx, KindLint, snap, spec)
}

// RunTest runs a test command and parses pass/fail counts from its output.
func (e *Env) RunTest(ctx context.Context, snap *workspace.Snapshot, spec CommandSpec) ValidationResult {
	return e.Run(ctx, KindTest, snap, spec)
}

// Run copies snap into a fresh directory, runs spec.Command there under
// sh -c and removes the directory. A nil snap means a full snapshot of
// the shared workspace taken now.
func (e *Env) Run(ctx context.Context, kind Kind, snap *workspace.Snapshot, spec CommandSpec) ValidationResult {
	start := time.Now()
	res := ValidationResult{Kind: kind, Command: spec.Command, ExitCode: -1}
	log := e.logger.With("kind", string(kind))

	fail := func(err error) ValidationResult {
		res.Status = StatusFail
		res.Err = err
		res.Duration = time.Since(start)
		return res
	}

	if snap == nil {
		var err error
		if snap, err = e.shared.Snapshot(); err != nil {
			return fail(err)
		}
	}
	dir, err := e.prepare(snap)
	if dir != "" {
		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				log.Warn("failed to remove build dir", "dir", dir, "error", err)
			}
		}()
	}
	if err != nil {
		return fail(err)
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	out := util.NewTailBuffer(e.maxOutput)
	cmd := exec.Command("sh", "-c", spec.Command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = killGrace

	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("start %q: %w", spec.Command, err))
	}
	log.Debug("command started", "command", spec.Command, "pid", cmd.Process.Pid, "timeout", timeout)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	var timedOut, canceled bool
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		killProcessTree(cmd.Process.Pid)
		waitErr = <-done
	case <-ctx.Done():
		canceled = true
		killProcessTree(cmd.Process.Pid)
		waitErr = <-done
	}

	res.Duration = time.Since(start)
	res.Output = out.String()
	res.Truncated = out.Truncated()
	res.ExitCode = exitCode(waitErr)
	res.Diagnostics = ParseDiagnostics(res.Output)
	if kind == KindTest {
		res.TestsPassed, res.TestsFailed = ParseTestCounts(res.Output)
	}

	switch {
	case timedOut:
		res.Status = StatusTimeout
	case canceled:
		res.Status = StatusFail
		res.Err = ctx.Err()
	case waitErr == nil:
		res.Status = StatusPass
	default:
		res.Status = StatusFail
	}

	log.Info("command finished",
		"status", string(res.Status),
		"exit_code", res.ExitCode,
		"diagnostics", len(res.Diagnostics),
		"duration", res.Duration)
	return res
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// prepare copies every snapshot file into a new directory, checking each
// copy against its snapshot hash. The directory is returned even on error
// so the caller can remove it.
func (e *Env) prepare(snap *workspace.Snapshot) (string, error) {
	dir := filepath.Join(e.tempRoot, "conductor-build-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create build dir: %w", err)
	}

	for _, rel := range snap.Paths() {
		src, err := e.shared.Abs(rel)
		if err != nil {
			return dir, err
		}
		want := snap.Hash(rel)
		got, err := copyHashed(filepath.Join(dir, filepath.FromSlash(rel)), src)
		switch {
		case os.IsNotExist(err):
			if e.strict {
				return dir, fmt.Errorf("%s removed since snapshot", rel)
			}
			e.logger.Warn("snapshot file missing, skipped", "path", rel)
		case err != nil:
			return dir, fmt.Errorf("copy %s: %w", rel, err)
		case got != want:
			if e.strict {
				return dir, fmt.Errorf("%s changed since snapshot", rel)
			}
			e.logger.Warn("snapshot file changed, using current content", "path", rel)
		}
	}
	return dir, nil
}

// copyHashed copies src to dst, preserving permission bits, and returns
// the hash of the copied bytes.
func copyHashed(dst, src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}
	outFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return "", err
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(outFile, h), in); err != nil {
		_ = outFile.Close()
		return "", err
	}
	if err := outFile.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
