package buildenv

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/testutil"
	"github.com/Iron-Ham/conductor/internal/touchset"
	"github.com/Iron-Ham/conductor/internal/workspace"
)

func newEnv(t *testing.T, files map[string]string, opts ...Option) (*Env, *workspace.Shared, string) {
	t.Helper()
	testutil.SkipIfNoShell(t)

	root := testutil.SetupWorkspace(t, files)
	shared, err := workspace.NewShared(root, workspace.WithStagingDir(t.TempDir()))
	if err != nil {
		t.Fatalf("NewShared() error = %v", err)
	}
	tmp := t.TempDir()
	return New(shared, append([]Option{WithTempDir(tmp)}, opts...)...), shared, tmp
}

func snapshot(t *testing.T, s *workspace.Shared) *workspace.Snapshot {
	t.Helper()
	snap, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	return snap
}

func TestRun_Pass(t *testing.T) {
	env, shared, _ := newEnv(t, map[string]string{"a.txt": "hello"})

	res := env.RunBuild(context.Background(), snapshot(t, shared), CommandSpec{Command: "cat a.txt"})
	if res.Status != StatusPass || res.Err != nil {
		t.Fatalf("Status = %s, Err = %v, want pass", res.Status, res.Err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if res.Output != "hello" {
		t.Errorf("Output = %q, want hello", res.Output)
	}
	if res.Failed() {
		t.Error("Failed() = true for a passing result")
	}
}

func TestRun_FailWithDiagnostics(t *testing.T) {
	env, shared, _ := newEnv(t, map[string]string{"main.go": "package main"})

	res := env.RunLint(context.Background(), snapshot(t, shared), CommandSpec{
		Command: "echo 'main.go:3:1: warning: shadowed' >&2; echo 'main.go:9:2: boom' >&2; exit 3",
	})
	if res.Status != StatusFail || res.Err != nil {
		t.Fatalf("Status = %s, Err = %v, want fail", res.Status, res.Err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if len(res.Diagnostics) != 2 {
		t.Fatalf("Diagnostics = %+v, want 2", res.Diagnostics)
	}
	if res.Diagnostics[0].Severity != SeverityWarning || res.Diagnostics[1].Severity != SeverityError {
		t.Errorf("severities = %s, %s", res.Diagnostics[0].Severity, res.Diagnostics[1].Severity)
	}
}

func TestRun_DoesNotTouchSharedWorkspace(t *testing.T) {
	env, shared, tmp := newEnv(t, map[string]string{"a.txt": "A", "b.txt": "B"})

	res := env.RunBuild(context.Background(), snapshot(t, shared), CommandSpec{
		Command: "echo changed > a.txt && rm b.txt && touch new.txt",
	})
	if res.Status != StatusPass {
		t.Fatalf("Status = %s (%s)", res.Status, res.Output)
	}
	if got := testutil.ReadFile(t, shared.Root(), "a.txt"); got != "A" {
		t.Errorf("shared a.txt = %q, want A", got)
	}
	if !testutil.FileExists(t, shared.Root(), "b.txt") || testutil.FileExists(t, shared.Root(), "new.txt") {
		t.Error("shared workspace was modified by the build")
	}
	entries, err := os.ReadDir(tmp)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("build dir not removed: %d entries left", len(entries))
	}
}

func TestRun_OnlySnapshotFiles(t *testing.T) {
	env, shared, _ := newEnv(t, map[string]string{"in.txt": "x", "out.txt": "y"})
	set, err := touchset.CompileSet([]string{"in.txt"})
	if err != nil {
		t.Fatal(err)
	}
	snap, err := shared.SnapshotOf(set)
	if err != nil {
		t.Fatal(err)
	}

	res := env.RunBuild(context.Background(), snap, CommandSpec{Command: "test -f in.txt && test ! -e out.txt"})
	if res.Status != StatusPass {
		t.Errorf("Status = %s, want pass (only snapshot files copied)", res.Status)
	}
}

func TestRun_SnapshotDrift(t *testing.T) {
	files := map[string]string{"a.txt": "old"}

	t.Run("lenient uses current content", func(t *testing.T) {
		env, shared, _ := newEnv(t, files)
		snap := snapshot(t, shared)
		testutil.WriteFile(t, shared.Root(), "a.txt", "new")

		res := env.RunBuild(context.Background(), snap, CommandSpec{Command: "cat a.txt"})
		if res.Status != StatusPass || res.Output != "new" {
			t.Errorf("Status = %s, Output = %q", res.Status, res.Output)
		}
	})

	t.Run("strict fails", func(t *testing.T) {
		env, shared, _ := newEnv(t, files, WithStrictSnapshot())
		snap := snapshot(t, shared)
		testutil.WriteFile(t, shared.Root(), "a.txt", "new")

		res := env.RunBuild(context.Background(), snap, CommandSpec{Command: "true"})
		if res.Status != StatusFail || res.Err == nil {
			t.Errorf("Status = %s, Err = %v, want fail with error", res.Status, res.Err)
		}
	})
}

func TestRun_Timeout(t *testing.T) {
	env, shared, _ := newEnv(t, nil)

	start := time.Now()
	res := env.RunTest(context.Background(), snapshot(t, shared), CommandSpec{
		Command: "sleep 5",
		Timeout: time.Second,
	})
	elapsed := time.Since(start)

	if res.Status != StatusTimeout {
		t.Fatalf("Status = %s, want timeout", res.Status)
	}
	if !res.Failed() {
		t.Error("Failed() = false for a timeout")
	}
	if elapsed > 4*time.Second {
		t.Errorf("Run took %s, want the process tree killed near the 1s timeout", elapsed)
	}
}

func TestRun_TimeoutKillsBackgroundChildren(t *testing.T) {
	env, shared, _ := newEnv(t, nil)

	start := time.Now()
	res := env.RunBuild(context.Background(), snapshot(t, shared), CommandSpec{
		Command: "sleep 5 & sleep 5; wait",
		Timeout: 500 * time.Millisecond,
	})
	if res.Status != StatusTimeout {
		t.Fatalf("Status = %s, want timeout", res.Status)
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Run took %s, background child kept the pipes open", elapsed)
	}
}

func TestRun_ContextCanceled(t *testing.T) {
	env, shared, _ := newEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res := env.RunBuild(ctx, snapshot(t, shared), CommandSpec{Command: "sleep 5"})
	if res.Status != StatusFail || !errors.Is(res.Err, context.Canceled) {
		t.Errorf("Status = %s, Err = %v, want fail with context.Canceled", res.Status, res.Err)
	}
}

func TestRun_Env(t *testing.T) {
	env, shared, _ := newEnv(t, nil)

	res := env.RunBuild(context.Background(), snapshot(t, shared), CommandSpec{
		Command: `test "$CONDUCTOR_TEST_VALUE" = bar`,
		Env:     []string{"CONDUCTOR_TEST_VALUE=bar"},
	})
	if res.Status != StatusPass {
		t.Errorf("Status = %s, want spec env visible to the command", res.Status)
	}
}

func TestRun_TestCountsAndTruncation(t *testing.T) {
	env, shared, _ := newEnv(t, nil, WithMaxOutput(24))

	res := env.RunTest(context.Background(), snapshot(t, shared), CommandSpec{
		Command: "printf 'noise noise noise noise\\n5 passed; 1 failed\\n'; exit 1",
	})
	if res.Status != StatusFail {
		t.Fatalf("Status = %s, want fail", res.Status)
	}
	if !res.Truncated || len(res.Output) != 24 {
		t.Errorf("Output = %q (truncated=%v), want last 24 bytes", res.Output, res.Truncated)
	}
	if res.TestsPassed != 5 || res.TestsFailed != 1 {
		t.Errorf("counts = %d/%d, want 5/1", res.TestsPassed, res.TestsFailed)
	}
	if !strings.Contains(res.Summary(), "5 passed, 1 failed") {
		t.Errorf("Summary() = %q", res.Summary())
	}
}
