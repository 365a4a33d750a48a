package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/conductor/internal/buildenv"
	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/filelock"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/taskgraph"
	"github.com/Iron-Ham/conductor/internal/testutil"
	"github.com/Iron-Ham/conductor/internal/workspace"
)

type fixture struct {
	root   string
	shared *workspace.Shared
	bus    *event.Bus
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	root := testutil.SetupWorkspace(t, files)
	bus := event.NewBus()
	t.Cleanup(bus.Close)
	shared, err := workspace.NewShared(root, workspace.WithStagingDir(t.TempDir()), workspace.WithEventBus(bus))
	if err != nil {
		t.Fatalf("NewShared() error = %v", err)
	}
	return &fixture{root: root, shared: shared, bus: bus}
}

func (f *fixture) pool(t *testing.T, tasks []taskgraph.Task, runner Runner, opts ...Option) *Pool {
	t.Helper()
	g, err := taskgraph.Build(tasks)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	opts = append([]Option{WithEventBus(f.bus)}, opts...)
	return New(g, f.shared, filelock.NewManager(), runner, opts...)
}

// appendLine appends "<task id>\n" to path.
func appendLine(path string) RunnerFunc {
	return func(_ context.Context, task taskgraph.Task, ws *workspace.TaskWorkspace) error {
		data, err := ws.ReadFile(path)
		if err != nil {
			return err
		}
		return ws.WriteFile(path, append(data, []byte(task.ID+"\n")...))
	}
}

type fakeValidator struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (v *fakeValidator) Validate(_ context.Context, snap *workspace.Snapshot) (buildenv.Verdict, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if !v.fail {
		return buildenv.Verdict{Passed: true, Results: []buildenv.ValidationResult{{Kind: buildenv.KindBuild, Status: buildenv.StatusPass}}}, nil
	}
	return buildenv.Verdict{
		Passed: false,
		Results: []buildenv.ValidationResult{{
			Kind:     buildenv.KindBuild,
			Command:  "go build ./...",
			Status:   buildenv.StatusFail,
			ExitCode: 1,
			Diagnostics: []buildenv.Diagnostic{
				{File: "a.go", Line: 3, Column: 2, Severity: buildenv.SeverityError, Message: "undefined: x"},
			},
		}},
	}, nil
}

func TestRun_SameFileTasksSerialize(t *testing.T) {
	f := newFixture(t, map[string]string{"file.txt": ""})
	p := f.pool(t, []taskgraph.Task{
		{ID: "a", Files: []string{"file.txt"}},
		{ID: "b", Files: []string{"file.txt"}},
	}, appendLine("file.txt"), WithWorkers(2))

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !report.Success() {
		t.Fatalf("report = %+v, want every task committed", report)
	}
	if got := testutil.ReadFile(t, f.root, "file.txt"); got != "a\nb\n" {
		t.Errorf("file.txt = %q, want %q", got, "a\nb\n")
	}
	for _, id := range []string{"a", "b"} {
		tr, ok := report.Task(id)
		if !ok {
			t.Fatalf("report has no task %s", id)
		}
		if tr.Attempts != 1 || len(tr.Conflicts) != 0 {
			t.Errorf("task %s: attempts = %d, conflicts = %d, want 1 and 0", id, tr.Attempts, len(tr.Conflicts))
		}
	}
}

func TestRun_DisjointTasksRunConcurrently(t *testing.T) {
	files := map[string]string{}
	var tasks []taskgraph.Task
	for i := range 6 {
		name := fmt.Sprintf("f%d.txt", i)
		files[name] = ""
		tasks = append(tasks, taskgraph.Task{ID: fmt.Sprintf("t%d", i), Files: []string{name}})
	}
	f := newFixture(t, files)

	var running, peak atomic.Int32
	release := make(chan struct{})
	runner := RunnerFunc(func(_ context.Context, task taskgraph.Task, ws *workspace.TaskWorkspace) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		return ws.WriteFile(task.Files[0], []byte(task.ID))
	})
	p := f.pool(t, tasks, runner, WithWorkers(3))

	var wg sync.WaitGroup
	var report *Report
	var runErr error
	wg.Go(func() { report, runErr = p.Run(context.Background()) })

	testutil.WaitFor(t, 5*time.Second, func() bool { return running.Load() == 3 }, "three attempts in flight")
	close(release)
	wg.Wait()

	if runErr != nil {
		t.Fatalf("Run() error = %v", runErr)
	}
	if report.Committed != 6 {
		t.Errorf("Committed = %d, want 6", report.Committed)
	}
	if got := peak.Load(); got != 3 {
		t.Errorf("peak concurrency = %d, want 3", got)
	}
}

func TestRun_ConflictRetries(t *testing.T) {
	tests := []struct {
		name       string
		retries    int
		wantStatus taskgraph.Status
		wantShared string
		wantTries  int
	}{
		{name: "retry succeeds", retries: 1, wantStatus: taskgraph.StatusCommitted, wantShared: "base\nb\na\n", wantTries: 2},
		{name: "no retries", retries: 0, wantStatus: taskgraph.StatusFailed, wantShared: "base\nb\n", wantTries: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, map[string]string{"a.txt": "", "b.txt": "", "shared.txt": "base\n"})

			aTouched := make(chan struct{})
			bCommitted := make(chan struct{})
			var once sync.Once
			f.bus.Subscribe(event.TypeTaskCommitted, func(e event.Event) {
				if e.(event.TaskCommittedEvent).TaskID == "b" {
					once.Do(func() { close(bCommitted) })
				}
			})
			var conflicted []event.TaskConflictedEvent
			var mu sync.Mutex
			f.bus.Subscribe(event.TypeTaskConflicted, func(e event.Event) {
				mu.Lock()
				defer mu.Unlock()
				conflicted = append(conflicted, e.(event.TaskConflictedEvent))
			})

			// a and b declare disjoint files but both edit shared.txt. a reads
			// its base before b commits and writes after, so its first commit
			// conflicts.
			runner := RunnerFunc(func(ctx context.Context, task taskgraph.Task, ws *workspace.TaskWorkspace) error {
				if task.ID == "a" && task.Attempts == 1 {
					if _, err := ws.ReadFile("shared.txt"); err != nil {
						return err
					}
					close(aTouched)
					<-bCommitted
				}
				if task.ID == "b" {
					<-aTouched
				}
				return appendLine("shared.txt")(ctx, task, ws)
			})
			p := f.pool(t, []taskgraph.Task{
				{ID: "a", Files: []string{"a.txt"}},
				{ID: "b", Files: []string{"b.txt"}},
			}, runner, WithWorkers(2), WithMaxConflictRetries(tt.retries))

			report, err := p.Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			a, _ := report.Task("a")
			if a.Status != tt.wantStatus {
				t.Errorf("a status = %s, want %s (reason %q)", a.Status, tt.wantStatus, a.FailureReason)
			}
			if a.Attempts != tt.wantTries {
				t.Errorf("a attempts = %d, want %d", a.Attempts, tt.wantTries)
			}
			if len(a.Conflicts) != 1 {
				t.Fatalf("a conflicts = %d, want 1", len(a.Conflicts))
			}
			if others := a.Conflicts[0].OtherTasks(); len(others) != 1 || others[0] != "b" {
				t.Errorf("conflict others = %v, want [b]", others)
			}
			if got := testutil.ReadFile(t, f.root, "shared.txt"); got != tt.wantShared {
				t.Errorf("shared.txt = %q, want %q", got, tt.wantShared)
			}

			if len(report.Retries) != 1 {
				t.Fatalf("report retries = %+v, want one entry for a", report.Retries)
			}
			if st := report.Retries[0]; st.TaskID != "a" || st.Conflicts != 1 || st.Succeeded != (tt.retries > 0) ||
				len(st.ConflictPaths) != 1 || len(st.ConflictPaths[0]) != 1 || st.ConflictPaths[0][0] != "shared.txt" {
				t.Errorf("retry state = %+v", st)
			}

			mu.Lock()
			defer mu.Unlock()
			if len(conflicted) != 1 || conflicted[0].WillRetry != (tt.retries > 0) {
				t.Errorf("conflict events = %+v", conflicted)
			}
		})
	}
}

func TestRun_GateFailureRevertsAndBlocks(t *testing.T) {
	f := newFixture(t, map[string]string{"a.go": "package a\n", "c.go": "package c\n"})

	var ran sync.Map
	runner := RunnerFunc(func(ctx context.Context, task taskgraph.Task, ws *workspace.TaskWorkspace) error {
		ran.Store(task.ID, true)
		return ws.WriteFile(task.Files[0], []byte("broken"))
	})
	v := &fakeValidator{fail: true}

	var validations atomic.Int32
	f.bus.Subscribe(event.TypeValidationCompleted, func(event.Event) { validations.Add(1) })
	var blocked []string
	f.bus.Subscribe(event.TypeTaskBlocked, func(e event.Event) {
		blocked = append(blocked, e.(event.TaskBlockedEvent).TaskID)
	})

	p := f.pool(t, []taskgraph.Task{
		{ID: "a", Files: []string{"a.go"}},
		{ID: "c", Files: []string{"c.go"}, DependsOn: []string{"a"}},
	}, runner, WithValidator(v), WithWorkers(2))

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	a, _ := report.Task("a")
	if a.Status != taskgraph.StatusFailed {
		t.Fatalf("a status = %s, want failed", a.Status)
	}
	if !strings.Contains(a.FailureReason, "build") {
		t.Errorf("a reason = %q, want it to name the build stage", a.FailureReason)
	}
	if len(a.Diagnostics) != 1 || !strings.Contains(a.Diagnostics[0], "a.go:3:2") {
		t.Errorf("a diagnostics = %v", a.Diagnostics)
	}
	if got := testutil.ReadFile(t, f.root, "a.go"); got != "package a\n" {
		t.Errorf("a.go = %q, want the pre-commit content", got)
	}

	c, _ := report.Task("c")
	if c.Status != taskgraph.StatusBlocked || c.Attempts != 0 {
		t.Errorf("c = %+v, want blocked with no attempts", c)
	}
	if _, ok := ran.Load("c"); ok {
		t.Error("c ran although its dependency failed validation")
	}
	if report.Failed != 1 || report.Blocked != 1 {
		t.Errorf("Failed = %d, Blocked = %d, want 1 and 1", report.Failed, report.Blocked)
	}
	if validations.Load() != 1 {
		t.Errorf("validation events = %d, want 1", validations.Load())
	}
	if len(blocked) != 1 || blocked[0] != "c" {
		t.Errorf("blocked events = %v, want [c]", blocked)
	}
}

func TestRun_GateSkippedWithoutChanges(t *testing.T) {
	f := newFixture(t, map[string]string{"a.go": "package a\n"})
	v := &fakeValidator{fail: true}
	runner := RunnerFunc(func(context.Context, taskgraph.Task, *workspace.TaskWorkspace) error { return nil })

	p := f.pool(t, []taskgraph.Task{
		{ID: "noop", Files: []string{"a.go"}},
		{ID: "nofiles"},
	}, runner, WithValidator(v))

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !report.Success() {
		t.Errorf("report = %+v, want success", report)
	}
	if v.calls != 0 {
		t.Errorf("validator calls = %d, want 0", v.calls)
	}
}

func TestRun_GateValidatesUndeclaredWrites(t *testing.T) {
	f := newFixture(t, map[string]string{"a.go": "package a\n"})
	v := &fakeValidator{fail: true}
	runner := RunnerFunc(func(_ context.Context, _ taskgraph.Task, ws *workspace.TaskWorkspace) error {
		return ws.WriteFile("a.go", []byte("broken"))
	})

	p := f.pool(t, []taskgraph.Task{{ID: "stray"}}, runner, WithValidator(v))

	report, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if v.calls != 1 {
		t.Errorf("validator calls = %d, want 1", v.calls)
	}
	if tr, _ := report.Task("stray"); tr.Status != taskgraph.StatusFailed {
		t.Errorf("stray status = %s, want failed", tr.Status)
	}
	if got := testutil.ReadFile(t, f.root, "a.go"); got != "package a\n" {
		t.Errorf("a.go = %q, want the pre-commit content", got)
	}
}

func TestRun_RunnerFailureBlocksDependents(t *testing.T) {
	tests := []struct {
		name   string
		runner RunnerFunc
		want   string
	}{
		{
			name: "error",
			runner: func(context.Context, taskgraph.Task, *workspace.TaskWorkspace) error {
				return fmt.Errorf("model refused")
			},
			want: "runner: model refused",
		},
		{
			name: "panic",
			runner: func(context.Context, taskgraph.Task, *workspace.TaskWorkspace) error {
				panic("boom")
			},
			want: "panic: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, map[string]string{"x.txt": "x"})
			runner := RunnerFunc(func(ctx context.Context, task taskgraph.Task, ws *workspace.TaskWorkspace) error {
				if task.ID == "root" {
					return tt.runner(ctx, task, ws)
				}
				return nil
			})
			p := f.pool(t, []taskgraph.Task{
				{ID: "root", Files: []string{"x.txt"}},
				{ID: "mid", DependsOn: []string{"root"}},
				{ID: "leaf", DependsOn: []string{"mid"}},
				{ID: "other"},
			}, runner)

			report, err := p.Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			root, _ := report.Task("root")
			if root.Status != taskgraph.StatusFailed || root.FailureReason != tt.want {
				t.Errorf("root = %s %q, want failed %q", root.Status, root.FailureReason, tt.want)
			}
			for _, id := range []string{"mid", "leaf"} {
				if tr, _ := report.Task(id); tr.Status != taskgraph.StatusBlocked {
					t.Errorf("%s status = %s, want blocked", id, tr.Status)
				}
			}
			if other, _ := report.Task("other"); other.Status != taskgraph.StatusCommitted {
				t.Errorf("other status = %s, want committed", other.Status)
			}
			if got := testutil.ReadFile(t, f.root, "x.txt"); got != "x" {
				t.Errorf("x.txt = %q, want it untouched", got)
			}
		})
	}
}

func TestRun_Cancellation(t *testing.T) {
	t.Run("before start", func(t *testing.T) {
		f := newFixture(t, map[string]string{"a.txt": ""})
		p := f.pool(t, []taskgraph.Task{{ID: "a", Files: []string{"a.txt"}}}, appendLine("a.txt"))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		report, err := p.Run(ctx)
		if !errors.Is(err, errors.ErrCanceled) {
			t.Errorf("Run() error = %v, want ErrCanceled", err)
		}
		if report.Abandoned != 1 || !report.Canceled {
			t.Errorf("report = %+v, want one abandoned task", report)
		}
		if got := testutil.ReadFile(t, f.root, "a.txt"); got != "" {
			t.Errorf("a.txt = %q, want untouched", got)
		}
	})

	t.Run("in-flight attempt completes", func(t *testing.T) {
		f := newFixture(t, map[string]string{"a.txt": "", "b.txt": ""})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		runner := RunnerFunc(func(rctx context.Context, task taskgraph.Task, ws *workspace.TaskWorkspace) error {
			if task.ID == "a" {
				cancel()
				if rctx.Err() != nil {
					return rctx.Err()
				}
			}
			return appendLine(task.Files[0])(rctx, task, ws)
		})
		p := f.pool(t, []taskgraph.Task{
			{ID: "a", Files: []string{"a.txt"}},
			{ID: "b", Files: []string{"b.txt"}, DependsOn: []string{"a"}},
		}, runner)

		report, err := p.Run(ctx)
		if !errors.Is(err, errors.ErrCanceled) {
			t.Errorf("Run() error = %v, want ErrCanceled", err)
		}
		if a, _ := report.Task("a"); a.Status != taskgraph.StatusCommitted {
			t.Errorf("a status = %s, want committed", a.Status)
		}
		b, _ := report.Task("b")
		if !b.Abandoned || b.Attempts != 0 {
			t.Errorf("b = %+v, want abandoned without attempts", b)
		}
		if got := testutil.ReadFile(t, f.root, "a.txt"); got != "a\n" {
			t.Errorf("a.txt = %q, want %q", got, "a\n")
		}
	})
}

func TestRun_Events(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": ""})
	var mu sync.Mutex
	var types []string
	f.bus.SubscribeAll(func(e event.Event) {
		if strings.HasPrefix(e.EventType(), "filelock.") {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		types = append(types, e.EventType())
	})

	p := f.pool(t, []taskgraph.Task{{ID: "a", Files: []string{"a.txt"}}}, appendLine("a.txt"), WithRunID("run-1"))
	if p.RunID() != "run-1" {
		t.Errorf("RunID() = %q", p.RunID())
	}
	if _, err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{event.TypeTaskStarted, event.TypeTaskCommitted, event.TypeRunCompleted}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", types, want)
	}
}

func TestLogError_LevelFollowsSeverity(t *testing.T) {
	dir := t.TempDir()
	logger, err := logging.NewLogger(dir, "debug")
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	logError(logger, "commit", errors.NewCommitError("apply", errors.ErrCommitIO))
	logError(logger, "timeout", errors.NewTimeoutError("go build", time.Second))
	logError(logger, "plain", fmt.Errorf("boom"))
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	entries, err := logging.ReadEntries(dir)
	if err != nil {
		t.Fatalf("ReadEntries() error = %v", err)
	}
	want := map[string]string{"commit": "ERROR", "timeout": "WARN", "plain": "ERROR"}
	if len(entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(entries), len(want))
	}
	for _, e := range entries {
		if e.Level != want[e.Message] {
			t.Errorf("%s logged at %s, want %s", e.Message, e.Level, want[e.Message])
		}
	}
}

func TestReport_Task(t *testing.T) {
	r := &Report{Tasks: []TaskReport{{ID: "a"}, {ID: "c"}}}
	if _, ok := r.Task("b"); ok {
		t.Error("Task(b) found a missing task")
	}
	if tr, ok := r.Task("c"); !ok || tr.ID != "c" {
		t.Errorf("Task(c) = %+v, %v", tr, ok)
	}
}
