package plan

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/taskgraph"
	"github.com/Iron-Ham/conductor/internal/workspace"
)

// ScriptedRunner replays each task's scripted edits through its workspace.
// Content may reference {{task}} and {{attempt}}, which expand to the task
// id and attempt number.
type ScriptedRunner struct {
	batch  *Batch
	bus    *event.Bus
	logger *logging.Logger
}

// RunnerOption configures a ScriptedRunner.
type RunnerOption func(*ScriptedRunner)

// WithRunnerEventBus publishes a progress event per applied edit.
func WithRunnerEventBus(bus *event.Bus) RunnerOption {
	return func(r *ScriptedRunner) { r.bus = bus }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l *logging.Logger) RunnerOption {
	return func(r *ScriptedRunner) { r.logger = l }
}

// NewScriptedRunner creates a runner for the tasks of b.
func NewScriptedRunner(b *Batch, opts ...RunnerOption) *ScriptedRunner {
	r := &ScriptedRunner{batch: b}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrNop(r.logger).WithPhase("script")
	return r
}

// Run applies the script for task to ws.
func (r *ScriptedRunner) Run(ctx context.Context, task taskgraph.Task, ws *workspace.TaskWorkspace) error {
	spec, ok := r.batch.Task(task.ID)
	if !ok {
		return fmt.Errorf("no script for task %s", task.ID)
	}
	if spec.Delay != "" {
		d, err := time.ParseDuration(spec.Delay)
		if err != nil {
			return fmt.Errorf("task %s: invalid delay %q: %w", task.ID, spec.Delay, err)
		}
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	if spec.Fail != "" {
		return fmt.Errorf("%s", spec.Fail)
	}

	expand := strings.NewReplacer(
		"{{task}}", task.ID,
		"{{attempt}}", fmt.Sprint(task.Attempts),
	).Replace

	for i, e := range spec.Edits {
		if err := apply(ws, e, expand); err != nil {
			return fmt.Errorf("edit %d (%s %s): %w", i, e.Op, e.Path, err)
		}
		r.bus.Publish(event.NewTaskProgressEvent(task.ID, fmt.Sprintf("%s %s", e.Op, e.Path)))
	}
	r.logger.Debug("script applied", "task_id", task.ID, "edits", len(spec.Edits))
	return nil
}

func apply(ws *workspace.TaskWorkspace, e Edit, expand func(string) string) error {
	switch e.Op {
	case OpWrite:
		return ws.WriteFile(e.Path, []byte(expand(e.Content)))
	case OpAppend:
		data, err := readOrEmpty(ws, e.Path)
		if err != nil {
			return err
		}
		return ws.WriteFile(e.Path, append(data, expand(e.Content)...))
	case OpReplace:
		data, err := ws.ReadFile(e.Path)
		if err != nil {
			return err
		}
		if !strings.Contains(string(data), e.Old) {
			return fmt.Errorf("text %q not found", e.Old)
		}
		return ws.WriteFile(e.Path, []byte(strings.ReplaceAll(string(data), e.Old, expand(e.Content))))
	case OpDelete:
		return ws.DeleteFile(e.Path)
	default:
		return fmt.Errorf("unknown op %q", e.Op)
	}
}

func readOrEmpty(ws *workspace.TaskWorkspace, rel string) ([]byte, error) {
	ok, err := ws.Exists(rel)
	if err != nil || !ok {
		return nil, err
	}
	return ws.ReadFile(rel)
}
