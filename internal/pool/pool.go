package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/conductor/internal/buildenv"
	"github.com/Iron-Ham/conductor/internal/conflict"
	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/metrics"
	"github.com/Iron-Ham/conductor/internal/retry"
	"github.com/Iron-Ham/conductor/internal/scheduler"
	"github.com/Iron-Ham/conductor/internal/taskgraph"
	"github.com/Iron-Ham/conductor/internal/touchset"
	"github.com/Iron-Ham/conductor/internal/workspace"
)

const (
	// DefaultWorkers is the pool size when none is configured.
	DefaultWorkers = 4

	// DefaultMaxConflictRetries is how many times a conflicted task is
	// retried before it fails.
	DefaultMaxConflictRetries = 3
)

// Runner performs the work of one task attempt, reading and writing only
// through ws.
type Runner interface {
	Run(ctx context.Context, task taskgraph.Task, ws *workspace.TaskWorkspace) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, task taskgraph.Task, ws *workspace.TaskWorkspace) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, task taskgraph.Task, ws *workspace.TaskWorkspace) error {
	return f(ctx, task, ws)
}

// Validator checks a snapshot of the shared workspace after a commit.
// *buildenv.Gate implements it.
type Validator interface {
	Validate(ctx context.Context, snap *workspace.Snapshot) (buildenv.Verdict, error)
}

// Pool runs a task graph to completion.
type Pool struct {
	graph     *taskgraph.Graph
	shared    *workspace.Shared
	locks     workspace.Locker
	runner    Runner
	validator Validator
	sched     *scheduler.Scheduler
	retries   *retry.Tracker

	workers    int
	maxRetries int
	runID      string
	bus        *event.Bus
	logger     *logging.Logger
	metrics    *metrics.Recorder
}

// Option configures a Pool.
type Option func(*Pool)

// WithWorkers sets the number of concurrent attempts. Values below one
// are treated as one.
func WithWorkers(n int) Option {
	return func(p *Pool) { p.workers = n }
}

// WithMaxConflictRetries sets how many conflicted commits a task may
// retry. Zero fails a task on its first conflict.
func WithMaxConflictRetries(n int) Option {
	return func(p *Pool) { p.maxRetries = n }
}

// WithValidator sets the post-commit validation gate.
func WithValidator(v Validator) Option {
	return func(p *Pool) { p.validator = v }
}

// WithEventBus sets the bus lifecycle events are published on.
func WithEventBus(bus *event.Bus) Option {
	return func(p *Pool) { p.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(p *Pool) { p.metrics = m }
}

// WithRunID sets the run id instead of generating one.
func WithRunID(id string) Option {
	return func(p *Pool) { p.runID = id }
}

// New creates a Pool over graph. Tasks read and commit through shared,
// taking write locks from locks, and are executed by runner.
func New(graph *taskgraph.Graph, shared *workspace.Shared, locks workspace.Locker, runner Runner, opts ...Option) *Pool {
	p := &Pool{
		graph:      graph,
		shared:     shared,
		locks:      locks,
		runner:     runner,
		workers:    DefaultWorkers,
		maxRetries: DefaultMaxConflictRetries,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workers < 1 {
		p.workers = 1
	}
	if p.maxRetries < 0 {
		p.maxRetries = 0
	}
	if p.runID == "" {
		p.runID = uuid.NewString()[:8]
	}
	p.logger = logging.OrNop(p.logger).WithRun(p.runID)
	p.sched = scheduler.New(graph, scheduler.WithLogger(p.logger))
	p.retries = retry.NewTracker(p.maxRetries)
	return p
}

// RunID returns the id of this pool's run.
func (p *Pool) RunID() string { return p.runID }

// outcome is how an attempt ended from the graph's point of view.
type outcome int

const (
	outcomeCommitted outcome = iota
	outcomeConflicted
	outcomeFailed
)

func (o outcome) String() string {
	switch o {
	case outcomeCommitted:
		return "committed"
	case outcomeConflicted:
		return "conflicted"
	default:
		return "failed"
	}
}

// attemptResult is what a worker reports back to the coordinator.
type attemptResult struct {
	taskID      string
	attempt     int
	worker      int
	outcome     outcome
	changed     []string
	report      *conflict.Report
	reason      string
	diagnostics []string
	duration    time.Duration
}

// Run executes the graph until every task is terminal or ctx is canceled.
// On cancellation no new attempt starts; attempts already running finish
// and commit, and tasks that never started are reported as abandoned. The
// returned error is non-nil only on cancellation; task failures are in the
// report.
func (p *Pool) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	log := p.logger.WithPhase("run")
	log.Info("run started", "tasks", p.graph.Len(), "workers", p.workers, "max_retries", p.maxRetries)

	var g errgroup.Group
	results := make(chan attemptResult, p.workers)
	inFlight := make(map[string][]string, p.workers)
	records := make(map[string]*taskRecord)

	free := make([]int, p.workers)
	for i := range free {
		free[i] = p.workers - 1 - i
	}

	done := ctx.Done()
	canceled := false
	for {
		if !canceled && ctx.Err() != nil {
			canceled = true
			done = nil
		}
		if !canceled {
			for _, t := range p.sched.Next(touchSets(inFlight), len(free)) {
				if err := p.graph.MarkRunning(t.ID); err != nil {
					log.Error("could not start task", "task_id", t.ID, "error", err)
					continue
				}
				t, _ = p.graph.Task(t.ID)
				worker := free[len(free)-1]
				free = free[:len(free)-1]
				inFlight[t.ID] = t.Files

				g.Go(func() error {
					results <- p.attempt(ctx, t, worker)
					return nil
				})
			}
		}
		if len(inFlight) == 0 {
			break
		}

		select {
		case r := <-results:
			delete(inFlight, r.taskID)
			free = append(free, r.worker)
			p.resolve(ctx, r, records)
		case <-done:
			canceled = true
			done = nil
			log.Warn("run canceled, waiting for in-flight attempts", "in_flight", len(inFlight))
		}
	}
	_ = g.Wait()

	report := buildReport(p.runID, p.graph, records, p.retries.States(), canceled, time.Since(start))
	p.bus.Publish(event.NewRunCompletedEvent(p.runID, report.Committed, report.Failed, report.Blocked, report.Abandoned, report.Duration))
	log.Info("run finished",
		"committed", report.Committed,
		"failed", report.Failed,
		"blocked", report.Blocked,
		"abandoned", report.Abandoned,
		"retries_exhausted", p.retries.Exhausted(),
		"duration", report.Duration)

	if canceled {
		return report, errors.Wrap(errors.ErrCanceled, ctx.Err().Error())
	}
	return report, nil
}

func touchSets(inFlight map[string][]string) [][]string {
	ids := make([]string, 0, len(inFlight))
	for id := range inFlight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([][]string, len(ids))
	for i, id := range ids {
		out[i] = inFlight[id]
	}
	return out
}

// attempt runs one attempt of task on a worker. Once started, an attempt
// is not interrupted by cancellation of ctx.
func (p *Pool) attempt(ctx context.Context, task taskgraph.Task, worker int) (res attemptResult) {
	start := time.Now()
	res = attemptResult{taskID: task.ID, attempt: task.Attempts, worker: worker, outcome: outcomeFailed}
	log := p.logger.WithTask(task.ID).WithWorker(worker)
	runCtx := context.WithoutCancel(ctx)

	p.metrics.AttemptStarted(runCtx)
	defer func() {
		if r := recover(); r != nil {
			log.Error("attempt panicked", "panic", r, "stack", string(debug.Stack()))
			res.outcome = outcomeFailed
			res.reason = fmt.Sprintf("panic: %v", r)
		}
		res.duration = time.Since(start)
		p.metrics.AttemptFinished(runCtx, res.outcome.String(), res.duration)
	}()

	set, err := touchset.CompileSet(task.Files)
	if err != nil {
		res.reason = fmt.Sprintf("invalid touch-set: %v", err)
		return res
	}
	snap, err := p.shared.SnapshotOf(set)
	if err != nil {
		res.reason = fmt.Sprintf("snapshot: %v", err)
		return res
	}
	tw, err := workspace.Open(p.shared, snap, task.ID, set)
	if err != nil {
		res.reason = fmt.Sprintf("open workspace: %v", err)
		return res
	}
	defer func() {
		if err := tw.Discard(); err != nil {
			log.Warn("failed to discard task workspace", "error", err)
		}
	}()

	p.bus.Publish(event.NewTaskStartedEvent(task.ID, tw.AttemptID(), task.Attempts, worker))
	log.Info("attempt started", "attempt", task.Attempts, "attempt_id", tw.AttemptID())

	if err := p.runner.Run(runCtx, task, tw); err != nil {
		res.reason = fmt.Sprintf("runner: %v", err)
		log.Warn("runner failed", "error", err)
		return res
	}

	cr := workspace.Commit(runCtx, tw, p.locks)
	switch {
	case errors.IsRetryable(cr.Err):
		res.outcome = outcomeConflicted
		res.report = cr.Report
		res.reason = cr.Report.String()
		return res
	case cr.Err != nil:
		p.metrics.RolledBack(runCtx)
		logError(log, "commit rolled back", cr.Err)
		res.reason = "commit rolled back: " + cr.Reason
		return res
	}
	res.changed = cr.ChangedPaths()

	if p.validator != nil && len(cr.Changes) > 0 {
		if reason, diags, ok := p.validate(runCtx, task.ID, log); !ok {
			if err := workspace.Revert(runCtx, tw, p.locks); err != nil {
				log.Error("could not revert commit after failed validation", "error", err)
				reason += "; revert failed: " + err.Error()
			} else {
				res.changed = nil
			}
			res.reason = reason
			res.diagnostics = diags
			return res
		}
	}

	res.outcome = outcomeCommitted
	return res
}

// validate runs the gate on a full snapshot and publishes one event per
// stage that ran.
func (p *Pool) validate(ctx context.Context, taskID string, log *logging.Logger) (string, []string, bool) {
	snap, err := p.shared.Snapshot()
	if err != nil {
		return fmt.Sprintf("validation snapshot: %v", err), nil, false
	}
	verdict, err := p.validator.Validate(ctx, snap)
	for _, r := range verdict.Results {
		p.metrics.Validation(ctx, string(r.Kind), string(r.Status), r.Duration)
		p.bus.Publish(event.NewValidationCompletedEvent(taskID, string(r.Kind), string(r.Status), len(r.Diagnostics), r.Duration))
	}
	if err != nil {
		logError(log, "validation could not run", err)
		return fmt.Sprintf("validation: %v", err), verdict.Diagnostics(), false
	}
	if !verdict.Passed {
		return verdict.Error(taskID).Error(), verdict.Diagnostics(), false
	}
	return "", nil, true
}

// resolve applies an attempt's result to the graph. It runs only on the
// coordinating goroutine.
func (p *Pool) resolve(ctx context.Context, r attemptResult, records map[string]*taskRecord) {
	log := p.logger.WithTask(r.taskID)
	rec := records[r.taskID]
	if rec == nil {
		rec = &taskRecord{}
		records[r.taskID] = rec
	}
	rec.duration += r.duration

	switch r.outcome {
	case outcomeCommitted:
		unblocked, err := p.graph.MarkCommitted(r.taskID)
		if err != nil {
			log.Error("could not mark committed", "error", err)
			return
		}
		rec.changed = r.changed
		p.retries.RecordSuccess(r.taskID)
		p.metrics.TaskFinished(ctx, string(taskgraph.StatusCommitted))
		p.bus.Publish(event.NewTaskCommittedEvent(r.taskID, r.attempt, r.changed, unblocked))
		log.Info("task committed", "attempt", r.attempt, "paths", len(r.changed), "unblocked", unblocked)

	case outcomeConflicted:
		if err := p.graph.MarkConflicted(r.taskID); err != nil {
			log.Error("could not mark conflicted", "error", err)
			return
		}
		rec.conflicts = append(rec.conflicts, r.report)
		p.metrics.Conflict(ctx)
		willRetry := p.retries.RecordConflict(r.taskID, r.report.Paths(), r.reason)
		p.bus.Publish(event.NewTaskConflictedEvent(r.taskID, r.attempt, r.report.Paths(), r.report.OtherTasks(), willRetry))
		if willRetry {
			log.Info("task conflicted, requeued", "attempt", r.attempt, "paths", r.report.Paths())
			if err := p.graph.Requeue(r.taskID); err != nil {
				log.Error("could not requeue", "error", err)
			}
			return
		}
		p.fail(ctx, r.taskID, r.attempt,
			fmt.Sprintf("conflict retries exhausted after %d attempt(s): %s", r.attempt, r.reason), nil)

	default:
		p.fail(ctx, r.taskID, r.attempt, r.reason, r.diagnostics)
	}
}

// logError logs err at the level matching its severity.
func logError(log *logging.Logger, msg string, err error, args ...any) {
	args = append(args, "error", err)
	switch errors.GetSeverity(err) {
	case errors.SeverityError, errors.SeverityCritical:
		log.Error(msg, args...)
	case errors.SeverityWarning:
		log.Warn(msg, args...)
	case errors.SeverityInfo:
		log.Info(msg, args...)
	default:
		log.Debug(msg, args...)
	}
}

func (p *Pool) fail(ctx context.Context, taskID string, attempts int, reason string, diagnostics []string) {
	log := p.logger.WithTask(taskID)
	if len(diagnostics) > 0 {
		if err := p.graph.SetDiagnostics(taskID, diagnostics); err != nil {
			log.Error("could not record diagnostics", "error", err)
		}
	}
	blocked, err := p.graph.MarkFailed(taskID, reason)
	if err != nil {
		log.Error("could not mark failed", "error", err)
		return
	}
	p.metrics.TaskFinished(ctx, string(taskgraph.StatusFailed))
	p.bus.Publish(event.NewTaskFailedEvent(taskID, attempts, reason, blocked))
	for _, id := range blocked {
		p.metrics.TaskFinished(ctx, string(taskgraph.StatusBlocked))
		p.bus.Publish(event.NewTaskBlockedEvent(id, taskID))
	}
	log.Warn("task failed", "attempts", attempts, "reason", reason, "blocked", blocked)
}
