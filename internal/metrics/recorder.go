package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Recorder records executor pool metrics. A nil Recorder records nothing.
type Recorder struct {
	attemptsStarted    metric.Int64Counter
	tasksFinished      metric.Int64Counter
	conflicts          metric.Int64Counter
	rollbacks          metric.Int64Counter
	inFlight           metric.Int64UpDownCounter
	attemptDuration    metric.Float64Histogram
	validationDuration metric.Float64Histogram
}

// NewRecorder creates the instruments on meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	var err error
	if r.attemptsStarted, err = meter.Int64Counter("conductor_attempts_started",
		metric.WithDescription("Task attempts started")); err != nil {
		return nil, err
	}
	if r.tasksFinished, err = meter.Int64Counter("conductor_tasks_finished",
		metric.WithDescription("Tasks reaching a terminal status, by status")); err != nil {
		return nil, err
	}
	if r.conflicts, err = meter.Int64Counter("conductor_commit_conflicts",
		metric.WithDescription("Commit attempts rejected because a touched path changed")); err != nil {
		return nil, err
	}
	if r.rollbacks, err = meter.Int64Counter("conductor_commit_rollbacks",
		metric.WithDescription("Commits rolled back after a partial apply failure")); err != nil {
		return nil, err
	}
	if r.inFlight, err = meter.Int64UpDownCounter("conductor_attempts_in_flight",
		metric.WithDescription("Attempts currently owned by a worker")); err != nil {
		return nil, err
	}
	if r.attemptDuration, err = meter.Float64Histogram("conductor_attempt_duration_seconds",
		metric.WithDescription("Duration of one task attempt"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if r.validationDuration, err = meter.Float64Histogram("conductor_validation_duration_seconds",
		metric.WithDescription("Duration of one validation command"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return r, nil
}

// AttemptStarted counts a started attempt.
func (r *Recorder) AttemptStarted(ctx context.Context) {
	if r == nil {
		return
	}
	r.attemptsStarted.Add(ctx, 1)
	r.inFlight.Add(ctx, 1)
}

// AttemptFinished records the duration of an attempt with its outcome.
func (r *Recorder) AttemptFinished(ctx context.Context, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.inFlight.Add(ctx, -1)
	r.attemptDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrStatus.String(outcome)))
}

// TaskFinished counts a task reaching a terminal status.
func (r *Recorder) TaskFinished(ctx context.Context, status string) {
	if r == nil {
		return
	}
	r.tasksFinished.Add(ctx, 1, metric.WithAttributes(AttrStatus.String(status)))
}

// Conflict counts a conflicted commit.
func (r *Recorder) Conflict(ctx context.Context) {
	if r == nil {
		return
	}
	r.conflicts.Add(ctx, 1)
}

// RolledBack counts a rolled back commit.
func (r *Recorder) RolledBack(ctx context.Context) {
	if r == nil {
		return
	}
	r.rollbacks.Add(ctx, 1)
}

// Validation records one validation command.
func (r *Recorder) Validation(ctx context.Context, stage, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.validationDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrStage.String(stage),
		AttrStatus.String(status),
	))
}
