package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "task.started", "filelock.acquired")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers.
const (
	TypeTaskStarted         = "task.started"
	TypeTaskProgress        = "task.progress"
	TypeTaskCommitted       = "task.committed"
	TypeTaskConflicted      = "task.conflicted"
	TypeTaskFailed          = "task.failed"
	TypeTaskBlocked         = "task.blocked"
	TypeCommitRolledBack    = "commit.rolled_back"
	TypeValidationCompleted = "validation.completed"
	TypeFileLockAcquired    = "filelock.acquired"
	TypeFileLockReleased    = "filelock.released"
	TypeWorkspaceDrift      = "workspace.drift"
	TypeRunCompleted        = "run.completed"
)

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Task Lifecycle Events
// -----------------------------------------------------------------------------

// TaskStartedEvent is emitted when a worker opens a workspace for an attempt.
type TaskStartedEvent struct {
	baseEvent
	TaskID    string
	AttemptID string // unique per attempt
	Attempt   int    // 1-based
	Worker    int
}

// NewTaskStartedEvent creates a TaskStartedEvent.
func NewTaskStartedEvent(taskID, attemptID string, attempt, worker int) TaskStartedEvent {
	return TaskStartedEvent{
		baseEvent: newBaseEvent(TypeTaskStarted),
		TaskID:    taskID,
		AttemptID: attemptID,
		Attempt:   attempt,
		Worker:    worker,
	}
}

// TaskProgressEvent carries a free-form progress message from a running task.
type TaskProgressEvent struct {
	baseEvent
	TaskID  string
	Message string
}

// NewTaskProgressEvent creates a TaskProgressEvent.
func NewTaskProgressEvent(taskID, message string) TaskProgressEvent {
	return TaskProgressEvent{
		baseEvent: newBaseEvent(TypeTaskProgress),
		TaskID:    taskID,
		Message:   message,
	}
}

// TaskCommittedEvent is emitted once a task's changes are applied and, when
// a gate is configured, validated.
type TaskCommittedEvent struct {
	baseEvent
	TaskID    string
	Attempt   int
	Paths     []string
	Unblocked []string // dependents that became ready
}

// NewTaskCommittedEvent creates a TaskCommittedEvent.
func NewTaskCommittedEvent(taskID string, attempt int, paths, unblocked []string) TaskCommittedEvent {
	return TaskCommittedEvent{
		baseEvent: newBaseEvent(TypeTaskCommitted),
		TaskID:    taskID,
		Attempt:   attempt,
		Paths:     paths,
		Unblocked: unblocked,
	}
}

// TaskConflictedEvent is emitted when a commit finds that touched paths
// changed since the workspace was opened.
type TaskConflictedEvent struct {
	baseEvent
	TaskID     string
	Attempt    int
	Paths      []string
	OtherTasks []string // last committers of the conflicting paths
	WillRetry  bool
}

// NewTaskConflictedEvent creates a TaskConflictedEvent.
func NewTaskConflictedEvent(taskID string, attempt int, paths, others []string, willRetry bool) TaskConflictedEvent {
	return TaskConflictedEvent{
		baseEvent:  newBaseEvent(TypeTaskConflicted),
		TaskID:     taskID,
		Attempt:    attempt,
		Paths:      paths,
		OtherTasks: others,
		WillRetry:  willRetry,
	}
}

// TaskFailedEvent is emitted when a task reaches the Failed status.
type TaskFailedEvent struct {
	baseEvent
	TaskID   string
	Attempts int
	Reason   string
	Blocked  []string // dependents that became blocked
}

// NewTaskFailedEvent creates a TaskFailedEvent.
func NewTaskFailedEvent(taskID string, attempts int, reason string, blocked []string) TaskFailedEvent {
	return TaskFailedEvent{
		baseEvent: newBaseEvent(TypeTaskFailed),
		TaskID:    taskID,
		Attempts:  attempts,
		Reason:    reason,
		Blocked:   blocked,
	}
}

// TaskBlockedEvent is emitted for each dependent that can no longer run.
type TaskBlockedEvent struct {
	baseEvent
	TaskID    string
	BlockedBy string // the failed task that caused the block
}

// NewTaskBlockedEvent creates a TaskBlockedEvent.
func NewTaskBlockedEvent(taskID, blockedBy string) TaskBlockedEvent {
	return TaskBlockedEvent{
		baseEvent: newBaseEvent(TypeTaskBlocked),
		TaskID:    taskID,
		BlockedBy: blockedBy,
	}
}

// -----------------------------------------------------------------------------
// Commit and Validation Events
// -----------------------------------------------------------------------------

// CommitRolledBackEvent is emitted when applying a commit failed partway and
// the touched paths were restored.
type CommitRolledBackEvent struct {
	baseEvent
	TaskID string
	Paths  []string
	Reason string
}

// NewCommitRolledBackEvent creates a CommitRolledBackEvent.
func NewCommitRolledBackEvent(taskID string, paths []string, reason string) CommitRolledBackEvent {
	return CommitRolledBackEvent{
		baseEvent: newBaseEvent(TypeCommitRolledBack),
		TaskID:    taskID,
		Paths:     paths,
		Reason:    reason,
	}
}

// ValidationCompletedEvent is emitted after a gate stage ran for a task.
type ValidationCompletedEvent struct {
	baseEvent
	TaskID      string
	Stage       string // build, lint or test
	Status      string // pass, fail or timeout
	Diagnostics int
	Duration    time.Duration
}

// NewValidationCompletedEvent creates a ValidationCompletedEvent.
func NewValidationCompletedEvent(taskID, stage, status string, diagnostics int, duration time.Duration) ValidationCompletedEvent {
	return ValidationCompletedEvent{
		baseEvent:   newBaseEvent(TypeValidationCompleted),
		TaskID:      taskID,
		Stage:       stage,
		Status:      status,
		Diagnostics: diagnostics,
		Duration:    duration,
	}
}

// Passed reports whether the stage passed.
func (e ValidationCompletedEvent) Passed() bool {
	return e.Status == "pass"
}

// -----------------------------------------------------------------------------
// File Lock Events
// -----------------------------------------------------------------------------

// FileLockAcquiredEvent is emitted when a read or write lock is granted.
type FileLockAcquiredEvent struct {
	baseEvent
	Path   string
	Mode   string // "read" or "write"
	Waited time.Duration
}

// NewFileLockAcquiredEvent creates a FileLockAcquiredEvent.
func NewFileLockAcquiredEvent(path, mode string, waited time.Duration) FileLockAcquiredEvent {
	return FileLockAcquiredEvent{
		baseEvent: newBaseEvent(TypeFileLockAcquired),
		Path:      path,
		Mode:      mode,
		Waited:    waited,
	}
}

// FileLockReleasedEvent is emitted when a guard is released.
type FileLockReleasedEvent struct {
	baseEvent
	Path string
	Mode string
}

// NewFileLockReleasedEvent creates a FileLockReleasedEvent.
func NewFileLockReleasedEvent(path, mode string) FileLockReleasedEvent {
	return FileLockReleasedEvent{
		baseEvent: newBaseEvent(TypeFileLockReleased),
		Path:      path,
		Mode:      mode,
	}
}

// -----------------------------------------------------------------------------
// Workspace Events
// -----------------------------------------------------------------------------

// WorkspaceDriftEvent is emitted when a file in the shared workspace changes
// without going through a commit.
type WorkspaceDriftEvent struct {
	baseEvent
	Path string
	Op   string // fsnotify operation, e.g. "WRITE" or "REMOVE"
}

// NewWorkspaceDriftEvent creates a WorkspaceDriftEvent.
func NewWorkspaceDriftEvent(path, op string) WorkspaceDriftEvent {
	return WorkspaceDriftEvent{
		baseEvent: newBaseEvent(TypeWorkspaceDrift),
		Path:      path,
		Op:        op,
	}
}

// RunCompletedEvent is emitted once when a pool run finishes.
type RunCompletedEvent struct {
	baseEvent
	RunID     string
	Committed int
	Failed    int
	Blocked   int
	Abandoned int
	Duration  time.Duration
}

// NewRunCompletedEvent creates a RunCompletedEvent.
func NewRunCompletedEvent(runID string, committed, failed, blocked, abandoned int, duration time.Duration) RunCompletedEvent {
	return RunCompletedEvent{
		baseEvent: newBaseEvent(TypeRunCompleted),
		RunID:     runID,
		Committed: committed,
		Failed:    failed,
		Blocked:   blocked,
		Abandoned: abandoned,
		Duration:  duration,
	}
}
