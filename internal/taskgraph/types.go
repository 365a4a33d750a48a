package taskgraph

import (
	"fmt"
	"strings"
)

// Status represents the lifecycle state of a task within one batch run.
type Status string

const (
	// StatusPending indicates at least one dependency has not committed yet.
	StatusPending Status = "pending"

	// StatusReady indicates every dependency has committed and the task may
	// be scheduled.
	StatusReady Status = "ready"

	// StatusRunning indicates a worker owns an attempt of the task.
	StatusRunning Status = "running"

	// StatusCommitted indicates the task's changes were applied to the
	// shared workspace.
	StatusCommitted Status = "committed"

	// StatusConflicted indicates the last commit attempt found that touched
	// paths changed underneath it. The task is either requeued or failed.
	StatusConflicted Status = "conflicted"

	// StatusBlocked indicates a dependency failed, so the task can never run.
	StatusBlocked Status = "blocked"

	// StatusFailed indicates the task failed terminally.
	StatusFailed Status = "failed"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if this status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCommitted || s == StatusFailed || s == StatusBlocked
}

// Priority orders ready tasks. Higher priorities are scheduled first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = [...]string{"low", "medium", "high", "critical"}

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	if p < PriorityLow || p > PriorityCritical {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority converts a case-insensitive name to a Priority. The empty
// string maps to PriorityMedium.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "medium", "normal":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityMedium, fmt.Errorf("unknown priority %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Priority) UnmarshalText(text []byte) error {
	v, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Task is one code-modification unit of a batch.
type Task struct {
	ID          string   `json:"id" yaml:"id"`
	Title       string   `json:"title,omitempty" yaml:"title,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	// Files is the declared touch-set: workspace-relative paths or globs.
	Files    []string `json:"files,omitempty" yaml:"files,omitempty"`
	Priority Priority `json:"priority" yaml:"priority"`

	Status        Status   `json:"status" yaml:"-"`
	Attempts      int      `json:"attempts" yaml:"-"`
	FailureReason string   `json:"failure_reason,omitempty" yaml:"-"`
	Diagnostics   []string `json:"diagnostics,omitempty" yaml:"-"`
}

// clone returns a deep copy so callers never alias graph state.
func (t Task) clone() Task {
	t.DependsOn = append([]string(nil), t.DependsOn...)
	t.Files = append([]string(nil), t.Files...)
	t.Diagnostics = append([]string(nil), t.Diagnostics...)
	return t
}

// StatusCounts is a snapshot of how many tasks are in each status.
type StatusCounts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Ready      int `json:"ready"`
	Running    int `json:"running"`
	Committed  int `json:"committed"`
	Conflicted int `json:"conflicted"`
	Blocked    int `json:"blocked"`
	Failed     int `json:"failed"`
}
