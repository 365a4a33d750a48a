// Package retry tracks the conflict retry budget of each task and keeps a
// history of what each conflicted attempt collided on.
package retry

import (
	"sort"
	"sync"
)

// TaskState tracks conflict retries for one task.
type TaskState struct {
	TaskID     string `json:"task_id"`
	Conflicts  int    `json:"conflicts"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`
	// ConflictPaths holds, per conflicted attempt, the paths that collided.
	ConflictPaths [][]string `json:"conflict_paths,omitempty"`
	Succeeded     bool       `json:"succeeded,omitempty"`
}

func (s *TaskState) clone() TaskState {
	c := *s
	if s.ConflictPaths != nil {
		c.ConflictPaths = make([][]string, len(s.ConflictPaths))
		for i, p := range s.ConflictPaths {
			c.ConflictPaths[i] = append([]string(nil), p...)
		}
	}
	return c
}

// Tracker manages retry state for tasks.
// It is thread-safe and can be used concurrently.
type Tracker struct {
	mu         sync.RWMutex
	maxRetries int
	states     map[string]*TaskState
}

// NewTracker creates a Tracker that allows maxRetries conflict retries per
// task. A negative budget is treated as zero.
func NewTracker(maxRetries int) *Tracker {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Tracker{
		maxRetries: maxRetries,
		states:     make(map[string]*TaskState),
	}
}

// MaxRetries returns the per-task budget.
func (t *Tracker) MaxRetries() int { return t.maxRetries }

func (t *Tracker) getOrCreate(taskID string) *TaskState {
	st, ok := t.states[taskID]
	if !ok {
		st = &TaskState{TaskID: taskID, MaxRetries: t.maxRetries}
		t.states[taskID] = st
	}
	return st
}

// RecordConflict records a conflicted attempt and reports whether the task
// may be attempted again.
func (t *Tracker) RecordConflict(taskID string, paths []string, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.getOrCreate(taskID)
	st.Conflicts++
	st.LastError = reason
	st.ConflictPaths = append(st.ConflictPaths, append([]string(nil), paths...))
	return st.Conflicts <= st.MaxRetries
}

// RecordSuccess marks the task as committed. No more retries are allowed.
func (t *Tracker) RecordSuccess(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getOrCreate(taskID).Succeeded = true
}

// Exhausted returns the ids of tasks that ran out of retries without
// succeeding, sorted.
func (t *Tracker) Exhausted() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	for id, st := range t.states {
		if !st.Succeeded && st.Conflicts > st.MaxRetries {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// States returns copies of every tracked state, ordered by task id.
func (t *Tracker) States() []TaskState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]TaskState, 0, len(t.states))
	for _, st := range t.states {
		out = append(out, st.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}
