package conflict

import (
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a conflict from the committing task's point of view as
// "ours/theirs".
type Kind string

const (
	// KindWriteWrite: both sides modified an existing file.
	KindWriteWrite Kind = "write/write"
	// KindWriteDelete: we wrote a file that was deleted underneath us.
	KindWriteDelete Kind = "write/delete"
	// KindDeleteWrite: we deleted a file that was modified underneath us.
	KindDeleteWrite Kind = "delete/write"
	// KindDeleteDelete: both sides deleted the file.
	KindDeleteDelete Kind = "delete/delete"
	// KindCreateCreate: both sides created a file that did not exist.
	KindCreateCreate Kind = "create/create"
)

// Classify derives the conflict kind from the base hash recorded when the
// task workspace was opened, the hash now in the shared workspace, and the
// hash the task wants to write. The empty hash means "absent".
func Classify(base, current, next string) Kind {
	switch {
	case base == "" && current != "":
		return KindCreateCreate
	case next == "" && current == "":
		return KindDeleteDelete
	case next == "":
		return KindDeleteWrite
	case current == "":
		return KindWriteDelete
	default:
		return KindWriteWrite
	}
}

// FileConflict describes one path whose shared content changed between a
// task workspace being opened and its commit.
type FileConflict struct {
	Path        string `json:"path"`
	TaskID      string `json:"task_id"`       // task attempting the commit
	OtherTaskID string `json:"other_task_id"` // last committer, "" if out-of-band
	Kind        Kind   `json:"kind"`
	BaseHash    string `json:"base_hash"`
	CurrentHash string `json:"current_hash"`
}

// String renders a one-line description.
func (c FileConflict) String() string {
	other := c.OtherTaskID
	if other == "" {
		other = "<out-of-band>"
	}
	return fmt.Sprintf("%s: %s (%s vs %s)", c.Path, c.Kind, c.TaskID, other)
}

// Report is the set of conflicts found by one commit attempt, ordered by
// path.
type Report struct {
	Conflicts     []FileConflict `json:"conflicts"`
	AffectedTasks []string       `json:"affected_tasks"`
}

// NewReport sorts conflicts by path and collects every task involved.
func NewReport(conflicts []FileConflict) *Report {
	cs := append([]FileConflict(nil), conflicts...)
	sort.Slice(cs, func(i, j int) bool { return cs[i].Path < cs[j].Path })

	seen := make(map[string]bool)
	var tasks []string
	for _, c := range cs {
		for _, id := range []string{c.TaskID, c.OtherTaskID} {
			if id != "" && !seen[id] {
				seen[id] = true
				tasks = append(tasks, id)
			}
		}
	}
	sort.Strings(tasks)
	return &Report{Conflicts: cs, AffectedTasks: tasks}
}

// Empty reports whether there are no conflicts.
func (r *Report) Empty() bool {
	return r == nil || len(r.Conflicts) == 0
}

// Paths returns the conflicting paths in order.
func (r *Report) Paths() []string {
	if r == nil {
		return nil
	}
	out := make([]string, len(r.Conflicts))
	for i, c := range r.Conflicts {
		out[i] = c.Path
	}
	return out
}

// OtherTasks returns the distinct other committers, excluding out-of-band
// changes.
func (r *Report) OtherTasks() []string {
	if r == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, c := range r.Conflicts {
		if c.OtherTaskID != "" && !seen[c.OtherTaskID] {
			seen[c.OtherTaskID] = true
			out = append(out, c.OtherTaskID)
		}
	}
	sort.Strings(out)
	return out
}

// String renders the report, one conflict per line.
func (r *Report) String() string {
	if r.Empty() {
		return "no conflicts"
	}
	lines := make([]string, len(r.Conflicts))
	for i, c := range r.Conflicts {
		lines[i] = c.String()
	}
	return strings.Join(lines, "\n")
}
