package pool

import (
	"sort"
	"time"

	"github.com/Iron-Ham/conductor/internal/conflict"
	"github.com/Iron-Ham/conductor/internal/retry"
	"github.com/Iron-Ham/conductor/internal/taskgraph"
)

// TaskReport is the final state of one task after a run.
type TaskReport struct {
	ID            string             `json:"id"`
	Status        taskgraph.Status   `json:"status"`
	Abandoned     bool               `json:"abandoned,omitempty"`
	Attempts      int                `json:"attempts"`
	FailureReason string             `json:"failure_reason,omitempty"`
	Diagnostics   []string           `json:"diagnostics,omitempty"`
	ChangedPaths  []string           `json:"changed_paths,omitempty"`
	Conflicts     []*conflict.Report `json:"conflicts,omitempty"`
	Duration      time.Duration      `json:"duration"`
}

// Report summarizes a run.
type Report struct {
	RunID     string        `json:"run_id"`
	Tasks     []TaskReport  `json:"tasks"`
	Committed int           `json:"committed"`
	Failed    int           `json:"failed"`
	Blocked   int           `json:"blocked"`
	Abandoned int           `json:"abandoned"`
	Canceled  bool          `json:"canceled,omitempty"`
	Duration  time.Duration `json:"duration"`
	// Retries holds the conflict history of every task that conflicted at
	// least once, ordered by task id.
	Retries []retry.TaskState `json:"retries,omitempty"`
}

// Task returns the report for id.
func (r *Report) Task(id string) (TaskReport, bool) {
	i := sort.Search(len(r.Tasks), func(i int) bool { return r.Tasks[i].ID >= id })
	if i < len(r.Tasks) && r.Tasks[i].ID == id {
		return r.Tasks[i], true
	}
	return TaskReport{}, false
}

// Success reports whether every task committed.
func (r *Report) Success() bool {
	return r.Committed == len(r.Tasks)
}

// taskRecord accumulates per-task facts the graph does not keep.
type taskRecord struct {
	changed   []string
	conflicts []*conflict.Report
	duration  time.Duration
}

// buildReport combines the graph's final statuses with the recorded
// attempts. Tasks that never left pending or ready are abandoned.
func buildReport(runID string, g *taskgraph.Graph, records map[string]*taskRecord, retries []retry.TaskState, canceled bool, elapsed time.Duration) *Report {
	r := &Report{RunID: runID, Canceled: canceled, Duration: elapsed}
	for _, st := range retries {
		if st.Conflicts > 0 {
			r.Retries = append(r.Retries, st)
		}
	}
	for _, t := range g.Tasks() {
		tr := TaskReport{
			ID:            t.ID,
			Status:        t.Status,
			Attempts:      t.Attempts,
			FailureReason: t.FailureReason,
			Diagnostics:   t.Diagnostics,
		}
		if rec, ok := records[t.ID]; ok {
			tr.ChangedPaths = rec.changed
			tr.Conflicts = rec.conflicts
			tr.Duration = rec.duration
		}
		switch t.Status {
		case taskgraph.StatusCommitted:
			r.Committed++
		case taskgraph.StatusFailed:
			r.Failed++
		case taskgraph.StatusBlocked:
			r.Blocked++
		case taskgraph.StatusPending, taskgraph.StatusReady:
			tr.Abandoned = true
			r.Abandoned++
		}
		r.Tasks = append(r.Tasks, tr)
	}
	sort.Slice(r.Tasks, func(i, j int) bool { return r.Tasks[i].ID < r.Tasks[j].ID })
	return r
}
