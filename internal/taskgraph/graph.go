package taskgraph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/logging"
)

// Re-exported sentinels so callers can match graph errors without importing
// the errors package.
var (
	ErrCycle             = errors.ErrDependencyCycle
	ErrDuplicateID       = errors.ErrDuplicateTask
	ErrUnknownDependency = errors.ErrUnknownDependency
	ErrTaskNotFound      = errors.ErrTaskNotFound
	ErrInvalidTransition = errors.ErrInvalidTransition
)

// node is one arena slot. deps and dependents hold arena indices.
type node struct {
	task       Task
	deps       []int
	dependents []int
	unmet      int // dependencies not yet satisfied
}

// Graph is a validated, acyclic dependency graph over a batch of tasks.
// Nodes live in an arena sorted by task id; all cross references are
// indices. Graph is safe for concurrent use.
type Graph struct {
	mu    sync.Mutex
	nodes []*node
	index map[string]int
	order []int            // deterministic topological order
	ready map[int]struct{} // nodes in StatusReady

	skipOnFailure bool
	logger        *logging.Logger
}

// Option configures a Graph.
type Option func(*Graph)

// WithSkipOnFailure makes a failed task count as satisfied for its
// dependents instead of blocking them.
func WithSkipOnFailure() Option {
	return func(g *Graph) { g.skipOnFailure = true }
}

// WithLogger sets the logger used for status transitions.
func WithLogger(l *logging.Logger) Option {
	return func(g *Graph) { g.logger = l }
}

// Build validates tasks and constructs the graph. It rejects empty or
// duplicate ids, dependencies on ids outside the batch, and cycles (the
// error names one cycle, e.g. "a -> b -> a"). Input tasks are copied and
// their runtime fields reset.
func Build(tasks []Task, opts ...Option) (*Graph, error) {
	g := &Graph{
		index: make(map[string]int, len(tasks)),
		ready: make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logging.OrNop(g.logger)

	sorted := make([]Task, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			return nil, errors.NewGraphError(fmt.Sprintf("task at position %d has an empty id", i), errors.ErrInvalidInput)
		}
		sorted[i] = t.clone()
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	g.nodes = make([]*node, len(sorted))
	for i, t := range sorted {
		if _, dup := g.index[t.ID]; dup {
			return nil, errors.NewGraphError(fmt.Sprintf("task %q declared more than once", t.ID), errors.ErrDuplicateTask).WithTaskID(t.ID)
		}
		t.Status = StatusPending
		t.Attempts = 0
		t.FailureReason = ""
		t.Diagnostics = nil
		g.index[t.ID] = i
		g.nodes[i] = &node{task: t}
	}

	for i, n := range g.nodes {
		seen := make(map[int]bool, len(n.task.DependsOn))
		for _, depID := range n.task.DependsOn {
			d, ok := g.index[depID]
			if !ok {
				return nil, errors.NewGraphError(
					fmt.Sprintf("task %q depends on unknown task %q", n.task.ID, depID),
					errors.ErrUnknownDependency,
				).WithTaskID(n.task.ID)
			}
			if seen[d] {
				continue
			}
			seen[d] = true
			n.deps = append(n.deps, d)
			g.nodes[d].dependents = append(g.nodes[d].dependents, i)
		}
		sort.Ints(n.deps)
		n.unmet = len(n.deps)
	}
	for _, n := range g.nodes {
		sort.Ints(n.dependents)
	}

	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}

	for i, n := range g.nodes {
		if n.unmet == 0 {
			g.promote(i)
		}
	}
	return g, nil
}

// promote moves a pending node with no unmet dependencies to ready.
// The caller must hold mu (or own g exclusively).
func (g *Graph) promote(i int) bool {
	n := g.nodes[i]
	if n.task.Status != StatusPending || n.unmet != 0 {
		return false
	}
	n.task.Status = StatusReady
	g.ready[i] = struct{}{}
	return true
}

func (g *Graph) lookup(id string) (int, error) {
	i, ok := g.index[id]
	if !ok {
		return 0, errors.NewNotFoundError("task", id)
	}
	return i, nil
}

func (g *Graph) transitionError(id string, from, to Status) error {
	return fmt.Errorf("task %q: %s -> %s: %w", id, from, to, ErrInvalidTransition)
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Task returns a copy of the task with the given id.
func (g *Graph) Task(id string) (Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	i, err := g.lookup(id)
	if err != nil {
		return Task{}, err
	}
	return g.nodes[i].task.clone(), nil
}

// Tasks returns copies of all tasks ordered by id.
func (g *Graph) Tasks() []Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]Task, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.task.clone()
	}
	return out
}

// TopologicalOrder returns task ids in a deterministic dependency order.
func (g *Graph) TopologicalOrder() []string {
	out := make([]string, len(g.order))
	for k, i := range g.order {
		out[k] = g.nodes[i].task.ID
	}
	return out
}

// Dependents returns the ids of tasks that depend directly on id.
func (g *Graph) Dependents(id string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	i, err := g.lookup(id)
	if err != nil {
		return nil, err
	}
	return g.ids(g.nodes[i].dependents), nil
}

func (g *Graph) ids(idx []int) []string {
	if len(idx) == 0 {
		return nil
	}
	out := make([]string, len(idx))
	for k, i := range idx {
		out[k] = g.nodes[i].task.ID
	}
	return out
}

// ReadyTasks returns every task whose dependencies have all committed and
// which is not yet running, highest priority first, then by id.
func (g *Graph) ReadyTasks() []Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := make([]int, 0, len(g.ready))
	for i := range g.ready {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool {
		pa, pb := g.nodes[idx[a]].task.Priority, g.nodes[idx[b]].task.Priority
		if pa != pb {
			return pa > pb
		}
		return idx[a] < idx[b]
	})

	out := make([]Task, len(idx))
	for k, i := range idx {
		out[k] = g.nodes[i].task.clone()
	}
	return out
}

// MarkRunning moves a ready task to running and counts the attempt.
func (g *Graph) MarkRunning(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	i, err := g.lookup(id)
	if err != nil {
		return err
	}
	n := g.nodes[i]
	if n.task.Status != StatusReady {
		return g.transitionError(id, n.task.Status, StatusRunning)
	}
	n.task.Status = StatusRunning
	n.task.Attempts++
	delete(g.ready, i)
	g.logger.Debug("task running", "task_id", id, "attempt", n.task.Attempts)
	return nil
}

// MarkCommitted records a successful commit and returns the ids of
// dependents that became ready as a result. Only direct dependents are
// visited.
func (g *Graph) MarkCommitted(id string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	i, err := g.lookup(id)
	if err != nil {
		return nil, err
	}
	n := g.nodes[i]
	if n.task.Status != StatusRunning {
		return nil, g.transitionError(id, n.task.Status, StatusCommitted)
	}
	n.task.Status = StatusCommitted
	n.task.FailureReason = ""
	unblocked := g.satisfy(i)
	g.logger.Debug("task committed", "task_id", id, "unblocked", unblocked)
	return unblocked, nil
}

// satisfy decrements unmet on the dependents of i and promotes the ones
// that reach zero.
func (g *Graph) satisfy(i int) []string {
	var unblocked []string
	for _, d := range g.nodes[i].dependents {
		dn := g.nodes[d]
		if dn.unmet > 0 {
			dn.unmet--
		}
		if g.promote(d) {
			unblocked = append(unblocked, dn.task.ID)
		}
	}
	return unblocked
}

// MarkConflicted records that the latest commit attempt conflicted.
func (g *Graph) MarkConflicted(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	i, err := g.lookup(id)
	if err != nil {
		return err
	}
	n := g.nodes[i]
	if n.task.Status != StatusRunning {
		return g.transitionError(id, n.task.Status, StatusConflicted)
	}
	n.task.Status = StatusConflicted
	return nil
}

// Requeue returns a conflicted task to pending so it can be retried
// against a fresh snapshot. Its dependencies are already satisfied, so it
// is immediately ready again. This is the only backward transition.
func (g *Graph) Requeue(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	i, err := g.lookup(id)
	if err != nil {
		return err
	}
	n := g.nodes[i]
	if n.task.Status != StatusConflicted {
		return g.transitionError(id, n.task.Status, StatusPending)
	}
	n.task.Status = StatusPending
	g.promote(i)
	return nil
}

// MarkFailed marks a running or conflicted task as failed and returns the
// ids of every transitive dependent that became blocked. With
// WithSkipOnFailure, dependents are released instead and nil is returned.
func (g *Graph) MarkFailed(id, reason string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	i, err := g.lookup(id)
	if err != nil {
		return nil, err
	}
	n := g.nodes[i]
	if n.task.Status != StatusRunning && n.task.Status != StatusConflicted {
		return nil, g.transitionError(id, n.task.Status, StatusFailed)
	}
	blocked := g.fail(i, reason)
	g.logger.Debug("task failed", "task_id", id, "reason", reason, "blocked", blocked)
	return blocked, nil
}

func (g *Graph) fail(i int, reason string) []string {
	n := g.nodes[i]
	n.task.Status = StatusFailed
	n.task.FailureReason = reason
	delete(g.ready, i)

	if g.skipOnFailure {
		g.satisfy(i)
		return nil
	}

	var blocked []string
	queue := append([]int(nil), n.dependents...)
	for len(queue) > 0 {
		d := queue[0]
		queue = queue[1:]
		dn := g.nodes[d]
		if dn.task.Status != StatusPending && dn.task.Status != StatusReady {
			continue
		}
		dn.task.Status = StatusBlocked
		dn.task.FailureReason = fmt.Sprintf("blocked by %s", n.task.ID)
		delete(g.ready, d)
		blocked = append(blocked, dn.task.ID)
		queue = append(queue, dn.dependents...)
	}
	sort.Strings(blocked)
	return blocked
}

// SetDiagnostics attaches validation diagnostics to a task.
func (g *Graph) SetDiagnostics(id string, diagnostics []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	i, err := g.lookup(id)
	if err != nil {
		return err
	}
	g.nodes[i].task.Diagnostics = append([]string(nil), diagnostics...)
	return nil
}

// Status returns how many tasks are in each status.
func (g *Graph) Status() StatusCounts {
	g.mu.Lock()
	defer g.mu.Unlock()

	c := StatusCounts{Total: len(g.nodes)}
	for _, n := range g.nodes {
		switch n.task.Status {
		case StatusPending:
			c.Pending++
		case StatusReady:
			c.Ready++
		case StatusRunning:
			c.Running++
		case StatusCommitted:
			c.Committed++
		case StatusConflicted:
			c.Conflicted++
		case StatusBlocked:
			c.Blocked++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// IsDone reports whether every task has reached a terminal status.
func (g *Graph) IsDone() bool {
	c := g.Status()
	return c.Pending+c.Ready+c.Running+c.Conflicted == 0
}
