// Package scheduler picks which ready tasks may run together. Two tasks may
// run concurrently only if their declared touch-sets do not overlap, so a
// round never starts two tasks that are known to edit the same path.
package scheduler

import (
	"sort"
	"sync"

	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/taskgraph"
	"github.com/Iron-Ham/conductor/internal/touchset"
)

// SelectSchedulable returns up to capacity tasks from ready whose touch-sets
// are pairwise disjoint and disjoint from every in-flight touch-set. Higher
// priority wins, then the lower id. A task whose touch-set does not compile
// is treated as touching nothing; the worker that opens it reports the
// error.
func SelectSchedulable(ready []taskgraph.Task, inFlight [][]string, capacity int) []taskgraph.Task {
	return selectWith(ready, compileAll(inFlight), capacity, compile)
}

func selectWith(ready []taskgraph.Task, busy []touchset.Set, capacity int, sets func(taskgraph.Task) touchset.Set) []taskgraph.Task {
	if capacity <= 0 || len(ready) == 0 {
		return nil
	}

	candidates := append([]taskgraph.Task(nil), ready...)
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})

	claimed := append([]touchset.Set(nil), busy...)
	var out []taskgraph.Task
	for _, t := range candidates {
		if len(out) == capacity {
			break
		}
		set := sets(t)
		if overlapsAny(set, claimed) {
			continue
		}
		out = append(out, t)
		claimed = append(claimed, set)
	}
	return out
}

func overlapsAny(set touchset.Set, others []touchset.Set) bool {
	for _, o := range others {
		if set.Overlaps(o) {
			return true
		}
	}
	return false
}

func compile(t taskgraph.Task) touchset.Set {
	set, err := touchset.CompileSet(t.Files)
	if err != nil {
		return nil
	}
	return set
}

func compileAll(patterns [][]string) []touchset.Set {
	out := make([]touchset.Set, 0, len(patterns))
	for _, p := range patterns {
		set, err := touchset.CompileSet(p)
		if err != nil {
			continue
		}
		out = append(out, set)
	}
	return out
}

// Overlap names two tasks whose declared touch-sets overlap.
type Overlap struct {
	A string `json:"a"`
	B string `json:"b"`
}

// Overlaps lists every pair of tasks whose touch-sets overlap, ordered by
// the pair's ids. Such tasks are never scheduled together.
func Overlaps(tasks []taskgraph.Task) []Overlap {
	sorted := append([]taskgraph.Task(nil), tasks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	sets := make([]touchset.Set, len(sorted))
	for i, t := range sorted {
		sets[i] = compile(t)
	}
	var out []Overlap
	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			if sets[i].Overlaps(sets[j]) {
				out = append(out, Overlap{A: sorted[i].ID, B: sorted[j].ID})
			}
		}
	}
	return out
}

// Scheduler wraps a task graph and selects schedulable batches from its
// ready set. Compiled touch-sets are cached per task.
type Scheduler struct {
	graph  *taskgraph.Graph
	logger *logging.Logger

	mu   sync.Mutex
	sets map[string]touchset.Set
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a Scheduler over graph.
func New(graph *taskgraph.Graph, opts ...Option) *Scheduler {
	s := &Scheduler{graph: graph, sets: make(map[string]touchset.Set)}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).WithPhase("schedule")
	return s
}

// Next returns up to capacity ready tasks that can start alongside the
// in-flight touch-sets.
func (s *Scheduler) Next(inFlight [][]string, capacity int) []taskgraph.Task {
	ready := s.graph.ReadyTasks()
	if len(ready) == 0 || capacity <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	picked := selectWith(ready, compileAll(inFlight), capacity, s.setFor)
	if len(picked) > 0 {
		ids := make([]string, len(picked))
		for i, t := range picked {
			ids[i] = t.ID
		}
		s.logger.Debug("selected tasks", "tasks", ids, "ready", len(ready), "in_flight", len(inFlight))
	}
	return picked
}

func (s *Scheduler) setFor(t taskgraph.Task) touchset.Set {
	if set, ok := s.sets[t.ID]; ok {
		return set
	}
	set := compile(t)
	s.sets[t.ID] = set
	return set
}
