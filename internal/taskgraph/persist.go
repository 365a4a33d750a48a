package taskgraph

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
)

// StateFileName is the name of the persisted graph state inside a state
// directory.
const StateFileName = "graph-state.json"

const stateVersion = 1

type persistedState struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	Tasks   []persistedTask `json:"tasks"`
}

type persistedTask struct {
	ID            string   `json:"id"`
	Status        Status   `json:"status"`
	Attempts      int      `json:"attempts"`
	FailureReason string   `json:"failure_reason,omitempty"`
	Diagnostics   []string `json:"diagnostics,omitempty"`
}

// SaveState writes every task's runtime state to dir/graph-state.json.
// The write is atomic (temp file then rename) and happens under an
// exclusive flock on dir/graph.lock.
func (g *Graph) SaveState(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	fl := NewFileLock(dir)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	state := persistedState{Version: stateVersion, SavedAt: time.Now().UTC()}
	g.mu.Lock()
	for _, n := range g.nodes {
		state.Tasks = append(state.Tasks, persistedTask{
			ID:            n.task.ID,
			Status:        n.task.Status,
			Attempts:      n.task.Attempts,
			FailureReason: n.task.FailureReason,
			Diagnostics:   n.task.Diagnostics,
		})
	}
	g.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal graph state: %w", err)
	}

	target := filepath.Join(dir, StateFileName)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// LoadStatuses restores progress saved by SaveState into a freshly built
// graph, so an interrupted batch can resume. Committed and failed tasks are
// replayed in dependency order; tasks that were running or conflicted when
// the state was saved start over. Saved ids that are not part of the graph
// are ignored, as are saved commits whose dependencies did not commit.
func (g *Graph) LoadStatuses(dir string) error {
	fl := NewFileLock(dir)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := os.ReadFile(filepath.Join(dir, StateFileName))
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("unmarshal graph state: %w", err)
	}
	if state.Version != stateVersion {
		return fmt.Errorf("unsupported graph state version %d", state.Version)
	}

	saved := make(map[string]persistedTask, len(state.Tasks))
	for _, t := range state.Tasks {
		saved[t.ID] = t
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, i := range g.order {
		n := g.nodes[i]
		st, ok := saved[n.task.ID]
		if !ok {
			continue
		}
		n.task.Attempts = st.Attempts
		n.task.Diagnostics = append([]string(nil), st.Diagnostics...)

		switch st.Status {
		case StatusCommitted:
			if n.task.Status != StatusReady {
				continue
			}
			delete(g.ready, i)
			n.task.Status = StatusCommitted
			g.satisfy(i)
		case StatusFailed:
			if n.task.Status != StatusReady && n.task.Status != StatusPending {
				continue
			}
			g.fail(i, st.FailureReason)
		}
	}
	return nil
}
