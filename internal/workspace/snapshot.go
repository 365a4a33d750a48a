package workspace

import (
	"sort"
	"time"

	"github.com/Iron-Ham/conductor/internal/touchset"
)

// FileState is the recorded state of one file in a snapshot.
type FileState struct {
	Hash    string    `json:"hash"`
	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size"`
}

// Snapshot is an immutable path -> FileState view of the shared workspace.
// Paths are slash separated and relative to the workspace root. A partial
// snapshot covers only the paths it was asked for.
type Snapshot struct {
	files      map[string]FileState
	capturedAt time.Time
	partial    bool
}

// NewSnapshot builds a snapshot from an explicit file map.
func NewSnapshot(files map[string]FileState) *Snapshot {
	cp := make(map[string]FileState, len(files))
	for k, v := range files {
		cp[k] = v
	}
	return &Snapshot{files: cp, capturedAt: time.Now()}
}

// Hash returns the recorded hash of path, or ZeroHash if it is absent.
func (s *Snapshot) Hash(path string) string {
	return s.files[path].Hash
}

// State returns the recorded state of path.
func (s *Snapshot) State(path string) (FileState, bool) {
	st, ok := s.files[path]
	return st, ok
}

// Paths returns every recorded path in lexicographic order.
func (s *Snapshot) Paths() []string {
	out := make([]string, 0, len(s.files))
	for p := range s.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Match returns the recorded paths covered by set, in order.
func (s *Snapshot) Match(set touchset.Set) []string {
	var out []string
	for _, p := range s.Paths() {
		if set.Match(p) {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of recorded files.
func (s *Snapshot) Len() int { return len(s.files) }

// CapturedAt returns when the snapshot was taken.
func (s *Snapshot) CapturedAt() time.Time { return s.capturedAt }

// Partial reports whether the snapshot only covers selected paths.
func (s *Snapshot) Partial() bool { return s.partial }
