package conflict

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/logging"
)

// Drift is a change to the shared workspace that did not come from a
// commit.
type Drift struct {
	Path string    // relative to the workspace root, slash separated
	Op   string    // fsnotify operation
	At   time.Time // when the change was observed
}

// DefaultIgnoreDirs are directory names never watched.
var DefaultIgnoreDirs = []string{".git", ".conductor", "node_modules"}

// DriftDetector watches the shared workspace with fsnotify and records
// edits made outside conductor while a run is in progress. Such edits
// surface later as conflicts with an empty OtherTaskID; the detector makes
// them visible as they happen.
type DriftDetector struct {
	watcher *fsnotify.Watcher
	root    string

	ignoreDirs []string
	ignore     func(rel string) bool
	onDrift    func(Drift)
	bus        *event.Bus
	logger     *logging.Logger
	debounce   time.Duration

	drifts map[string]Drift

	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// DriftOption configures a DriftDetector.
type DriftOption func(*DriftDetector)

// WithIgnoreFunc skips paths for which fn returns true, typically paths a
// commit just wrote.
func WithIgnoreFunc(fn func(rel string) bool) DriftOption {
	return func(d *DriftDetector) { d.ignore = fn }
}

// WithDriftCallback is invoked for every recorded drift.
func WithDriftCallback(fn func(Drift)) DriftOption {
	return func(d *DriftDetector) { d.onDrift = fn }
}

// WithDriftEventBus publishes workspace.drift events.
func WithDriftEventBus(bus *event.Bus) DriftOption {
	return func(d *DriftDetector) { d.bus = bus }
}

// WithDriftLogger sets the detector's logger.
func WithDriftLogger(l *logging.Logger) DriftOption {
	return func(d *DriftDetector) { d.logger = l }
}

// WithDebounce sets how long events are coalesced before being recorded.
func WithDebounce(dur time.Duration) DriftOption {
	return func(d *DriftDetector) { d.debounce = dur }
}

// NewDriftDetector creates a detector watching root and all of its
// subdirectories except DefaultIgnoreDirs.
func NewDriftDetector(root string, opts ...DriftOption) (*DriftDetector, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	d := &DriftDetector{
		watcher:    watcher,
		root:       filepath.Clean(root),
		ignoreDirs: DefaultIgnoreDirs,
		debounce:   50 * time.Millisecond,
		drifts:     make(map[string]Drift),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.OrNop(d.logger)

	if err := d.watchDirRecursive(d.root); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	return d, nil
}

func (d *DriftDetector) ignoredDir(name string) bool {
	for _, ignore := range d.ignoreDirs {
		if name == ignore {
			return true
		}
	}
	return false
}

func (d *DriftDetector) watchDirRecursive(root string) error {
	if err := d.watcher.Add(root); err != nil {
		return err
	}
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() || path == root {
			return nil
		}
		if d.ignoredDir(entry.Name()) {
			return filepath.SkipDir
		}
		_ = d.watcher.Add(path)
		return nil
	})
}

// Start begins processing filesystem events in the background.
func (d *DriftDetector) Start() {
	go d.watchLoop()
}

// Stop stops the detector and releases the watcher. It is idempotent.
func (d *DriftDetector) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		_ = d.watcher.Close()
	})
}

// Done is closed once the event loop has exited.
func (d *DriftDetector) Done() <-chan struct{} {
	return d.done
}

func (d *DriftDetector) watchLoop() {
	defer close(d.done)

	timer := time.NewTimer(d.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	pending := make(map[string]fsnotify.Event)

	for {
		select {
		case <-d.stopCh:
			return

		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				d.watchIfDir(ev.Name)
			}
			pending[ev.Name] = ev
			timer.Reset(d.debounce)

		case <-timer.C:
			for _, ev := range pending {
				d.handle(ev)
			}
			pending = make(map[string]fsnotify.Event)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("drift watcher error", "error", err.Error())
		}
	}
}

func (d *DriftDetector) watchIfDir(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() || d.ignoredDir(filepath.Base(path)) {
		return
	}
	_ = d.watchDirRecursive(path)
}

func (d *DriftDetector) handle(ev fsnotify.Event) {
	rel, err := filepath.Rel(d.root, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	rel = filepath.ToSlash(rel)
	for _, part := range strings.Split(rel, "/") {
		if d.ignoredDir(part) {
			return
		}
	}
	if d.ignore != nil && d.ignore(rel) {
		return
	}

	drift := Drift{Path: rel, Op: ev.Op.String(), At: time.Now()}
	d.mu.Lock()
	d.drifts[rel] = drift
	cb := d.onDrift
	d.mu.Unlock()

	d.logger.Warn("workspace drift", "path", rel, "op", drift.Op)
	d.bus.Publish(event.NewWorkspaceDriftEvent(rel, drift.Op))
	if cb != nil {
		cb(drift)
	}
}

// Drifts returns every recorded drift ordered by path.
func (d *DriftDetector) Drifts() []Drift {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Drift, 0, len(d.drifts))
	for _, drift := range d.drifts {
		out = append(out, drift)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// HasDrift reports whether any drift was recorded.
func (d *DriftDetector) HasDrift() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.drifts) > 0
}

// Clear forgets all recorded drift.
func (d *DriftDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drifts = make(map[string]Drift)
}
