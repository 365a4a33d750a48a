package filelock

import (
	"context"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/logging"
)

// Mode is the kind of access a guard holds.
type Mode int

const (
	// ModeRead allows any number of concurrent readers.
	ModeRead Mode = iota
	// ModeWrite is exclusive.
	ModeWrite
)

// String returns "read" or "write".
func (m Mode) String() string {
	if m == ModeWrite {
		return "write"
	}
	return "read"
}

// waiter is a queued acquisition. ready is closed once granted.
type waiter struct {
	mode    Mode
	ready   chan struct{}
	granted bool
}

type pathState struct {
	readers int
	writer  bool
	waiters []*waiter // FIFO
}

func (s *pathState) idle() bool {
	return s.readers == 0 && !s.writer && len(s.waiters) == 0
}

func (s *pathState) compatible(mode Mode) bool {
	if mode == ModeWrite {
		return s.readers == 0 && !s.writer
	}
	return !s.writer
}

func (s *pathState) grant(mode Mode) {
	if mode == ModeWrite {
		s.writer = true
	} else {
		s.readers++
	}
}

// Manager is an in-process registry of per-path read/write locks over the
// shared workspace. Waiters on a path are served strictly in arrival order,
// so a queued writer is never starved by readers that arrive after it.
// Manager is safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	paths map[string]*pathState

	bus    *event.Bus
	logger *logging.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithEventBus publishes filelock.acquired and filelock.released events.
func WithEventBus(bus *event.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithLogger sets the logger used for lock diagnostics.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates an empty lock manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{paths: make(map[string]*pathState)}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrNop(m.logger)
	return m
}

// normalize maps a workspace-relative path to its lock key.
func normalize(p string) string {
	return path.Clean(filepath.ToSlash(p))
}

// AcquireRead blocks until path can be read: no writer holds it and no
// writer is queued ahead. Cancelling ctx abandons the wait and returns
// ctx.Err().
func (m *Manager) AcquireRead(ctx context.Context, p string) (*ReadGuard, error) {
	g, err := m.acquire(ctx, normalize(p), ModeRead)
	if err != nil {
		return nil, err
	}
	return &ReadGuard{guard: g}, nil
}

// AcquireWrite blocks until path has no readers and no writer, and every
// earlier waiter has been served.
func (m *Manager) AcquireWrite(ctx context.Context, p string) (*WriteGuard, error) {
	g, err := m.acquire(ctx, normalize(p), ModeWrite)
	if err != nil {
		return nil, err
	}
	return &WriteGuard{guard: g}, nil
}

// AcquireWriteAll write-locks every path in lexicographic order after
// normalizing and de-duplicating them. Because every multi-path caller
// uses the same global order, two callers can never deadlock on each
// other. On failure, locks acquired so far are released.
func (m *Manager) AcquireWriteAll(ctx context.Context, paths []string) (*MultiGuard, error) {
	keys := SortedUnique(paths)
	mg := &MultiGuard{guards: make([]*WriteGuard, 0, len(keys))}
	for _, k := range keys {
		g, err := m.AcquireWrite(ctx, k)
		if err != nil {
			mg.Release()
			return nil, err
		}
		mg.guards = append(mg.guards, g)
	}
	return mg, nil
}

// SortedUnique returns the normalized, de-duplicated, sorted lock keys.
func SortedUnique(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	keys := make([]string, 0, len(paths))
	for _, p := range paths {
		k := normalize(p)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Manager) acquire(ctx context.Context, key string, mode Mode) (*guard, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	m.mu.Lock()
	st := m.paths[key]
	if st == nil {
		st = &pathState{}
		m.paths[key] = st
	}
	if len(st.waiters) == 0 && st.compatible(mode) {
		st.grant(mode)
		m.mu.Unlock()
		return m.granted(key, mode, start), nil
	}
	w := &waiter{mode: mode, ready: make(chan struct{})}
	st.waiters = append(st.waiters, w)
	m.mu.Unlock()

	select {
	case <-w.ready:
		return m.granted(key, mode, start), nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	if w.granted {
		// Granted concurrently with cancellation; hand it straight back.
		m.releaseLocked(key, mode)
		m.mu.Unlock()
		return nil, ctx.Err()
	}
	for i, q := range st.waiters {
		if q == w {
			st.waiters = append(st.waiters[:i:i], st.waiters[i+1:]...)
			break
		}
	}
	m.dispatchLocked(key, st)
	m.mu.Unlock()
	return nil, ctx.Err()
}

func (m *Manager) granted(key string, mode Mode, start time.Time) *guard {
	waited := time.Since(start)
	m.bus.Publish(event.NewFileLockAcquiredEvent(key, mode.String(), waited))
	if waited > time.Second {
		m.logger.Debug("slow lock acquisition", "path", key, "mode", mode.String(), "waited_ms", waited.Milliseconds())
	}
	return &guard{m: m, key: key, mode: mode}
}

func (m *Manager) release(key string, mode Mode) {
	m.mu.Lock()
	m.releaseLocked(key, mode)
	m.mu.Unlock()
	m.bus.Publish(event.NewFileLockReleasedEvent(key, mode.String()))
}

func (m *Manager) releaseLocked(key string, mode Mode) {
	st := m.paths[key]
	if st == nil {
		return
	}
	if mode == ModeWrite {
		st.writer = false
	} else if st.readers > 0 {
		st.readers--
	}
	m.dispatchLocked(key, st)
}

// dispatchLocked grants queued waiters from the head of the FIFO for as
// long as they are compatible. Consecutive readers are granted together.
func (m *Manager) dispatchLocked(key string, st *pathState) {
	for len(st.waiters) > 0 {
		w := st.waiters[0]
		if !st.compatible(w.mode) {
			break
		}
		st.grant(w.mode)
		w.granted = true
		close(w.ready)
		st.waiters = st.waiters[1:]
	}
	if st.idle() {
		delete(m.paths, key)
	}
}

// Holders describes the lock state of one path.
type Holders struct {
	Readers int
	Writer  bool
	Waiting int
}

// Holders reports the current state of path.
func (m *Manager) Holders(p string) Holders {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.paths[normalize(p)]
	if st == nil {
		return Holders{}
	}
	return Holders{Readers: st.readers, Writer: st.writer, Waiting: len(st.waiters)}
}

// Locked returns the number of paths that are held or have waiters.
func (m *Manager) Locked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.paths)
}
