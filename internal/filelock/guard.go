package filelock

import "sync"

type guard struct {
	m    *Manager
	key  string
	mode Mode
	once sync.Once
}

func (g *guard) release() {
	g.once.Do(func() { g.m.release(g.key, g.mode) })
}

// ReadGuard is a held shared lock on one path.
type ReadGuard struct {
	guard *guard
}

// Path returns the locked path.
func (r *ReadGuard) Path() string { return r.guard.key }

// Release drops the lock. Calling Release more than once is a no-op.
func (r *ReadGuard) Release() { r.guard.release() }

// WriteGuard is a held exclusive lock on one path.
type WriteGuard struct {
	guard *guard
}

// Path returns the locked path.
func (w *WriteGuard) Path() string { return w.guard.key }

// Release drops the lock. Calling Release more than once is a no-op.
func (w *WriteGuard) Release() { w.guard.release() }

// MultiGuard holds write locks on several paths acquired in lexicographic
// order.
type MultiGuard struct {
	guards []*WriteGuard
}

// Paths returns the locked paths in acquisition order.
func (mg *MultiGuard) Paths() []string {
	out := make([]string, len(mg.guards))
	for i, g := range mg.guards {
		out[i] = g.Path()
	}
	return out
}

// Release drops every lock in reverse acquisition order. It is idempotent.
func (mg *MultiGuard) Release() {
	for i := len(mg.guards) - 1; i >= 0; i-- {
		mg.guards[i].Release()
	}
}
