package filelock

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/conductor/internal/event"
)

const (
	shortWait = 50 * time.Millisecond
	longWait  = 2 * time.Second
)

// acquireAsync starts an acquisition in the background and returns a
// channel that yields the release func once granted.
func acquireAsync(t *testing.T, fn func() (func(), error)) <-chan func() {
	t.Helper()
	ch := make(chan func(), 1)
	go func() {
		release, err := fn()
		if err != nil {
			t.Errorf("acquire error = %v", err)
			return
		}
		ch <- release
	}()
	return ch
}

func readFn(m *Manager, p string) func() (func(), error) {
	return func() (func(), error) {
		g, err := m.AcquireRead(context.Background(), p)
		if err != nil {
			return nil, err
		}
		return g.Release, nil
	}
}

func writeFn(m *Manager, p string) func() (func(), error) {
	return func() (func(), error) {
		g, err := m.AcquireWrite(context.Background(), p)
		if err != nil {
			return nil, err
		}
		return g.Release, nil
	}
}

func expectGranted(t *testing.T, ch <-chan func(), what string) func() {
	t.Helper()
	select {
	case release := <-ch:
		return release
	case <-time.After(longWait):
		t.Fatalf("%s was not granted", what)
		return nil
	}
}

func expectWaiting(t *testing.T, ch <-chan func(), what string) {
	t.Helper()
	select {
	case <-ch:
		t.Fatalf("%s was granted but should be waiting", what)
	case <-time.After(shortWait):
	}
}

func waitForQueue(t *testing.T, m *Manager, p string, n int) {
	t.Helper()
	deadline := time.Now().Add(longWait)
	for m.Holders(p).Waiting != n {
		if time.Now().After(deadline) {
			t.Fatalf("waiters on %s = %d, want %d", p, m.Holders(p).Waiting, n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestReadersShare(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	r1, err := m.AcquireRead(ctx, "a.go")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := m.AcquireRead(ctx, "./a.go")
	if err != nil {
		t.Fatal(err)
	}
	if h := m.Holders("a.go"); h.Readers != 2 || h.Writer {
		t.Errorf("Holders() = %+v, want 2 readers", h)
	}
	r1.Release()
	r2.Release()
	if m.Locked() != 0 {
		t.Errorf("Locked() = %d after release, want 0", m.Locked())
	}
}

func TestWriterExcludesReadersAndWriters(t *testing.T) {
	m := NewManager()

	w, err := m.AcquireWrite(context.Background(), "f.txt")
	if err != nil {
		t.Fatal(err)
	}

	reader := acquireAsync(t, readFn(m, "f.txt"))
	waitForQueue(t, m, "f.txt", 1)
	writer := acquireAsync(t, writeFn(m, "f.txt"))
	waitForQueue(t, m, "f.txt", 2)
	expectWaiting(t, reader, "reader")
	expectWaiting(t, writer, "second writer")

	w.Release()
	release := expectGranted(t, reader, "reader")
	expectWaiting(t, writer, "second writer behind reader")
	release()
	expectGranted(t, writer, "second writer")()
}

func TestFIFO_QueuedWriterNotStarvedByLaterReaders(t *testing.T) {
	m := NewManager()

	r1, err := m.AcquireRead(context.Background(), "f.txt")
	if err != nil {
		t.Fatal(err)
	}

	writer := acquireAsync(t, writeFn(m, "f.txt"))
	waitForQueue(t, m, "f.txt", 1)

	lateReader := acquireAsync(t, readFn(m, "f.txt"))
	waitForQueue(t, m, "f.txt", 2)
	expectWaiting(t, lateReader, "reader arriving after a queued writer")

	r1.Release()
	releaseWriter := expectGranted(t, writer, "queued writer")
	expectWaiting(t, lateReader, "late reader while writer holds")

	releaseWriter()
	expectGranted(t, lateReader, "late reader")()
}

func TestConsecutiveReadersGrantedTogether(t *testing.T) {
	m := NewManager()
	w, _ := m.AcquireWrite(context.Background(), "f")

	r1 := acquireAsync(t, readFn(m, "f"))
	waitForQueue(t, m, "f", 1)
	r2 := acquireAsync(t, readFn(m, "f"))
	waitForQueue(t, m, "f", 2)

	w.Release()
	expectGranted(t, r1, "first reader")()
	expectGranted(t, r2, "second reader")()
}

func TestAcquireCancelled(t *testing.T) {
	m := NewManager()
	w, _ := m.AcquireWrite(context.Background(), "f")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.AcquireWrite(ctx, "f")
		errCh <- err
	}()
	waitForQueue(t, m, "f", 1)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(longWait):
		t.Fatal("cancelled waiter did not return")
	}

	if h := m.Holders("f"); h.Waiting != 0 || !h.Writer {
		t.Errorf("Holders() = %+v, want writer and no waiters", h)
	}
	w.Release()
	if m.Locked() != 0 {
		t.Error("cancelled waiter leaked a lock")
	}

	if _, err := m.AcquireRead(ctx, "g"); !errors.Is(err, context.Canceled) {
		t.Errorf("acquire on done ctx error = %v", err)
	}
}

func TestCancelledHeadWriterUnblocksReaders(t *testing.T) {
	m := NewManager()
	r, _ := m.AcquireRead(context.Background(), "f")

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _, _ = m.AcquireWrite(ctx, "f") }()
	waitForQueue(t, m, "f", 1)

	reader := acquireAsync(t, readFn(m, "f"))
	waitForQueue(t, m, "f", 2)

	cancel()
	expectGranted(t, reader, "reader behind a cancelled writer")()
	r.Release()
}

func TestReleaseIdempotent(t *testing.T) {
	m := NewManager()
	ctx := context.Background()

	r, _ := m.AcquireRead(ctx, "f")
	other, _ := m.AcquireRead(ctx, "f")
	r.Release()
	r.Release()
	if h := m.Holders("f"); h.Readers != 1 {
		t.Errorf("double release dropped another reader's lock: %+v", h)
	}
	other.Release()

	mg, err := m.AcquireWriteAll(ctx, []string{"b", "a"})
	if err != nil {
		t.Fatal(err)
	}
	mg.Release()
	mg.Release()
	if m.Locked() != 0 {
		t.Errorf("Locked() = %d, want 0", m.Locked())
	}
}

func TestAcquireWriteAll_OrderAndDedup(t *testing.T) {
	m := NewManager()
	mg, err := m.AcquireWriteAll(context.Background(), []string{"z.go", "a/b.go", "./z.go", "a/../m.go"})
	if err != nil {
		t.Fatal(err)
	}
	defer mg.Release()

	want := []string{"a/b.go", "m.go", "z.go"}
	if got := mg.Paths(); !reflect.DeepEqual(got, want) {
		t.Errorf("Paths() = %v, want %v", got, want)
	}
}

func TestAcquireWriteAll_ReleasesPartialOnCancel(t *testing.T) {
	m := NewManager()
	hold, _ := m.AcquireWrite(context.Background(), "b")
	defer hold.Release()

	ctx, cancel := context.WithTimeout(context.Background(), shortWait)
	defer cancel()
	if _, err := m.AcquireWriteAll(ctx, []string{"a", "b"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
	if h := m.Holders("a"); h.Writer {
		t.Error("lock on a leaked after failed multi-acquire")
	}
}

func TestAcquireWriteAll_DeadlockFreedom(t *testing.T) {
	m := NewManager()
	orders := [][]string{
		{"a", "b", "c"},
		{"c", "b", "a"},
		{"b", "c", "a"},
		{"c", "a"},
	}

	var counter atomic.Int64
	var wg sync.WaitGroup
	for _, order := range orders {
		for range 5 {
			wg.Go(func() {
				for range 100 {
					mg, err := m.AcquireWriteAll(context.Background(), order)
					if err != nil {
						t.Error(err)
						return
					}
					counter.Add(1)
					mg.Release()
				}
			})
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("multi-path acquisition deadlocked")
	}
	if counter.Load() != int64(len(orders)*5*100) {
		t.Errorf("completed %d acquisitions", counter.Load())
	}
}

func TestWriteMutualExclusion(t *testing.T) {
	m := NewManager()
	var inside atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			for range 50 {
				g, err := m.AcquireWrite(context.Background(), "shared")
				if err != nil {
					t.Error(err)
					return
				}
				if n := inside.Add(1); n != 1 {
					t.Errorf("%d writers inside critical section", n)
				}
				inside.Add(-1)
				g.Release()
			}
		})
	}
	wg.Wait()
}

func TestEvents(t *testing.T) {
	bus := event.NewBus()
	var mu sync.Mutex
	var got []string
	bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch ev := e.(type) {
		case event.FileLockAcquiredEvent:
			got = append(got, "acquired:"+ev.Mode+":"+ev.Path)
		case event.FileLockReleasedEvent:
			got = append(got, "released:"+ev.Mode+":"+ev.Path)
		}
	})

	m := NewManager(WithEventBus(bus))
	g, _ := m.AcquireWrite(context.Background(), "x.go")
	g.Release()
	g.Release()

	want := []string{"acquired:write:x.go", "released:write:x.go"}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}
