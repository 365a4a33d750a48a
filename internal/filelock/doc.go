// Package filelock provides per-path read/write locks over the shared
// workspace.
//
// Every mutation of the shared workspace happens while holding write locks
// on the paths involved. Locks are scoped: acquisition returns a guard
// whose Release method is idempotent, so callers write
//
//	g, err := locks.AcquireWriteAll(ctx, paths)
//	if err != nil {
//	    return err
//	}
//	defer g.Release()
//
// # Fairness
//
// Each path keeps a FIFO of waiters. A reader is granted immediately only
// when no writer holds the path and nobody is queued; otherwise it waits
// its turn. Queued waiters are granted from the head of the FIFO, batching
// consecutive readers.
//
// # Deadlock Freedom
//
// [Manager.AcquireWriteAll] sorts and de-duplicates its paths and acquires
// them in lexicographic order, releasing everything on failure. All
// multi-path acquisitions in conductor go through it.
//
// # Cancellation
//
// A waiter whose context is cancelled is removed from the queue and the
// acquisition returns ctx.Err(). A grant that races with cancellation is
// released before returning, so no lock leaks.
package filelock
