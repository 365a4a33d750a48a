// Package event provides a pub-sub event bus for progress notifications
// emitted by the conductor execution engine.
//
// The pool, the file lock manager and the drift detector publish events;
// the CLI and tests subscribe to them. Publishing is fire-and-forget: a
// handler can neither fail nor block the publisher beyond its own run time,
// and after [Bus.Close] every publish is silently discarded.
//
// # Main Types
//
//   - [Event]: Interface that all events must implement, providing EventType() and Timestamp()
//   - [Bus]: Synchronous pub-sub event dispatcher with thread-safe operations
//   - [Handler]: Function type for event handlers (func(Event))
//
// # Event Categories
//
// Task lifecycle:
//   - [TaskStartedEvent], [TaskProgressEvent], [TaskCommittedEvent]
//   - [TaskConflictedEvent], [TaskFailedEvent], [TaskBlockedEvent]
//
// Commit and validation:
//   - [CommitRolledBackEvent], [ValidationCompletedEvent]
//
// Locks and workspace:
//   - [FileLockAcquiredEvent], [FileLockReleasedEvent], [WorkspaceDriftEvent]
//
// # Thread Safety
//
// The [Bus] type is safe for concurrent use. Handlers are called
// synchronously on the publishing goroutine and must therefore be quick and
// safe for concurrent invocation. A panicking handler is recovered.
//
// # Basic Usage
//
//	bus := event.NewBus()
//	defer bus.Close()
//
//	bus.Subscribe(event.TypeTaskConflicted, func(e event.Event) {
//	    c := e.(event.TaskConflictedEvent)
//	    log.Printf("task %s conflicted on %v", c.TaskID, c.Paths)
//	})
//
//	bus.SubscribeAll(func(e event.Event) {
//	    log.Printf("event: %s at %v", e.EventType(), e.Timestamp())
//	})
package event
