// Package taskgraph holds the dependency graph of a conductor batch.
//
// A [Graph] is built once from a slice of [Task] values and validated at
// construction: ids must be unique and non-empty, every dependency must be
// part of the batch, and the graph must be acyclic. Cycles are reported
// with a deterministic witness such as "a -> b -> a".
//
// # Lifecycle
//
// Tasks move through these statuses:
//
//	pending -> ready -> running -> committed
//	                        |
//	                        +-> conflicted -> pending (requeue)
//	                        |        |
//	                        +--------+-> failed
//	pending/ready -> blocked  (a dependency failed)
//
// Readiness is maintained incrementally: committing a task only visits its
// direct dependents. Failing a task blocks all of its transitive
// dependents, unless the graph was built with [WithSkipOnFailure].
//
// # Persistence
//
// [Graph.SaveState] and [Graph.LoadStatuses] store runtime state as JSON
// under an flock so a later process can resume a partially executed batch.
package taskgraph
