// Package pool executes a task graph with a bounded set of workers.
//
// Each scheduling round asks the scheduler for ready tasks whose touch-sets
// are disjoint from every in-flight attempt, hands them to free workers and
// waits for an attempt to finish. An attempt opens a private task
// workspace, runs the task, commits under write locks and, when the task
// declares files, runs the validation gate against the resulting shared
// state. Conflicted commits are requeued until the retry budget is spent.
//
// All graph transitions happen on the coordinating goroutine; workers only
// report results.
package pool
