// Package conflict defines the conflict values produced by transactional
// commits and a watcher that reports out-of-band edits to the shared
// workspace.
//
// Conflict detection itself is hash based and happens inside
// workspace.Commit: a commit conflicts when a path it changes no longer has
// the hash it had when the task workspace was opened. There is no textual
// merge.
package conflict
