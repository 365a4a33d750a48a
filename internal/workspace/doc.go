// Package workspace manages the shared project workspace and the isolated,
// per-attempt task workspaces that stage edits against it.
//
// A task never writes the shared workspace directly. It opens a
// TaskWorkspace, which copies its touch-set into a private staging
// directory and records the hash of every path at first touch. Commit then
// write-locks the touched paths, checks that no changed path moved in the
// meantime, and applies the net changes with write-to-temp-then-rename. If
// an apply step fails, the paths already written are restored from
// backups taken during the commit, so the shared workspace is left exactly
// as it was.
package workspace
