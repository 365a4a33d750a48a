// Package plan loads task batches from YAML or JSON files and replays the
// edits they script.
//
// A batch lists tasks with their dependencies, declared touch-sets and
// priorities. Each task may carry a script of file edits; ScriptedRunner
// applies that script through the task's workspace, standing in for a
// model-driven runner when the edits were generated ahead of time.
package plan
