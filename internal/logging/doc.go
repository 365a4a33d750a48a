// Package logging provides structured logging for conductor runs.
//
// This package wraps Go's log/slog to write JSON lines that can be filtered
// after a run to reconstruct what each worker and task did.
//
// # Features
//
//   - JSON-formatted structured logging via slog
//   - Configurable log levels (DEBUG, INFO, WARN, ERROR)
//   - Context propagation (run ID, task ID, worker, phase)
//   - Size-based rotation with optional gzip compression
//   - Reading and filtering of written logs
//
// # Thread Safety
//
// All types in this package are safe for concurrent use. Child loggers
// created via With* methods share the underlying writer.
//
// # Basic Usage
//
//	logger, err := logging.NewLogger("/path/to/state", "INFO")
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	taskLog := logger.WithRun(runID).WithTask("a").WithWorker(2)
//	taskLog.Info("commit applied", "paths", 3)
//
// Output:
//
//	{"time":"...","level":"INFO","msg":"commit applied","run_id":"...","task_id":"a","worker":2,"paths":3}
//
// # Log Rotation
//
//	logger, err := logging.NewLoggerWithRotation(dir, "INFO", logging.RotationConfig{
//	    MaxSizeMB:  10,
//	    MaxBackups: 3,
//	    Compress:   true,
//	})
//
// Rotated files are named debug.log.1, debug.log.2, etc., where .1 is the
// most recent backup.
//
// # Reading Logs
//
//	entries, err := logging.ReadEntries(dir)
//	failed := logging.FilterLogs(entries, logging.LogFilter{Level: "WARN", TaskID: "a"})
//	logging.WriteText(os.Stdout, failed)
//
// For tests, use [NopLogger] to discard all output.
package logging
