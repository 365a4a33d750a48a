package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/conductor/internal/buildenv"
	"github.com/Iron-Ham/conductor/internal/config"
	"github.com/Iron-Ham/conductor/internal/conflict"
	"github.com/Iron-Ham/conductor/internal/event"
	"github.com/Iron-Ham/conductor/internal/filelock"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/metrics"
	"github.com/Iron-Ham/conductor/internal/plan"
	"github.com/Iron-Ham/conductor/internal/pool"
	"github.com/Iron-Ham/conductor/internal/taskgraph"
	"github.com/Iron-Ham/conductor/internal/workspace"
)

var runCmd = &cobra.Command{
	Use:   "run <batch-file>",
	Short: "Execute a batch of tasks against a workspace",
	Long: `Execute every task of a batch file (YAML or JSON) against a workspace.

Tasks whose declared files do not overlap run in parallel. Each attempt
works in a private staging area and commits atomically; a commit that finds
its files changed by another task is retried against fresh content. When
validation is enabled, every commit is followed by the configured build,
lint and test commands and reverted if they fail.

Examples:
  # Run a batch in the current directory
  conductor run tasks.yaml

  # Run with 8 workers and no conflict retries, printing a JSON report
  conductor run tasks.yaml --workspace ./repo --workers 8 --retries 0 --json

  # Continue an interrupted batch, skipping tasks that already committed
  conductor run tasks.yaml --resume`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runWorkspace     string
	runWorkers       int
	runRetries       int
	runJSON          bool
	runSkipOnFailure bool
	runWatchDrift    bool
	runResume        bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runWorkspace, "workspace", "w", ".", "Workspace directory the tasks modify")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Concurrent tasks (default from pool.workers)")
	runCmd.Flags().IntVar(&runRetries, "retries", -1, "Conflict retries per task (default from pool.max_conflict_retries)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the report as JSON")
	runCmd.Flags().BoolVar(&runSkipOnFailure, "skip-on-failure", false, "Run dependents of failed tasks instead of blocking them")
	runCmd.Flags().BoolVar(&runWatchDrift, "watch-drift", false, "Report edits made outside conductor during the run")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "Restore task statuses saved by a previous run of this batch")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if runWorkers > 0 {
		cfg.Pool.Workers = runWorkers
	}
	if runRetries >= 0 {
		cfg.Pool.MaxConflictRetries = runRetries
	}
	cfg.Pool.SkipOnFailure = cfg.Pool.SkipOnFailure || runSkipOnFailure
	cfg.Pool.WatchDrift = cfg.Pool.WatchDrift || runWatchDrift

	root, err := filepath.Abs(runWorkspace)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}
	stateDir := cfg.Paths.ResolveStateDir(root)

	logger, err := newRunLogger(cfg, stateDir)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Close() }()

	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	runLock := taskgraph.NewRunLock(stateDir)
	locked, err := runLock.TryLock()
	if err != nil {
		return fmt.Errorf("lock state dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("another conductor run is using %s", stateDir)
	}
	defer func() { _ = runLock.Unlock() }()

	batch, err := plan.Load(args[0])
	if err != nil {
		return err
	}
	graphOpts := []taskgraph.Option{taskgraph.WithLogger(logger)}
	if cfg.Pool.SkipOnFailure {
		graphOpts = append(graphOpts, taskgraph.WithSkipOnFailure())
	}
	graph, err := batch.Graph(graphOpts...)
	if err != nil {
		return err
	}
	if runResume {
		if err := graph.LoadStatuses(stateDir); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("resume: %w", err)
			}
			logger.Info("no saved state to resume, starting fresh", "state_dir", stateDir)
		} else {
			counts := graph.Status()
			logger.Info("resumed from saved state", "committed", counts.Committed, "failed", counts.Failed)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := event.NewBus()
	defer bus.Close()

	r, err := newRunner(cfg, root, batch, bus, logger)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		shutdown, rec, err := startMetrics(ctx, cfg.Metrics.Address, logger)
		if err != nil {
			return err
		}
		defer shutdown()
		r.opts = append(r.opts, pool.WithMetrics(rec))
	}

	var detector *conflict.DriftDetector
	if cfg.Pool.WatchDrift {
		detector, err = conflict.NewDriftDetector(root,
			conflict.WithIgnoreFunc(r.shared.IsOwnWrite),
			conflict.WithDriftEventBus(bus),
			conflict.WithDriftLogger(logger))
		if err != nil {
			return fmt.Errorf("watch workspace: %w", err)
		}
		detector.Start()
		defer detector.Stop()
	}

	stderr := cmd.ErrOrStderr()
	if !runJSON && isTerminal(stderr) {
		subscribeProgress(bus, stderr)
	}

	p := pool.New(graph, r.shared, r.locks, plan.NewScriptedRunner(batch,
		plan.WithRunnerEventBus(bus),
		plan.WithRunnerLogger(logger)), r.opts...)
	report, runErr := p.Run(ctx)

	if err := graph.SaveState(stateDir); err != nil {
		logger.Warn("failed to save graph state", "error", err)
	}

	out := cmd.OutOrStdout()
	if runJSON || !isTerminal(out) {
		if err := writeJSON(out, report); err != nil {
			return err
		}
	} else if err := renderReport(out, report, true, terminalWidth(out, 100)); err != nil {
		return err
	}

	if detector != nil && detector.HasDrift() {
		for _, d := range detector.Drifts() {
			fmt.Fprintf(stderr, "warning: %s changed outside conductor (%s)\n", d.Path, d.Op)
		}
	}

	if runErr != nil {
		return runErr
	}
	if !report.Success() {
		return fmt.Errorf("%d of %d task(s) did not commit", len(report.Tasks)-report.Committed, len(report.Tasks))
	}
	return nil
}

// runner bundles what a pool needs beside the graph.
type runner struct {
	shared *workspace.Shared
	locks  *filelock.Manager
	opts   []pool.Option
}

func newRunner(cfg *config.Config, root string, batch *plan.Batch, bus *event.Bus, logger *logging.Logger) (*runner, error) {
	shared, err := workspace.NewShared(root,
		workspace.WithStagingDir(cfg.Paths.ResolveStagingDir(root)),
		workspace.WithEventBus(bus),
		workspace.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	r := &runner{
		shared: shared,
		locks:  filelock.NewManager(filelock.WithEventBus(bus), filelock.WithLogger(logger)),
		opts: []pool.Option{
			pool.WithWorkers(cfg.Pool.Workers),
			pool.WithMaxConflictRetries(cfg.Pool.MaxConflictRetries),
			pool.WithEventBus(bus),
			pool.WithLogger(logger),
		},
	}

	gateCfg := cfg.Validation.GateConfig()
	envOpts := []buildenv.Option{
		buildenv.WithMaxOutput(cfg.Validation.MaxOutputKB * 1024),
		buildenv.WithLogger(logger),
	}
	if cfg.Validation.StrictSnapshot {
		envOpts = append(envOpts, buildenv.WithStrictSnapshot())
	}
	if gate := buildenv.NewGate(buildenv.New(shared, envOpts...), gateCfg, logger); gate.Enabled() {
		r.opts = append(r.opts, pool.WithValidator(gate))
	}
	logger.Info("batch loaded", "name", batch.Name, "tasks", len(batch.Tasks), "workspace", root)
	return r, nil
}

func newRunLogger(cfg *config.Config, stateDir string) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	return logging.NewLoggerWithRotation(filepath.Join(stateDir, "logs"), cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
}

// startMetrics serves /metrics on addr until the returned func is called.
func startMetrics(ctx context.Context, addr string, logger *logging.Logger) (func(), *metrics.Recorder, error) {
	provider, err := metrics.InitMeterProvider(ctx, "conductor")
	if err != nil {
		return nil, nil, fmt.Errorf("init metrics: %w", err)
	}
	rec, err := metrics.NewRecorder(provider.Meter())
	if err != nil {
		return nil, nil, fmt.Errorf("init metrics: %w", err)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", provider.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "address", ln.Addr().String())

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = provider.Shutdown(shutdownCtx)
	}, rec, nil
}

// subscribeProgress prints one line per task lifecycle event.
func subscribeProgress(bus *event.Bus, w io.Writer) {
	bus.SubscribeAll(func(e event.Event) {
		var line string
		switch ev := e.(type) {
		case event.TaskStartedEvent:
			line = fmt.Sprintf("%s started (attempt %d, worker %d)", ev.TaskID, ev.Attempt, ev.Worker)
		case event.TaskCommittedEvent:
			line = committedStyle.Render(fmt.Sprintf("%s committed %d path(s)", ev.TaskID, len(ev.Paths)))
		case event.TaskConflictedEvent:
			line = blockedStyle.Render(fmt.Sprintf("%s conflicted on %v (retry: %v)", ev.TaskID, ev.Paths, ev.WillRetry))
		case event.TaskFailedEvent:
			line = failedStyle.Render(fmt.Sprintf("%s failed: %s", ev.TaskID, ev.Reason))
		case event.TaskBlockedEvent:
			line = blockedStyle.Render(fmt.Sprintf("%s blocked by %s", ev.TaskID, ev.BlockedBy))
		case event.ValidationCompletedEvent:
			line = mutedStyle.Render(fmt.Sprintf("%s %s: %s", ev.TaskID, ev.Stage, ev.Status))
		case event.WorkspaceDriftEvent:
			line = blockedStyle.Render(fmt.Sprintf("drift: %s (%s)", ev.Path, ev.Op))
		default:
			return
		}
		fmt.Fprintln(w, line)
	})
}
