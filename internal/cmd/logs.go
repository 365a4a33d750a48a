package cmd

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/conductor/internal/config"
	"github.com/Iron-Ham/conductor/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View run logs",
	Long: `View and filter the logs written by conductor runs in a workspace.

Rotated log files are read along with the current one, oldest first.

Examples:
  # Show the last 50 entries
  conductor logs

  # Show everything logged for one task
  conductor logs --task build-api -n 0

  # Warnings and errors from the last hour
  conductor logs --level warn --since 1h

  # Entries mentioning a path
  conductor logs --grep internal/api.go`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsWorkspace string
	logsTail      int
	logsLevel     string
	logsRunID     string
	logsTaskID    string
	logsPhase     string
	logsSince     string
	logsGrep      string
	logsJSON      bool
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().StringVarP(&logsWorkspace, "workspace", "w", ".", "Workspace whose logs to read")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsRunID, "run", "", "Filter by run ID")
	logsCmd.Flags().StringVar(&logsTaskID, "task", "", "Filter by task ID")
	logsCmd.Flags().StringVar(&logsPhase, "phase", "", "Filter by phase (e.g. commit, validate)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Only entries whose message contains this text")
	logsCmd.Flags().BoolVar(&logsJSON, "json", false, "Print entries as JSON")
}

func runLogs(cmd *cobra.Command, args []string) error {
	root, err := filepath.Abs(logsWorkspace)
	if err != nil {
		return fmt.Errorf("resolve workspace: %w", err)
	}
	cfg := config.Get()
	dir := filepath.Join(cfg.Paths.ResolveStateDir(root), "logs")

	filter := logging.LogFilter{
		RunID:           logsRunID,
		TaskID:          logsTaskID,
		Phase:           logsPhase,
		MessageContains: logsGrep,
	}
	if logsLevel != "" {
		filter.Level = logging.ParseLevel(logsLevel)
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return fmt.Errorf("invalid --since duration: %w", err)
		}
		filter.Since = time.Now().Add(-d)
	}

	entries, err := logging.ReadEntries(dir)
	if err != nil {
		return fmt.Errorf("failed to read logs: %w", err)
	}
	entries = logging.FilterLogs(entries, filter)
	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}

	out := cmd.OutOrStdout()
	if logsJSON {
		return logging.WriteJSON(out, entries)
	}
	if len(entries) == 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "no log entries in %s\n", dir)
		return nil
	}
	return logging.WriteText(out, entries)
}
