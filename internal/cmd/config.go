package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/conductor/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View conductor configuration",
	Long: `View conductor configuration.

Without arguments, displays the effective configuration: defaults, the
config file and CONDUCTOR_* environment variables merged together.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at $XDG_CONFIG_HOME/conductor/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}
	if _, err := config.Load(); err != nil {
		fmt.Fprintf(out, "# Invalid configuration:\n# %v\n", err)
	}

	data, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return fmt.Errorf("failed to render configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}

const defaultConfigFile = `# Conductor configuration

pool:
  # Tasks running at once (default: number of CPUs, at most 8)
  # workers: 4
  # Retries for a task whose commit conflicted with another task
  max_conflict_retries: 3
  # Let dependents of a failed task run instead of blocking them
  skip_on_failure: false
  # Report edits made to the workspace outside conductor during a run
  watch_drift: false

# Post-commit validation gate. Commands run under sh -c in an isolated copy
# of the workspace; stages with an empty command are skipped.
validation:
  enabled: false
  strict_snapshot: false
  max_output_kb: 64
  build:
    command: ""
    timeout_seconds: 600
  lint:
    command: ""
  test:
    command: ""
    env: []

logging:
  enabled: true
  # debug, info, warn or error
  level: info
  max_size_mb: 10
  max_backups: 3
  compress: false

# Prometheus endpoint served while a run is in progress
metrics:
  enabled: false
  address: 127.0.0.1:9464

paths:
  # Defaults to .conductor inside the workspace
  state_dir: ""
  # Defaults to staging inside the state directory
  staging_dir: ""
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s", configFile)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigFile), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", config.ConfigFile())
	}

	// Also show config search paths
	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", config.ConfigFile())
	fmt.Fprintln(out, "  2. ./config.yaml (current directory)")
	fmt.Fprintf(out, "\nEnvironment variables: %s_* (e.g., %s_POOL_WORKERS)\n", config.EnvPrefix, config.EnvPrefix)

	return nil
}
