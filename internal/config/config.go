package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/conductor/internal/buildenv"
)

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. CONDUCTOR_POOL_WORKERS for pool.workers.
const EnvPrefix = "CONDUCTOR"

// Config represents the complete conductor configuration
type Config struct {
	Pool       PoolConfig       `mapstructure:"pool"`
	Validation ValidationConfig `mapstructure:"validation"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Paths      PathsConfig      `mapstructure:"paths"`
}

// PoolConfig controls task execution
type PoolConfig struct {
	// Workers is the number of tasks that may run at once (default: CPU count, at most 8)
	Workers int `mapstructure:"workers"`
	// MaxConflictRetries is how many times a task whose commit conflicted is
	// retried before it fails (default: 3)
	MaxConflictRetries int `mapstructure:"max_conflict_retries"`
	// SkipOnFailure lets dependents of a failed task run instead of blocking them
	SkipOnFailure bool `mapstructure:"skip_on_failure"`
	// WatchDrift reports edits to the workspace made outside conductor during a run
	WatchDrift bool `mapstructure:"watch_drift"`
}

// ValidationConfig controls the post-commit build, lint and test gate
type ValidationConfig struct {
	// Enabled turns the gate on. Stages with an empty command are skipped.
	Enabled bool `mapstructure:"enabled"`
	// StrictSnapshot fails validation when a file changed between the
	// snapshot and the isolated copy, instead of using the current content
	StrictSnapshot bool `mapstructure:"strict_snapshot"`
	// MaxOutputKB is how much trailing command output is kept (default: 64)
	MaxOutputKB int `mapstructure:"max_output_kb"`

	Build CommandConfig `mapstructure:"build"`
	Lint  CommandConfig `mapstructure:"lint"`
	Test  CommandConfig `mapstructure:"test"`
}

// CommandConfig describes one validation command
type CommandConfig struct {
	// Command runs under sh -c in an isolated copy of the workspace
	Command string `mapstructure:"command"`
	// Env holds extra KEY=VALUE pairs
	Env []string `mapstructure:"env"`
	// TimeoutSeconds bounds the command (0 means the 10 minute default)
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// Spec converts the command to a buildenv.CommandSpec.
func (c CommandConfig) Spec() buildenv.CommandSpec {
	return buildenv.CommandSpec{
		Command: c.Command,
		Env:     c.Env,
		Timeout: time.Duration(c.TimeoutSeconds) * time.Second,
	}
}

// GateConfig returns the gate stages to run, or an empty config when the
// gate is disabled.
func (v ValidationConfig) GateConfig() buildenv.GateConfig {
	if !v.Enabled {
		return buildenv.GateConfig{}
	}
	return buildenv.GateConfig{
		Build: v.Build.Spec(),
		Lint:  v.Lint.Spec(),
		Test:  v.Test.Spec(),
	}
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled controls whether debug logging is enabled (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated log files
	Compress bool `mapstructure:"compress"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	// Enabled serves /metrics while a run is in progress
	Enabled bool `mapstructure:"enabled"`
	// Address is the listen address (default: "127.0.0.1:9464")
	Address string `mapstructure:"address"`
}

// PathsConfig controls where conductor stores data
type PathsConfig struct {
	// StateDir holds logs, graph state and staging areas.
	// If empty, defaults to ".conductor" inside the workspace.
	// Supports ~ for home directory expansion.
	StateDir string `mapstructure:"state_dir"`
	// StagingDir holds per-attempt task workspaces. If empty, defaults to
	// "staging" inside the state directory. Keeping it on the same
	// filesystem as the workspace keeps commits atomic.
	StagingDir string `mapstructure:"staging_dir"`
}

// ResolveStateDir returns the state directory for a workspace.
func (p *PathsConfig) ResolveStateDir(workspace string) string {
	if p.StateDir == "" {
		return filepath.Join(workspace, ".conductor")
	}
	return resolvePath(p.StateDir, workspace)
}

// ResolveStagingDir returns the staging directory for a workspace.
func (p *PathsConfig) ResolveStagingDir(workspace string) string {
	if p.StagingDir == "" {
		return filepath.Join(p.ResolveStateDir(workspace), "staging")
	}
	return resolvePath(p.StagingDir, workspace)
}

// resolvePath expands ~ and resolves relative paths against baseDir.
func resolvePath(path, baseDir string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// maxDefaultWorkers caps the CPU-derived default pool size.
const maxDefaultWorkers = 8

// DefaultWorkers returns the number of logical CPUs, between 1 and 8.
func DefaultWorkers() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return 4
	}
	return min(n, maxDefaultWorkers)
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			Workers:            DefaultWorkers(),
			MaxConflictRetries: 3,
		},
		Validation: ValidationConfig{
			Enabled:     false,
			MaxOutputKB: 64,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9464",
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Pool defaults
	viper.SetDefault("pool.workers", defaults.Pool.Workers)
	viper.SetDefault("pool.max_conflict_retries", defaults.Pool.MaxConflictRetries)
	viper.SetDefault("pool.skip_on_failure", defaults.Pool.SkipOnFailure)
	viper.SetDefault("pool.watch_drift", defaults.Pool.WatchDrift)

	// Validation defaults
	viper.SetDefault("validation.enabled", defaults.Validation.Enabled)
	viper.SetDefault("validation.strict_snapshot", defaults.Validation.StrictSnapshot)
	viper.SetDefault("validation.max_output_kb", defaults.Validation.MaxOutputKB)
	for _, stage := range []string{"build", "lint", "test"} {
		viper.SetDefault("validation."+stage+".command", "")
		viper.SetDefault("validation."+stage+".env", []string{})
		viper.SetDefault("validation."+stage+".timeout_seconds", 0)
	}

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Metrics defaults
	viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
	viper.SetDefault("metrics.address", defaults.Metrics.Address)

	// Paths defaults
	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)
	viper.SetDefault("paths.staging_dir", defaults.Paths.StagingDir)
}

// BindEnv makes every key overridable through CONDUCTOR_* variables.
func BindEnv() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "conductor")
	}
	// Fall back to ~/.config/conductor
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor"
	}
	return filepath.Join(home, ".config", "conductor")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
