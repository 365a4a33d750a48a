package config

import (
	"fmt"
	"net"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "pool.workers")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

const (
	maxWorkers            = 256
	maxConflictRetries    = 100
	maxCommandTimeoutSecs = 24 * 60 * 60
	maxPathLength         = 4096
)

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	errors = append(errors, c.validatePool()...)
	errors = append(errors, c.validateValidation()...)
	errors = append(errors, c.validateLogging()...)
	errors = append(errors, c.validateMetrics()...)
	errors = append(errors, c.validatePaths()...)

	return errors
}

// validatePool validates the PoolConfig
func (c *Config) validatePool() []ValidationError {
	var errors []ValidationError

	if c.Pool.Workers < 1 || c.Pool.Workers > maxWorkers {
		errors = append(errors, ValidationError{
			Field:   "pool.workers",
			Value:   c.Pool.Workers,
			Message: fmt.Sprintf("must be between 1 and %d", maxWorkers),
		})
	}

	if c.Pool.MaxConflictRetries < 0 || c.Pool.MaxConflictRetries > maxConflictRetries {
		errors = append(errors, ValidationError{
			Field:   "pool.max_conflict_retries",
			Value:   c.Pool.MaxConflictRetries,
			Message: fmt.Sprintf("must be between 0 and %d", maxConflictRetries),
		})
	}

	return errors
}

// validateValidation validates the gate commands
func (c *Config) validateValidation() []ValidationError {
	var errors []ValidationError

	if c.Validation.MaxOutputKB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "validation.max_output_kb",
			Value:   c.Validation.MaxOutputKB,
			Message: "must be positive",
		})
	}

	stages := map[string]CommandConfig{
		"build": c.Validation.Build,
		"lint":  c.Validation.Lint,
		"test":  c.Validation.Test,
	}
	configured := 0
	for _, name := range []string{"build", "lint", "test"} {
		cmd := stages[name]
		prefix := "validation." + name
		if strings.TrimSpace(cmd.Command) != "" {
			configured++
		}
		if cmd.TimeoutSeconds < 0 || cmd.TimeoutSeconds > maxCommandTimeoutSecs {
			errors = append(errors, ValidationError{
				Field:   prefix + ".timeout_seconds",
				Value:   cmd.TimeoutSeconds,
				Message: fmt.Sprintf("must be between 0 and %d", maxCommandTimeoutSecs),
			})
		}
		for i, kv := range cmd.Env {
			if k, _, ok := strings.Cut(kv, "="); !ok || k == "" {
				errors = append(errors, ValidationError{
					Field:   fmt.Sprintf("%s.env[%d]", prefix, i),
					Value:   kv,
					Message: "must have the form KEY=VALUE",
				})
			}
		}
	}

	if c.Validation.Enabled && configured == 0 {
		errors = append(errors, ValidationError{
			Field:   "validation.enabled",
			Value:   true,
			Message: "requires at least one of build, lint or test command",
		})
	}

	return errors
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	// Validate log level
	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	// Max size must be positive
	if c.Logging.MaxSizeMB <= 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	// Reasonable upper bound for log file size
	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	// Max backups must be non-negative
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errors
}

// validateMetrics validates the MetricsConfig
func (c *Config) validateMetrics() []ValidationError {
	if !c.Metrics.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
		return []ValidationError{{
			Field:   "metrics.address",
			Value:   c.Metrics.Address,
			Message: "must be host:port",
		}}
	}
	return nil
}

// validatePaths validates the PathsConfig
func (c *Config) validatePaths() []ValidationError {
	var errors []ValidationError

	for field, path := range map[string]string{
		"paths.state_dir":   c.Paths.StateDir,
		"paths.staging_dir": c.Paths.StagingDir,
	} {
		if path == "" {
			continue
		}
		// Check for null bytes which are invalid in paths
		if strings.ContainsRune(path, '\x00') {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   path,
				Message: "path contains invalid null character",
			})
		}
		if len(path) > maxPathLength {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   path,
				Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
			})
		}
	}
	slices.SortFunc(errors, func(a, b ValidationError) int { return strings.Compare(a.Field, b.Field) })

	return errors
}
