// Package errors provides centralized error definitions and error handling utilities
// for the conductor codebase. It defines domain-specific errors, semantic error types,
// error constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - GraphError: invalid task batches (cycles, duplicate ids, unknown dependencies)
//   - CommitError: transactional commit failures (conflicts, I/O failures)
//   - GateError: post-commit build/lint/test validation failures
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewGraphError("batch rejected", errors.ErrDependencyCycle).WithTaskID("a")
//
//	if errors.Is(err, errors.ErrDependencyCycle) { ... }
//
//	var commitErr *errors.CommitError
//	if errors.As(err, &commitErr) { ... }
//
//	if errors.IsRetryable(err) { ... }
//
// # Error Classification
//
// Commit conflicts are retryable; I/O failures, gate failures and timeouts of
// validation commands are not. Graph errors are fatal for the whole batch.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Graph-related sentinel errors
var (
	// ErrDependencyCycle indicates a circular dependency in tasks.
	ErrDependencyCycle = New("dependency cycle detected")
	// ErrDuplicateTask indicates two tasks in a batch share an id.
	ErrDuplicateTask = New("duplicate task id")
	// ErrUnknownDependency indicates a task depends on an id that is not in the batch.
	ErrUnknownDependency = New("unknown dependency")
	// ErrTaskNotFound indicates that a task could not be found.
	ErrTaskNotFound = New("task not found")
	// ErrInvalidTransition indicates a task status change that the lifecycle forbids.
	ErrInvalidTransition = New("invalid status transition")
)

// Commit-related sentinel errors
var (
	// ErrCommitConflict indicates a touched path changed since the workspace was opened.
	ErrCommitConflict = New("commit conflict")
	// ErrCommitIO indicates an I/O failure while applying changes.
	ErrCommitIO = New("commit i/o failure")
	// ErrUnsafePath indicates a path escaping the workspace root.
	ErrUnsafePath = New("unsafe workspace path")
	// ErrWorkspaceClosed indicates use of a task workspace after it was discarded.
	ErrWorkspaceClosed = New("task workspace closed")
)

// Validation gate sentinel errors
var (
	// ErrGateFailed indicates that a build, lint or test command failed.
	ErrGateFailed = New("validation gate failed")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// ConductorError is the base interface for all conductor errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type ConductorError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// GraphError represents an invalid task batch. Graph errors are fatal at
// construction time and abort the whole batch.
//
// Example:
//
//	err := errors.NewGraphError("a -> b -> a", errors.ErrDependencyCycle)
//	fmt.Println(err) // "graph error: a -> b -> a: dependency cycle detected"
type GraphError struct {
	baseError
	TaskID string
}

// NewGraphError creates a new GraphError.
func NewGraphError(message string, cause error) *GraphError {
	return &GraphError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityCritical,
		},
	}
}

// WithTaskID adds the offending task id to the error context.
func (e *GraphError) WithTaskID(id string) *GraphError {
	e.TaskID = id
	return e
}

// Error returns the formatted error message.
func (e *GraphError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	return e.format("graph error", parts)
}

// Is checks if this error matches the target.
func (e *GraphError) Is(target error) bool {
	if _, ok := target.(*GraphError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// CommitError represents a failed transactional commit.
// Conflicts are retryable against a refreshed snapshot; I/O failures are not.
//
// Example:
//
//	err := errors.NewCommitError("hash mismatch", errors.ErrCommitConflict).
//		WithTaskID("b").WithPaths([]string{"file.txt"})
type CommitError struct {
	baseError
	TaskID string
	Paths  []string
}

// NewCommitError creates a new CommitError. Errors caused by ErrCommitConflict
// are marked retryable.
func NewCommitError(message string, cause error) *CommitError {
	return &CommitError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityError,
			retryable: errors.Is(cause, ErrCommitConflict),
		},
	}
}

// WithTaskID adds a task ID to the error context.
func (e *CommitError) WithTaskID(id string) *CommitError {
	e.TaskID = id
	return e
}

// WithPaths records the paths involved in the failure.
func (e *CommitError) WithPaths(paths []string) *CommitError {
	e.Paths = paths
	return e
}

// Error returns the formatted error message.
func (e *CommitError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if len(e.Paths) > 0 {
		parts = append(parts, fmt.Sprintf("paths=%s", strings.Join(e.Paths, ",")))
	}
	return e.format("commit error", parts)
}

// Is checks if this error matches the target.
func (e *CommitError) Is(target error) bool {
	if _, ok := target.(*CommitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// GateError represents a failed post-commit validation stage.
// Gate failures are terminal for the task and never retried.
type GateError struct {
	baseError
	TaskID   string
	Stage    string
	ExitCode int
}

// NewGateError creates a new GateError for the given stage.
func NewGateError(stage, message string) *GateError {
	return &GateError{
		baseError: baseError{
			message:  message,
			cause:    ErrGateFailed,
			severity: SeverityError,
		},
		Stage: stage,
	}
}

// WithTaskID adds a task ID to the error context.
func (e *GateError) WithTaskID(id string) *GateError {
	e.TaskID = id
	return e
}

// WithExitCode records the exit code of the failing command.
func (e *GateError) WithExitCode(code int) *GateError {
	e.ExitCode = code
	return e
}

// WithCause replaces the default ErrGateFailed cause.
func (e *GateError) WithCause(cause error) *GateError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *GateError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.Stage != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", e.Stage))
	}
	if e.ExitCode != 0 {
		parts = append(parts, fmt.Sprintf("exit=%d", e.ExitCode))
	}
	return e.format("gate error", parts)
}

// Is checks if this error matches the target.
func (e *GateError) Is(target error) bool {
	if _, ok := target.(*GateError); ok {
		return true
	}
	if errors.Is(target, ErrGateFailed) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:  fmt.Sprintf("%s not found", resourceType),
			severity: SeverityWarning,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	msg := fmt.Sprintf("%s not found: %s", e.ResourceType, e.ResourceID)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	if e.ResourceType == "task" && errors.Is(target, ErrTaskNotFound) {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("task id cannot be empty")
//	err = err.WithField("tasks[2].id").WithValue("")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			severity: SeverityWarning,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return e.format("validation error", parts)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("go test ./...", 30*time.Second)
//	fmt.Println(err) // "timeout error: go test ./... (timeout: 30s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError. Validation timeouts are not
// retried by the pool, so the error is not retryable by default.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:  operation,
			severity: SeverityWarning,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. Only commit conflicts qualify by default.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var conductorErr ConductorError
	if As(err, &conductorErr) {
		return conductorErr.IsRetryable()
	}

	return Is(err, ErrCommitConflict)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement ConductorError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var conductorErr ConductorError
	if As(err, &conductorErr) {
		return conductorErr.Severity()
	}

	return SeverityError
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
