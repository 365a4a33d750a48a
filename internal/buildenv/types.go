package buildenv

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the validation stage a command belongs to.
type Kind string

const (
	KindBuild Kind = "build"
	KindLint  Kind = "lint"
	KindTest  Kind = "test"
)

// Status is the outcome of one validation command.
type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusTimeout Status = "timeout"
)

// Severity of a parsed diagnostic.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Diagnostic is one compiler, linter or test message tied to a location.
type Diagnostic struct {
	File     string   `json:"file"`
	Line     int      `json:"line"`
	Column   int      `json:"column,omitempty"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// String renders the diagnostic in file:line:col form.
func (d Diagnostic) String() string {
	if d.Column > 0 {
		return fmt.Sprintf("%s:%d:%d: %s: %s", d.File, d.Line, d.Column, d.Severity, d.Message)
	}
	return fmt.Sprintf("%s:%d: %s: %s", d.File, d.Line, d.Severity, d.Message)
}

// CommandSpec describes one validation command. Command runs under sh -c.
// Env entries are KEY=VALUE pairs added on top of the inherited
// environment. A zero Timeout means DefaultTimeout.
type CommandSpec struct {
	Command string        `json:"command" mapstructure:"command"`
	Env     []string      `json:"env,omitempty" mapstructure:"env"`
	Timeout time.Duration `json:"timeout,omitempty" mapstructure:"timeout"`
}

// Enabled reports whether the spec has a command to run.
func (c CommandSpec) Enabled() bool {
	return strings.TrimSpace(c.Command) != ""
}

// ValidationResult is the outcome of running one command in an isolated
// copy of a snapshot.
type ValidationResult struct {
	Kind        Kind          `json:"kind"`
	Command     string        `json:"command"`
	Status      Status        `json:"status"`
	Diagnostics []Diagnostic  `json:"diagnostics,omitempty"`
	ExitCode    int           `json:"exit_code"`
	Duration    time.Duration `json:"duration"`
	// Output is the combined stdout and stderr, keeping only the tail when
	// it exceeds the configured limit.
	Output    string `json:"output,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	// TestsPassed and TestsFailed are parsed from test runner output.
	TestsPassed int `json:"tests_passed,omitempty"`
	TestsFailed int `json:"tests_failed,omitempty"`
	// Err is set when the environment could not be prepared or the command
	// could not be started. Status is then StatusFail.
	Err error `json:"-"`
}

// Failed is true for Fail and Timeout.
func (r ValidationResult) Failed() bool {
	return r.Status == StatusFail || r.Status == StatusTimeout
}

// Summary is a one-line description of the result.
func (r ValidationResult) Summary() string {
	switch {
	case r.Err != nil:
		return fmt.Sprintf("%s: %v", r.Kind, r.Err)
	case r.Status == StatusTimeout:
		return fmt.Sprintf("%s timed out after %s", r.Kind, r.Duration.Round(time.Millisecond))
	case r.Status == StatusPass:
		return fmt.Sprintf("%s passed", r.Kind)
	case r.Kind == KindTest && (r.TestsPassed > 0 || r.TestsFailed > 0):
		return fmt.Sprintf("test failed: %d passed, %d failed", r.TestsPassed, r.TestsFailed)
	default:
		return fmt.Sprintf("%s failed with exit code %d (%d diagnostics)", r.Kind, r.ExitCode, len(r.Diagnostics))
	}
}
