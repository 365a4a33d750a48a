package buildenv

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/conductor/internal/errors"
	"github.com/Iron-Ham/conductor/internal/logging"
	"github.com/Iron-Ham/conductor/internal/workspace"
)

// Verdict is the combined outcome of a gate run.
type Verdict struct {
	Passed  bool               `json:"passed"`
	Results []ValidationResult `json:"results"`
}

// Failure returns the result that failed the gate, or nil if it passed.
func (v Verdict) Failure() *ValidationResult {
	for i := range v.Results {
		if v.Results[i].Failed() {
			return &v.Results[i]
		}
	}
	return nil
}

// Reason summarizes why the gate failed.
func (v Verdict) Reason() string {
	if f := v.Failure(); f != nil {
		return f.Summary()
	}
	return ""
}

// Diagnostics renders the failing stage's diagnostics, falling back to its
// summary when nothing could be parsed.
func (v Verdict) Diagnostics() []string {
	f := v.Failure()
	if f == nil {
		return nil
	}
	if len(f.Diagnostics) == 0 {
		return []string{f.Summary()}
	}
	out := make([]string, len(f.Diagnostics))
	for i, d := range f.Diagnostics {
		out[i] = d.String()
	}
	return out
}

// GateConfig holds the commands a Gate runs. Stages with an empty command
// are skipped.
type GateConfig struct {
	Build CommandSpec
	Lint  CommandSpec
	Test  CommandSpec
}

// Gate runs the configured build, lint and test commands in that order,
// stopping at the first failure.
type Gate struct {
	env    *Env
	stages []stage
	logger *logging.Logger
}

type stage struct {
	kind Kind
	spec CommandSpec
}

// NewGate creates a Gate over env.
func NewGate(env *Env, cfg GateConfig, logger *logging.Logger) *Gate {
	g := &Gate{env: env, logger: logging.OrNop(logger).WithPhase("gate")}
	for _, s := range []stage{{KindBuild, cfg.Build}, {KindLint, cfg.Lint}, {KindTest, cfg.Test}} {
		if s.spec.Enabled() {
			g.stages = append(g.stages, s)
		}
	}
	return g
}

// Enabled reports whether any stage is configured.
func (g *Gate) Enabled() bool {
	return g != nil && len(g.stages) > 0
}

// Validate runs every stage against snap. A failing stage yields a
// Verdict with Passed false and a nil error; an error is returned only
// when a stage could not run at all.
func (g *Gate) Validate(ctx context.Context, snap *workspace.Snapshot) (Verdict, error) {
	v := Verdict{Passed: true}
	for _, s := range g.stages {
		res := g.env.Run(ctx, s.kind, snap, s.spec)
		v.Results = append(v.Results, res)

		if res.Err != nil {
			v.Passed = false
			return v, errors.NewGateError(string(s.kind), "could not run").WithCause(res.Err)
		}
		if res.Failed() {
			v.Passed = false
			g.logger.Info("gate failed", "stage", string(s.kind), "reason", res.Summary())
			return v, nil
		}
	}
	g.logger.Debug("gate passed", "stages", len(g.stages))
	return v, nil
}

// Error converts a failed verdict into a GateError carrying the failing
// stage, its exit code and, for timeouts, a TimeoutError cause.
func (v Verdict) Error(taskID string) error {
	f := v.Failure()
	if f == nil {
		return nil
	}
	err := errors.NewGateError(string(f.Kind), f.Summary()).WithTaskID(taskID).WithExitCode(f.ExitCode)
	switch {
	case f.Err != nil:
		err = err.WithCause(f.Err)
	case f.Status == StatusTimeout:
		err = err.WithCause(errors.NewTimeoutError(f.Command, f.Duration))
	}
	return err
}

// String renders a one-line description of the verdict.
func (v Verdict) String() string {
	if v.Passed {
		return fmt.Sprintf("passed %d stage(s)", len(v.Results))
	}
	return "failed: " + v.Reason()
}
