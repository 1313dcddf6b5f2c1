// Package validation runs the external test runner and compares results
// against thresholds and baselines. Results are transient: they are
// recomputed on every validation step and only summarized into the run
// manifest for traceability.
package validation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Scope selects which tests to run: a set of paths for fast inner loops, or
// the whole suite for the final check before a phase is marked passed.
type Scope struct {
	// Paths restricts the run to specific files. Ignored when Full is set.
	Paths []string `json:"paths,omitempty"`

	// Full runs the entire suite.
	Full bool `json:"full"`
}

// FullSuite is the scope for a whole-suite run.
func FullSuite() Scope { return Scope{Full: true} }

// Files is the scope for an incremental run over specific files.
func Files(paths ...string) Scope { return Scope{Paths: paths} }

// Result is the outcome of one test-runner invocation.
type Result struct {
	Passed             bool    `json:"passed"`
	TotalCases         int     `json:"total_cases"`
	FailedCases        int     `json:"failed_cases"`
	CoverageStatements float64 `json:"coverage_statements"`
	CoverageBranches   float64 `json:"coverage_branches"`

	// DeltaStatements and DeltaBranches are filled in by the engine when a
	// baseline is known.
	DeltaStatements float64 `json:"delta_statements,omitempty"`
	DeltaBranches   float64 `json:"delta_branches,omitempty"`

	// Log is the raw runner output, kept for failure classification.
	Log string `json:"log,omitempty"`
}

// Summary renders a one-line result for reports and prompts.
func (r Result) Summary() string {
	state := "PASS"
	if !r.Passed {
		state = "FAIL"
	}
	return fmt.Sprintf("%s: %d/%d cases failed, coverage %.1f%% stmts / %.1f%% branches",
		state, r.FailedCases, r.TotalCases, r.CoverageStatements, r.CoverageBranches)
}

// TestRunner is the external collaborator that actually runs tests.
type TestRunner interface {
	RunTests(ctx context.Context, scope Scope) (Result, error)
}

// Targets are declared coverage targets, used as the tolerance during GREEN.
type Targets struct {
	Statements float64
	Branches   float64
}

// Engine wraps a test runner with the comparison rules of the pipeline.
type Engine struct {
	runner TestRunner
	logger *zap.Logger
}

// NewEngine creates a validation engine.
func NewEngine(runner TestRunner, logger *zap.Logger) (*Engine, error) {
	if runner == nil {
		return nil, errors.New("test runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{runner: runner, logger: logger.Named("validation")}, nil
}

// Run executes the test runner over the given scope.
func (e *Engine) Run(ctx context.Context, scope Scope) (Result, error) {
	result, err := e.runner.RunTests(ctx, scope)
	if err != nil {
		return Result{}, fmt.Errorf("test runner failed: %w", err)
	}
	e.logger.Debug("validation run",
		zap.Bool("full", scope.Full),
		zap.Bool("passed", result.Passed),
		zap.Int("total", result.TotalCases),
		zap.Int("failed", result.FailedCases),
	)
	return result, nil
}

// WithBaseline computes coverage deltas relative to a baseline result.
func WithBaseline(baseline, actual Result) Result {
	actual.DeltaStatements = actual.CoverageStatements - baseline.CoverageStatements
	actual.DeltaBranches = actual.CoverageBranches - baseline.CoverageBranches
	return actual
}

// CheckGreen verifies a GREEN-phase result: all tests pass and coverage
// meets the declared targets. The targets act as the tolerance: actual
// coverage may sit anywhere at or above them.
func (e *Engine) CheckGreen(result Result, targets Targets) error {
	if !result.Passed || result.FailedCases > 0 {
		return fmt.Errorf("%d of %d cases failing", result.FailedCases, result.TotalCases)
	}
	if result.CoverageStatements < targets.Statements {
		return fmt.Errorf("statement coverage %.1f%% below target %.1f%%",
			result.CoverageStatements, targets.Statements)
	}
	if result.CoverageBranches < targets.Branches {
		return fmt.Errorf("branch coverage %.1f%% below target %.1f%%",
			result.CoverageBranches, targets.Branches)
	}
	return nil
}

// CheckNoRegression verifies a REFACTOR/SECURITY-phase result against its
// baseline with zero tolerance: tests still pass, coverage did not decrease,
// and the test count is unchanged.
func (e *Engine) CheckNoRegression(baseline, actual Result) error {
	if !actual.Passed || actual.FailedCases > 0 {
		return fmt.Errorf("%d of %d cases failing", actual.FailedCases, actual.TotalCases)
	}
	if actual.CoverageStatements < baseline.CoverageStatements {
		return fmt.Errorf("statement coverage regressed: %.1f%% -> %.1f%%",
			baseline.CoverageStatements, actual.CoverageStatements)
	}
	if actual.CoverageBranches < baseline.CoverageBranches {
		return fmt.Errorf("branch coverage regressed: %.1f%% -> %.1f%%",
			baseline.CoverageBranches, actual.CoverageBranches)
	}
	if actual.TotalCases != baseline.TotalCases {
		return fmt.Errorf("test count changed: %d -> %d", baseline.TotalCases, actual.TotalCases)
	}
	return nil
}
