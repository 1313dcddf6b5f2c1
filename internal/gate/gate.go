// Package gate evaluates whether a phase may start. Requirements are
// declarative; evaluation is read-only and idempotent, so a gate can be
// re-checked any number of times without side effects.
package gate

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/phased/internal/coordination"
	"github.com/fyrsmithlabs/phased/internal/validation"
)

// ArtifactProber answers whether run artifacts exist.
type ArtifactProber interface {
	Exists(path string) bool
	List(prefix string) []string
}

// HistoryProber answers whether VCS history carries a marker commit.
type HistoryProber interface {
	HasCommitMatching(pattern string) (bool, error)
}

// ValidationProber runs the test suite to observe its current state.
type ValidationProber interface {
	Run(ctx context.Context, scope validation.Scope) (validation.Result, error)
}

// ReadinessProber answers which coordination edges are still unsatisfied.
type ReadinessProber interface {
	Missing(consumer string) []coordination.Edge
}

// Probes bundles the read-only collaborators a gate evaluation may consult.
type Probes struct {
	Artifacts  ArtifactProber
	History    HistoryProber
	Validation ValidationProber
	Readiness  ReadinessProber
}

// Requirement is one declarative precondition for starting a phase.
type Requirement interface {
	// Describe renders the requirement for halt reports.
	Describe() string

	// Satisfied checks the requirement against current state without
	// mutating anything.
	Satisfied(ctx context.Context, probes Probes) (bool, error)
}

// ArtifactExists requires a run artifact at the given path. A path ending
// in "/" is a prefix requirement: at least one artifact must exist under it.
type ArtifactExists struct {
	Path string
	Kind string
}

func (r ArtifactExists) Describe() string {
	noun := "artifact"
	if strings.HasSuffix(r.Path, "/") {
		noun = "artifacts under"
	}
	if r.Kind != "" {
		return fmt.Sprintf("%s %s (%s) must exist", noun, r.Path, r.Kind)
	}
	return fmt.Sprintf("%s %s must exist", noun, r.Path)
}

func (r ArtifactExists) Satisfied(ctx context.Context, probes Probes) (bool, error) {
	if probes.Artifacts == nil {
		return false, fmt.Errorf("artifact probe not configured")
	}
	if strings.HasSuffix(r.Path, "/") {
		return len(probes.Artifacts.List(r.Path)) > 0, nil
	}
	return probes.Artifacts.Exists(r.Path), nil
}

// VCSMarkerExists requires a commit whose message matches a pattern, e.g. a
// phase-completion prefix.
type VCSMarkerExists struct {
	Pattern string
}

func (r VCSMarkerExists) Describe() string {
	return fmt.Sprintf("commit matching %q must exist", r.Pattern)
}

func (r VCSMarkerExists) Satisfied(ctx context.Context, probes Probes) (bool, error) {
	if probes.History == nil {
		return false, fmt.Errorf("history probe not configured")
	}
	return probes.History.HasCommitMatching(r.Pattern)
}

// Expectation names the validation state a phase requires on entry.
type Expectation string

const (
	// ExpectFail requires the suite to currently fail (RED before GREEN).
	ExpectFail Expectation = "fail"

	// ExpectPass requires the suite to currently pass.
	ExpectPass Expectation = "pass"
)

// ValidationState requires the test suite to currently report the expected
// state.
type ValidationState struct {
	Expect Expectation
}

func (r ValidationState) Describe() string {
	return fmt.Sprintf("test suite must currently %s", r.Expect)
}

func (r ValidationState) Satisfied(ctx context.Context, probes Probes) (bool, error) {
	if probes.Validation == nil {
		return false, fmt.Errorf("validation probe not configured")
	}
	result, err := probes.Validation.Run(ctx, validation.FullSuite())
	if err != nil {
		return false, fmt.Errorf("validation probe failed: %w", err)
	}
	switch r.Expect {
	case ExpectFail:
		return !result.Passed, nil
	case ExpectPass:
		return result.Passed, nil
	default:
		return false, fmt.Errorf("unknown expectation: %q", r.Expect)
	}
}

// CoordinationReady requires every declared edge feeding the worktree to be
// published. This is the implicit requirement derived from the coordination
// board; it turns cross-worktree ordering into an ordinary gate check.
type CoordinationReady struct {
	Worktree string
}

func (r CoordinationReady) Describe() string {
	return fmt.Sprintf("coordination dependencies of %s must be published", r.Worktree)
}

func (r CoordinationReady) Satisfied(ctx context.Context, probes Probes) (bool, error) {
	if probes.Readiness == nil {
		return false, fmt.Errorf("readiness probe not configured")
	}
	return len(probes.Readiness.Missing(r.Worktree)) == 0, nil
}

// Evaluator checks requirement sets against the configured probes.
type Evaluator struct {
	probes Probes
}

// NewEvaluator creates a gate evaluator over the given probes.
func NewEvaluator(probes Probes) *Evaluator {
	return &Evaluator{probes: probes}
}

// Evaluate checks all requirements. It returns ok=false with the unmet
// subset when any requirement fails; the order of missing follows the input.
// Evaluation never partially applies side effects: probes are read-only.
func (e *Evaluator) Evaluate(ctx context.Context, reqs []Requirement) (bool, []Requirement, error) {
	var missing []Requirement
	for _, req := range reqs {
		ok, err := req.Satisfied(ctx, e.probes)
		if err != nil {
			return false, nil, fmt.Errorf("requirement %q: %w", req.Describe(), err)
		}
		if !ok {
			missing = append(missing, req)
		}
	}
	return len(missing) == 0, missing, nil
}

// DescribeAll renders a requirement list for halt reports.
func DescribeAll(reqs []Requirement) string {
	parts := make([]string, len(reqs))
	for i, r := range reqs {
		parts[i] = r.Describe()
	}
	return strings.Join(parts, "; ")
}
