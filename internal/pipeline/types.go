// Package pipeline sequences phased delivery workflows. A pipeline is an
// ordered list of named phases, each with a prerequisite gate, invocation
// steps, a validation rule, and a commit scope; the controller walks them as
// a finite-state machine with bounded retry and escalation.
package pipeline

import (
	"time"

	"github.com/fyrsmithlabs/phased/internal/gate"
	"github.com/fyrsmithlabs/phased/internal/recorder"
	"github.com/fyrsmithlabs/phased/internal/validation"
)

// Status is the state of a phase or of a whole run.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusPassed   Status = "passed"
	StatusFailed   Status = "failed"
	StatusBlocked  Status = "blocked"
	StatusComplete Status = "complete"
)

// StepKind names a sub-task inside a phase. Explore and Plan are optional;
// Execute does the work and is the step re-run by the retry loop.
type StepKind string

const (
	StepExplore StepKind = "explore"
	StepPlan    StepKind = "plan"
	StepExecute StepKind = "execute"
)

// Step is one agent invocation inside a phase.
type Step struct {
	Kind   StepKind `yaml:"kind"`
	Agent  string   `yaml:"agent"`
	Prompt string   `yaml:"prompt"`
}

// ValidationRule selects how a phase's validation result is judged.
type ValidationRule string

const (
	// RuleNone skips validation (planning phases).
	RuleNone ValidationRule = "none"

	// RuleExpectFail requires the suite to fail (RED's post-condition).
	RuleExpectFail ValidationRule = "expect-fail"

	// RuleTargets requires a pass with coverage at or above the declared
	// targets (GREEN).
	RuleTargets ValidationRule = "targets"

	// RuleNoRegression requires a pass with zero coverage tolerance and an
	// unchanged test count against the phase-entry baseline (REFACTOR,
	// SECURITY).
	RuleNoRegression ValidationRule = "no-regression"
)

// ArtifactRequirement is the declarative form of a gate artifact check.
type ArtifactRequirement struct {
	// Path of the required artifact; a trailing "/" means "any artifact
	// under this prefix".
	Path string `yaml:"path"`
	Kind string `yaml:"kind,omitempty"`
}

// GateSpec declares a phase's prerequisites. A CoordinationReady
// requirement for the run's worktree is always added implicitly.
type GateSpec struct {
	Artifacts []ArtifactRequirement `yaml:"artifacts,omitempty"`

	// Markers are commit-message patterns that must appear in history.
	Markers []string `yaml:"markers,omitempty"`

	// Validation, when set to "fail" or "pass", requires the test suite to
	// currently report that state.
	Validation gate.Expectation `yaml:"validation,omitempty"`
}

// Requirements compiles the declaration into gate requirements for a worktree.
func (g GateSpec) Requirements(worktree string) []gate.Requirement {
	var reqs []gate.Requirement
	for _, a := range g.Artifacts {
		reqs = append(reqs, gate.ArtifactExists{Path: a.Path, Kind: a.Kind})
	}
	for _, m := range g.Markers {
		reqs = append(reqs, gate.VCSMarkerExists{Pattern: m})
	}
	if g.Validation != "" {
		reqs = append(reqs, gate.ValidationState{Expect: g.Validation})
	}
	reqs = append(reqs, gate.CoordinationReady{Worktree: worktree})
	return reqs
}

// PhaseDefinition describes one phase of a pipeline.
type PhaseDefinition struct {
	// Name is the outer phase name (RED, GREEN, ... or PRD, SPEC, ...).
	Name string `yaml:"name"`

	// Gate declares the phase's prerequisites.
	Gate GateSpec `yaml:"gate,omitempty"`

	// Steps are the ordered sub-tasks. Explore and Plan are optional; a
	// phase doing real work has exactly one Execute step.
	Steps []Step `yaml:"steps"`

	// Validation selects the post-condition rule.
	Validation ValidationRule `yaml:"validation"`

	// LockOutputs marks every file the phase produces immutable in the
	// artifact store once the phase passes (RED's committed tests,
	// planning documents). While the phase is still running its own
	// retries may rewrite the outputs freely.
	LockOutputs bool `yaml:"lock_outputs,omitempty"`

	// ForbidNewBehavior marks destructive-change-forbidden phases
	// (REFACTOR): adding a test or a public operation is a fatal design
	// violation, not a retryable failure.
	ForbidNewBehavior bool `yaml:"forbid_new_behavior,omitempty"`

	// SecurityReview runs the security reviewer and finding triage after
	// validation.
	SecurityReview bool `yaml:"security_review,omitempty"`

	// CommitScope is the file set the phase is authorized to commit.
	CommitScope recorder.Scope `yaml:"commit_scope"`

	// CommitPrefix is the history marker prefix, e.g. "RED".
	CommitPrefix string `yaml:"commit_prefix"`
}

// ExecuteStep returns the phase's execute step, if any.
func (p PhaseDefinition) ExecuteStep() (Step, bool) {
	for _, s := range p.Steps {
		if s.Kind == StepExecute {
			return s, true
		}
	}
	return Step{}, false
}

// Definition is an ordered pipeline of phases.
type Definition struct {
	Name   string            `yaml:"name"`
	Phases []PhaseDefinition `yaml:"phases"`
}

// Run is one execution of a pipeline for a named feature.
type Run struct {
	ID       string         `json:"id"`
	Feature  string         `json:"feature"`
	Worktree string         `json:"worktree"`
	Pipeline string         `json:"pipeline"`
	Root     string         `json:"root"`
	Status   Status         `json:"status"`
	Phases   []PhaseOutcome `json:"phases"`
}

// PhaseOutcome records how one phase ended.
type PhaseOutcome struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Retries   int       `json:"retries"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`

	// Reason carries the exact unmet requirement, violation, or failure
	// summary when the phase did not pass.
	Reason string `json:"reason,omitempty"`

	// CommitID is the recorder commit, when one was made.
	CommitID string `json:"commit_id,omitempty"`

	// Validation summarizes the final validation result of the phase.
	Validation *validation.Result `json:"validation,omitempty"`
}

// RunResult is the operator-facing outcome of a pipeline execution.
type RunResult struct {
	RunID   string         `json:"run_id"`
	Feature string         `json:"feature"`
	Status  Status         `json:"status"`
	Phases  []PhaseOutcome `json:"phases"`
}

// ExitCode maps the run status to the CLI contract: 0 complete, 1 failed,
// 2 blocked (needs operator input rather than exhausted retries).
func (r *RunResult) ExitCode() int {
	switch r.Status {
	case StatusComplete:
		return 0
	case StatusBlocked:
		return 2
	default:
		return 1
	}
}
