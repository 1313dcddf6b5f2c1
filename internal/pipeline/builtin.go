package pipeline

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/phased/internal/gate"
	"github.com/fyrsmithlabs/phased/internal/recorder"
)

// Built-in pipeline names.
const (
	DeliveryPipeline = "delivery"
	PlanningPipeline = "planning"
)

var testFilePatterns = []string{"**/*_test.*", "tests/**", "**/*.spec.*"}

// Delivery returns the RED -> GREEN -> REFACTOR -> SECURITY pipeline.
func Delivery() Definition {
	return Definition{
		Name: DeliveryPipeline,
		Phases: []PhaseDefinition{
			{
				Name: "RED",
				Steps: []Step{
					{Kind: StepExplore, Agent: "explorer", Prompt: "Survey the code paths the feature touches and list the behaviors that need test coverage."},
					{Kind: StepExecute, Agent: "test-writer", Prompt: "Write failing tests that specify the feature's behavior. Do not write any implementation."},
				},
				Validation:   RuleExpectFail,
				LockOutputs:  true,
				CommitScope:  recorder.Scope{Allow: testFilePatterns},
				CommitPrefix: "RED",
			},
			{
				Name: "GREEN",
				Gate: GateSpec{
					Artifacts:  []ArtifactRequirement{{Path: "red/", Kind: "test"}},
					Markers:    []string{"^RED:"},
					Validation: gate.ExpectFail,
				},
				Steps: []Step{
					{Kind: StepPlan, Agent: "planner", Prompt: "Plan the minimal implementation that makes the committed tests pass."},
					{Kind: StepExecute, Agent: "implementer", Prompt: "Implement the feature so every committed test passes. Do not modify any test."},
				},
				Validation:   RuleTargets,
				CommitScope:  recorder.Scope{Allow: []string{"**"}, Deny: testFilePatterns},
				CommitPrefix: "GREEN",
			},
			{
				Name: "REFACTOR",
				Gate: GateSpec{
					Markers:    []string{"^GREEN:"},
					Validation: gate.ExpectPass,
				},
				Steps: []Step{
					{Kind: StepExecute, Agent: "refactorer", Prompt: "Improve the structure of the implementation without changing behavior. No new functionality, no new tests."},
				},
				Validation:        RuleNoRegression,
				ForbidNewBehavior: true,
				CommitScope: recorder.Scope{
					Allow: []string{"**"},
					Deny:  append([]string{"migrations/**", "**/*.sql"}, testFilePatterns...),
				},
				CommitPrefix: "REFACTOR",
			},
			{
				Name: "SECURITY",
				Gate: GateSpec{
					Markers:    []string{"^REFACTOR:"},
					Validation: gate.ExpectPass,
				},
				Steps: []Step{
					{Kind: StepExecute, Agent: "security-fixer", Prompt: "Review the feature for security weaknesses and harden it. Every fix must come with a regression test."},
				},
				Validation:     RuleNoRegression,
				SecurityReview: true,
				CommitScope:    recorder.Scope{Allow: []string{"**"}},
				CommitPrefix:   "SECURITY",
			},
		},
	}
}

// Planning returns the PRD -> SPEC -> PLAN -> BREAKDOWN pipeline. Each phase
// produces a locked document; gates chain on the previous phase's artifact
// and history marker.
func Planning() Definition {
	docScope := recorder.Scope{Allow: []string{"docs/**", "**/*.md"}}
	phase := func(name, prev, agent, prompt string) PhaseDefinition {
		p := PhaseDefinition{
			Name: name,
			Steps: []Step{
				{Kind: StepExecute, Agent: agent, Prompt: prompt},
			},
			Validation:   RuleNone,
			LockOutputs:  true,
			CommitScope:  docScope,
			CommitPrefix: name,
		}
		if prev != "" {
			p.Gate = GateSpec{
				Artifacts: []ArtifactRequirement{{Path: artifactDir(prev) + "/", Kind: "document"}},
				Markers:   []string{"^" + prev + ":"},
			}
		}
		return p
	}

	return Definition{
		Name: PlanningPipeline,
		Phases: []PhaseDefinition{
			phase("PRD", "", "product-writer", "Write the product requirements document for the feature."),
			phase("SPEC", "PRD", "spec-writer", "Derive the technical specification from the PRD."),
			phase("PLAN", "SPEC", "planner", "Break the specification into an ordered implementation plan."),
			phase("BREAKDOWN", "PLAN", "task-writer", "Break the plan into independently deliverable tasks with acceptance criteria."),
		},
	}
}

// Builtin returns a built-in pipeline definition by name.
func Builtin(name string) (Definition, error) {
	switch name {
	case DeliveryPipeline:
		return Delivery(), nil
	case PlanningPipeline:
		return Planning(), nil
	default:
		return Definition{}, fmt.Errorf("unknown pipeline: %q (built-ins: %s, %s)", name, DeliveryPipeline, PlanningPipeline)
	}
}

// LoadDefinition reads a custom pipeline definition from a YAML file.
func LoadDefinition(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("failed to parse pipeline file %s: %w", path, err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, fmt.Errorf("invalid pipeline %s: %w", path, err)
	}
	return def, nil
}

// Validate checks a definition for structural problems.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if len(d.Phases) == 0 {
		return fmt.Errorf("pipeline has no phases")
	}
	seen := make(map[string]bool)
	for _, p := range d.Phases {
		if p.Name == "" {
			return fmt.Errorf("phase name is required")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate phase name: %s", p.Name)
		}
		seen[p.Name] = true
		if len(p.Steps) == 0 {
			return fmt.Errorf("phase %s has no steps", p.Name)
		}
		if _, ok := p.ExecuteStep(); !ok {
			return fmt.Errorf("phase %s has no execute step", p.Name)
		}
		if p.CommitPrefix == "" {
			return fmt.Errorf("phase %s has no commit prefix", p.Name)
		}
	}
	return nil
}
