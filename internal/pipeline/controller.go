package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/artifact"
	"github.com/fyrsmithlabs/phased/internal/coordination"
	"github.com/fyrsmithlabs/phased/internal/gate"
	"github.com/fyrsmithlabs/phased/internal/invoker"
	"github.com/fyrsmithlabs/phased/internal/recorder"
	"github.com/fyrsmithlabs/phased/internal/validation"
)

const instrumentationName = "github.com/fyrsmithlabs/phased/internal/pipeline"

// logTailBytes bounds how much runner/agent output travels in diagnostics.
const logTailBytes = 2000

// SurfaceAuditor counts externally visible operations of the worktree, used
// to detect new functionality during destructive-change-forbidden phases.
type SurfaceAuditor interface {
	PublicOperations(ctx context.Context) (int, error)
}

// Options configures a Controller. One controller drives the runs of a
// single worktree; parallel worktrees each get their own controller sharing
// one coordination board.
type Options struct {
	Store    *artifact.Store
	Invoker  invoker.Invoker
	Engine   *validation.Engine
	Recorder *recorder.Recorder
	Board    *coordination.Board
	History  gate.HistoryProber

	// Workdir is the worktree directory agents and reviewers operate in.
	Workdir string

	// Classifier names validation failures; defaults to the heuristic one.
	Classifier Classifier

	// Reviewer produces security findings; required only when a pipeline
	// carries a SecurityReview phase.
	Reviewer Reviewer

	// Acceptor lets an operator accept High findings. Nil means High
	// findings always block.
	Acceptor RiskAcceptor

	// Surface detects new public operations; nil disables the check.
	Surface SurfaceAuditor

	// RetryBudget caps validation attempts per phase (default 3).
	RetryBudget int

	// Targets are the declared coverage targets used during GREEN.
	Targets validation.Targets

	// PollInterval is the wait between coordination readiness checks.
	PollInterval time.Duration

	Logger *zap.Logger
}

// Controller sequences a pipeline's phases for one worktree.
type Controller struct {
	store      *artifact.Store
	invoker    invoker.Invoker
	engine     *validation.Engine
	recorder   *recorder.Recorder
	board      *coordination.Board
	history    gate.HistoryProber
	workdir    string
	classifier Classifier
	reviewer   Reviewer
	acceptor   RiskAcceptor
	surface    SurfaceAuditor

	retryBudget  int
	targets      validation.Targets
	pollInterval time.Duration

	logger *zap.Logger
	tracer trace.Tracer
	meter  metric.Meter

	phasesCounter     metric.Int64Counter
	retriesCounter    metric.Int64Counter
	violationsCounter metric.Int64Counter
	findingsCounter   metric.Int64Counter
}

// NewController creates a controller from options.
func NewController(opts Options) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("artifact store is required")
	}
	if opts.Invoker == nil {
		return nil, errors.New("invoker is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("validation engine is required")
	}
	if opts.Recorder == nil {
		return nil, errors.New("recorder is required")
	}
	if opts.Board == nil {
		return nil, errors.New("coordination board is required")
	}
	if opts.History == nil {
		return nil, errors.New("history probe is required")
	}
	if opts.Classifier == nil {
		opts.Classifier = NewHeuristicClassifier()
	}
	if opts.RetryBudget == 0 {
		opts.RetryBudget = 3
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &Controller{
		store:        opts.Store,
		invoker:      opts.Invoker,
		engine:       opts.Engine,
		recorder:     opts.Recorder,
		board:        opts.Board,
		history:      opts.History,
		workdir:      opts.Workdir,
		classifier:   opts.Classifier,
		reviewer:     opts.Reviewer,
		acceptor:     opts.Acceptor,
		surface:      opts.Surface,
		retryBudget:  opts.RetryBudget,
		targets:      opts.Targets,
		pollInterval: opts.PollInterval,
		logger:       opts.Logger.Named("pipeline"),
		tracer:       otel.Tracer(instrumentationName),
		meter:        otel.Meter(instrumentationName),
	}
	c.initMetrics()
	return c, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (c *Controller) initMetrics() {
	var err error

	c.phasesCounter, err = c.meter.Int64Counter(
		"phased.pipeline.phases_total",
		metric.WithDescription("Total number of phase executions by outcome"),
		metric.WithUnit("{phase}"),
	)
	if err != nil {
		c.logger.Warn("failed to create phases counter", zap.Error(err))
	}

	c.retriesCounter, err = c.meter.Int64Counter(
		"phased.pipeline.retries_total",
		metric.WithDescription("Total number of validation retries by failure class"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		c.logger.Warn("failed to create retries counter", zap.Error(err))
	}

	c.violationsCounter, err = c.meter.Int64Counter(
		"phased.pipeline.violations_total",
		metric.WithDescription("Total number of gate, scope, and design violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		c.logger.Warn("failed to create violations counter", zap.Error(err))
	}

	c.findingsCounter, err = c.meter.Int64Counter(
		"phased.pipeline.security_findings_total",
		metric.WithDescription("Total number of security findings by severity"),
		metric.WithUnit("{finding}"),
	)
	if err != nil {
		c.logger.Warn("failed to create findings counter", zap.Error(err))
	}
}

// RunPipeline executes a pipeline for a feature. Phase failures and blocks
// are encoded in the result; the returned error is reserved for
// infrastructure problems (store or VCS unavailable).
func (c *Controller) RunPipeline(ctx context.Context, feature string, def Definition) (*RunResult, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("feature", feature),
		attribute.String("pipeline", def.Name),
	)

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline definition: %w", err)
	}
	if def.hasSecurityReview() && c.reviewer == nil {
		return nil, fmt.Errorf("pipeline %s requires a security reviewer", def.Name)
	}

	rs, err := c.store.Run(feature)
	if err != nil {
		return nil, fmt.Errorf("failed to open run namespace: %w", err)
	}

	run := &Run{
		ID:       uuid.NewString(),
		Feature:  feature,
		Worktree: feature,
		Pipeline: def.Name,
		Root:     rs.Dir(),
		Status:   StatusRunning,
	}
	logger := c.logger.With(zap.String("run_id", run.ID), zap.String("feature", feature))
	logger.Info("starting pipeline", zap.String("pipeline", def.Name))

	evaluator := gate.NewEvaluator(gate.Probes{
		Artifacts:  rs,
		History:    c.history,
		Validation: c.engine,
		Readiness:  c.board,
	})

	for _, pd := range def.Phases {
		if ctx.Err() != nil {
			run.Status = StatusFailed
			c.saveManifest(rs, run)
			return c.result(run), ctx.Err()
		}

		outcome := c.runPhase(ctx, run, rs, evaluator, pd)
		run.Phases = append(run.Phases, outcome)
		c.saveManifest(rs, run)

		if c.phasesCounter != nil {
			c.phasesCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("phase", pd.Name),
				attribute.String("status", string(outcome.Status)),
			))
		}

		if outcome.Status != StatusPassed {
			run.Status = StatusBlocked
			if outcome.Status == StatusFailed {
				run.Status = StatusFailed
			}
			c.saveManifest(rs, run)
			span.SetStatus(codes.Error, outcome.Reason)
			logger.Error("pipeline halted",
				zap.String("phase", pd.Name),
				zap.String("status", string(outcome.Status)),
				zap.String("reason", outcome.Reason),
			)
			return c.result(run), nil
		}

		logger.Info("phase passed",
			zap.String("phase", pd.Name),
			zap.Int("retries", outcome.Retries),
			zap.String("commit", outcome.CommitID),
		)
	}

	run.Status = StatusComplete
	c.saveManifest(rs, run)

	if _, err := c.store.Archive(feature); err != nil {
		// Archival is bookkeeping; a completed run stays completed.
		logger.Warn("failed to archive run", zap.Error(err))
	}

	logger.Info("pipeline complete")
	return c.result(run), nil
}

func (d Definition) hasSecurityReview() bool {
	for _, p := range d.Phases {
		if p.SecurityReview {
			return true
		}
	}
	return false
}

func (c *Controller) result(run *Run) *RunResult {
	return &RunResult{
		RunID:   run.ID,
		Feature: run.Feature,
		Status:  run.Status,
		Phases:  run.Phases,
	}
}

// runPhase drives one phase: gate, steps, validation retry loop, security
// triage, and the recorder commit.
func (c *Controller) runPhase(ctx context.Context, run *Run, rs *artifact.RunStore, evaluator *gate.Evaluator, pd PhaseDefinition) (outcome PhaseOutcome) {
	ctx, span := c.tracer.Start(ctx, "pipeline.phase")
	defer span.End()
	span.SetAttributes(attribute.String("phase", pd.Name))

	outcome = PhaseOutcome{Name: pd.Name, Status: StatusRunning, StartedAt: time.Now()}
	defer func() { outcome.EndedAt = time.Now() }()

	fail := func(status Status, reason string) PhaseOutcome {
		outcome.Status = status
		outcome.Reason = reason
		span.SetStatus(codes.Error, reason)
		return outcome
	}

	// Gate. A blocked gate consumes no retry; coordination-only misses are
	// recoverable by waiting, everything else halts for the operator.
	reqs := pd.Gate.Requirements(run.Worktree)
	for {
		ok, missing, err := evaluator.Evaluate(ctx, reqs)
		if err != nil {
			return fail(StatusFailed, fmt.Sprintf("gate evaluation failed: %v", err))
		}
		if ok {
			break
		}

		gerr := &GateUnmetError{Phase: pd.Name, Missing: missing}
		if !errors.Is(gerr, ErrCoordinationUnready) {
			c.countViolation(ctx, "gate")
			return fail(StatusBlocked, gerr.Error())
		}

		select {
		case <-ctx.Done():
			return fail(StatusBlocked, gerr.Error())
		case <-time.After(c.pollInterval):
		}
	}

	// Baselines for no-regression rules and the public-surface check.
	var baseline validation.Result
	if pd.Validation == RuleNoRegression {
		var err error
		baseline, err = c.engine.Run(ctx, validation.FullSuite())
		if err != nil {
			return fail(StatusFailed, fmt.Sprintf("baseline validation failed: %v", err))
		}
	}
	baselineOps := -1
	if pd.ForbidNewBehavior && c.surface != nil {
		ops, err := c.surface.PublicOperations(ctx)
		if err != nil {
			return fail(StatusFailed, fmt.Sprintf("surface audit failed: %v", err))
		}
		baselineOps = ops
	}

	// Optional Explore/Plan steps run once; their output feeds Execute.
	stepContext := map[string]string{"feature": run.Feature, "phase": pd.Name}
	for _, step := range pd.Steps {
		if step.Kind == StepExecute {
			continue
		}
		res, err := c.invokeStep(ctx, rs, pd, step, stepContext, "")
		if err != nil {
			return fail(StatusBlocked, fmt.Sprintf("step %s: %v", step.Kind, err))
		}
		if res.Status == invoker.StatusFailure {
			return fail(StatusBlocked, fmt.Sprintf("step %s reported failure: %s", step.Kind, tail(res.Log)))
		}
		stepContext[string(step.Kind)] = tail(res.Log)
	}

	execStep, _ := pd.ExecuteStep()

	budget := c.retryBudget
	if pd.Validation == RuleNone {
		budget = 1
	}

	followUp := ""
	produced := make(map[string]struct{})
	var trail []AttemptDiagnosis
	for attempt := 1; attempt <= budget; attempt++ {
		outcome.Retries = attempt

		res, err := c.invokeStep(ctx, rs, pd, execStep, stepContext, followUp)
		if err != nil {
			return fail(StatusBlocked, fmt.Sprintf("execute step: %v", err))
		}

		if err := c.storeOutputs(rs, pd, res.Files, produced); err != nil {
			if errors.Is(err, artifact.ErrImmutableViolation) {
				// Rewriting a file locked by an earlier phase halts the
				// run immediately.
				c.countViolation(ctx, "immutable")
				return fail(StatusFailed, err.Error())
			}
			return fail(StatusFailed, fmt.Sprintf("failed to store outputs: %v", err))
		}

		// A new public operation during a forbidden-change phase is a fatal
		// design violation: revert and block without consuming a retry.
		if pd.ForbidNewBehavior && baselineOps >= 0 {
			ops, err := c.surface.PublicOperations(ctx)
			if err != nil {
				return fail(StatusFailed, fmt.Sprintf("surface audit failed: %v", err))
			}
			if ops > baselineOps {
				c.revertOutputs(rs, pd, res.Files)
				c.countViolation(ctx, "design")
				outcome.Retries = attempt - 1
				return fail(StatusBlocked, fmt.Sprintf("%v: %d new public operation(s) introduced", ErrDesignViolation, ops-baselineOps))
			}
		}

		if res.Status == invoker.StatusFailure {
			class := c.classifier.Classify(validation.Result{Log: res.Log})
			trail = append(trail, AttemptDiagnosis{Attempt: attempt, Class: class, Summary: "agent reported failure", LogTail: tail(res.Log)})
			c.countRetry(ctx, pd.Name, class)
			if attempt == budget {
				esc := &EscalationError{Phase: pd.Name, Budget: budget, Attempts: trail}
				c.persistEscalation(rs, pd, esc)
				return fail(StatusFailed, esc.Error())
			}
			followUp = fmt.Sprintf("The previous attempt reported failure. Agent log tail: %s", tail(res.Log))
			continue
		}

		if pd.Validation == RuleNone {
			break
		}

		result, err := c.engine.Run(ctx, validation.FullSuite())
		if err != nil {
			return fail(StatusFailed, fmt.Sprintf("validation failed to run: %v", err))
		}
		if pd.Validation == RuleNoRegression {
			result = validation.WithBaseline(baseline, result)
		}

		verr := c.checkRule(pd, baseline, result)
		if verr == nil {
			outcome.Validation = &result
			break
		}

		// Test-count drift during REFACTOR is new functionality, not a
		// retryable failure.
		if pd.ForbidNewBehavior && result.TotalCases != baseline.TotalCases {
			c.revertOutputs(rs, pd, res.Files)
			c.countViolation(ctx, "design")
			outcome.Retries = attempt - 1
			return fail(StatusBlocked, fmt.Sprintf("%v: %v", ErrDesignViolation, verr))
		}

		class := c.classifier.Classify(result)
		trail = append(trail, AttemptDiagnosis{Attempt: attempt, Class: class, Summary: verr.Error(), LogTail: tail(result.Log)})
		c.countRetry(ctx, pd.Name, class)
		c.logger.Warn("validation attempt failed",
			zap.String("phase", pd.Name),
			zap.Int("attempt", attempt),
			zap.String("class", string(class)),
			zap.String("summary", verr.Error()),
		)

		if attempt == budget {
			esc := &EscalationError{Phase: pd.Name, Budget: budget, Attempts: trail}
			c.persistEscalation(rs, pd, esc)
			return fail(StatusFailed, esc.Error())
		}
		followUp = FollowUpPrompt(class, result)
	}

	if pd.SecurityReview {
		if blockReason, err := c.securityReview(ctx, rs, pd, execStep, stepContext, produced); err != nil {
			return fail(StatusFailed, fmt.Sprintf("security review failed: %v", err))
		} else if blockReason != "" {
			return fail(StatusBlocked, blockReason)
		}
	}

	// Outputs lock only once the phase has passed; until then the retry
	// loop may rewrite them.
	if pd.LockOutputs {
		c.lockOutputs(rs, pd, produced)
	}

	message := fmt.Sprintf("%s: %s", pd.CommitPrefix, run.Feature)
	commitID, err := c.recorder.Commit(pd.Name, pd.CommitScope, message)
	if err != nil {
		var sv *recorder.ScopeViolationError
		if errors.As(err, &sv) {
			// Out-of-scope diffs are the recorder-side immutability defense.
			c.countViolation(ctx, "scope")
			return fail(StatusFailed, sv.Error())
		}
		return fail(StatusFailed, fmt.Sprintf("commit failed: %v", err))
	}
	outcome.CommitID = commitID
	outcome.Status = StatusPassed
	return outcome
}

// checkRule applies the phase's validation rule.
func (c *Controller) checkRule(pd PhaseDefinition, baseline, result validation.Result) error {
	switch pd.Validation {
	case RuleExpectFail:
		if result.Passed {
			return fmt.Errorf("test suite passes but the phase requires failing tests")
		}
		if result.TotalCases == 0 {
			return fmt.Errorf("no tests were produced")
		}
		return nil
	case RuleTargets:
		return c.engine.CheckGreen(result, c.targets)
	case RuleNoRegression:
		return c.engine.CheckNoRegression(baseline, result)
	default:
		return nil
	}
}

// invokeStep runs one agent step and persists its log as a phase artifact.
func (c *Controller) invokeStep(ctx context.Context, rs *artifact.RunStore, pd PhaseDefinition, step Step, stepContext map[string]string, followUp string) (*invoker.Result, error) {
	payload := invoker.Payload{
		Task:     step.Prompt,
		Context:  stepContext,
		FollowUp: followUp,
	}
	res, err := c.invoker.Invoke(ctx, step.Agent, payload)
	if err != nil {
		return nil, err
	}

	logPath := fmt.Sprintf("%s/%s.log", artifactDir(pd.Name), step.Kind)
	if _, werr := rs.Write(logPath, []byte(res.Log), pd.Name, false); werr != nil {
		c.logger.Warn("failed to store step log", zap.String("path", logPath), zap.Error(werr))
	}
	return res, nil
}

// storeOutputs copies agent-produced files from the worktree into the run
// namespace and records them in produced for locking at phase completion.
// A file locked by an earlier phase rejects divergent content no matter
// which namespace directory the write would land in.
func (c *Controller) storeOutputs(rs *artifact.RunStore, pd PhaseDefinition, files []string, produced map[string]struct{}) error {
	for _, f := range files {
		source := filepath.ToSlash(f)
		content, err := os.ReadFile(filepath.Join(c.workdir, f))
		if err != nil {
			return fmt.Errorf("failed to read produced file %s: %w", f, err)
		}
		if err := rs.CheckSource(source, content, pd.Name); err != nil {
			return err
		}
		path := fmt.Sprintf("%s/%s", artifactDir(pd.Name), source)
		if _, err := rs.Write(path, content, pd.Name, false); err != nil {
			return err
		}
		produced[source] = struct{}{}
	}
	return nil
}

// lockOutputs marks a passed phase's outputs write-once, keyed by both the
// storage path and the worktree source path.
func (c *Controller) lockOutputs(rs *artifact.RunStore, pd PhaseDefinition, produced map[string]struct{}) {
	for source := range produced {
		path := fmt.Sprintf("%s/%s", artifactDir(pd.Name), source)
		if err := rs.Lock(path, source); err != nil {
			c.logger.Warn("failed to lock artifact", zap.String("path", path), zap.Error(err))
		}
	}
}

// revertOutputs restores the namespace after a design violation.
func (c *Controller) revertOutputs(rs *artifact.RunStore, pd PhaseDefinition, files []string) {
	for _, f := range files {
		path := fmt.Sprintf("%s/%s", artifactDir(pd.Name), filepath.ToSlash(f))
		if err := rs.Revert(path); err != nil {
			c.logger.Warn("failed to revert artifact", zap.String("path", path), zap.Error(err))
		}
	}
}

// persistEscalation stores the diagnostic trail before the run fails, so
// escalation never drops context.
func (c *Controller) persistEscalation(rs *artifact.RunStore, pd PhaseDefinition, esc *EscalationError) {
	data, err := json.MarshalIndent(esc.Attempts, "", "  ")
	if err != nil {
		c.logger.Warn("failed to encode escalation", zap.Error(err))
		return
	}
	path := fmt.Sprintf("%s/escalation.json", artifactDir(pd.Name))
	if _, err := rs.Write(path, data, pd.Name, false); err != nil {
		c.logger.Warn("failed to store escalation", zap.String("path", path), zap.Error(err))
	}
}

func (c *Controller) countRetry(ctx context.Context, phase string, class FailureClass) {
	if c.retriesCounter != nil {
		c.retriesCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("phase", phase),
			attribute.String("class", string(class)),
		))
	}
}

func (c *Controller) countViolation(ctx context.Context, kind string) {
	if c.violationsCounter != nil {
		c.violationsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// artifactDir is the namespace directory for a phase's artifacts.
func artifactDir(phase string) string {
	return strings.ToLower(phase)
}

// tail returns the last logTailBytes of a log.
func tail(s string) string {
	if len(s) <= logTailBytes {
		return s
	}
	return s[len(s)-logTailBytes:]
}
