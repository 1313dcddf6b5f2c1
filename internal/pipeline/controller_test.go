package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phased/internal/artifact"
	"github.com/fyrsmithlabs/phased/internal/coordination"
	"github.com/fyrsmithlabs/phased/internal/invoker"
	"github.com/fyrsmithlabs/phased/internal/recorder"
	"github.com/fyrsmithlabs/phased/internal/validation"
)

// scriptedRunner pops one result per call and keeps returning the last one
// once the script runs out.
type scriptedRunner struct {
	mu      sync.Mutex
	results []validation.Result
	calls   int
}

func (r *scriptedRunner) RunTests(ctx context.Context, scope validation.Scope) (validation.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	res := r.results[0]
	if len(r.results) > 1 {
		r.results = r.results[1:]
	}
	return res, nil
}

// scriptedInvoker returns per-agent result queues (sticky last) and records
// every payload it saw. An optional onInvoke hook lets a test mutate the
// worktree the way a real agent would.
type scriptedInvoker struct {
	mu       sync.Mutex
	results  map[string][]*invoker.Result
	payloads []invoker.Payload
	agents   []string
	onInvoke func(agent string)
}

func (f *scriptedInvoker) Invoke(ctx context.Context, agent string, prompt invoker.Payload) (*invoker.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, prompt)
	f.agents = append(f.agents, agent)
	if f.onInvoke != nil {
		f.onInvoke(agent)
	}

	queue := f.results[agent]
	if len(queue) == 0 {
		return &invoker.Result{Status: invoker.StatusSuccess}, nil
	}
	res := queue[0]
	if len(queue) > 1 {
		f.results[agent] = queue[1:]
	}
	return res, nil
}

func (f *scriptedInvoker) callsTo(agent string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.agents {
		if a == agent {
			n++
		}
	}
	return n
}

// fakeVCS pops a changed-path set per commit and remembers commit messages,
// which doubles as the history probe.
type fakeVCS struct {
	mu      sync.Mutex
	changed [][]string
	commits []string
}

func (f *fakeVCS) ChangedPaths() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.changed) == 0 {
		return nil, nil
	}
	return f.changed[0], nil
}

func (f *fakeVCS) CommitFiles(paths []string, message string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits = append(f.commits, message)
	if len(f.changed) > 0 {
		f.changed = f.changed[1:]
	}
	return fmt.Sprintf("c%04d", len(f.commits)), nil
}

func (f *fakeVCS) HasCommitMatching(pattern string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, err
	}
	for _, m := range f.commits {
		if re.MatchString(m) {
			return true, nil
		}
	}
	return false, nil
}

type scriptedSurface struct {
	mu  sync.Mutex
	ops []int
}

func (s *scriptedSurface) PublicOperations(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.ops[0]
	if len(s.ops) > 1 {
		s.ops = s.ops[1:]
	}
	return n, nil
}

type fakeReviewer struct{ findings []Finding }

func (f *fakeReviewer) Review(ctx context.Context, workdir string) ([]Finding, error) {
	return f.findings, nil
}

type fakeAcceptor struct{ accept bool }

func (f *fakeAcceptor) Accept(ctx context.Context, finding Finding) (*RiskAcceptance, bool, error) {
	if !f.accept {
		return nil, false, nil
	}
	return &RiskAcceptance{
		FindingID:     finding.ID,
		Justification: "mitigated by network policy",
		AcceptedBy:    "operator",
	}, true, nil
}

type harness struct {
	store      *artifact.Store
	archiveDir string
	runner     *scriptedRunner
	invoker    *scriptedInvoker
	vcs        *fakeVCS
	board      *coordination.Board
	workdir    string
	ctl        *Controller
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()

	archiveDir := t.TempDir()
	store, err := artifact.NewStore(t.TempDir(), archiveDir, nil)
	require.NoError(t, err)

	runner := &scriptedRunner{results: []validation.Result{{Passed: true, TotalCases: 1}}}
	engine, err := validation.NewEngine(runner, nil)
	require.NoError(t, err)

	vcs := &fakeVCS{}
	rec, err := recorder.New(vcs, nil)
	require.NoError(t, err)

	inv := &scriptedInvoker{results: map[string][]*invoker.Result{}}
	board := coordination.NewBoard(nil)
	workdir := t.TempDir()

	opts := Options{
		Store:        store,
		Invoker:      inv,
		Engine:       engine,
		Recorder:     rec,
		Board:        board,
		History:      vcs,
		Workdir:      workdir,
		RetryBudget:  3,
		Targets:      validation.Targets{Statements: 80, Branches: 75},
		PollInterval: 2 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}

	ctl, err := NewController(opts)
	require.NoError(t, err)

	return &harness{store: store, archiveDir: archiveDir, runner: runner, invoker: inv, vcs: vcs, board: board, workdir: workdir, ctl: ctl}
}

// readArchived reads an artifact from a feature's archived run directory.
// Completed runs are moved out of the active root, so post-completion reads
// must go through the archive.
func (h *harness) readArchived(t *testing.T, feature, path string) []byte {
	t.Helper()
	entries, err := os.ReadDir(h.archiveDir)
	require.NoError(t, err)
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), feature+"-") {
			data, err := os.ReadFile(filepath.Join(h.archiveDir, e.Name(), path))
			require.NoError(t, err)
			return data
		}
	}
	t.Fatalf("archived run for feature %s not found", feature)
	return nil
}

func (h *harness) writeWorkFile(t *testing.T, name, content string) {
	t.Helper()
	path := filepath.Join(h.workdir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func docPhase(name string) PhaseDefinition {
	return PhaseDefinition{
		Name:         name,
		Steps:        []Step{{Kind: StepExecute, Agent: "writer", Prompt: "write the document"}},
		Validation:   RuleNone,
		LockOutputs:  true,
		CommitScope:  recorder.Scope{Allow: []string{"docs/**"}},
		CommitPrefix: name,
	}
}

func redPhase() PhaseDefinition {
	return PhaseDefinition{
		Name:         "RED",
		Steps:        []Step{{Kind: StepExecute, Agent: "test-writer", Prompt: "write failing tests"}},
		Validation:   RuleExpectFail,
		LockOutputs:  true,
		CommitScope:  recorder.Scope{Allow: []string{"**/*_test.*"}},
		CommitPrefix: "RED",
	}
}

func greenPhase() PhaseDefinition {
	return PhaseDefinition{
		Name:         "GREEN",
		Steps:        []Step{{Kind: StepExecute, Agent: "implementer", Prompt: "make the tests pass"}},
		Validation:   RuleTargets,
		CommitScope:  recorder.Scope{Allow: []string{"**"}},
		CommitPrefix: "GREEN",
	}
}

func refactorPhase() PhaseDefinition {
	return PhaseDefinition{
		Name:              "REFACTOR",
		Steps:             []Step{{Kind: StepExecute, Agent: "refactorer", Prompt: "restructure without behavior change"}},
		Validation:        RuleNoRegression,
		ForbidNewBehavior: true,
		CommitScope:       recorder.Scope{Allow: []string{"**"}},
		CommitPrefix:      "REFACTOR",
	}
}

func securityPhase() PhaseDefinition {
	return PhaseDefinition{
		Name:           "SECURITY",
		Steps:          []Step{{Kind: StepExecute, Agent: "security-fixer", Prompt: "harden the feature"}},
		Validation:     RuleNoRegression,
		SecurityReview: true,
		CommitScope:    recorder.Scope{Allow: []string{"**"}},
		CommitPrefix:   "SECURITY",
	}
}

func singlePhase(p PhaseDefinition) Definition {
	return Definition{Name: "test", Phases: []PhaseDefinition{p}}
}

func TestNewController_RequiresCollaborators(t *testing.T) {
	_, err := NewController(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "artifact store")
}

func TestRunPipeline_CompletesAndArchives(t *testing.T) {
	h := newHarness(t, nil)
	h.writeWorkFile(t, "docs/prd.md", "# PRD")
	h.invoker.results["writer"] = []*invoker.Result{
		{Status: invoker.StatusSuccess, Files: []string{"docs/prd.md"}, Log: "wrote prd"},
	}
	h.vcs.changed = [][]string{{"docs/prd.md"}}

	res, err := h.ctl.RunPipeline(context.Background(), "checkout", singlePhase(docPhase("PRD")))
	require.NoError(t, err)

	assert.Equal(t, StatusComplete, res.Status)
	assert.Equal(t, 0, res.ExitCode())
	require.Len(t, res.Phases, 1)
	assert.Equal(t, StatusPassed, res.Phases[0].Status)
	assert.Equal(t, "c0001", res.Phases[0].CommitID)
	assert.Equal(t, []string{"PRD: checkout"}, h.vcs.commits)

	// The completed run was moved out of the active root.
	_, err = os.Stat(filepath.Join(h.store.Root(), "checkout"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunPipeline_RetriesThenPassesWithinBudget(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.results = []validation.Result{
		{Passed: false, TotalCases: 12, FailedCases: 4, Log: "assertion failed: want 200 got 500"},
		{Passed: false, TotalCases: 12, FailedCases: 1, Log: "undefined: Checkout"},
		{Passed: true, TotalCases: 12, CoverageStatements: 86.2, CoverageBranches: 79.0},
	}

	res, err := h.ctl.RunPipeline(context.Background(), "checkout", singlePhase(greenPhase()))
	require.NoError(t, err)

	assert.Equal(t, StatusComplete, res.Status)
	require.Len(t, res.Phases, 1)
	assert.Equal(t, StatusPassed, res.Phases[0].Status)
	assert.Equal(t, 3, res.Phases[0].Retries)
	assert.Equal(t, 3, h.invoker.callsTo("implementer"))

	// The first attempt carries no follow-up; later ones carry the
	// classified diagnosis.
	require.Len(t, h.invoker.payloads, 3)
	assert.Empty(t, h.invoker.payloads[0].FollowUp)
	assert.Contains(t, h.invoker.payloads[1].FollowUp, "logic under test")
	assert.Contains(t, h.invoker.payloads[2].FollowUp, "import")
}

func TestRunPipeline_RetryMayRewriteItsOwnLockedOutputs(t *testing.T) {
	h := newHarness(t, nil)
	h.writeWorkFile(t, "operations_test.go", "package ops\n\nfunc TestFilter(t *testing.T) {}\n")
	h.invoker.results["test-writer"] = []*invoker.Result{
		{Status: invoker.StatusSuccess, Files: []string{"operations_test.go"}},
	}
	// The suite unexpectedly passes on attempt one, so the diagnosis loop
	// re-invokes the agent and it re-produces the same test file.
	h.runner.results = []validation.Result{
		{Passed: true, TotalCases: 3},
		{Passed: false, TotalCases: 3, FailedCases: 3, Log: "TestFilter failed"},
	}
	h.vcs.changed = [][]string{{"operations_test.go"}}

	res, err := h.ctl.RunPipeline(context.Background(), "checkout", singlePhase(redPhase()))
	require.NoError(t, err)

	assert.Equal(t, StatusComplete, res.Status)
	assert.Equal(t, 0, res.ExitCode())
	require.Len(t, res.Phases, 1)
	assert.Equal(t, StatusPassed, res.Phases[0].Status)
	assert.Equal(t, 2, res.Phases[0].Retries)
	assert.Equal(t, []string{"RED: checkout"}, h.vcs.commits)
}

func TestRunPipeline_LaterPhaseCannotRewriteLockedFile(t *testing.T) {
	h := newHarness(t, nil)
	h.writeWorkFile(t, "operations_test.go", "package ops\n\nfunc TestFilter(t *testing.T) {}\n")
	h.writeWorkFile(t, "impl.go", "package ops\n")
	h.invoker.results["test-writer"] = []*invoker.Result{
		{Status: invoker.StatusSuccess, Files: []string{"operations_test.go"}},
	}
	h.invoker.results["implementer"] = []*invoker.Result{
		{Status: invoker.StatusSuccess, Files: []string{"impl.go", "operations_test.go"}},
	}
	h.invoker.onInvoke = func(agent string) {
		if agent == "implementer" {
			h.writeWorkFile(t, "operations_test.go", "package ops\n\nfunc TestWeakened(t *testing.T) {}\n")
		}
	}
	h.runner.results = []validation.Result{
		{Passed: false, TotalCases: 3, FailedCases: 3},
	}
	h.vcs.changed = [][]string{{"operations_test.go"}}

	def := Definition{Name: "delivery", Phases: []PhaseDefinition{redPhase(), greenPhase()}}
	res, err := h.ctl.RunPipeline(context.Background(), "checkout", def)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 1, res.ExitCode())
	require.Len(t, res.Phases, 2)
	assert.Equal(t, StatusPassed, res.Phases[0].Status)
	assert.Equal(t, StatusFailed, res.Phases[1].Status)
	assert.Contains(t, res.Phases[1].Reason, "operations_test.go")
	assert.Contains(t, res.Phases[1].Reason, "immutable")
	// Only the locking phase committed.
	assert.Equal(t, []string{"RED: checkout"}, h.vcs.commits)
}

func TestRunPipeline_EscalatesAfterBudgetExhausted(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.results = []validation.Result{
		{Passed: false, TotalCases: 12, FailedCases: 4, Log: "assertion failed"},
	}

	res, err := h.ctl.RunPipeline(context.Background(), "checkout", singlePhase(greenPhase()))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 1, res.ExitCode())
	require.Len(t, res.Phases, 1)
	assert.Equal(t, 3, res.Phases[0].Retries)
	assert.Contains(t, res.Phases[0].Reason, "after 3 attempts")
	assert.Equal(t, 3, h.invoker.callsTo("implementer"))

	// The diagnostic trail survives as an artifact.
	rs, err := h.store.Run("checkout")
	require.NoError(t, err)
	data, err := rs.Read("green/escalation.json")
	require.NoError(t, err)
	var trail []AttemptDiagnosis
	require.NoError(t, json.Unmarshal(data, &trail))
	require.Len(t, trail, 3)
	assert.Equal(t, 1, trail[0].Attempt)
	assert.Equal(t, FailureLogic, trail[0].Class)
}

func TestRunPipeline_GateBlocksWithoutInvokingAgents(t *testing.T) {
	h := newHarness(t, nil)
	p := greenPhase()
	p.Gate = GateSpec{Markers: []string{"^RED:"}}

	res, err := h.ctl.RunPipeline(context.Background(), "checkout", singlePhase(p))
	require.NoError(t, err)

	assert.Equal(t, StatusBlocked, res.Status)
	assert.Equal(t, 2, res.ExitCode())
	require.Len(t, res.Phases, 1)
	assert.Equal(t, 0, res.Phases[0].Retries)
	assert.Contains(t, res.Phases[0].Reason, "^RED:")
	assert.Empty(t, h.invoker.agents)
}

func TestRunPipeline_GatesChainOnArtifactsAndMarkers(t *testing.T) {
	h := newHarness(t, nil)
	h.writeWorkFile(t, "docs/prd.md", "# PRD")
	h.writeWorkFile(t, "docs/spec.md", "# SPEC")
	h.invoker.results["writer"] = []*invoker.Result{
		{Status: invoker.StatusSuccess, Files: []string{"docs/prd.md"}},
		{Status: invoker.StatusSuccess, Files: []string{"docs/spec.md"}},
	}
	h.vcs.changed = [][]string{{"docs/prd.md"}, {"docs/spec.md"}}

	spec := docPhase("SPEC")
	spec.Gate = GateSpec{
		Artifacts: []ArtifactRequirement{{Path: "prd/", Kind: "document"}},
		Markers:   []string{"^PRD:"},
	}
	def := Definition{Name: "planning", Phases: []PhaseDefinition{docPhase("PRD"), spec}}

	res, err := h.ctl.RunPipeline(context.Background(), "checkout", def)
	require.NoError(t, err)

	assert.Equal(t, StatusComplete, res.Status)
	assert.Equal(t, []string{"PRD: checkout", "SPEC: checkout"}, h.vcs.commits)
}

func TestRunPipeline_WaitsForCoordinationPublication(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.board.Declare(coordination.Edge{
		Producer: "billing",
		Consumer: "checkout",
		Kind:     coordination.KindSchema,
	}))
	h.writeWorkFile(t, "docs/prd.md", "# PRD")
	h.invoker.results["writer"] = []*invoker.Result{
		{Status: invoker.StatusSuccess, Files: []string{"docs/prd.md"}},
	}
	h.vcs.changed = [][]string{{"docs/prd.md"}}

	type outcome struct {
		res *RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.ctl.RunPipeline(context.Background(), "checkout", singlePhase(docPhase("PRD")))
		done <- outcome{res, err}
	}()

	// The run must idle until the producer publishes.
	select {
	case <-done:
		t.Fatal("run finished before the schema was published")
	case <-time.After(20 * time.Millisecond):
	}

	h.board.MarkPublished("billing", coordination.KindSchema)

	select {
	case o := <-done:
		require.NoError(t, o.err)
		assert.Equal(t, StatusComplete, o.res.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not resume after publication")
	}
}

func TestRunPipeline_TestCountDriftBlocksRefactor(t *testing.T) {
	h := newHarness(t, nil)
	h.writeWorkFile(t, "impl.go", "package impl")
	h.invoker.results["refactorer"] = []*invoker.Result{
		{Status: invoker.StatusSuccess, Files: []string{"impl.go"}},
	}
	h.runner.results = []validation.Result{
		{Passed: true, TotalCases: 10, CoverageStatements: 82, CoverageBranches: 76},
		{Passed: true, TotalCases: 12, CoverageStatements: 82, CoverageBranches: 76},
	}

	res, err := h.ctl.RunPipeline(context.Background(), "checkout", singlePhase(refactorPhase()))
	require.NoError(t, err)

	assert.Equal(t, StatusBlocked, res.Status)
	require.Len(t, res.Phases, 1)
	assert.Equal(t, 0, res.Phases[0].Retries, "a design violation consumes no retry")
	assert.Contains(t, res.Phases[0].Reason, "design violation")
	assert.Equal(t, 1, h.invoker.callsTo("refactorer"))

	// The produced artifact was reverted.
	rs, err := h.store.Run("checkout")
	require.NoError(t, err)
	assert.False(t, rs.Exists("refactor/impl.go"))
	assert.Empty(t, h.vcs.commits)
}

func TestRunPipeline_NewPublicOperationBlocksRefactor(t *testing.T) {
	surface := &scriptedSurface{ops: []int{5, 6}}
	h := newHarness(t, func(o *Options) { o.Surface = surface })
	h.writeWorkFile(t, "impl.go", "package impl")
	h.invoker.results["refactorer"] = []*invoker.Result{
		{Status: invoker.StatusSuccess, Files: []string{"impl.go"}},
	}
	h.runner.results = []validation.Result{
		{Passed: true, TotalCases: 10, CoverageStatements: 82, CoverageBranches: 76},
	}

	res, err := h.ctl.RunPipeline(context.Background(), "checkout", singlePhase(refactorPhase()))
	require.NoError(t, err)

	assert.Equal(t, StatusBlocked, res.Status)
	require.Len(t, res.Phases, 1)
	assert.Contains(t, res.Phases[0].Reason, "new public operation")
	assert.Equal(t, 0, res.Phases[0].Retries)

	rs, err := h.store.Run("checkout")
	require.NoError(t, err)
	assert.False(t, rs.Exists("refactor/impl.go"))
}

func TestRunPipeline_CoverageRegressionRetries(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.results = []validation.Result{
		{Passed: true, TotalCases: 10, CoverageStatements: 82, CoverageBranches: 76},
		{Passed: true, TotalCases: 10, CoverageStatements: 79, CoverageBranches: 76},
		{Passed: true, TotalCases: 10, CoverageStatements: 83, CoverageBranches: 76},
	}

	res, err := h.ctl.RunPipeline(context.Background(), "checkout", singlePhase(refactorPhase()))
	require.NoError(t, err)

	assert.Equal(t, StatusComplete, res.Status)
	require.Len(t, res.Phases, 1)
	assert.Equal(t, 2, res.Phases[0].Retries)
}

func TestSecurity_CriticalRemediatedWithRegressionTest(t *testing.T) {
	reviewer := &fakeReviewer{findings: []Finding{
		{ID: "SEC-1", Severity: SeverityCritical, Title: "SQL injection", Description: "unsanitized query input", File: "store.go"},
	}}
	h := newHarness(t, func(o *Options) { o.Reviewer = reviewer })
	h.runner.results = []validation.Result{
		{Passed: true, TotalCases: 10, CoverageStatements: 82, CoverageBranches: 76}, // baseline
		{Passed: true, TotalCases: 10, CoverageStatements: 82, CoverageBranches: 76}, // phase validation
		{Passed: true, TotalCases: 10, CoverageStatements: 82, CoverageBranches: 76}, // pre-remediation
		{Passed: true, TotalCases: 11, CoverageStatements: 83, CoverageBranches: 77}, // post-remediation
	}

	res, err := h.ctl.RunPipeline(context.Background(), "checkout", singlePhase(securityPhase()))
	require.NoError(t, err)

	assert.Equal(t, StatusComplete, res.Status)
	assert.Equal(t, 2, h.invoker.callsTo("security-fixer"), "one phase attempt plus one remediation")

	// The remediation prompt names the finding and demands a regression test.
	last := h.invoker.payloads[len(h.invoker.payloads)-1]
	assert.Contains(t, last.FollowUp, "SEC-1")
	assert.Contains(t, last.FollowUp, "regression test")

	data := h.readArchived(t, "checkout", "security/report.json")
	var report struct {
		Remediated []string `json:"remediated"`
	}
	require.NoError(t, json.Unmarshal(data, &report))
	assert.Equal(t, []string{"SEC-1"}, report.Remediated)
}

func TestSecurity_UnremediatedCriticalBlocks(t *testing.T) {
	reviewer := &fakeReviewer{findings: []Finding{
		{ID: "SEC-2", Severity: SeverityCritical, Title: "hardcoded credential"},
	}}
	h := newHarness(t, func(o *Options) { o.Reviewer = reviewer })
	// Test count never grows, so no remediation attempt is accepted.
	h.runner.results = []validation.Result{
		{Passed: true, TotalCases: 10, CoverageStatements: 82, CoverageBranches: 76},
	}

	res, err := h.ctl.RunPipeline(context.Background(), "checkout", singlePhase(securityPhase()))
	require.NoError(t, err)

	assert.Equal(t, StatusBlocked, res.Status)
	assert.Equal(t, 2, res.ExitCode())
	assert.Contains(t, res.Phases[0].Reason, "SEC-2")
	// One phase attempt plus three rejected remediations.
	assert.Equal(t, 4, h.invoker.callsTo("security-fixer"))
}

func TestSecurity_HighFindingNeedsPersistedAcceptance(t *testing.T) {
	finding := Finding{ID: "SEC-3", Severity: SeverityHigh, Title: "weak TLS config"}

	t.Run("blocks without acceptance", func(t *testing.T) {
		h := newHarness(t, func(o *Options) { o.Reviewer = &fakeReviewer{findings: []Finding{finding}} })
		h.runner.results = []validation.Result{{Passed: true, TotalCases: 10}}

		res, err := h.ctl.RunPipeline(context.Background(), "checkout", singlePhase(securityPhase()))
		require.NoError(t, err)
		assert.Equal(t, StatusBlocked, res.Status)
		assert.Contains(t, res.Phases[0].Reason, "SEC-3")
		assert.Contains(t, res.Phases[0].Reason, ErrHighFinding.Error())
		assert.NotContains(t, res.Phases[0].Reason, "critical")
	})

	t.Run("passes with acceptance artifact", func(t *testing.T) {
		h := newHarness(t, func(o *Options) {
			o.Reviewer = &fakeReviewer{findings: []Finding{finding}}
			o.Acceptor = &fakeAcceptor{accept: true}
		})
		h.runner.results = []validation.Result{{Passed: true, TotalCases: 10}}

		res, err := h.ctl.RunPipeline(context.Background(), "checkout", singlePhase(securityPhase()))
		require.NoError(t, err)
		assert.Equal(t, StatusComplete, res.Status)

		data := h.readArchived(t, "checkout", "security/accepted-risk-SEC-3.json")
		var acc RiskAcceptance
		require.NoError(t, json.Unmarshal(data, &acc))
		assert.Equal(t, "SEC-3", acc.FindingID)
		assert.Equal(t, "operator", acc.AcceptedBy)
		assert.False(t, acc.AcceptedAt.IsZero())
	})
}

func TestSecurity_MediumAndLowGoToBacklog(t *testing.T) {
	reviewer := &fakeReviewer{findings: []Finding{
		{ID: "SEC-4", Severity: SeverityMedium, Title: "verbose error message"},
		{ID: "SEC-5", Severity: SeverityLow, Title: "missing security header"},
	}}
	h := newHarness(t, func(o *Options) { o.Reviewer = reviewer })
	h.runner.results = []validation.Result{{Passed: true, TotalCases: 10}}

	res, err := h.ctl.RunPipeline(context.Background(), "checkout", singlePhase(securityPhase()))
	require.NoError(t, err)

	assert.Equal(t, StatusComplete, res.Status, "backlogged findings never block")

	data := h.readArchived(t, "checkout", "security/backlog.json")
	var entries []backlogEntry
	require.NoError(t, json.Unmarshal(data, &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "SEC-4", entries[0].Finding.ID)
	assert.Equal(t, "SEC-5", entries[1].Finding.ID)
}

func TestRunPipeline_ScopeViolationFailsPhase(t *testing.T) {
	h := newHarness(t, nil)
	// The refactorer touched a test file; the commit must be rejected whole.
	h.vcs.changed = [][]string{{"impl.go", "impl_test.go"}}
	p := refactorPhase()
	p.CommitScope = recorder.Scope{Allow: []string{"**"}, Deny: []string{"**/*_test.*"}}
	h.runner.results = []validation.Result{
		{Passed: true, TotalCases: 10, CoverageStatements: 82, CoverageBranches: 76},
	}

	res, err := h.ctl.RunPipeline(context.Background(), "checkout", singlePhase(p))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Phases[0].Reason, "impl_test.go")
	assert.Empty(t, h.vcs.commits)
}

func TestRunPipeline_ManifestTracksPhaseOutcomes(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.results = []validation.Result{
		{Passed: false, TotalCases: 5, FailedCases: 5, Log: "assertion failed"},
	}

	res, err := h.ctl.RunPipeline(context.Background(), "checkout", singlePhase(greenPhase()))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, res.Status)

	rs, err := h.store.Run("checkout")
	require.NoError(t, err)
	m, err := artifact.LoadManifest(rs.Dir())
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, res.RunID, m.RunID)
	assert.Equal(t, "failed", m.Status)
	require.Len(t, m.Phases, 1)
	assert.Equal(t, "GREEN", m.Phases[0].Name)
	assert.Equal(t, 3, m.Phases[0].Retries)
}

func TestRunAll_SiblingsSurviveABlockedRun(t *testing.T) {
	blocked := newHarness(t, nil)
	gated := docPhase("PRD")
	gated.Gate = GateSpec{Markers: []string{"^NEVER:"}}

	healthy := newHarness(t, nil)
	healthy.writeWorkFile(t, "docs/prd.md", "# PRD")
	healthy.vcs.changed = [][]string{{"docs/prd.md"}}

	results, err := RunAll(context.Background(), []Job{
		{Feature: "billing", Definition: singlePhase(gated), Controller: blocked.ctl},
		{Feature: "checkout", Definition: singlePhase(docPhase("PRD")), Controller: healthy.ctl},
	})
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, StatusBlocked, results["billing"].Status)
	assert.Equal(t, StatusComplete, results["checkout"].Status)
}
