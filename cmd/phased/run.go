package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/artifact"
	"github.com/fyrsmithlabs/phased/internal/config"
	"github.com/fyrsmithlabs/phased/internal/coordination"
	"github.com/fyrsmithlabs/phased/internal/invoker"
	"github.com/fyrsmithlabs/phased/internal/logging"
	"github.com/fyrsmithlabs/phased/internal/pipeline"
	"github.com/fyrsmithlabs/phased/internal/recorder"
	"github.com/fyrsmithlabs/phased/internal/telemetry"
	"github.com/fyrsmithlabs/phased/internal/validation"
	"github.com/fyrsmithlabs/phased/internal/vcs"
)

// securityReviewerAgent is the config key of the agent that produces
// security findings for the SECURITY phase.
const securityReviewerAgent = "security-reviewer"

var (
	pipelineName string
	pipelineFile string
	workdir      string
	edges        []string
	acceptRisks  []string
)

var runCmd = &cobra.Command{
	Use:   "run <feature> [<feature>...]",
	Short: "Run a pipeline over one or more feature worktrees",
	Long: `Run a pipeline for each named feature. With a single feature the
worktree is --workdir itself; with several, each feature's worktree is
<workdir>/<feature> and the runs execute in parallel over a shared
coordination board.

Examples:
  # Deliver one feature through RED -> GREEN -> REFACTOR -> SECURITY
  phased run checkout

  # Plan a feature
  phased run --pipeline planning checkout

  # Two coordinated worktrees: checkout consumes billing's schema
  phased run --edge 'billing->checkout:schema' billing checkout

  # Accept a known High finding ahead of the run
  phased run --accept-risk 'SEC-12=mitigated by gateway policy' checkout`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPipelines,
}

func init() {
	runCmd.Flags().StringVar(&pipelineName, "pipeline", pipeline.DeliveryPipeline, "built-in pipeline to run (delivery or planning)")
	runCmd.Flags().StringVar(&pipelineFile, "pipeline-file", "", "YAML file defining a custom pipeline (overrides --pipeline)")
	runCmd.Flags().StringVar(&workdir, "workdir", ".", "worktree directory, or the parent of per-feature worktrees")
	runCmd.Flags().StringArrayVar(&edges, "edge", nil, "coordination edge 'producer->consumer:kind' (kind: schema or code)")
	runCmd.Flags().StringArrayVar(&acceptRisks, "accept-risk", nil, "pre-approved High finding 'ID=justification'")
}

func runPipelines(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	tel, err := telemetry.New(cmd.Context(), cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	def, err := loadPipeline()
	if err != nil {
		return err
	}

	store, err := artifact.NewStore(cfg.Runs.Root, cfg.Runs.ArchiveDir, logger)
	if err != nil {
		return err
	}

	board := coordination.NewBoard(logger)
	for _, spec := range edges {
		edge, err := parseEdge(spec)
		if err != nil {
			return err
		}
		if err := board.Declare(edge); err != nil {
			return err
		}
	}

	acceptor, err := parseAcceptances(acceptRisks)
	if err != nil {
		return err
	}

	jobs := make([]pipeline.Job, 0, len(args))
	for _, feature := range args {
		dir := workdir
		if len(args) > 1 {
			dir = filepath.Join(workdir, feature)
		}
		ctl, err := buildController(cfg, logger, store, board, acceptor, dir)
		if err != nil {
			return fmt.Errorf("feature %s: %w", feature, err)
		}
		jobs = append(jobs, pipeline.Job{Feature: feature, Definition: def, Controller: ctl})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := pipeline.RunAll(ctx, jobs)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		printResult(results[job.Feature])
	}
	exitCode = worstExitCode(results)
	return nil
}

// buildController wires one worktree's collaborators into a controller.
func buildController(cfg *config.Config, logger *zap.Logger, store *artifact.Store, board *coordination.Board, acceptor pipeline.RiskAcceptor, dir string) (*pipeline.Controller, error) {
	repo, err := vcs.Open(dir)
	if err != nil {
		return nil, err
	}

	rec, err := recorder.New(repo, logger)
	if err != nil {
		return nil, err
	}

	runner, err := validation.NewExecRunner(cfg.TestRunner, dir)
	if err != nil {
		return nil, err
	}
	engine, err := validation.NewEngine(runner, logger)
	if err != nil {
		return nil, err
	}

	execInv, err := invoker.NewExecInvoker(cfg.Agents, dir)
	if err != nil {
		return nil, err
	}
	inv, err := invoker.NewTimeoutInvoker(execInv, cfg.Pipeline.AgentTimeout, logger)
	if err != nil {
		return nil, err
	}

	opts := pipeline.Options{
		Store:       store,
		Invoker:     inv,
		Engine:      engine,
		Recorder:    rec,
		Board:       board,
		History:     repo,
		Workdir:     dir,
		Acceptor:    acceptor,
		RetryBudget: cfg.Pipeline.RetryBudget,
		Targets: validation.Targets{
			Statements: cfg.Coverage.Statements,
			Branches:   cfg.Coverage.Branches,
		},
		Logger: logger,
	}
	if _, ok := cfg.Agents[securityReviewerAgent]; ok {
		opts.Reviewer = &agentReviewer{invoker: inv}
	}
	return pipeline.NewController(opts)
}

func loadPipeline() (pipeline.Definition, error) {
	if pipelineFile != "" {
		return pipeline.LoadDefinition(pipelineFile)
	}
	return pipeline.Builtin(pipelineName)
}

// parseEdge parses 'producer->consumer:kind'.
func parseEdge(spec string) (coordination.Edge, error) {
	producer, rest, ok := strings.Cut(spec, "->")
	if !ok {
		return coordination.Edge{}, fmt.Errorf("invalid edge %q: expected 'producer->consumer:kind'", spec)
	}
	consumer, kind, ok := strings.Cut(rest, ":")
	if !ok {
		return coordination.Edge{}, fmt.Errorf("invalid edge %q: missing kind (schema or code)", spec)
	}
	edge := coordination.Edge{
		Producer: strings.TrimSpace(producer),
		Consumer: strings.TrimSpace(consumer),
		Kind:     coordination.EdgeKind(strings.TrimSpace(kind)),
	}
	return edge, edge.Validate()
}

// parseAcceptances builds a risk acceptor from 'ID=justification' flags.
func parseAcceptances(specs []string) (pipeline.RiskAcceptor, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	accepted := make(map[string]string, len(specs))
	for _, spec := range specs {
		id, justification, ok := strings.Cut(spec, "=")
		if !ok || id == "" || justification == "" {
			return nil, fmt.Errorf("invalid acceptance %q: expected 'ID=justification'", spec)
		}
		accepted[id] = justification
	}
	return &flagAcceptor{accepted: accepted}, nil
}

// flagAcceptor accepts exactly the findings pre-approved on the command line.
type flagAcceptor struct {
	accepted map[string]string
}

func (a *flagAcceptor) Accept(ctx context.Context, finding pipeline.Finding) (*pipeline.RiskAcceptance, bool, error) {
	justification, ok := a.accepted[finding.ID]
	if !ok {
		return nil, false, nil
	}
	user := os.Getenv("USER")
	if user == "" {
		user = "operator"
	}
	return &pipeline.RiskAcceptance{
		FindingID:     finding.ID,
		Justification: justification,
		AcceptedBy:    user,
		AcceptedAt:    time.Now().UTC(),
	}, true, nil
}

// agentReviewer adapts the configured security-reviewer agent to the
// Reviewer interface. The agent prints a JSON array of findings as its log.
type agentReviewer struct {
	invoker invoker.Invoker
}

func (r *agentReviewer) Review(ctx context.Context, workdir string) ([]pipeline.Finding, error) {
	res, err := r.invoker.Invoke(ctx, securityReviewerAgent, invoker.Payload{
		Task:    "Review the worktree for security weaknesses and report findings as a JSON array.",
		Context: map[string]string{"workdir": workdir},
	})
	if err != nil {
		return nil, err
	}
	if res.Status == invoker.StatusFailure {
		return nil, fmt.Errorf("security reviewer failed: %s", res.Log)
	}
	if strings.TrimSpace(res.Log) == "" {
		return nil, nil
	}
	var findings []pipeline.Finding
	if err := json.Unmarshal([]byte(res.Log), &findings); err != nil {
		return nil, fmt.Errorf("failed to parse reviewer findings: %w", err)
	}
	return findings, nil
}

func printResult(res *pipeline.RunResult) {
	if res == nil {
		return
	}
	fmt.Printf("%s: %s (run %s)\n", res.Feature, res.Status, res.RunID)
	for _, p := range res.Phases {
		line := fmt.Sprintf("  %-10s %s", p.Name, p.Status)
		if p.Retries > 1 {
			line += fmt.Sprintf("  attempts=%d", p.Retries)
		}
		if p.CommitID != "" {
			line += fmt.Sprintf("  commit=%s", shorten(p.CommitID))
		}
		if p.Reason != "" {
			line += fmt.Sprintf("  reason=%s", p.Reason)
		}
		fmt.Println(line)
	}
}

func shorten(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// worstExitCode folds per-feature outcomes: failed beats blocked beats ok.
func worstExitCode(results map[string]*pipeline.RunResult) int {
	code := 0
	for _, res := range results {
		c := res.ExitCode()
		if c == 1 {
			return 1
		}
		if c > code {
			code = c
		}
	}
	return code
}
