package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/artifact"
	"github.com/fyrsmithlabs/phased/internal/invoker"
	"github.com/fyrsmithlabs/phased/internal/validation"
)

// securityReview runs the reviewer over the worktree and triages findings by
// severity. It returns a non-empty block reason when the phase must halt.
func (c *Controller) securityReview(ctx context.Context, rs *artifact.RunStore, pd PhaseDefinition, execStep Step, stepContext map[string]string, produced map[string]struct{}) (string, error) {
	findings, err := c.reviewer.Review(ctx, c.workdir)
	if err != nil {
		return "", fmt.Errorf("reviewer: %w", err)
	}
	for _, f := range findings {
		if c.findingsCounter != nil {
			c.findingsCounter.Add(ctx, 1, metric.WithAttributes(
				attribute.String("severity", string(f.Severity)),
			))
		}
	}

	report := securityReport{Findings: findings, GeneratedAt: time.Now().UTC()}
	var criticalBlockers, highBlockers []string

	// Critical findings must be remediated in place, and every fix has to
	// land with its own regression test before it counts.
	for _, f := range bySeverity(findings, SeverityCritical) {
		if c.remediate(ctx, rs, pd, execStep, stepContext, produced, f) {
			report.Remediated = append(report.Remediated, f.ID)
			continue
		}
		criticalBlockers = append(criticalBlockers, fmt.Sprintf("critical finding %s unremediated after %d attempt(s)", f.ID, c.retryBudget))
	}

	// High findings ship only with a persisted operator acceptance.
	for _, f := range bySeverity(findings, SeverityHigh) {
		acc, ok, err := c.acceptFinding(ctx, rs, pd, f)
		if err != nil {
			return "", err
		}
		if !ok {
			highBlockers = append(highBlockers, fmt.Sprintf("high finding %s not accepted", f.ID))
			continue
		}
		report.Accepted = append(report.Accepted, acc.FindingID)
	}

	// Medium and Low findings go to the backlog and never block.
	backlog := append(bySeverity(findings, SeverityMedium), bySeverity(findings, SeverityLow)...)
	if len(backlog) > 0 {
		if err := c.appendBacklog(rs, pd, backlog); err != nil {
			return "", err
		}
		for _, f := range backlog {
			report.Backlogged = append(report.Backlogged, f.ID)
		}
	}

	if err := c.writeReport(rs, pd, report); err != nil {
		return "", err
	}

	var reasons []string
	if len(criticalBlockers) > 0 {
		reasons = append(reasons, fmt.Sprintf("%v: %s", ErrCriticalFinding, strings.Join(criticalBlockers, "; ")))
	}
	if len(highBlockers) > 0 {
		reasons = append(reasons, fmt.Sprintf("%v: %s", ErrHighFinding, strings.Join(highBlockers, "; ")))
	}
	return strings.Join(reasons, "; "), nil
}

// remediate asks the execute agent to fix one critical finding, bounded by
// the retry budget. A fix is accepted only when the full suite passes and at
// least one new test case covers the fix.
func (c *Controller) remediate(ctx context.Context, rs *artifact.RunStore, pd PhaseDefinition, execStep Step, stepContext map[string]string, produced map[string]struct{}, f Finding) bool {
	logger := c.logger.With(zap.String("phase", pd.Name), zap.String("finding", f.ID))

	followUp := fmt.Sprintf(
		"Remediate critical security finding %s (%s): %s. The fix must include a regression test exercising the vulnerability.",
		f.ID, f.Title, f.Description,
	)

	for attempt := 1; attempt <= c.retryBudget; attempt++ {
		before, err := c.engine.Run(ctx, validation.FullSuite())
		if err != nil {
			logger.Warn("pre-remediation validation failed to run", zap.Error(err))
			return false
		}

		res, err := c.invokeStep(ctx, rs, pd, execStep, stepContext, followUp)
		if err != nil {
			logger.Warn("remediation invocation failed", zap.Int("attempt", attempt), zap.Error(err))
			return false
		}
		if res.Status == invoker.StatusFailure {
			followUp = fmt.Sprintf("The previous remediation attempt for %s reported failure. Log tail: %s", f.ID, tail(res.Log))
			continue
		}
		if err := c.storeOutputs(rs, pd, res.Files, produced); err != nil {
			logger.Warn("failed to store remediation outputs", zap.Error(err))
			return false
		}

		after, err := c.engine.Run(ctx, validation.FullSuite())
		if err != nil {
			logger.Warn("post-remediation validation failed to run", zap.Error(err))
			return false
		}

		switch {
		case !after.Passed:
			followUp = fmt.Sprintf("The remediation for %s broke the test suite (%s). Fix the finding without regressing.", f.ID, after.Summary())
		case after.TotalCases <= before.TotalCases:
			followUp = fmt.Sprintf("The remediation for %s added no regression test. Add a test that exercises the vulnerability.", f.ID)
		default:
			logger.Info("finding remediated", zap.Int("attempt", attempt))
			return true
		}
		c.countRetry(ctx, pd.Name, FailureLogic)
	}
	return false
}

// acceptFinding records an operator's risk acceptance as a locked artifact.
func (c *Controller) acceptFinding(ctx context.Context, rs *artifact.RunStore, pd PhaseDefinition, f Finding) (*RiskAcceptance, bool, error) {
	if c.acceptor == nil {
		return nil, false, nil
	}
	acc, ok, err := c.acceptor.Accept(ctx, f)
	if err != nil {
		return nil, false, fmt.Errorf("risk acceptance: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	if acc.AcceptedAt.IsZero() {
		acc.AcceptedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(acc, "", "  ")
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode acceptance: %w", err)
	}
	path := fmt.Sprintf("%s/accepted-risk-%s.json", artifactDir(pd.Name), f.ID)
	if _, err := rs.Write(path, data, pd.Name, true); err != nil {
		return nil, false, fmt.Errorf("failed to persist acceptance: %w", err)
	}
	return acc, true, nil
}

// appendBacklog merges Medium/Low findings into the run's backlog artifact.
func (c *Controller) appendBacklog(rs *artifact.RunStore, pd PhaseDefinition, findings []Finding) error {
	path := fmt.Sprintf("%s/backlog.json", artifactDir(pd.Name))

	var entries []backlogEntry
	if existing, err := rs.Read(path); err == nil {
		if err := json.Unmarshal(existing, &entries); err != nil {
			return fmt.Errorf("corrupt backlog artifact %s: %w", path, err)
		}
	}
	now := time.Now().UTC()
	for _, f := range findings {
		entries = append(entries, backlogEntry{Finding: f, RecordedAt: now})
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode backlog: %w", err)
	}
	if _, err := rs.Write(path, data, pd.Name, false); err != nil {
		return fmt.Errorf("failed to persist backlog: %w", err)
	}
	return nil
}

func (c *Controller) writeReport(rs *artifact.RunStore, pd PhaseDefinition, report securityReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode security report: %w", err)
	}
	path := fmt.Sprintf("%s/report.json", artifactDir(pd.Name))
	if _, err := rs.Write(path, data, pd.Name, false); err != nil {
		return fmt.Errorf("failed to persist security report: %w", err)
	}
	return nil
}
