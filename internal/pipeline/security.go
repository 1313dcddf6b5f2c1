package pipeline

import (
	"context"
	"time"
)

// Severity ranks a security finding.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Finding is one security review result.
type Finding struct {
	ID          string   `json:"id"`
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	File        string   `json:"file,omitempty"`
}

// Reviewer is the external collaborator producing security findings for a
// worktree.
type Reviewer interface {
	Review(ctx context.Context, workdir string) ([]Finding, error)
}

// RiskAcceptance is an operator's written justification for shipping with a
// High finding. It is persisted as an artifact so the decision is auditable.
type RiskAcceptance struct {
	FindingID     string    `json:"finding_id"`
	Justification string    `json:"justification"`
	AcceptedBy    string    `json:"accepted_by"`
	AcceptedAt    time.Time `json:"accepted_at"`
}

// RiskAcceptor asks the operator whether a High finding is accepted.
// Implementations return (nil, false, nil) when the operator declines.
type RiskAcceptor interface {
	Accept(ctx context.Context, finding Finding) (*RiskAcceptance, bool, error)
}

// securityReport is the per-phase artifact summarizing the review.
type securityReport struct {
	Findings    []Finding `json:"findings"`
	Remediated  []string  `json:"remediated,omitempty"`
	Accepted    []string  `json:"accepted,omitempty"`
	Backlogged  []string  `json:"backlogged,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// backlogEntry records a Medium/Low finding. Backlog entries never expire or
// auto-escalate; they carry no state change until a later pipeline revisits
// them.
type backlogEntry struct {
	Finding    Finding   `json:"finding"`
	RecordedAt time.Time `json:"recorded_at"`
}

func bySeverity(findings []Finding, s Severity) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Severity == s {
			out = append(out, f)
		}
	}
	return out
}
