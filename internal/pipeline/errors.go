package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/phased/internal/gate"
)

// Taxonomy sentinels. Only ErrImmutableViolation (from the artifact
// package) and an exhausted-retry ErrValidationFailed are fatal to a run;
// everything else resolves to Blocked with a structured reason.
var (
	// ErrGateUnmet marks a phase whose prerequisites are not satisfied.
	ErrGateUnmet = errors.New("gate unmet")

	// ErrValidationFailed marks an exhausted validation retry budget.
	ErrValidationFailed = errors.New("validation failed")

	// ErrCoordinationUnready marks a phase waiting on another worktree.
	ErrCoordinationUnready = errors.New("coordination unready")

	// ErrDesignViolation marks new functionality introduced during a
	// destructive-change-forbidden phase. Fatal to the phase, never retried.
	ErrDesignViolation = errors.New("design violation")

	// ErrCriticalFinding marks an unremediated critical security finding.
	ErrCriticalFinding = errors.New("critical security finding")

	// ErrHighFinding marks a high-severity finding shipping without a
	// persisted risk acceptance.
	ErrHighFinding = errors.New("unaccepted high security finding")
)

// GateUnmetError reports the exact unmet requirements of a phase gate.
type GateUnmetError struct {
	Phase   string
	Missing []gate.Requirement
}

func (e *GateUnmetError) Error() string {
	return fmt.Sprintf("phase %s gate unmet: %s", e.Phase, gate.DescribeAll(e.Missing))
}

func (e *GateUnmetError) Unwrap() error {
	if e.coordinationOnly() {
		return ErrCoordinationUnready
	}
	return ErrGateUnmet
}

// coordinationOnly reports whether every unmet requirement is a
// coordination edge, which is recoverable by waiting.
func (e *GateUnmetError) coordinationOnly() bool {
	if len(e.Missing) == 0 {
		return false
	}
	for _, r := range e.Missing {
		if _, ok := r.(gate.CoordinationReady); !ok {
			return false
		}
	}
	return true
}

// AttemptDiagnosis is one entry of the diagnostic trail the retry loop
// builds. The full trail is attached to the escalation, never dropped.
type AttemptDiagnosis struct {
	Attempt int          `json:"attempt"`
	Class   FailureClass `json:"class"`
	Summary string       `json:"summary"`
	LogTail string       `json:"log_tail,omitempty"`
}

// EscalationError reports an exhausted retry budget with the full
// diagnostic trail attached.
type EscalationError struct {
	Phase    string
	Budget   int
	Attempts []AttemptDiagnosis
}

func (e *EscalationError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("attempt %d [%s]: %s", a.Attempt, a.Class, a.Summary)
	}
	return fmt.Sprintf("phase %s failed after %d attempts: %s", e.Phase, e.Budget, strings.Join(parts, "; "))
}

func (e *EscalationError) Unwrap() error { return ErrValidationFailed }
