// Package recorder wraps VCS commits at phase completion. Commits are
// restricted to the files the phase is authorized to touch: tests-only for
// RED, code and schema for GREEN, code-only with no test diffs for REFACTOR,
// code, tests, and report for SECURITY.
package recorder

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// VCS is the version-control surface the recorder needs.
type VCS interface {
	// ChangedPaths lists paths with uncommitted changes.
	ChangedPaths() ([]string, error)

	// CommitFiles stages and commits exactly the given paths.
	CommitFiles(paths []string, message string) (string, error)
}

// Recorder commits phase outputs with scope enforcement.
type Recorder struct {
	vcs    VCS
	logger *zap.Logger
}

// New creates a recorder over the given VCS.
func New(vcs VCS, logger *zap.Logger) (*Recorder, error) {
	if vcs == nil {
		return nil, errors.New("vcs is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{vcs: vcs, logger: logger.Named("recorder")}, nil
}

// Commit commits all uncommitted changes for a phase after verifying every
// changed path falls inside the phase's authorized scope. Any path outside
// the scope rejects the whole commit with a ScopeViolationError. Returns the
// commit ID, or empty string when there is nothing to commit.
func (r *Recorder) Commit(phase string, scope Scope, message string) (string, error) {
	changed, err := r.vcs.ChangedPaths()
	if err != nil {
		return "", fmt.Errorf("failed to inspect working tree: %w", err)
	}
	if len(changed) == 0 {
		r.logger.Debug("nothing to commit", zap.String("phase", phase))
		return "", nil
	}

	if violations := scope.Violations(changed); len(violations) > 0 {
		return "", &ScopeViolationError{Phase: phase, Paths: violations}
	}

	id, err := r.vcs.CommitFiles(changed, message)
	if err != nil {
		return "", fmt.Errorf("failed to commit phase %s: %w", phase, err)
	}

	r.logger.Info("committed phase output",
		zap.String("phase", phase),
		zap.String("commit", id),
		zap.Int("files", len(changed)),
	)
	return id, nil
}
