// Package invoker dispatches work to named external agents. The orchestrator
// never interprets agent output beyond status and produced file paths;
// delegate semantics are opaque to the core.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// ErrAgentTimeout indicates an agent invocation exceeded its deadline.
// The timeout wrapper retries once before surfacing it.
var ErrAgentTimeout = errors.New("agent invocation timed out")

// Status is the coarse outcome of an invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Payload is the bounded prompt handed to an agent.
type Payload struct {
	// Task is the primary instruction.
	Task string `json:"task"`

	// Context carries named background entries (prior step output, feature
	// description, failure diagnosis).
	Context map[string]string `json:"context,omitempty"`

	// FollowUp is a targeted correction appended on a retry; empty on the
	// first attempt.
	FollowUp string `json:"follow_up,omitempty"`
}

// Result is the structured outcome of one invocation.
type Result struct {
	// Status is success or failure as reported by the agent.
	Status Status `json:"status"`

	// Files lists paths the agent produced or modified, relative to the
	// working directory.
	Files []string `json:"files,omitempty"`

	// Log is the agent's raw output, carried for diagnosis.
	Log string `json:"log,omitempty"`
}

// Invoker runs a named agent with a prompt and collects its result.
type Invoker interface {
	Invoke(ctx context.Context, agent string, prompt Payload) (*Result, error)
}

// TimeoutInvoker bounds each invocation with a timeout and retries once on
// timeout before escalating. Cancellation is clean: a timed-out invocation
// produces no result, so the caller persists nothing.
type TimeoutInvoker struct {
	inner   Invoker
	timeout time.Duration
	logger  *zap.Logger
}

// NewTimeoutInvoker wraps an invoker with per-call timeout handling.
func NewTimeoutInvoker(inner Invoker, timeout time.Duration, logger *zap.Logger) (*TimeoutInvoker, error) {
	if inner == nil {
		return nil, errors.New("inner invoker is required")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", timeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimeoutInvoker{inner: inner, timeout: timeout, logger: logger.Named("invoker")}, nil
}

// Invoke implements Invoker. A deadline overrun is retried exactly once;
// external cancellation is never retried.
func (t *TimeoutInvoker) Invoke(ctx context.Context, agent string, prompt Payload) (*Result, error) {
	var result *Result

	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()

		r, err := t.inner.Invoke(callCtx, agent, prompt)
		if err != nil {
			if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				t.logger.Warn("agent timed out",
					zap.String("agent", agent),
					zap.Duration("timeout", t.timeout),
				)
				return fmt.Errorf("%w: agent %s after %s", ErrAgentTimeout, agent, t.timeout)
			}
			// Outer cancellation or an agent failure: do not retry here.
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), 1)
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}
