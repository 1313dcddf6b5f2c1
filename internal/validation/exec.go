package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
)

// ExecRunner runs tests by invoking an external command. The scope is
// written to the command's stdin as JSON; the command must print a Result as
// JSON on stdout. Exit status is ignored so a failing suite still yields a
// parseable result.
type ExecRunner struct {
	command []string
	dir     string
}

// NewExecRunner creates a runner for the given command line, executed in dir.
func NewExecRunner(command []string, dir string) (*ExecRunner, error) {
	if len(command) == 0 {
		return nil, errors.New("test runner command is required")
	}
	return &ExecRunner{command: command, dir: dir}, nil
}

// RunTests implements TestRunner.
func (r *ExecRunner) RunTests(ctx context.Context, scope Scope) (Result, error) {
	input, err := json.Marshal(scope)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode scope: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...)
	cmd.Dir = r.dir
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// A non-zero exit with parseable output is a failing suite, not an
		// infrastructure error.
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || stdout.Len() == 0 {
			return Result{}, fmt.Errorf("test runner %s: %w (stderr: %s)", r.command[0], err, stderr.String())
		}
	}

	var result Result
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return Result{}, fmt.Errorf("failed to parse test runner output: %w", err)
	}
	if result.Log == "" {
		result.Log = stderr.String()
	}
	return result, nil
}
