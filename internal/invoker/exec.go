package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
)

// ExecInvoker runs agents as external commands. Each agent name maps to a
// command line; the prompt payload is written to stdin as JSON and the
// command must print a Result as JSON on stdout.
type ExecInvoker struct {
	commands map[string][]string
	dir      string
}

// NewExecInvoker creates an invoker from an agent-name -> command mapping,
// executing commands in dir.
func NewExecInvoker(commands map[string][]string, dir string) (*ExecInvoker, error) {
	if len(commands) == 0 {
		return nil, errors.New("at least one agent command is required")
	}
	for name, cmd := range commands {
		if len(cmd) == 0 {
			return nil, fmt.Errorf("agent %q has an empty command", name)
		}
	}
	return &ExecInvoker{commands: commands, dir: dir}, nil
}

// Invoke implements Invoker.
func (e *ExecInvoker) Invoke(ctx context.Context, agent string, prompt Payload) (*Result, error) {
	command, ok := e.commands[agent]
	if !ok {
		return nil, fmt.Errorf("unknown agent: %q", agent)
	}

	input, err := json.Marshal(prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to encode prompt: %w", err)
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = e.dir
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("agent %s: %w (stderr: %s)", agent, err, stderr.String())
	}

	var result Result
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("failed to parse agent %s output: %w", agent, err)
	}
	if result.Log == "" {
		result.Log = stderr.String()
	}
	return &result, nil
}
