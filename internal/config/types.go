// Package config provides configuration loading for phased.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/phased/internal/logging"
	"github.com/fyrsmithlabs/phased/internal/telemetry"
)

// Config is the top-level phased configuration.
type Config struct {
	// Runs configures run storage locations.
	Runs RunsConfig `koanf:"runs"`

	// Pipeline configures phase execution behavior.
	Pipeline PipelineConfig `koanf:"pipeline"`

	// Coverage configures validation coverage targets.
	Coverage CoverageConfig `koanf:"coverage"`

	// Agents maps agent names to the commands that implement them.
	Agents map[string][]string `koanf:"agents"`

	// TestRunner is the command invoked to run tests. It receives the
	// scope as JSON on stdin and must print a validation result as JSON.
	TestRunner []string `koanf:"test_runner"`

	// Logging configures the zap logger.
	Logging logging.Config `koanf:"logging"`

	// Telemetry configures OpenTelemetry export.
	Telemetry telemetry.Config `koanf:"telemetry"`
}

// RunsConfig controls where run artifacts live.
type RunsConfig struct {
	// Root is the directory holding active runs (runs/<feature>/<phase>).
	Root string `koanf:"root"`

	// ArchiveDir is the cold-storage directory runs move to at close.
	ArchiveDir string `koanf:"archive_dir"`
}

// PipelineConfig controls phase execution behavior.
type PipelineConfig struct {
	// RetryBudget is the number of validation retries per phase.
	RetryBudget int `koanf:"retry_budget"`

	// AgentTimeout bounds a single agent invocation.
	AgentTimeout time.Duration `koanf:"agent_timeout"`
}

// CoverageConfig holds the declared coverage targets used during GREEN.
type CoverageConfig struct {
	// Statements is the statement coverage target in percent.
	Statements float64 `koanf:"statements"`

	// Branches is the branch coverage target in percent.
	Branches float64 `koanf:"branches"`
}

// Validate checks the configuration for inconsistent values.
func (c *Config) Validate() error {
	if c.Runs.Root == "" {
		return fmt.Errorf("runs.root is required")
	}
	if c.Runs.ArchiveDir == "" {
		return fmt.Errorf("runs.archive_dir is required")
	}
	if c.Pipeline.RetryBudget < 1 {
		return fmt.Errorf("pipeline.retry_budget must be at least 1, got %d", c.Pipeline.RetryBudget)
	}
	if c.Pipeline.AgentTimeout <= 0 {
		return fmt.Errorf("pipeline.agent_timeout must be positive, got %s", c.Pipeline.AgentTimeout)
	}
	if c.Coverage.Statements < 0 || c.Coverage.Statements > 100 {
		return fmt.Errorf("coverage.statements must be in [0,100], got %.1f", c.Coverage.Statements)
	}
	if c.Coverage.Branches < 0 || c.Coverage.Branches > 100 {
		return fmt.Errorf("coverage.branches must be in [0,100], got %.1f", c.Coverage.Branches)
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	return c.Telemetry.Validate()
}
