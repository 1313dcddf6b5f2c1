package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/phased/internal/telemetry"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// Load reads configuration from a YAML file, then overrides with
// environment variables prefixed PHASED_.
//
// Precedence (highest to lowest):
//  1. Environment variables (PHASED_RUNS_ROOT, PHASED_PIPELINE_RETRY_BUDGET, ...)
//  2. YAML config file
//  3. Defaults
//
// configPath may be empty, in which case only env and defaults apply.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			content, err := os.ReadFile(configPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if len(content) > maxConfigFileSize {
				return nil, fmt.Errorf("config file too large: %d bytes (max %d)", len(content), maxConfigFileSize)
			}
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	// PHASED_RUNS_ROOT -> runs.root, PHASED_PIPELINE_RETRY_BUDGET -> pipeline.retry_budget.
	// Split on the first underscore after the prefix: section, then field name.
	if err := k.Load(env.Provider("PHASED_", ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, "PHASED_"))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Runs.Root == "" {
		cfg.Runs.Root = "runs"
	}
	if cfg.Runs.ArchiveDir == "" {
		cfg.Runs.ArchiveDir = "runs-archive"
	}
	if cfg.Pipeline.RetryBudget == 0 {
		cfg.Pipeline.RetryBudget = 3
	}
	if cfg.Pipeline.AgentTimeout == 0 {
		cfg.Pipeline.AgentTimeout = 10 * time.Minute
	}
	if cfg.Coverage.Statements == 0 {
		cfg.Coverage.Statements = 80
	}
	if cfg.Coverage.Branches == 0 {
		cfg.Coverage.Branches = 75
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}
	def := telemetry.DefaultConfig()
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = def.Endpoint
		cfg.Telemetry.Insecure = def.Insecure
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.ServiceName
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = def.ServiceVersion
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = def.SamplingRate
	}
}
