// Package main implements the phased CLI, the phase-gated delivery
// orchestrator driving RED/GREEN/REFACTOR/SECURITY and PRD/SPEC/PLAN/BREAKDOWN
// pipelines over feature worktrees.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath points at the phased YAML configuration
	configPath string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

// exitCode is set by the run command: 0 completed, 1 failed, 2 blocked.
var exitCode int

var rootCmd = &cobra.Command{
	Use:   "phased",
	Short: "Phase-gated delivery pipeline orchestrator",
	Long: `phased drives features through phase-gated pipelines: failing tests
first (RED), minimal implementation (GREEN), behavior-preserving cleanup
(REFACTOR), and a security pass (SECURITY), or the planning chain
PRD -> SPEC -> PLAN -> BREAKDOWN. Each phase opens only when its gate is
satisfied and closes with a scoped commit.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "phased.yaml", "path to the phased config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(pipelinesCmd)
}
