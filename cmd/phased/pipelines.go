package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/phased/internal/pipeline"
)

var pipelinesCmd = &cobra.Command{
	Use:   "pipelines [file]",
	Short: "List built-in pipelines or validate a custom pipeline file",
	Long: `Without arguments, list the built-in pipelines and their phases.
With a file argument, parse and validate a custom pipeline definition.

Examples:
  # List built-ins
  phased pipelines

  # Validate a custom pipeline before running it
  phased pipelines hotfix.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runPipelinesCmd,
}

func runPipelinesCmd(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		def, err := pipeline.LoadDefinition(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: valid (%d phases)\n", args[0], len(def.Phases))
		describe(def)
		return nil
	}

	for _, name := range []string{pipeline.DeliveryPipeline, pipeline.PlanningPipeline} {
		def, err := pipeline.Builtin(name)
		if err != nil {
			return err
		}
		describe(def)
	}
	return nil
}

func describe(def pipeline.Definition) {
	fmt.Printf("%s:\n", def.Name)
	for _, p := range def.Phases {
		attrs := []string{string(p.Validation)}
		if p.LockOutputs {
			attrs = append(attrs, "locked outputs")
		}
		if p.ForbidNewBehavior {
			attrs = append(attrs, "no new behavior")
		}
		if p.SecurityReview {
			attrs = append(attrs, "security review")
		}
		fmt.Printf("  %-10s", p.Name)
		for i, a := range attrs {
			if i > 0 {
				fmt.Print(", ")
			} else {
				fmt.Print(" ")
			}
			fmt.Print(a)
		}
		fmt.Println()
	}
}
