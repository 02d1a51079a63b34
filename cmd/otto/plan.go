package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"otto/internal/progress"
)

// newPlanCommand analyzes a request and prints the plan without executing it.
func newPlanCommand(verbose *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <request>",
		Short: "Decompose a request into a task plan without executing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*verbose)
			if err != nil {
				return err
			}
			defer a.close()

			request := strings.Join(args, " ")
			plan, err := a.planner.AnalyzeRequest(cmd.Context(), request)
			if err != nil {
				return err
			}

			result := a.planner.ValidatePlan(plan)
			fmt.Println(progress.PlanSummary(plan))
			for _, warning := range result.Warnings {
				fmt.Println(yellow("warning: " + warning))
			}
			for _, suggestion := range result.Suggestions {
				fmt.Println(cyan("hint: " + suggestion))
			}
			if !result.Valid {
				for _, e := range result.Errors {
					fmt.Println(red("error: " + e))
				}
				return fmt.Errorf("plan is not executable")
			}
			return nil
		},
	}
}
