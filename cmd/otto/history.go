package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"otto/internal/task"
)

// newHistoryCommand lists archived plan runs, or the per-task results of one
// plan when an id is given.
func newHistoryCommand(verbose *bool) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [plan-id]",
		Short: "Show past plan runs and their results",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*verbose)
			if err != nil {
				return err
			}
			defer a.close()

			if a.history == nil {
				return fmt.Errorf("history database is unavailable")
			}

			if len(args) == 1 {
				return printPlanResults(a, args[0])
			}

			plans, err := a.history.RecentPlans(limit)
			if err != nil {
				return err
			}
			if len(plans) == 0 {
				fmt.Println("no plan history")
				return nil
			}
			for _, p := range plans {
				outcome := fmt.Sprintf("%d ok / %d failed", p.Succeeded, p.Failed)
				if p.Failed == 0 && p.Succeeded > 0 {
					outcome = green(outcome)
				} else if p.Failed > 0 {
					outcome = red(outcome)
				}
				fmt.Printf("%s  %s  %2d tasks  %-20s  %s\n",
					p.ID, p.CreatedAt.Format(time.DateTime), p.TaskCount, outcome, p.UserRequest)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of plans to show")
	return cmd
}

func printPlanResults(a *app, planID string) error {
	results, err := a.history.Results(planID)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Printf("no results for plan %s\n", planID)
		return nil
	}
	for _, r := range results {
		status := string(r.Status)
		switch r.Status {
		case task.ResultSuccess:
			status = green(status)
		case task.ResultFailure:
			status = red(status)
		default:
			status = yellow(status)
		}
		line := fmt.Sprintf("%s  %-18s  %s", r.ExecutedAt.Format(time.DateTime), r.TaskID, status)
		if r.Error != "" {
			line += "  " + r.Error
		}
		fmt.Println(line)
	}
	return nil
}
