package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"otto/internal/command"
)

// newPSCommand lists background processes recorded by earlier runs, probing
// each recorded pid so stale entries show as exited.
func newPSCommand(verbose *bool) *cobra.Command {
	var prune bool

	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List background processes started by previous runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*verbose)
			if err != nil {
				return err
			}
			defer a.close()

			records, err := a.state.Load()
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("no background processes")
				return nil
			}

			ordered := make([]command.ProcessRecord, 0, len(records))
			for _, rec := range records {
				ordered = append(ordered, rec)
			}
			sort.Slice(ordered, func(i, j int) bool {
				return ordered[i].StartedAt.Before(ordered[j].StartedAt)
			})

			fmt.Printf("%-10s %-7s %-9s %-6s %-8s %s\n", "ID", "PID", "STATUS", "PORT", "UPTIME", "COMMAND")
			for _, rec := range ordered {
				status := string(rec.Status)
				if rec.Status == command.ProcessRunning && !rec.Alive() {
					status = "exited"
				}
				if prune && status != string(command.ProcessRunning) {
					_ = a.state.Remove(rec.ID)
					continue
				}
				uptime := "-"
				if status == string(command.ProcessRunning) {
					uptime = time.Since(rec.StartedAt).Truncate(time.Second).String()
				}
				port := rec.Port
				if port == "" {
					port = "-"
				}
				fmt.Printf("%-10s %-7d %-9s %-6s %-8s %s\n",
					rec.ID[:8], rec.PID, status, port, uptime, rec.Command)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&prune, "prune", false, "Drop records of processes that are no longer running")
	return cmd
}

// newKillCommand terminates a recorded background process by id prefix.
func newKillCommand(verbose *bool) *cobra.Command {
	var grace time.Duration

	cmd := &cobra.Command{
		Use:   "kill <id>",
		Short: "Terminate a background process from a previous run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*verbose)
			if err != nil {
				return err
			}
			defer a.close()

			records, err := a.state.Load()
			if err != nil {
				return err
			}

			var match *command.ProcessRecord
			for id := range records {
				if strings.HasPrefix(id, args[0]) {
					if match != nil {
						return fmt.Errorf("ambiguous id %q", args[0])
					}
					rec := records[id]
					match = &rec
				}
			}
			if match == nil {
				return fmt.Errorf("no background process matching %q", args[0])
			}

			if err := command.KillRecorded(*match, grace); err != nil {
				return err
			}
			match.Status = command.ProcessKilled
			if err := a.state.Put(*match); err != nil {
				return err
			}
			fmt.Println(green("killed ") + match.ID[:8] + " " + match.Command)
			return nil
		},
	}

	cmd.Flags().DurationVar(&grace, "grace", 5*time.Second, "Time to wait after SIGTERM before SIGKILL")
	return cmd
}
