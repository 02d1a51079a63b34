package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// newRollbackCommand inspects and restores file snapshots taken before
// mutating steps. With no arguments it lists what can be rolled back.
func newRollbackCommand(verbose *bool) *cobra.Command {
	var (
		taskID   string
		showDiff bool
	)

	cmd := &cobra.Command{
		Use:   "rollback [snapshot-id]",
		Short: "List, diff, or restore file snapshots",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(*verbose)
			if err != nil {
				return err
			}
			defer a.close()

			switch {
			case taskID != "":
				if err := a.snapshots.RollbackTask(taskID); err != nil {
					return err
				}
				fmt.Println(green("restored all files touched by " + taskID))
				return nil

			case len(args) == 1 && showDiff:
				id, err := resolveSnapshotID(a, args[0])
				if err != nil {
					return err
				}
				diff, err := a.snapshots.Diff(id)
				if err != nil {
					return err
				}
				if diff == "" {
					fmt.Println("file is unchanged since the snapshot")
					return nil
				}
				fmt.Println(diff)
				return nil

			case len(args) == 1:
				id, err := resolveSnapshotID(a, args[0])
				if err != nil {
					return err
				}
				snap, err := a.snapshots.Get(id)
				if err != nil {
					return err
				}
				if err := a.snapshots.Rollback(id); err != nil {
					return err
				}
				fmt.Println(green("restored ") + snap.Path)
				return nil

			default:
				snaps, err := a.snapshots.List()
				if err != nil {
					return err
				}
				if len(snaps) == 0 {
					fmt.Println("no snapshots")
					return nil
				}
				for _, s := range snaps {
					state := "modified"
					if !s.Existed {
						state = "created"
					}
					fmt.Printf("%s  %s  %-8s  %s  (task %s)\n",
						s.ID[:8], s.CreatedAt.Format(time.DateTime), state, s.Path, s.TaskID)
				}
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "Roll back every file a task touched, newest first")
	cmd.Flags().BoolVar(&showDiff, "diff", false, "Show the diff against the snapshot instead of restoring")
	return cmd
}

// resolveSnapshotID expands an id prefix (as printed by the listing) to the
// full snapshot id.
func resolveSnapshotID(a *app, prefix string) (string, error) {
	snaps, err := a.snapshots.List()
	if err != nil {
		return "", err
	}
	var match string
	for _, s := range snaps {
		if strings.HasPrefix(s.ID, prefix) {
			if match != "" && match != s.ID {
				return "", fmt.Errorf("ambiguous snapshot id %q", prefix)
			}
			match = s.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("no snapshot matching %q", prefix)
	}
	return match, nil
}
