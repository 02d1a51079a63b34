package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"otto/internal/approval"
	"otto/internal/command"
	"otto/internal/executor"
	"otto/internal/flow"
	"otto/internal/task"
	"otto/internal/telemetry"
)

// newRunCommand executes a request (or a saved plan file) end to end:
// planning, approval, detailing, execution, completion report.
func newRunCommand(verbose *bool) *cobra.Command {
	var (
		autoApprove bool
		dryRun      bool
		safeMode    bool
		keepServers bool
		concurrency int
		planFile    string
		skips       []string
	)

	cmd := &cobra.Command{
		Use:   "run [request]",
		Short: "Plan and execute a request",
		Long: `Plan and execute a request. The plan is shown for approval before
anything runs; individual steps that need approval prompt again during
execution. Ctrl-C aborts the run gracefully (twice to force quit).`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if planFile == "" && len(args) == 0 {
				return fmt.Errorf("provide a request or --plan-file")
			}

			a, err := buildApp(*verbose)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			tracer, shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
				OTLPEndpoint: a.cfg.OTLPEndpoint,
				ServiceName:  "otto",
			}, a.logger)
			if err != nil {
				a.logger.Warn("tracing disabled: %v", err)
			} else {
				defer func() { _ = shutdownTracing(ctx) }()
			}

			if concurrency <= 0 {
				concurrency = a.cfg.Concurrency
			}
			var managerOpts []task.ManagerOption
			if concurrency > 1 {
				managerOpts = append(managerOpts, task.WithConcurrentExecution())
			}
			manager := task.NewManager(a.logger.WithComponent("task"), managerOpts...)

			var approver approval.Approver
			if autoApprove || a.cfg.AutoApprove {
				approver = approval.AutoApprover{}
			} else {
				approver = approval.NewInteractiveApprover(isTTY(), a.logger.WithComponent("approval"))
			}

			exec := executor.New(a.runner, a.registry, a.classifier, a.snapshots, a.broker, approver,
				executor.Options{
					StepApprovalTimeout: a.cfg.StepApprovalTimeout,
					CommandTimeout:      a.cfg.CommandTimeout,
					KillGracePeriod:     a.cfg.KillGracePeriod,
					SafeMode:            safeMode || a.cfg.SafeMode,
				}, a.logger.WithComponent("executor"))

			fl := flow.New(flow.Deps{
				Planner:  a.planner,
				Manager:  manager,
				Executor: exec,
				Broker:   a.broker,
				Approver: approver,
				History:  a.history,
				Metrics:  a.metrics,
				Tracer:   tracer,
				Logger:   a.logger.WithComponent("flow"),
			}, flow.Config{
				AutoApprove:         autoApprove || a.cfg.AutoApprove,
				PlanApprovalTimeout: a.cfg.PlanApprovalTimeout,
				MaxRetries:          a.cfg.MaxRetries,
				RetryBaseDelay:      a.cfg.RetryBaseDelay,
				DryRun:              dryRun || a.cfg.DryRun,
				Concurrency:         concurrency,
			})

			// First Ctrl-C aborts the flow and lets cleanup run; the
			// second force-quits.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)
			go func() {
				<-sigCh
				fmt.Fprintln(os.Stderr, yellow("\naborting, waiting for running steps..."))
				fl.Abort()
				<-sigCh
				os.Exit(130)
			}()

			if len(skips) > 0 {
				go applySkips(fl, skips)
			}

			var report string
			var runErr error
			if planFile != "" {
				plan, err := a.planner.LoadPlanFile(planFile)
				if err != nil {
					return err
				}
				report, runErr = fl.RunPlan(ctx, plan)
			} else {
				report, runErr = fl.Run(ctx, strings.Join(args, " "))
			}

			if !keepServers {
				if err := a.registry.Close(); err != nil {
					a.logger.Warn("stopping background processes: %v", err)
				}
			} else {
				for _, p := range a.registry.List() {
					if p.Status() == command.ProcessRunning {
						fmt.Println(cyan("left running: ") + command.FormatProcessLine(p))
					}
				}
			}

			if report != "" {
				fmt.Println(report)
			}
			if runErr != nil {
				return runErr
			}
			fmt.Println(green("done"))
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Skip the plan approval gate and approve every step")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Simulate execution without running commands")
	cmd.Flags().BoolVar(&safeMode, "safe-mode", false, "Require approval for every step above the safe level")
	cmd.Flags().BoolVar(&keepServers, "keep-servers", false, "Leave background dev servers running on exit")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Parallel task limit (0 uses the configured default)")
	cmd.Flags().StringVar(&planFile, "plan-file", "", "Execute a saved YAML plan instead of analyzing a request")
	cmd.Flags().StringSliceVar(&skips, "skip", nil, "Task ids to skip (repeatable)")

	return cmd
}

// applySkips waits for the plan to be registered, then marks the named
// tasks skipped before execution reaches them.
func applySkips(fl *flow.Flow, ids []string) {
	for i := 0; i < 600; i++ {
		if fl.Plan() != nil {
			for _, id := range ids {
				if err := fl.SkipTask(id, "skipped on the command line"); err != nil {
					fmt.Fprintln(os.Stderr, yellow("skip "+id+": "+err.Error()))
				}
			}
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}
