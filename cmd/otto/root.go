package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"otto/internal/approval"
	"otto/internal/command"
	"otto/internal/config"
	"otto/internal/errors"
	"otto/internal/llm"
	"otto/internal/logging"
	"otto/internal/planner"
	"otto/internal/safety"
	"otto/internal/snapshot"
	"otto/internal/store"
	"otto/internal/telemetry"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// NewRootCommand assembles the otto CLI.
func NewRootCommand() *cobra.Command {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "otto",
		Short: "Autonomous task orchestration engine",
		Long: fmt.Sprintf(`%s turns a natural-language request into an executable task plan,
gates it behind your approval, and runs it with dependency ordering,
safety classification, snapshots, and rollback.

%s
  otto plan "set up a Go web service with tests"
  otto run "add CI to this repo" --concurrency 2
  otto run --plan-file plan.yaml --auto-approve
  otto ps
  otto kill 3f2a9c1e
  otto history
  otto rollback --task task-abc123-0`,
			bold("otto"), bold("EXAMPLES:")),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	rootCmd.AddCommand(newPlanCommand(&verbose))
	rootCmd.AddCommand(newRunCommand(&verbose))
	rootCmd.AddCommand(newPSCommand(&verbose))
	rootCmd.AddCommand(newKillCommand(&verbose))
	rootCmd.AddCommand(newHistoryCommand(&verbose))
	rootCmd.AddCommand(newRollbackCommand(&verbose))

	return rootCmd
}

// app wires the engine's collaborators from configuration. Each CLI verb
// builds one, uses what it needs, and closes it.
type app struct {
	cfg        config.Config
	logger     *logging.FileLogger
	client     llm.Client
	planner    *planner.Planner
	classifier *safety.Classifier
	runner     *command.Runner
	state      *command.StateFile
	registry   *command.Registry
	snapshots  *snapshot.Store
	broker     *approval.Broker
	history    *store.History
	metrics    *telemetry.Metrics
	promReg    *prometheus.Registry
}

func buildApp(verbose bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	logger, err := logging.New(logging.Options{Path: cfg.LogPath, Level: level})
	if err != nil {
		return nil, err
	}

	httpClient, err := llm.NewHTTPClient(llm.HTTPConfig{
		BaseURL: cfg.LLMBaseURL,
		Model:   cfg.LLMModel,
		APIKey:  cfg.LLMAPIKey,
	}, logger.WithComponent("llm"))
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	client := llm.NewRetryClient(httpClient, errors.DefaultRetryConfig(), logger.WithComponent("llm"))

	classifier, err := safety.NewClassifier(client, 256, logger.WithComponent("safety"))
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	state, err := command.NewStateFile(filepath.Join(filepath.Dir(cfg.HistoryDB), "processes.json"))
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	snapshots, err := snapshot.NewStore(cfg.SnapshotDir, logger.WithComponent("snapshot"))
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	// Execution history is a convenience, not a requirement. A broken DB
	// degrades to the nil no-op store.
	history, err := store.Open(cfg.HistoryDB, logger.WithComponent("store"))
	if err != nil {
		logger.Warn("history unavailable: %v", err)
		history = nil
	}

	a := &app{
		cfg:        cfg,
		logger:     logger,
		client:     client,
		planner:    planner.NewPlanner(client, logger.WithComponent("planner"), planner.WithTokenBudget(cfg.PromptTokenBudget)),
		classifier: classifier,
		runner:     command.NewRunner(logger.WithComponent("command")),
		state:      state,
		registry: command.NewRegistry(logger.WithComponent("command"),
			command.WithReadinessWindow(cfg.ReadinessWindow),
			command.WithStateFile(state)),
		snapshots: snapshots,
		broker:    approval.NewBroker(logger.WithComponent("approval")),
		history:   history,
	}

	if cfg.MetricsAddr != "" {
		a.promReg = prometheus.NewRegistry()
		a.metrics = telemetry.NewMetrics(a.promReg)
		go func() {
			if err := telemetry.ServeMetrics(cfg.MetricsAddr, a.promReg, logger); err != nil {
				logger.Warn("metrics server: %v", err)
			}
		}()
	}

	return a, nil
}

// close releases everything except background processes, which outlive the
// invocation on purpose.
func (a *app) close() {
	if a.history != nil {
		_ = a.history.Close()
	}
	_ = a.logger.Close()
}
