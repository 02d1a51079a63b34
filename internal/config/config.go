// Package config loads the engine configuration. Components receive an
// explicit Config struct through their constructors; nothing reads viper (or
// the environment) after load time.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the orchestration engine consumes.
type Config struct {
	// Planning
	PlanApprovalTimeout time.Duration `mapstructure:"plan_approval_timeout"`
	AutoApprove         bool          `mapstructure:"auto_approve"`
	PromptTokenBudget   int           `mapstructure:"prompt_token_budget"`

	// Execution
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryBaseDelay      time.Duration `mapstructure:"retry_base_delay"`
	StepApprovalTimeout time.Duration `mapstructure:"step_approval_timeout"`
	CommandTimeout      time.Duration `mapstructure:"command_timeout"`
	KillGracePeriod     time.Duration `mapstructure:"kill_grace_period"`
	Concurrency         int           `mapstructure:"concurrency"`
	DryRun              bool          `mapstructure:"dry_run"`
	SafeMode            bool          `mapstructure:"safe_mode"`

	// Background processes
	ReadinessWindow time.Duration `mapstructure:"readiness_window"`

	// Storage
	SnapshotDir string `mapstructure:"snapshot_dir"`
	HistoryDB   string `mapstructure:"history_db"`
	LogPath     string `mapstructure:"log_path"`

	// LLM collaborator
	LLMBaseURL  string  `mapstructure:"llm_base_url"`
	LLMModel    string  `mapstructure:"llm_model"`
	LLMAPIKey   string  `mapstructure:"llm_api_key"`
	Temperature float64 `mapstructure:"temperature"`

	// Telemetry
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	MetricsAddr  string `mapstructure:"metrics_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".otto")
	return Config{
		PlanApprovalTimeout: 5 * time.Minute,
		AutoApprove:         false,
		PromptTokenBudget:   8000,
		MaxRetries:          3,
		RetryBaseDelay:      time.Second,
		StepApprovalTimeout: 30 * time.Second,
		CommandTimeout:      2 * time.Minute,
		KillGracePeriod:     5 * time.Second,
		Concurrency:         1,
		ReadinessWindow:     2 * time.Second,
		SnapshotDir:         filepath.Join(base, "snapshots"),
		HistoryDB:           filepath.Join(base, "history.db"),
		LogPath:             filepath.Join(base, "otto-debug.log"),
		LLMBaseURL:          "http://localhost:11434",
		LLMModel:            "llama3",
		Temperature:         0.2,
	}
}

// Load reads the config file (when present) and environment overrides on top
// of the defaults. File location: $OTTO_CONFIG, else ~/.otto/config.yaml.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults := Default()
	v.SetDefault("plan_approval_timeout", defaults.PlanApprovalTimeout)
	v.SetDefault("auto_approve", defaults.AutoApprove)
	v.SetDefault("prompt_token_budget", defaults.PromptTokenBudget)
	v.SetDefault("max_retries", defaults.MaxRetries)
	v.SetDefault("retry_base_delay", defaults.RetryBaseDelay)
	v.SetDefault("step_approval_timeout", defaults.StepApprovalTimeout)
	v.SetDefault("command_timeout", defaults.CommandTimeout)
	v.SetDefault("kill_grace_period", defaults.KillGracePeriod)
	v.SetDefault("concurrency", defaults.Concurrency)
	v.SetDefault("dry_run", defaults.DryRun)
	v.SetDefault("safe_mode", defaults.SafeMode)
	v.SetDefault("readiness_window", defaults.ReadinessWindow)
	v.SetDefault("snapshot_dir", defaults.SnapshotDir)
	v.SetDefault("history_db", defaults.HistoryDB)
	v.SetDefault("log_path", defaults.LogPath)
	v.SetDefault("llm_base_url", defaults.LLMBaseURL)
	v.SetDefault("llm_model", defaults.LLMModel)
	v.SetDefault("llm_api_key", defaults.LLMAPIKey)
	v.SetDefault("temperature", defaults.Temperature)
	v.SetDefault("otlp_endpoint", defaults.OTLPEndpoint)
	v.SetDefault("metrics_addr", defaults.MetricsAddr)

	if path := os.Getenv("OTTO_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".otto"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("OTTO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.StepApprovalTimeout <= 0 {
		return fmt.Errorf("step_approval_timeout must be positive")
	}
	if c.PlanApprovalTimeout <= 0 {
		return fmt.Errorf("plan_approval_timeout must be positive")
	}
	return nil
}
