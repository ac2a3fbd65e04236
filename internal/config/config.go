// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration. One section per
// component; every tunable threshold in the agent core lives here rather
// than as a hardcoded constant.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Reasoning ReasoningConfig `mapstructure:"reasoning" yaml:"reasoning"`
	Safety    SafetyConfig    `mapstructure:"safety" yaml:"safety"`
	Runner    RunnerConfig    `mapstructure:"runner" yaml:"runner"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
}

// LoggerConfig controls the global zap logger and file rotation.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// LLMConfig configures the inference backend client.
type LLMConfig struct {
	Endpoint       string        `mapstructure:"endpoint" yaml:"endpoint"`
	Model          string        `mapstructure:"model" yaml:"model"`
	APITimeout     time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	MaxRetryWindow time.Duration `mapstructure:"max_retry_window" yaml:"max_retry_window"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec" yaml:"requests_per_sec"`
	Temperature    float64       `mapstructure:"temperature" yaml:"temperature"`
}

// ReasoningConfig tunes complexity scoring and the step budget.
type ReasoningConfig struct {
	BudgetFloor   int `mapstructure:"budget_floor" yaml:"budget_floor"`
	BudgetCeiling int `mapstructure:"budget_ceiling" yaml:"budget_ceiling"`
	// CheckpointInterval is how many recorded steps pass between strategy
	// re-evaluations.
	CheckpointInterval int `mapstructure:"checkpoint_interval" yaml:"checkpoint_interval"`
	// FailureThreshold is the run of consecutive failures that escalates
	// the strategy one level toward recursive decomposition.
	FailureThreshold int `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	// RecursiveThreshold and ParallelThreshold split the complexity score
	// into the three strategy bands.
	RecursiveThreshold float64 `mapstructure:"recursive_threshold" yaml:"recursive_threshold"`
	ParallelThreshold  float64 `mapstructure:"parallel_threshold" yaml:"parallel_threshold"`
	// PlanningRetries bounds re-proposals after a planning error.
	PlanningRetries int `mapstructure:"planning_retries" yaml:"planning_retries"`
	// HistoryWindow is how many recent audit records appear verbatim in
	// the proposer prompt; older records are summarized, never dropped.
	HistoryWindow int `mapstructure:"history_window" yaml:"history_window"`
}

// SafetyConfig tunes the risk gate.
type SafetyConfig struct {
	BackupDir string `mapstructure:"backup_dir" yaml:"backup_dir"` // empty = alongside the file
	// OutputLimit caps the captured output stored per execution result.
	OutputLimit int `mapstructure:"output_limit" yaml:"output_limit"`
	// SessionConsent approves all confirm-tier steps after a single
	// session-wide yes instead of prompting per step.
	SessionConsent bool `mapstructure:"session_consent" yaml:"session_consent"`
	// Risk score thresholds mapping the additive heuristic score to an
	// effective tier.
	ConfirmThreshold   float64 `mapstructure:"confirm_threshold" yaml:"confirm_threshold"`
	DangerousThreshold float64 `mapstructure:"dangerous_threshold" yaml:"dangerous_threshold"`
}

// RunnerConfig tunes the execution runner.
type RunnerConfig struct {
	CommandTimeout time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	StopGrace      time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
}

// StoreConfig configures the knowledge/audit store.
type StoreConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	RetentionDays int    `mapstructure:"retention_days" yaml:"retention_days"`
}

// BrowserConfig configures the exclusive browser session.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ExecArgs          []string      `mapstructure:"exec_args" yaml:"exec_args"`
}

// SetDefaults initializes default values for every configuration section.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "taskpilot")
	v.SetDefault("logger.log_file", "taskpilot.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- LLM --
	v.SetDefault("llm.endpoint", "http://localhost:11434")
	v.SetDefault("llm.model", "llama3")
	v.SetDefault("llm.api_timeout", "120s")
	v.SetDefault("llm.max_retry_window", "2m")
	v.SetDefault("llm.requests_per_sec", 2.0)
	v.SetDefault("llm.temperature", 0.2)

	// -- Reasoning --
	v.SetDefault("reasoning.budget_floor", 3)
	v.SetDefault("reasoning.budget_ceiling", 20)
	v.SetDefault("reasoning.checkpoint_interval", 5)
	v.SetDefault("reasoning.failure_threshold", 3)
	v.SetDefault("reasoning.recursive_threshold", 0.8)
	v.SetDefault("reasoning.parallel_threshold", 0.5)
	v.SetDefault("reasoning.planning_retries", 2)
	v.SetDefault("reasoning.history_window", 5)

	// -- Safety --
	v.SetDefault("safety.backup_dir", "")
	v.SetDefault("safety.output_limit", 4096)
	v.SetDefault("safety.session_consent", false)
	v.SetDefault("safety.confirm_threshold", 0.3)
	v.SetDefault("safety.dangerous_threshold", 0.5)

	// -- Runner --
	v.SetDefault("runner.command_timeout", "30s")
	v.SetDefault("runner.stop_grace", "5s")

	// -- Store --
	v.SetDefault("store.path", "taskpilot.db")
	v.SetDefault("store.retention_days", 30)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", "90s")
}

// NewDefaultConfig returns a configuration populated with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults alone.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper builds and validates a configuration from a viper
// instance that has already read files/flags/env.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.LLM.Endpoint == "" {
		return fmt.Errorf("llm.endpoint is a required configuration field")
	}
	if c.Reasoning.BudgetFloor < 1 {
		return fmt.Errorf("reasoning.budget_floor must be at least 1")
	}
	if c.Reasoning.BudgetCeiling < c.Reasoning.BudgetFloor {
		return fmt.Errorf("reasoning.budget_ceiling must be >= reasoning.budget_floor")
	}
	if c.Reasoning.CheckpointInterval <= 0 {
		return fmt.Errorf("reasoning.checkpoint_interval must be a positive integer")
	}
	if c.Reasoning.PlanningRetries < 0 {
		return fmt.Errorf("reasoning.planning_retries must not be negative")
	}
	if c.Safety.OutputLimit <= 0 {
		return fmt.Errorf("safety.output_limit must be a positive integer")
	}
	if c.Safety.DangerousThreshold < c.Safety.ConfirmThreshold {
		return fmt.Errorf("safety.dangerous_threshold must be >= safety.confirm_threshold")
	}
	if c.Runner.CommandTimeout <= 0 {
		return fmt.Errorf("runner.command_timeout must be a positive duration")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is a required configuration field")
	}
	return nil
}
