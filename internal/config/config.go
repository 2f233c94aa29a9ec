// Package config loads and validates the warden configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/warden/internal/logging"
)

// ErrMissingPepper is returned by Validate when no approval pepper is set.
// Decision tokens cannot be signed without it.
var ErrMissingPepper = errors.New("approval.pepper is required")

// Config represents the main configuration
type Config struct {
	Version   string           `yaml:"version"`
	Storage   *StorageConfig   `yaml:"storage"`
	Gateway   *GatewayConfig   `yaml:"gateway"`
	Remote    *RemoteConfig    `yaml:"remote"`
	CLI       *CLIConfig       `yaml:"cli"`
	Health    *HealthConfig    `yaml:"health"`
	Approval  *ApprovalConfig  `yaml:"approval"`
	Scheduler *SchedulerConfig `yaml:"scheduler"`
	Routines  *RoutinesConfig  `yaml:"routines"`
	Jobs      *JobsConfig      `yaml:"jobs"`
	Notify    *NotifyConfig    `yaml:"notify"`
	Agents    *AgentsConfig    `yaml:"agents"`
	Pipelines *PipelinesConfig `yaml:"pipelines"`
	Logging   *logging.Config  `yaml:"logging"`
}

// StorageConfig selects the SQLite driver and database location.
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
	Path   string `yaml:"path"`
}

// GatewayConfig holds HTTP server settings.
type GatewayConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	PublicBaseURL string `yaml:"public_base_url"` // used to build approval links
	OperatorToken string `yaml:"operator_token"`  // bearer token for /api/v1
}

// RemoteConfig configures the OpenAI-compatible model gateway backend.
type RemoteConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	DefaultModel      string        `yaml:"default_model"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	AppName           string        `yaml:"app_name"`
	Referer           string        `yaml:"referer"`
}

// CLIConfig configures the local command-line backend.
type CLIConfig struct {
	Command            string        `yaml:"command"`
	ExtraArgs          []string      `yaml:"extra_args"`
	Timeout            time.Duration `yaml:"timeout"`
	RateLimitWindow    time.Duration `yaml:"rate_limit_window"`
	RateLimitThreshold int           `yaml:"rate_limit_threshold"`
}

// HealthConfig tunes the CLI circuit breaker.
type HealthConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// ApprovalConfig holds decision token settings.
type ApprovalConfig struct {
	Pepper             string   `yaml:"pepper"`
	TTLHours           int      `yaml:"ttl_hours"`
	ApproverEmail      string   `yaml:"approver_email"`
	DashboardApprovals bool     `yaml:"dashboard_approvals"`
	CriticalKeywords   []string `yaml:"critical_keywords"`
}

// SchedulerConfig holds the cadence of each periodic job.
type SchedulerConfig struct {
	DispatchInterval     time.Duration `yaml:"dispatch_interval"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	ResumeInterval       time.Duration `yaml:"resume_interval"`
	RoutineInterval      time.Duration `yaml:"routine_interval"`
	SummaryInterval      time.Duration `yaml:"summary_interval"`
	ScheduleApprovalLead time.Duration `yaml:"schedule_approval_lead"`
	StaleAfter           time.Duration `yaml:"stale_after"`
	AgentConcurrency     int           `yaml:"agent_concurrency"` // runs per agent at once, 0 for no limit
}

// RoutinesConfig toggles policy routines.
type RoutinesConfig struct {
	AutoApprove      bool   `yaml:"auto_approve"`
	ReviewAutocreate bool   `yaml:"review_autocreate"`
	BlockedRetry     bool   `yaml:"blocked_retry"`
	BlockedResolve   bool   `yaml:"blocked_resolve"`
	ClaimUnassigned  bool   `yaml:"claim_unassigned"`
	MaxRetries       int    `yaml:"max_retries"`
	ReviewerAgent    string `yaml:"reviewer_agent"`
	ArchitectAgent   string `yaml:"architect_agent"`
}

// JobsConfig points at the remote long-running job service.
type JobsConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// NotifyConfig holds notification transport settings.
type NotifyConfig struct {
	SMTP *SMTPConfig `yaml:"smtp"`
}

// SMTPConfig holds SMTP delivery settings. An empty host disables SMTP.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// AgentsConfig locates per-agent prompt documents.
type AgentsConfig struct {
	PromptDir string `yaml:"prompt_dir"`
}

// PipelinesConfig points at the pipeline definition file.
type PipelinesConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// DefaultCriticalKeywords mark a task critical when found in its title or description.
var DefaultCriticalKeywords = []string{
	"security", "auth", "login", "payment", "deploy", "release", "prod", "approval",
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	base := filepath.Join(homeDir, ".warden")

	return &Config{
		Version: "1.0",
		Storage: &StorageConfig{
			Driver: "sqlite",
			Path:   filepath.Join(base, "warden.db"),
		},
		Gateway: &GatewayConfig{
			Host:          "127.0.0.1",
			Port:          8470,
			PublicBaseURL: "http://127.0.0.1:8470",
		},
		Remote: &RemoteConfig{
			BaseURL:           "https://openrouter.ai/api/v1",
			DefaultModel:      "moonshotai/kimi-k2",
			Timeout:           120 * time.Second,
			RequestsPerSecond: 2,
			Burst:             4,
			AppName:           "warden",
		},
		CLI: &CLIConfig{
			Command:            "claude",
			Timeout:            15 * time.Minute,
			RateLimitWindow:    10 * time.Minute,
			RateLimitThreshold: 3,
		},
		Health: &HealthConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Minute,
		},
		Approval: &ApprovalConfig{
			TTLHours:         72,
			CriticalKeywords: append([]string(nil), DefaultCriticalKeywords...),
		},
		Scheduler: &SchedulerConfig{
			DispatchInterval:     10 * time.Second,
			PollInterval:         30 * time.Second,
			ResumeInterval:       time.Minute,
			RoutineInterval:      time.Minute,
			SummaryInterval:      24 * time.Hour,
			ScheduleApprovalLead: 5 * time.Minute,
			StaleAfter:           30 * time.Minute,
		},
		Routines: &RoutinesConfig{
			AutoApprove:      true,
			ReviewAutocreate: true,
			BlockedRetry:     true,
			BlockedResolve:   true,
			MaxRetries:       3,
		},
		Jobs: &JobsConfig{
			Timeout: 30 * time.Second,
		},
		Notify: &NotifyConfig{
			SMTP: &SMTPConfig{Port: 587},
		},
		Agents: &AgentsConfig{
			PromptDir: filepath.Join(base, "agents"),
		},
		Pipelines: &PipelinesConfig{
			File:  filepath.Join(base, "pipelines.yaml"),
			Watch: true,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from a file. Missing files yield defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if config.Storage != nil {
		config.Storage.Path = expandPath(config.Storage.Path)
	}
	if config.Agents != nil {
		config.Agents.PromptDir = expandPath(config.Agents.PromptDir)
	}
	if config.Pipelines != nil {
		config.Pipelines.File = expandPath(config.Pipelines.File)
	}
	if config.Logging != nil && config.Logging.Output != "" {
		config.Logging.Output = expandPath(config.Logging.Output)
	}

	return config, nil
}

// Save saves configuration to a file
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file carries the pepper and API keys.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default configuration path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".warden", "config.yaml")
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Storage == nil || c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	switch c.Storage.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unknown storage driver: %q", c.Storage.Driver)
	}

	if c.Gateway == nil {
		return fmt.Errorf("gateway configuration is required")
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}

	if c.Approval == nil || c.Approval.Pepper == "" {
		return ErrMissingPepper
	}
	if c.Approval.TTLHours < 0 {
		return fmt.Errorf("approval.ttl_hours must not be negative")
	}

	if c.Health == nil || c.Health.FailureThreshold < 1 {
		return fmt.Errorf("health.failure_threshold must be at least 1")
	}
	if c.Health.Cooldown <= 0 {
		return fmt.Errorf("health.cooldown must be positive")
	}

	if c.CLI == nil || c.CLI.Timeout <= 0 {
		return fmt.Errorf("cli.timeout must be positive")
	}

	if c.Scheduler == nil {
		return fmt.Errorf("scheduler configuration is required")
	}
	intervals := map[string]time.Duration{
		"dispatch_interval": c.Scheduler.DispatchInterval,
		"poll_interval":     c.Scheduler.PollInterval,
		"resume_interval":   c.Scheduler.ResumeInterval,
		"routine_interval":  c.Scheduler.RoutineInterval,
		"summary_interval":  c.Scheduler.SummaryInterval,
	}
	for name, d := range intervals {
		if d <= 0 {
			return fmt.Errorf("scheduler.%s must be positive", name)
		}
	}

	if c.Scheduler.AgentConcurrency < 0 {
		return fmt.Errorf("scheduler.agent_concurrency must not be negative")
	}

	if c.Routines != nil && c.Routines.MaxRetries < 0 {
		return fmt.Errorf("routines.max_retries must not be negative")
	}

	return nil
}

// CriticalKeywords returns the configured keywords, or the defaults when none are set.
func (c *Config) CriticalKeywords() []string {
	if c.Approval == nil || len(c.Approval.CriticalKeywords) == 0 {
		return DefaultCriticalKeywords
	}
	return c.Approval.CriticalKeywords
}

// Addr returns the gateway listen address.
func (g *GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}
