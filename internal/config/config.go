package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderEntry describes one capability provider known at startup.
type ProviderEntry struct {
	ID             string  `yaml:"id"`
	Class          string  `yaml:"class"` // "interactive" or "autonomous"
	Endpoint       string  `yaml:"endpoint"`
	APIKeyEnv      string  `yaml:"api_key_env"`
	MaxConcurrency int     `yaml:"max_concurrency"`
	CostWeight     float64 `yaml:"cost_weight"`
	Essential      bool    `yaml:"essential"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
}

// ScheduleConfig defines the off-hours window and liveness grace period for
// the mode controller. Times are local "HH:MM".
type ScheduleConfig struct {
	OffHoursStart string `yaml:"off_hours_start"`
	OffHoursEnd   string `yaml:"off_hours_end"`
	GraceMinutes  int    `yaml:"grace_minutes"`
	PresenceFile  string `yaml:"presence_file"`
}

// ApprovalConfig controls the approval gate.
type ApprovalConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// RetrievalConfig controls chunking, embedding, and context assembly.
type RetrievalConfig struct {
	ChunkTokens        int    `yaml:"chunk_tokens"`
	ChunkOverlapTokens int    `yaml:"chunk_overlap_tokens"`
	ContextK           int    `yaml:"context_k"`
	EmbedDim           int    `yaml:"embed_dim"`
	Embedder           string `yaml:"embedder"` // "hash" (default) or "ollama"
	OllamaBaseURL      string `yaml:"ollama_base_url"`
	OllamaModel        string `yaml:"ollama_model"`
}

// BudgetConfig caps dispatch spend. Zero means unlimited.
type BudgetConfig struct {
	CostCap float64 `yaml:"cost_cap"`
}

// MaintenanceConfig holds cron expressions for background sweeps.
type MaintenanceConfig struct {
	KnowledgeGC string `yaml:"knowledge_gc"`
	StaleSweep  string `yaml:"stale_sweep"`
}

// TelegramConfig configures the Telegram notification channel.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
	Enabled bool   `yaml:"enabled"`
}

// GatewayConfig configures the admin HTTP API.
type GatewayConfig struct {
	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`
}

// OtelConfig configures tracing/metrics export.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout" or "otlp-http"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel        string `yaml:"log_level"`
	LedgerDBPath    string `yaml:"ledger_db_path"`
	KnowledgeDBPath string `yaml:"knowledge_db_path"`

	// RetryMax is the number of alternate-provider attempts before a task
	// fails on validation errors.
	RetryMax int `yaml:"retry_max"`

	// ClaimTTLSeconds bounds how long a task may sit InProgress before the
	// stale sweep returns it to Pending.
	ClaimTTLSeconds int `yaml:"claim_ttl_seconds"`

	// HealthIntervalSeconds is the provider health check period.
	HealthIntervalSeconds int `yaml:"health_interval_seconds"`

	Providers   []ProviderEntry   `yaml:"providers"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Approval    ApprovalConfig    `yaml:"approval"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Budget      BudgetConfig      `yaml:"budget"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Telegram    TelegramConfig    `yaml:"telegram"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Otel        OtelConfig        `yaml:"otel"`
}

// DefaultHomeDir returns ~/.foreman, falling back to the working directory.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".foreman")
}

// Load reads config.yaml under homeDir (created with defaults if absent),
// applies defaults and env overrides, and validates the result.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create home dir: %w", err)
	}

	cfg := &Config{HomeDir: homeDir}
	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		cfg.HomeDir = homeDir
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LedgerDBPath == "" {
		c.LedgerDBPath = filepath.Join(c.HomeDir, "foreman.db")
	}
	if c.KnowledgeDBPath == "" {
		c.KnowledgeDBPath = filepath.Join(c.HomeDir, "knowledge.db")
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.ClaimTTLSeconds <= 0 {
		c.ClaimTTLSeconds = 300
	}
	if c.HealthIntervalSeconds <= 0 {
		c.HealthIntervalSeconds = 30
	}
	if c.Schedule.OffHoursStart == "" {
		c.Schedule.OffHoursStart = "22:00"
	}
	if c.Schedule.OffHoursEnd == "" {
		c.Schedule.OffHoursEnd = "07:00"
	}
	if c.Schedule.GraceMinutes <= 0 {
		c.Schedule.GraceMinutes = 5
	}
	if c.Schedule.PresenceFile == "" {
		c.Schedule.PresenceFile = filepath.Join(c.HomeDir, "presence")
	}
	if c.Approval.TimeoutSeconds <= 0 {
		c.Approval.TimeoutSeconds = 300
	}
	if c.Retrieval.ChunkTokens <= 0 {
		c.Retrieval.ChunkTokens = 500
	}
	if c.Retrieval.ChunkOverlapTokens < 0 {
		c.Retrieval.ChunkOverlapTokens = 0
	}
	if c.Retrieval.ContextK <= 0 {
		c.Retrieval.ContextK = 20
	}
	if c.Retrieval.EmbedDim <= 0 {
		c.Retrieval.EmbedDim = 256
	}
	if c.Retrieval.Embedder == "" {
		c.Retrieval.Embedder = "hash"
	}
	if c.Maintenance.KnowledgeGC == "" {
		c.Maintenance.KnowledgeGC = "30 3 * * *"
	}
	if c.Maintenance.StaleSweep == "" {
		c.Maintenance.StaleSweep = "*/5 * * * *"
	}
	if c.Gateway.BindAddr == "" {
		c.Gateway.BindAddr = "127.0.0.1:8780"
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.MaxConcurrency <= 0 {
			p.MaxConcurrency = 1
		}
		if p.TimeoutSeconds <= 0 {
			p.TimeoutSeconds = 120
		}
		if p.CostWeight <= 0 {
			p.CostWeight = 1.0
		}
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("FOREMAN_TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := os.Getenv("FOREMAN_GATEWAY_TOKEN"); v != "" {
		c.Gateway.AuthToken = v
	}
}

func (c *Config) validate() error {
	seen := make(map[string]struct{}, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider with empty id")
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		switch strings.ToLower(p.Class) {
		case "interactive", "autonomous":
		default:
			return fmt.Errorf("provider %q: unknown class %q", p.ID, p.Class)
		}
	}
	if _, err := ParseClock(c.Schedule.OffHoursStart); err != nil {
		return fmt.Errorf("schedule.off_hours_start: %w", err)
	}
	if _, err := ParseClock(c.Schedule.OffHoursEnd); err != nil {
		return fmt.Errorf("schedule.off_hours_end: %w", err)
	}
	return nil
}

// ApprovalTimeout returns the configured approval timeout as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approval.TimeoutSeconds) * time.Second
}

// GracePeriod returns the liveness grace period as a duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Schedule.GraceMinutes) * time.Minute
}

// ClaimTTL returns the stale-claim threshold as a duration.
func (c *Config) ClaimTTL() time.Duration {
	return time.Duration(c.ClaimTTLSeconds) * time.Second
}

// Clock is a minutes-since-midnight wall clock position.
type Clock int

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (Clock, error) {
	var h, m int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse clock %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock %q out of range", s)
	}
	return Clock(h*60 + m), nil
}

// Minutes returns the clock position of t within its day.
func Minutes(t time.Time) Clock {
	return Clock(t.Hour()*60 + t.Minute())
}
