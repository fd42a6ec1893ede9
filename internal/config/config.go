package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"choreline/internal/domain"
)

// Config models chores.yml.
type Config struct {
	// Timezone is the IANA zone whose midnight closes approval cycles.
	Timezone string          `yaml:"timezone"`
	Scanner  ScannerConfig   `yaml:"scanner"`
	Log      LogConfig       `yaml:"log"`
	Defaults TaskDefaults    `yaml:"defaults"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type ScannerConfig struct {
	Interval    time.Duration `yaml:"interval"`
	TaskBudget  time.Duration `yaml:"task_budget"`
	Concurrency int           `yaml:"concurrency"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TaskDefaults fill fields a create request leaves empty.
type TaskDefaults struct {
	CompletionMode domain.CompletionMode     `yaml:"completion_mode"`
	OverduePolicy  domain.OverduePolicy      `yaml:"overdue_policy"`
	ApprovalReset  domain.ApprovalReset      `yaml:"approval_reset"`
	PendingClaims  domain.PendingClaimAction `yaml:"pending_claims"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Active reports whether the hook should receive deliveries.
func (w WebhookConfig) Active() bool {
	return (w.Enabled == nil || *w.Enabled) && strings.TrimSpace(w.URL) != ""
}

// Location resolves the configured timezone, defaulting to UTC.
func (c *Config) Location() (*time.Location, error) {
	if c == nil || c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config.timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with chores config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Scanner.Interval < time.Second {
		return fmt.Errorf("config.scanner.interval must be at least 1s, got %s", c.Scanner.Interval)
	}
	if c.Scanner.TaskBudget <= 0 {
		return fmt.Errorf("config.scanner.task_budget must be positive")
	}
	if c.Scanner.Concurrency < 1 {
		return fmt.Errorf("config.scanner.concurrency must be at least 1")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config.log.format must be text or json, got %q", c.Log.Format)
	}
	d := c.Defaults
	if d.CompletionMode != "" && !d.CompletionMode.Valid() {
		return fmt.Errorf("config.defaults.completion_mode %q is unknown", d.CompletionMode)
	}
	if d.OverduePolicy != "" && !d.OverduePolicy.Valid() {
		return fmt.Errorf("config.defaults.overdue_policy %q is unknown", d.OverduePolicy)
	}
	if d.ApprovalReset != "" && !d.ApprovalReset.Valid() {
		return fmt.Errorf("config.defaults.approval_reset %q is unknown", d.ApprovalReset)
	}
	switch d.PendingClaims {
	case "", domain.PendingHold, domain.PendingClear, domain.PendingAutoApprove:
	default:
		return fmt.Errorf("config.defaults.pending_claims %q is unknown", d.PendingClaims)
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be http(s)", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "chores.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `timezone: UTC

scanner:
  interval: 1m
  task_budget: 5s
  concurrency: 4

log:
  level: info
  format: text
  max_size_mb: 20
  max_backups: 5
  max_age_days: 28

defaults:
  completion_mode: independent
  overdue_policy: at_due_date
  approval_reset: at_midnight_once
  pending_claims: hold

webhooks: []
`
