package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models pactline.yml.
type Config struct {
	Workspace struct {
		DefaultCurrency string `yaml:"default_currency"`
		ContentDir      string `yaml:"content_dir"`
	} `yaml:"workspace"`
	Ledger struct {
		Endpoint      string `yaml:"endpoint"`
		APIToken      string `yaml:"api_token"`
		MaxAttempts   int    `yaml:"max_attempts"`
		BackoffBaseMS int    `yaml:"backoff_base_ms"`
		TimeoutMS     int    `yaml:"timeout_ms"`
	} `yaml:"ledger"`
	Scheduler struct {
		TickSeconds int `yaml:"tick_seconds"`
		Parallelism int `yaml:"parallelism"`
	} `yaml:"scheduler"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.DefaultCurrency == "" {
		return fmt.Errorf("config.workspace.default_currency is required")
	}
	if len(c.Workspace.DefaultCurrency) != 3 {
		return fmt.Errorf("config.workspace.default_currency must be an ISO 4217 code")
	}
	if c.Ledger.MaxAttempts < 1 {
		return fmt.Errorf("config.ledger.max_attempts must be at least 1")
	}
	if c.Ledger.BackoffBaseMS < 0 {
		return fmt.Errorf("config.ledger.backoff_base_ms must not be negative")
	}
	if c.Scheduler.TickSeconds < 1 {
		return fmt.Errorf("config.scheduler.tick_seconds must be at least 1")
	}
	if c.Scheduler.Parallelism < 1 {
		return fmt.Errorf("config.scheduler.parallelism must be at least 1")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "pactline.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields are
// filled from defaults before validation.
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

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `workspace:
  default_currency: EUR
  content_dir: content

ledger:
  endpoint: ""
  api_token: ""
  max_attempts: 4
  backoff_base_ms: 250
  timeout_ms: 5000

scheduler:
  tick_seconds: 30
  parallelism: 4

webhooks: []
`
