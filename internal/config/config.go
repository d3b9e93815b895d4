package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models propline.yml.
type Config struct {
	Server struct {
		Addr                   string `yaml:"addr"`
		BasePath               string `yaml:"base_path"`
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"server"`
	Runs struct {
		MaxActivePerProperty int    `yaml:"max_active_per_property"`
		StreamPollMillis     int    `yaml:"stream_poll_millis"`
		DefaultWorkflow      string `yaml:"default_workflow"`
	} `yaml:"runs"`
	Exceptions struct {
		NotifySeverities []string `yaml:"notify_severities"`
	} `yaml:"exceptions"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// StreamPollInterval returns the live-stream poll interval with its default.
func (c *Config) StreamPollInterval() time.Duration {
	ms := c.Runs.StreamPollMillis
	if ms <= 0 {
		ms = 500
	}
	return time.Duration(ms) * time.Millisecond
}

// NotifySeverities returns the exception severities that trigger a manager
// notification on raise.
func (c *Config) NotifySeverities() []string {
	if len(c.Exceptions.NotifySeverities) == 0 {
		return []string{"high", "critical"}
	}
	return c.Exceptions.NotifySeverities
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Runs.MaxActivePerProperty < 0 {
		return fmt.Errorf("config.runs.max_active_per_property must be >= 0")
	}
	if c.Runs.StreamPollMillis < 0 {
		return fmt.Errorf("config.runs.stream_poll_millis must be >= 0")
	}
	valid := map[string]bool{"low": true, "medium": true, "high": true, "critical": true}
	for _, s := range c.Exceptions.NotifySeverities {
		if !valid[s] {
			return fmt.Errorf("config.exceptions.notify_severities contains unknown severity %s", s)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must be >= 0", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "propline.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
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

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultTemplate = `server:
  addr: ":8080"
  base_path: /v0
  jwt_secret: ""
  allow_legacy_actor_header: false

runs:
  max_active_per_property: 4
  stream_poll_millis: 500
  default_workflow: maintenance_triage

exceptions:
  notify_severities: [high, critical]

webhooks: []
`
