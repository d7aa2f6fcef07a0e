// Package config provides configuration loading and management for Garage.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/garage/llm"
	_ "github.com/c360studio/garage/llm/providers" // registers the provider ids Validate checks against
	"github.com/c360studio/garage/workflow"
)

// Storage backends.
const (
	StorageFile = "file"
	StorageNATS = "nats"
)

// Config represents the complete Garage configuration
type Config struct {
	Providers map[string]ProviderConfig `yaml:"providers,omitempty"`
	Workflow  WorkflowConfig            `yaml:"workflow"`
	Storage   StorageConfig             `yaml:"storage"`
	NATS      NATSConfig                `yaml:"nats"`
	Metrics   MetricsConfig             `yaml:"metrics"`
	LogLevel  string                    `yaml:"log_level"`
}

// ProviderConfig overrides the built-in settings of one provider
type ProviderConfig struct {
	// BaseURL replaces the public API endpoint (e.g., a proxy or mock server)
	BaseURL string `yaml:"base_url,omitempty"`
	// DefaultModel is used when a connection has no model selected
	DefaultModel string `yaml:"default_model,omitempty"`
	// MaxTokens caps the completion length (0 = provider adapter default)
	MaxTokens int `yaml:"max_tokens,omitempty"`
	// Temperature controls randomness (unset = provider default)
	Temperature *float64 `yaml:"temperature,omitempty"`
}

// Settings converts the override into client settings.
func (p ProviderConfig) Settings() llm.Settings {
	return llm.Settings{
		BaseURL:      p.BaseURL,
		DefaultModel: p.DefaultModel,
		MaxTokens:    p.MaxTokens,
		Temperature:  p.Temperature,
	}
}

// WorkflowConfig configures workflow runs
type WorkflowConfig struct {
	// StageDelay is the pause before a completed stage starts the next one
	// (e.g., "1s"; "0" advances immediately)
	StageDelay string `yaml:"stage_delay"`
	// DefaultTemplate is the template used when none is given
	DefaultTemplate string `yaml:"default_template"`
}

// GetStageDelay returns the stage delay as a duration.
func (w WorkflowConfig) GetStageDelay() time.Duration {
	if w.StageDelay == "" {
		return workflow.DefaultStageDelay
	}
	d, err := time.ParseDuration(w.StageDelay)
	if err != nil {
		return workflow.DefaultStageDelay
	}
	return d
}

// StorageConfig configures where connections and history are kept
type StorageConfig struct {
	// Backend is "file" or "nats"
	Backend string `yaml:"backend"`
	// Dir is the data directory (empty = ~/.local/share/garage)
	Dir string `yaml:"dir,omitempty"`
}

// DataDir returns the configured data directory or the per-user default.
func (s StorageConfig) DataDir() string {
	if s.Dir != "" {
		return s.Dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".garage"
	}
	return filepath.Join(home, ".local", "share", "garage")
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = no NATS unless Embedded)
	URL string `yaml:"url,omitempty"`
	// Embedded runs an in-process NATS server with JetStream
	Embedded bool `yaml:"embedded"`
	// SubjectPrefix is the root of every published subject
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Enabled reports whether a NATS connection is configured.
func (n NATSConfig) Enabled() bool {
	return n.URL != "" || n.Embedded
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `yaml:"addr,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{},
		Workflow: WorkflowConfig{
			StageDelay:      workflow.DefaultStageDelay.String(),
			DefaultTemplate: workflow.DefaultTemplate,
		},
		Storage: StorageConfig{
			Backend: StorageFile,
		},
		NATS: NATSConfig{
			SubjectPrefix: "garage",
		},
		LogLevel: "info",
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	for id, p := range c.Providers {
		if llm.GetProvider(id) == nil {
			return fmt.Errorf("providers.%s: unknown provider (known: %s)", id, strings.Join(llm.ListProviders(), ", "))
		}
		if p.MaxTokens < 0 {
			return fmt.Errorf("providers.%s.max_tokens must not be negative", id)
		}
		if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
			return fmt.Errorf("providers.%s.temperature must be between 0 and 2", id)
		}
	}
	if c.Workflow.StageDelay != "" {
		d, err := time.ParseDuration(c.Workflow.StageDelay)
		if err != nil {
			return fmt.Errorf("workflow.stage_delay: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("workflow.stage_delay must not be negative")
		}
	}
	if _, err := workflow.GetTemplate(c.Workflow.DefaultTemplate); err != nil {
		return fmt.Errorf("workflow.default_template: %w", err)
	}
	switch c.Storage.Backend {
	case StorageFile:
	case StorageNATS:
		if !c.NATS.Enabled() {
			return fmt.Errorf("storage.backend nats requires nats.url or nats.embedded")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q", StorageFile, StorageNATS)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := decodeFile(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

// decodeFile unmarshals the YAML file at path into config.
func decodeFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Providers merge field by field so a layer can override one setting
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	for id, p := range other.Providers {
		merged := c.Providers[id]
		if p.BaseURL != "" {
			merged.BaseURL = p.BaseURL
		}
		if p.DefaultModel != "" {
			merged.DefaultModel = p.DefaultModel
		}
		if p.MaxTokens != 0 {
			merged.MaxTokens = p.MaxTokens
		}
		if p.Temperature != nil {
			t := *p.Temperature
			merged.Temperature = &t
		}
		c.Providers[id] = merged
	}

	// Workflow
	if other.Workflow.StageDelay != "" {
		c.Workflow.StageDelay = other.Workflow.StageDelay
	}
	if other.Workflow.DefaultTemplate != "" {
		c.Workflow.DefaultTemplate = other.Workflow.DefaultTemplate
	}

	// Storage
	if other.Storage.Backend != "" {
		c.Storage.Backend = other.Storage.Backend
	}
	if other.Storage.Dir != "" {
		c.Storage.Dir = other.Storage.Dir
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.Embedded {
		c.NATS.Embedded = true
	}
	if other.NATS.SubjectPrefix != "" {
		c.NATS.SubjectPrefix = other.NATS.SubjectPrefix
	}

	// Metrics
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}

	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
}
