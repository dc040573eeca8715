// Package config provides configuration loading and management for
// stepflow. Configuration layers from defaults through the user file
// to the project file; every processor section delegates validation
// to the package that consumes it.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/stepflow/effect"
	"github.com/c360studio/stepflow/metrics"
	jobdispatcher "github.com/c360studio/stepflow/processor/job-dispatcher"
	manifestmanager "github.com/c360studio/stepflow/processor/manifest-manager"
	metadatacleanup "github.com/c360studio/stepflow/processor/metadata-cleanup"
	taskserver "github.com/c360studio/stepflow/processor/task-server"
	"github.com/c360studio/stepflow/storage"
)

// Config represents the complete stepflow configuration.
type Config struct {
	Database   storage.Config         `yaml:"database"`
	Manager    manifestmanager.Config `yaml:"manager"`
	Dispatcher jobdispatcher.Config   `yaml:"dispatcher"`
	TaskServer taskserver.Config      `yaml:"task_server"`
	Cleanup    metadatacleanup.Config `yaml:"cleanup"`
	Workflow   WorkflowConfig         `yaml:"workflow"`
	Events     EventsConfig           `yaml:"events"`
	Metrics    metrics.Config         `yaml:"metrics"`
	Logging    LoggingConfig          `yaml:"logging"`
}

// WorkflowConfig tunes the execution engine shared by every runner.
type WorkflowConfig struct {
	// SerializeStepData snapshots each step's output as a
	// step_metadata row when the step finishes.
	SerializeStepData bool `yaml:"serialize_step_data"`
	// StepLogLevel is the minimum level for per-step transition logs.
	StepLogLevel string `yaml:"step_log_level"`
	// JSON is the serialization policy for run parameters and step data.
	JSON effect.JSONOptions `yaml:"json"`
}

// Validate checks the workflow settings.
func (c *WorkflowConfig) Validate() error {
	if c.StepLogLevel != "" {
		if _, err := parseLevel(c.StepLogLevel); err != nil {
			return fmt.Errorf("invalid step_log_level: %w", err)
		}
	}
	return nil
}

// GetStepLogLevel parses the configured level, falling back to info.
func (c *WorkflowConfig) GetStepLogLevel() slog.Level {
	if c.StepLogLevel == "" {
		return slog.LevelInfo
	}
	level, err := parseLevel(c.StepLogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// EventsConfig configures lifecycle event publishing over NATS.
type EventsConfig struct {
	// Enabled controls whether runs publish workflow and step events.
	Enabled bool `yaml:"enabled"`
	// URL is the NATS server URL.
	URL string `yaml:"url"`
	// SubjectPrefix is prepended to every published subject.
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Validate checks the event settings.
func (c *EventsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if c.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix is required")
	}
	if strings.HasSuffix(c.SubjectPrefix, ".") {
		return fmt.Errorf("subject_prefix must not end with a dot, got %q", c.SubjectPrefix)
	}
	return nil
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is the minimum level emitted (debug, info, warn, error).
	Level string `yaml:"level"`
	// Format selects the handler: text or json.
	Format string `yaml:"format"`
}

// Validate checks the logging settings.
func (c *LoggingConfig) Validate() error {
	if c.Level != "" {
		if _, err := parseLevel(c.Level); err != nil {
			return fmt.Errorf("invalid level: %w", err)
		}
	}
	switch c.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("format must be text or json, got %q", c.Format)
	}
	return nil
}

// GetLevel parses the configured level, falling back to info.
func (c *LoggingConfig) GetLevel() slog.Level {
	if c.Level == "" {
		return slog.LevelInfo
	}
	level, err := parseLevel(c.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return level, nil
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Database:   storage.DefaultConfig(),
		Manager:    manifestmanager.DefaultConfig(),
		Dispatcher: jobdispatcher.DefaultConfig(),
		TaskServer: taskserver.DefaultConfig(),
		Cleanup:    metadatacleanup.DefaultConfig(),
		Workflow: WorkflowConfig{
			SerializeStepData: true,
			StepLogLevel:      "info",
		},
		Events: EventsConfig{
			Enabled:       false,
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "stepflow",
		},
		Metrics: metrics.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Manager.Validate(); err != nil {
		return fmt.Errorf("manager: %w", err)
	}
	if err := c.Dispatcher.Validate(); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	if err := c.TaskServer.Validate(); err != nil {
		return fmt.Errorf("task_server: %w", err)
	}
	if err := c.Cleanup.Validate(); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	if err := c.Workflow.Validate(); err != nil {
		return fmt.Errorf("workflow: %w", err)
	}
	if err := c.Events.Validate(); err != nil {
		return fmt.Errorf("events: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file, layered over the
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
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

// Merge merges another config into this one; other takes precedence
// for non-zero values.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Database
	if other.Database.Host != "" {
		c.Database.Host = other.Database.Host
	}
	if other.Database.Port != 0 {
		c.Database.Port = other.Database.Port
	}
	if other.Database.User != "" {
		c.Database.User = other.Database.User
	}
	if other.Database.Password != "" {
		c.Database.Password = other.Database.Password
	}
	if other.Database.Database != "" {
		c.Database.Database = other.Database.Database
	}
	if other.Database.SSLMode != "" {
		c.Database.SSLMode = other.Database.SSLMode
	}
	if other.Database.MaxOpenConns != 0 {
		c.Database.MaxOpenConns = other.Database.MaxOpenConns
	}
	if other.Database.MaxIdleConns != 0 {
		c.Database.MaxIdleConns = other.Database.MaxIdleConns
	}
	if other.Database.ConnMaxLifetime != "" {
		c.Database.ConnMaxLifetime = other.Database.ConnMaxLifetime
	}
	if other.Database.LogQueries {
		c.Database.LogQueries = true
	}

	// Manager
	if other.Manager.PollingInterval != "" {
		c.Manager.PollingInterval = other.Manager.PollingInterval
	}

	// Dispatcher
	if other.Dispatcher.PollingInterval != "" {
		c.Dispatcher.PollingInterval = other.Dispatcher.PollingInterval
	}
	if other.Dispatcher.GlobalMaxActiveJobs != 0 {
		c.Dispatcher.GlobalMaxActiveJobs = other.Dispatcher.GlobalMaxActiveJobs
	}

	// Task server
	if other.TaskServer.Kind != "" {
		c.TaskServer.Kind = other.TaskServer.Kind
	}
	if other.TaskServer.Workers != 0 {
		c.TaskServer.Workers = other.TaskServer.Workers
	}
	if other.TaskServer.PollingInterval != "" {
		c.TaskServer.PollingInterval = other.TaskServer.PollingInterval
	}
	if other.TaskServer.VisibilityTimeout != "" {
		c.TaskServer.VisibilityTimeout = other.TaskServer.VisibilityTimeout
	}

	// Cleanup
	if other.Cleanup.Schedule != "" {
		c.Cleanup.Schedule = other.Cleanup.Schedule
	}
	if other.Cleanup.RetentionPeriod != "" {
		c.Cleanup.RetentionPeriod = other.Cleanup.RetentionPeriod
	}
	if len(other.Cleanup.Workflows) > 0 {
		c.Cleanup.Workflows = other.Cleanup.Workflows
	}

	// Workflow
	if other.Workflow.SerializeStepData {
		c.Workflow.SerializeStepData = true
	}
	if other.Workflow.StepLogLevel != "" {
		c.Workflow.StepLogLevel = other.Workflow.StepLogLevel
	}
	if other.Workflow.JSON.Indent {
		c.Workflow.JSON.Indent = true
	}
	if other.Workflow.JSON.EscapeHTML {
		c.Workflow.JSON.EscapeHTML = true
	}

	// Events
	if other.Events.URL != "" {
		c.Events.URL = other.Events.URL
	}
	if other.Events.SubjectPrefix != "" {
		c.Events.SubjectPrefix = other.Events.SubjectPrefix
	}
	if other.Events.Enabled {
		c.Events.Enabled = true
	}

	// Metrics
	if other.Metrics.Listen != "" {
		c.Metrics.Listen = other.Metrics.Listen
	}
	if other.Metrics.Path != "" {
		c.Metrics.Path = other.Metrics.Path
	}

	// Logging
	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.Format != "" {
		c.Logging.Format = other.Logging.Format
	}
}
