package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Database.Host != "localhost" {
		t.Errorf("expected default host localhost, got %s", cfg.Database.Host)
	}
	if cfg.Database.Port != 5432 {
		t.Errorf("expected default port 5432, got %d", cfg.Database.Port)
	}
	if cfg.TaskServer.Kind != "durable" {
		t.Errorf("expected default task server kind durable, got %s", cfg.TaskServer.Kind)
	}
	if cfg.TaskServer.Workers != 4 {
		t.Errorf("expected default workers 4, got %d", cfg.TaskServer.Workers)
	}
	if cfg.Cleanup.Schedule != "0 3 * * *" {
		t.Errorf("expected default cleanup schedule 0 3 * * *, got %s", cfg.Cleanup.Schedule)
	}
	if !cfg.Workflow.SerializeStepData {
		t.Error("expected step data serialization by default")
	}
	if cfg.Events.Enabled {
		t.Error("expected events disabled by default")
	}
	if !cfg.Metrics.Enabled {
		t.Error("expected metrics enabled by default")
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Logging.Level)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing database host",
			modify:  func(c *Config) { c.Database.Host = "" },
			wantErr: true,
		},
		{
			name:    "unknown task server kind",
			modify:  func(c *Config) { c.TaskServer.Kind = "paper" },
			wantErr: true,
		},
		{
			name:    "bad cleanup schedule",
			modify:  func(c *Config) { c.Cleanup.Schedule = "not a cron" },
			wantErr: true,
		},
		{
			name:    "negative dispatcher cap",
			modify:  func(c *Config) { c.Dispatcher.GlobalMaxActiveJobs = -1 },
			wantErr: true,
		},
		{
			name:    "bad step log level",
			modify:  func(c *Config) { c.Workflow.StepLogLevel = "loud" },
			wantErr: true,
		},
		{
			name: "events enabled without url",
			modify: func(c *Config) {
				c.Events.Enabled = true
				c.Events.URL = ""
			},
			wantErr: true,
		},
		{
			name: "events subject prefix with trailing dot",
			modify: func(c *Config) {
				c.Events.Enabled = true
				c.Events.SubjectPrefix = "stepflow."
			},
			wantErr: true,
		},
		{
			name: "events enabled with defaults",
			modify: func(c *Config) {
				c.Events.Enabled = true
			},
			wantErr: false,
		},
		{
			name:    "bad logging format",
			modify:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	// Create temp file with config
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
database:
  host: "db.internal"
  port: 5433
  password: "secret"
manager:
  polling_interval: "10s"
task_server:
  kind: "memory"
  workers: 8
workflow:
  step_log_level: "debug"
  json:
    indent: true
events:
  enabled: true
  url: "nats://queue:4222"
  subject_prefix: "flows"
logging:
  level: "warn"
  format: "json"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Database.Host != "db.internal" {
		t.Errorf("expected host db.internal, got %s", cfg.Database.Host)
	}
	if cfg.Database.Port != 5433 {
		t.Errorf("expected port 5433, got %d", cfg.Database.Port)
	}
	// Defaults fill in what the file does not set
	if cfg.Database.User != "stepflow" {
		t.Errorf("expected default user stepflow, got %s", cfg.Database.User)
	}
	if cfg.Manager.PollingInterval != "10s" {
		t.Errorf("expected manager interval 10s, got %s", cfg.Manager.PollingInterval)
	}
	if cfg.TaskServer.Kind != "memory" {
		t.Errorf("expected task server kind memory, got %s", cfg.TaskServer.Kind)
	}
	if cfg.TaskServer.Workers != 8 {
		t.Errorf("expected 8 workers, got %d", cfg.TaskServer.Workers)
	}
	if cfg.Workflow.GetStepLogLevel() != slog.LevelDebug {
		t.Errorf("expected step log level debug, got %v", cfg.Workflow.GetStepLogLevel())
	}
	if !cfg.Workflow.JSON.Indent {
		t.Error("expected JSON indenting enabled")
	}
	if !cfg.Events.Enabled {
		t.Error("expected events enabled")
	}
	if cfg.Events.URL != "nats://queue:4222" {
		t.Errorf("expected events URL nats://queue:4222, got %s", cfg.Events.URL)
	}
	if cfg.Events.SubjectPrefix != "flows" {
		t.Errorf("expected subject prefix flows, got %s", cfg.Events.SubjectPrefix)
	}
	if cfg.Logging.GetLevel() != slog.LevelWarn {
		t.Errorf("expected log level warn, got %v", cfg.Logging.GetLevel())
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("expected log format json, got %s", cfg.Logging.Format)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{}
	override.Database.Host = "override-host"
	override.TaskServer.Kind = "memory"
	override.Logging.Level = "debug"
	override.Events.Enabled = true

	base.Merge(override)

	if base.Database.Host != "override-host" {
		t.Errorf("expected host override-host, got %s", base.Database.Host)
	}
	// User should remain from base since override didn't set it
	if base.Database.User != "stepflow" {
		t.Errorf("expected user to remain default, got %s", base.Database.User)
	}
	if base.TaskServer.Kind != "memory" {
		t.Errorf("expected task server kind memory, got %s", base.TaskServer.Kind)
	}
	if base.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", base.Logging.Level)
	}
	if !base.Events.Enabled {
		t.Error("expected events enabled after merge")
	}
	// Zero values in the override never clear base settings
	if !base.Workflow.SerializeStepData {
		t.Error("expected step data serialization to remain enabled")
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Database.Host = "saved-host"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	// Load and verify
	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Database.Host != "saved-host" {
		t.Errorf("expected host saved-host, got %s", loaded.Database.Host)
	}
}

func TestStepLogLevelFallback(t *testing.T) {
	c := WorkflowConfig{}
	if c.GetStepLogLevel() != slog.LevelInfo {
		t.Errorf("expected info for empty level, got %v", c.GetStepLogLevel())
	}
	c.StepLogLevel = "error"
	if c.GetStepLogLevel() != slog.LevelError {
		t.Errorf("expected error level, got %v", c.GetStepLogLevel())
	}
	c.StepLogLevel = "shouting"
	if c.GetStepLogLevel() != slog.LevelInfo {
		t.Errorf("expected info for unparseable level, got %v", c.GetStepLogLevel())
	}
}

func TestLoaderEnvConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "explicit.yaml")

	content := "database:\n  host: \"env-host\"\n"
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv(EnvConfigPath, configPath)

	cfg, err := NewLoader(nil).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Host != "env-host" {
		t.Errorf("expected host env-host, got %s", cfg.Database.Host)
	}
}

func TestLoaderEnvConfigMissing(t *testing.T) {
	t.Setenv(EnvConfigPath, filepath.Join(t.TempDir(), "absent.yaml"))

	if _, err := NewLoader(nil).Load(); err == nil {
		t.Error("expected error for missing explicit config")
	}
}
