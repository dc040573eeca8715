package metadatacleanup

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Config holds configuration for the metadata-cleanup component.
type Config struct {
	// Schedule is the cron expression for cleanup runs.
	Schedule string `json:"schedule" yaml:"schedule"`

	// RetentionPeriod is how long terminal metadata is kept.
	RetentionPeriod string `json:"retention_period" yaml:"retention_period"`

	// Workflows is the whitelist of workflow names eligible for
	// purging. Workflows not listed are kept forever.
	Workflows []string `json:"workflows" yaml:"workflows"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Schedule:        "0 3 * * *",
		RetentionPeriod: "720h",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Schedule != "" {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return fmt.Errorf("invalid schedule: %w", err)
		}
	}
	if c.RetentionPeriod != "" {
		d, err := time.ParseDuration(c.RetentionPeriod)
		if err != nil {
			return fmt.Errorf("invalid retention_period: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("retention_period must be positive")
		}
	}
	for _, name := range c.Workflows {
		if name == "" {
			return fmt.Errorf("workflows cannot contain an empty name")
		}
	}
	return nil
}

// GetRetentionPeriod returns the retention duration.
// Returns default 720h if unset.
func (c *Config) GetRetentionPeriod() time.Duration {
	if c.RetentionPeriod == "" {
		return 720 * time.Hour
	}
	d, err := time.ParseDuration(c.RetentionPeriod)
	if err != nil || d <= 0 {
		return 720 * time.Hour
	}
	return d
}
