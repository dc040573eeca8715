package jobdispatcher

import (
	"fmt"
	"time"
)

// Config holds configuration for the job-dispatcher component.
type Config struct {
	// PollingInterval is how often the dispatch tick runs.
	PollingInterval string `json:"polling_interval" yaml:"polling_interval"`

	// GlobalMaxActiveJobs caps in-flight jobs per group regardless of
	// the group's own limit. Zero means no global cap.
	GlobalMaxActiveJobs int `json:"global_max_active_jobs" yaml:"global_max_active_jobs"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		PollingInterval:     "2s",
		GlobalMaxActiveJobs: 0,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.PollingInterval != "" {
		d, err := time.ParseDuration(c.PollingInterval)
		if err != nil {
			return fmt.Errorf("invalid polling_interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("polling_interval must be positive")
		}
	}
	if c.GlobalMaxActiveJobs < 0 {
		return fmt.Errorf("global_max_active_jobs cannot be negative")
	}
	return nil
}

// GetPollingInterval returns the polling interval duration.
// Returns default 2s if unset.
func (c *Config) GetPollingInterval() time.Duration {
	if c.PollingInterval == "" {
		return 2 * time.Second
	}
	d, err := time.ParseDuration(c.PollingInterval)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}
