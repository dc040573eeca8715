package manifestmanager

import (
	"fmt"
	"time"
)

// Config holds configuration for the manifest-manager component.
type Config struct {
	// PollingInterval is how often the scheduling tick runs.
	PollingInterval string `json:"polling_interval" yaml:"polling_interval"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		PollingInterval: "15s",
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
	return nil
}

// GetPollingInterval returns the polling interval duration.
// Returns default 15s if unset.
func (c *Config) GetPollingInterval() time.Duration {
	if c.PollingInterval == "" {
		return 15 * time.Second
	}
	d, err := time.ParseDuration(c.PollingInterval)
	if err != nil || d <= 0 {
		return 15 * time.Second
	}
	return d
}
