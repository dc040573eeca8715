package taskserver

import (
	"fmt"
	"time"
)

// Server kinds selectable through Config.Kind.
const (
	// KindDurable runs workflows from leased background_job rows.
	KindDurable = "durable"
	// KindMemory runs workflows from an in-process queue.
	KindMemory = "memory"
)

// Config holds configuration for the task-server component.
type Config struct {
	// Kind selects the queue backing the server. Empty means durable.
	Kind string `json:"kind" yaml:"kind"`

	// Workers is the number of claiming goroutines.
	Workers int `json:"workers" yaml:"workers"`

	// PollingInterval is how long an idle worker sleeps between
	// claim attempts.
	PollingInterval string `json:"polling_interval" yaml:"polling_interval"`

	// VisibilityTimeout is how long a claimed job stays invisible
	// before a crashed worker's lease ages out.
	VisibilityTimeout string `json:"visibility_timeout" yaml:"visibility_timeout"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Kind:              KindDurable,
		Workers:           4,
		PollingInterval:   "5s",
		VisibilityTimeout: "5m",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Kind {
	case "", KindDurable, KindMemory:
	default:
		return fmt.Errorf("kind must be %q or %q, got %q", KindDurable, KindMemory, c.Kind)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.Workers > 64 {
		return fmt.Errorf("workers cannot exceed 64")
	}
	if c.PollingInterval != "" {
		d, err := time.ParseDuration(c.PollingInterval)
		if err != nil {
			return fmt.Errorf("invalid polling_interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("polling_interval must be positive")
		}
	}
	if c.VisibilityTimeout != "" {
		d, err := time.ParseDuration(c.VisibilityTimeout)
		if err != nil {
			return fmt.Errorf("invalid visibility_timeout: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("visibility_timeout must be positive")
		}
	}
	return nil
}

// GetKind returns the configured server kind, defaulting to durable.
func (c *Config) GetKind() string {
	if c.Kind == "" {
		return KindDurable
	}
	return c.Kind
}

// GetPollingInterval returns the idle sleep duration.
// Returns default 5s if unset.
func (c *Config) GetPollingInterval() time.Duration {
	if c.PollingInterval == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(c.PollingInterval)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// GetVisibilityTimeout returns the claim lease duration.
// Returns default 5m if unset.
func (c *Config) GetVisibilityTimeout() time.Duration {
	if c.VisibilityTimeout == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(c.VisibilityTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}
