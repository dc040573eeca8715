package metrics

import (
	"fmt"
	"strings"
)

// Config holds configuration for the metrics endpoint.
type Config struct {
	// Enabled controls whether the HTTP listener starts at all.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Listen is the address the HTTP server binds to.
	Listen string `json:"listen" yaml:"listen"`

	// Path is the URL path the Prometheus handler is mounted on.
	Path string `json:"path" yaml:"path"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		Listen:  ":9090",
		Path:    "/metrics",
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Path == "" || !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path must start with /, got %q", c.Path)
	}
	return nil
}

// GetPath returns the metrics mount path, defaulting to /metrics.
func (c *Config) GetPath() string {
	if c.Path == "" {
		return "/metrics"
	}
	return c.Path
}
