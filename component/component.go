// Package component defines the lifecycle contract the scheduler's
// long-running pieces implement, and the registry that starts and
// stops them as a unit.
package component

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Health is a point-in-time snapshot of a component's state.
type Health struct {
	Healthy    bool          `json:"healthy"`
	Status     string        `json:"status"`
	LastCheck  time.Time     `json:"last_check"`
	ErrorCount int           `json:"error_count"`
	Uptime     time.Duration `json:"uptime"`
}

// Component is a long-running piece of the scheduler: a processor
// loop, the task server, the metrics endpoint. Start must not block;
// Stop waits up to timeout for the component's work to drain.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Health() Health
}

// Registry starts components in registration order and stops them in
// reverse.
type Registry struct {
	mu         sync.Mutex
	components []Component
	started    []Component
	logger     *slog.Logger
}

// NewRegistry creates an empty registry. A nil logger falls back to
// the default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Add registers components in start order.
func (r *Registry) Add(components ...Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components = append(r.components, components...)
}

// StartAll starts every component in order. When one fails, the
// already started components are stopped in reverse before the error
// returns.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.components {
		if err := c.Start(ctx); err != nil {
			r.logger.Error("component failed to start", "component", c.Name(), "error", err)
			r.rollback()
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		r.started = append(r.started, c)
		r.logger.Info("component started", "component", c.Name())
	}
	return nil
}

// rollback must be called with the lock held.
func (r *Registry) rollback() {
	for i := len(r.started) - 1; i >= 0; i-- {
		c := r.started[i]
		if err := c.Stop(5 * time.Second); err != nil {
			r.logger.Error("component failed to stop during rollback", "component", c.Name(), "error", err)
		}
	}
	r.started = nil
}

// StopAll stops started components in reverse order, giving each up
// to timeout. All stop errors are joined.
func (r *Registry) StopAll(timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for i := len(r.started) - 1; i >= 0; i-- {
		c := r.started[i]
		if err := c.Stop(timeout); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", c.Name(), err))
			r.logger.Error("component failed to stop", "component", c.Name(), "error", err)
			continue
		}
		r.logger.Info("component stopped", "component", c.Name())
	}
	r.started = nil
	return errors.Join(errs...)
}

// Health reports every registered component's health keyed by name.
func (r *Registry) Health() map[string]Health {
	r.mu.Lock()
	defer r.mu.Unlock()

	health := make(map[string]Health, len(r.components))
	for _, c := range r.components {
		health[c.Name()] = c.Health()
	}
	return health
}
