// Package metadatacleanup purges terminal workflow metadata past its
// retention period. Only whitelisted workflow names are touched; each
// purge removes the metadata rows together with their work queue
// items, logs, and step metadata in one transaction.
package metadatacleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/c360studio/stepflow/component"
	"github.com/c360studio/stepflow/storage"
)

// Component implements the metadata-cleanup processor.
type Component struct {
	name        string
	config      Config
	maintenance storage.MaintenanceStore
	logger      *slog.Logger
	clock       func() time.Time

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	cron      *cron.Cron

	// Metrics
	cleanupsCompleted atomic.Int64
	cleanupFailures   atomic.Int64
	rowsPurged        atomic.Int64
}

var _ component.Component = (*Component)(nil)

// New creates a metadata-cleanup component over the maintenance store.
func New(config Config, maintenance storage.MaintenanceStore, logger *slog.Logger, clock func() time.Time) (*Component, error) {
	defaults := DefaultConfig()
	if config.Schedule == "" {
		config.Schedule = defaults.Schedule
	}
	if config.RetentionPeriod == "" {
		config.RetentionPeriod = defaults.RetentionPeriod
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}

	return &Component{
		name:        "metadata-cleanup",
		config:      config,
		maintenance: maintenance,
		logger:      logger,
		clock:       clock,
	}, nil
}

// Name implements component.Component.
func (c *Component) Name() string { return c.name }

// Start schedules the cleanup job. A run that overlaps the next fire
// time is skipped rather than stacked.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.maintenance == nil {
		c.mu.Unlock()
		return fmt.Errorf("maintenance store required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	cronLogger := &slogCronLogger{logger: c.logger}
	c.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger)))
	c.mu.Unlock()

	if _, err := c.cron.AddFunc(c.config.Schedule, func() { c.runScheduled(subCtx) }); err != nil {
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	c.cron.Start()

	if len(c.config.Workflows) == 0 {
		c.logger.Warn("metadata-cleanup has no workflows whitelisted; runs will purge nothing")
	}
	c.logger.Info("metadata-cleanup started",
		"schedule", c.config.Schedule,
		"retention_period", c.config.GetRetentionPeriod(),
		"workflows", c.config.Workflows)
	return nil
}

func (c *Component) runScheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	stats, err := c.Cleanup(ctx)
	if err != nil {
		c.cleanupFailures.Add(1)
		c.logger.Error("cleanup run failed", "error", err)
		return
	}
	c.cleanupsCompleted.Add(1)
	c.rowsPurged.Add(stats.Total())
}

// Cleanup purges terminal metadata older than the retention period for
// every whitelisted workflow and returns the combined stats. A failing
// workflow does not stop the others; the errors are joined.
func (c *Component) Cleanup(ctx context.Context) (storage.MaintenanceStats, error) {
	cutoff := c.clock().Add(-c.config.GetRetentionPeriod())

	var total storage.MaintenanceStats
	var errs []error
	for _, name := range c.config.Workflows {
		stats, err := c.maintenance.PurgeTerminalMetadata(ctx, name, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("purge %q: %w", name, err))
			continue
		}
		total.WorkQueues += stats.WorkQueues
		total.Logs += stats.Logs
		total.StepMetadata += stats.StepMetadata
		total.Metadata += stats.Metadata

		if stats.Total() > 0 {
			c.logger.Info("metadata purged",
				"workflow", name,
				"metadata", stats.Metadata,
				"work_queue", stats.WorkQueues,
				"logs", stats.Logs,
				"step_metadata", stats.StepMetadata)
		}
	}
	return total, errors.Join(errs...)
}

// Stop halts the schedule and waits up to timeout for a running
// cleanup to finish.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	if c.cancel != nil {
		c.cancel()
	}
	cronRunner := c.cron
	c.mu.Unlock()

	if cronRunner != nil {
		stopCtx := cronRunner.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(timeout):
			return fmt.Errorf("metadata-cleanup did not stop within %s", timeout)
		}
	}

	c.logger.Info("metadata-cleanup stopped",
		"cleanups_completed", c.cleanupsCompleted.Load(),
		"cleanup_failures", c.cleanupFailures.Load(),
		"rows_purged", c.rowsPurged.Load())
	return nil
}

// Health implements component.Component.
func (c *Component) Health() component.Health {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	uptime := time.Duration(0)
	if running {
		status = "running"
		uptime = time.Since(startTime)
	}

	return component.Health{
		Healthy:    running,
		Status:     status,
		LastCheck:  time.Now(),
		ErrorCount: int(c.cleanupFailures.Load()),
		Uptime:     uptime,
	}
}

// IsRunning reports whether the schedule is active.
func (c *Component) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// CleanupsCompleted returns the number of successful cleanup runs.
func (c *Component) CleanupsCompleted() int64 { return c.cleanupsCompleted.Load() }

// RowsPurged returns the total rows removed across all runs.
func (c *Component) RowsPurged() int64 { return c.rowsPurged.Load() }

// slogCronLogger adapts slog to the cron logger interface.
type slogCronLogger struct {
	logger *slog.Logger
}

func (l *slogCronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l *slogCronLogger) Error(err error, msg string, keysAndValues ...any) {
	args := append([]any{"error", err}, keysAndValues...)
	l.logger.Error("cron: "+msg, args...)
}
