// Package manifestmanager runs the scheduling tick. Each pass loads a
// snapshot of every manifest, dead-letters the ones whose retries are
// exhausted, and queues work for the ones that are due.
package manifestmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/stepflow/component"
	"github.com/c360studio/stepflow/schedule"
	"github.com/c360studio/stepflow/storage"
)

// Component implements the manifest-manager processor.
type Component struct {
	name   string
	config Config
	stores *storage.Stores
	logger *slog.Logger
	clock  func() time.Time

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}

	// Metrics
	ticksCompleted    atomic.Int64
	tickFailures      atomic.Int64
	manifestsEnqueued atomic.Int64
	manifestsReaped   atomic.Int64
}

var _ component.Component = (*Component)(nil)

// New creates a manifest-manager over the shared stores. A nil clock
// defaults to UTC now.
func New(config Config, stores *storage.Stores, logger *slog.Logger, clock func() time.Time) (*Component, error) {
	defaults := DefaultConfig()
	if config.PollingInterval == "" {
		config.PollingInterval = defaults.PollingInterval
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
		name:   "manifest-manager",
		config: config,
		stores: stores,
		logger: logger,
		clock:  clock,
	}, nil
}

// Name implements component.Component.
func (c *Component) Name() string { return c.name }

// Start begins the polling loop.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.stores == nil {
		c.mu.Unlock()
		return fmt.Errorf("storage stores required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.pollLoop(subCtx)

	c.logger.Info("manifest-manager started",
		"polling_interval", c.config.GetPollingInterval())
	return nil
}

func (c *Component) pollLoop(ctx context.Context) {
	defer close(c.done)

	// First tick runs immediately so a fresh process does not sit
	// idle for a full interval.
	c.runTick(ctx)

	ticker := time.NewTicker(c.config.GetPollingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runTick(ctx)
		}
	}
}

func (c *Component) runTick(ctx context.Context) {
	if err := c.Tick(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.tickFailures.Add(1)
		c.logger.Error("manager tick failed", "error", err)
		return
	}
	c.ticksCompleted.Add(1)
}

// Tick runs one scheduling pass: load the snapshot, reap exhausted
// manifests, then queue work for everything due. Per-manifest failures
// are logged and skipped so one bad manifest cannot stall the rest of
// the schedule.
func (c *Component) Tick(ctx context.Context) error {
	now := c.clock()

	snapshot, err := c.stores.Manifests.LoadSchedulingSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load scheduling snapshot: %w", err)
	}

	c.reap(ctx, snapshot, now)
	c.enqueueDue(ctx, snapshot, now)
	return nil
}

// reap dead-letters manifests whose windowed failure count exceeds
// MaxRetries. Each dead letter persists before due evaluation runs, so
// a failure later in the tick cannot lose one.
func (c *Component) reap(ctx context.Context, snapshot *storage.SchedulingSnapshot, now time.Time) {
	for i := range snapshot.Manifests {
		m := &snapshot.Manifests[i]
		if !m.IsEnabled || snapshot.OpenDeadLetters[m.ID] {
			continue
		}
		failures := snapshot.FailedRuns[m.ID]
		if !schedule.ShouldReap(m, failures) {
			continue
		}

		letter := schedule.NewDeadLetter(m, failures, now)
		if err := c.stores.DeadLetters.Create(ctx, letter); err != nil {
			c.logger.Error("dead letter manifest", "manifest", m.ExternalID, "error", err)
			continue
		}
		snapshot.OpenDeadLetters[m.ID] = true
		c.manifestsReaped.Add(1)
		c.logger.Warn("manifest dead lettered",
			"manifest", m.ExternalID,
			"failures", failures,
			"max_retries", m.MaxRetries)
	}
}

// enqueueDue queues work for enabled manifests that are due and have
// neither an open dead letter nor in-flight work.
func (c *Component) enqueueDue(ctx context.Context, snapshot *storage.SchedulingSnapshot, now time.Time) {
	for i := range snapshot.Manifests {
		m := &snapshot.Manifests[i]
		if !m.IsEnabled || snapshot.OpenDeadLetters[m.ID] || snapshot.OpenWork[m.ID] {
			continue
		}

		due, err := schedule.IsDue(m, snapshot, now)
		if err != nil {
			c.logger.Error("evaluate manifest schedule", "manifest", m.ExternalID, "error", err)
			continue
		}
		if !due {
			continue
		}

		priority := storage.MinPriority
		if m.Group != nil {
			priority = m.Group.Priority
		}
		item := &storage.WorkQueue{
			WorkflowName:  m.Name,
			Input:         m.Properties,
			InputTypeName: m.PropertyType,
			Status:        storage.WorkQueueStatusQueued,
			CreatedAt:     now,
			Priority:      priority,
			ManifestID:    &m.ID,
		}
		if err := c.stores.WorkQueues.Enqueue(ctx, item); err != nil {
			c.logger.Error("enqueue manifest work", "manifest", m.ExternalID, "error", err)
			continue
		}
		snapshot.OpenWork[m.ID] = true
		c.manifestsEnqueued.Add(1)
		c.logger.Info("manifest work queued",
			"manifest", m.ExternalID,
			"workflow", m.Name,
			"schedule", m.ScheduleType)
	}
}

// Stop cancels the loop and waits up to timeout for the current tick
// to finish.
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
	done := c.done
	c.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(timeout):
			return fmt.Errorf("manifest-manager did not stop within %s", timeout)
		}
	}

	c.logger.Info("manifest-manager stopped",
		"ticks_completed", c.ticksCompleted.Load(),
		"manifests_enqueued", c.manifestsEnqueued.Load(),
		"manifests_reaped", c.manifestsReaped.Load(),
		"tick_failures", c.tickFailures.Load())
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
		ErrorCount: int(c.tickFailures.Load()),
		Uptime:     uptime,
	}
}

// IsRunning reports whether the polling loop is active.
func (c *Component) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// TicksCompleted returns the number of successful scheduling passes.
func (c *Component) TicksCompleted() int64 { return c.ticksCompleted.Load() }

// ManifestsEnqueued returns the number of work queue items created.
func (c *Component) ManifestsEnqueued() int64 { return c.manifestsEnqueued.Load() }

// ManifestsReaped returns the number of dead letters created.
func (c *Component) ManifestsReaped() int64 { return c.manifestsReaped.Load() }
