// Package jobdispatcher moves queued work into execution. Each tick
// walks the queue in dispatch order and, within group capacity, turns
// every item into a Pending metadata row plus a background job.
package jobdispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/stepflow/component"
	"github.com/c360studio/stepflow/storage"
)

// Component implements the job-dispatcher processor.
type Component struct {
	name    string
	config  Config
	stores  *storage.Stores
	enqueue storage.EnqueueFunc
	logger  *slog.Logger
	clock   func() time.Time

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}

	// Metrics
	ticksCompleted   atomic.Int64
	tickFailures     atomic.Int64
	jobsDispatched   atomic.Int64
	dispatchFailures atomic.Int64
	queueDepth       atomic.Int64
}

var _ component.Component = (*Component)(nil)

// New creates a job-dispatcher over the shared stores. Dispatched jobs
// are handed to enqueue inside the dispatch transaction.
func New(config Config, stores *storage.Stores, enqueue storage.EnqueueFunc, logger *slog.Logger, clock func() time.Time) (*Component, error) {
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
		name:    "job-dispatcher",
		config:  config,
		stores:  stores,
		enqueue: enqueue,
		logger:  logger,
		clock:   clock,
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
	if c.enqueue == nil {
		c.mu.Unlock()
		return fmt.Errorf("task server enqueue required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.pollLoop(subCtx)

	c.logger.Info("job-dispatcher started",
		"polling_interval", c.config.GetPollingInterval(),
		"global_max_active_jobs", c.config.GlobalMaxActiveJobs)
	return nil
}

func (c *Component) pollLoop(ctx context.Context) {
	defer close(c.done)

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
		c.logger.Error("dispatch tick failed", "error", err)
		return
	}
	c.ticksCompleted.Add(1)
}

// Tick runs one dispatch pass. Items whose group is disabled or at
// capacity stay Queued for a later tick; a dispatch race lost to
// another dispatcher is not an error.
func (c *Component) Tick(ctx context.Context) error {
	now := c.clock()

	items, err := c.stores.WorkQueues.ListQueued(ctx)
	if err != nil {
		return fmt.Errorf("list queued work: %w", err)
	}
	c.queueDepth.Store(int64(len(items)))
	if len(items) == 0 {
		return nil
	}

	active, err := c.stores.Metadata.ActiveCountsByGroup(ctx)
	if err != nil {
		return fmt.Errorf("count active jobs: %w", err)
	}

	for i := range items {
		item := &items[i]

		var group *storage.ManifestGroup
		if item.Manifest != nil {
			group = item.Manifest.Group
		}
		if group != nil && !group.IsEnabled {
			continue
		}

		var groupID int64
		if group != nil {
			groupID = group.ID
		}
		if !c.hasCapacity(group, active[groupID]) {
			continue
		}

		md, err := c.stores.WorkQueues.Dispatch(ctx, item, now, c.enqueue)
		if err != nil {
			if errors.Is(err, storage.ErrAlreadyDispatched) {
				c.logger.Debug("work item already dispatched", "work_queue_id", item.ID)
				continue
			}
			c.dispatchFailures.Add(1)
			c.logger.Error("dispatch work item",
				"work_queue_id", item.ID,
				"workflow", item.WorkflowName,
				"error", err)
			continue
		}

		active[groupID]++
		c.jobsDispatched.Add(1)
		c.logger.Info("work item dispatched",
			"work_queue_id", item.ID,
			"workflow", item.WorkflowName,
			"metadata_id", md.ID)
	}
	return nil
}

// hasCapacity reports whether the group can take one more job. A nil
// group limit and a zero global limit each mean unlimited from that
// source.
func (c *Component) hasCapacity(group *storage.ManifestGroup, active int) bool {
	limit := -1
	if group != nil && group.MaxActiveJobs != nil {
		limit = *group.MaxActiveJobs
	}
	if g := c.config.GlobalMaxActiveJobs; g > 0 && (limit < 0 || g < limit) {
		limit = g
	}
	return limit < 0 || active < limit
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
			return fmt.Errorf("job-dispatcher did not stop within %s", timeout)
		}
	}

	c.logger.Info("job-dispatcher stopped",
		"ticks_completed", c.ticksCompleted.Load(),
		"jobs_dispatched", c.jobsDispatched.Load(),
		"dispatch_failures", c.dispatchFailures.Load())
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
		ErrorCount: int(c.tickFailures.Load() + c.dispatchFailures.Load()),
		Uptime:     uptime,
	}
}

// IsRunning reports whether the polling loop is active.
func (c *Component) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// TicksCompleted returns the number of successful dispatch passes.
func (c *Component) TicksCompleted() int64 { return c.ticksCompleted.Load() }

// JobsDispatched returns the number of work items dispatched.
func (c *Component) JobsDispatched() int64 { return c.jobsDispatched.Load() }

// DispatchFailures returns the number of failed dispatch attempts.
func (c *Component) DispatchFailures() int64 { return c.dispatchFailures.Load() }

// QueueDepth returns the queued item count seen by the latest tick.
func (c *Component) QueueDepth() int64 { return c.queueDepth.Load() }
