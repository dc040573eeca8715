// Package taskserver executes dispatched background jobs. The durable
// Component leases rows from the background_job table with a pool of
// workers; MemoryServer keeps jobs in process for tests and
// single-binary setups.
package taskserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/gorm"

	"github.com/c360studio/stepflow/bus"
	"github.com/c360studio/stepflow/component"
	"github.com/c360studio/stepflow/executor"
	"github.com/c360studio/stepflow/storage"
	"github.com/c360studio/stepflow/workflow"
)

// Server accepts dispatched jobs for execution. Enqueue matches
// storage.EnqueueFunc, so a server method value wires straight into
// the dispatcher.
type Server interface {
	component.Component
	Enqueue(ctx context.Context, tx *gorm.DB, md *storage.Metadata, input json.RawMessage, inputType string) (string, error)
}

// Component is the durable task server. Claimed rows carry a
// visibility lease, so a crashed worker's job becomes claimable again
// once the lease ages out.
type Component struct {
	name   string
	config Config
	stores *storage.Stores
	bus    *bus.Bus
	logger *slog.Logger
	clock  func() time.Time

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// Metrics
	jobsEnqueued  atomic.Int64
	jobsClaimed   atomic.Int64
	jobsCompleted atomic.Int64
	jobFailures   atomic.Int64
	claimFailures atomic.Int64
	activeWorkers atomic.Int64
}

var _ Server = (*Component)(nil)

// New creates a durable task server over the shared stores and bus.
func New(config Config, stores *storage.Stores, b *bus.Bus, logger *slog.Logger, clock func() time.Time) (*Component, error) {
	defaults := DefaultConfig()
	if config.Workers == 0 {
		config.Workers = defaults.Workers
	}
	if config.PollingInterval == "" {
		config.PollingInterval = defaults.PollingInterval
	}
	if config.VisibilityTimeout == "" {
		config.VisibilityTimeout = defaults.VisibilityTimeout
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
		name:   "task-server",
		config: config,
		stores: stores,
		bus:    b,
		logger: logger,
		clock:  clock,
	}, nil
}

// Name implements component.Component.
func (c *Component) Name() string { return c.name }

// Enqueue inserts a background job row, joining tx when non-nil so the
// row commits atomically with the dispatch.
func (c *Component) Enqueue(ctx context.Context, tx *gorm.DB, md *storage.Metadata, input json.RawMessage, inputType string) (string, error) {
	jobID, err := c.stores.Jobs.Enqueue(ctx, tx, md.ID, input, inputType, c.clock())
	if err != nil {
		return "", err
	}
	c.jobsEnqueued.Add(1)
	return jobID, nil
}

// Start spins up the worker pool.
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
	if c.bus == nil {
		c.mu.Unlock()
		return fmt.Errorf("workflow bus required")
	}

	c.running = true
	c.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.workerLoop(subCtx, i)
	}

	c.logger.Info("task-server started",
		"workers", c.config.Workers,
		"polling_interval", c.config.GetPollingInterval(),
		"visibility_timeout", c.config.GetVisibilityTimeout())
	return nil
}

func (c *Component) workerLoop(ctx context.Context, worker int) {
	defer c.wg.Done()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := c.stores.Jobs.Claim(ctx, c.config.GetVisibilityTimeout())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.claimFailures.Add(1)
			wait := policy.NextBackOff()
			c.logger.Error("claim background job",
				"worker", worker,
				"backoff", wait,
				"error", err)
			if !c.sleep(ctx, wait) {
				return
			}
			continue
		}
		policy.Reset()

		if job == nil {
			if !c.sleep(ctx, c.config.GetPollingInterval()) {
				return
			}
			continue
		}

		c.runJob(ctx, job)
	}
}

func (c *Component) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// runJob executes one claimed job and deletes the row. Run state is
// tracked on the metadata, so the row goes away whether the workflow
// succeeded or failed; only a store failure keeps the lease alive for
// a later re-claim.
func (c *Component) runJob(ctx context.Context, job *storage.BackgroundJob) {
	c.jobsClaimed.Add(1)
	c.activeWorkers.Add(1)
	defer c.activeWorkers.Add(-1)

	// Shutdown cancels the claim loop, not the run in flight; a job
	// that already started is allowed to finish.
	jobCtx := context.WithoutCancel(ctx)

	md, err := c.stores.Metadata.Get(jobCtx, job.MetadataID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.logger.Error("background job references missing metadata",
				"job", job.ExternalID,
				"metadata_id", job.MetadataID)
			c.deleteJob(jobCtx, job)
			return
		}
		c.jobFailures.Add(1)
		c.logger.Error("load metadata for background job",
			"job", job.ExternalID,
			"error", err)
		return
	}

	req := executor.ExecuteManifestRequest{MetadataID: job.MetadataID, Input: job.Input}
	if _, err := c.bus.RunAsync(jobCtx, req, workflow.WithMetadata(md)); err != nil {
		c.jobFailures.Add(1)
		c.logger.Warn("background job failed",
			"job", job.ExternalID,
			"metadata_id", job.MetadataID,
			"error", err)
	} else {
		c.jobsCompleted.Add(1)
	}

	c.deleteJob(jobCtx, job)
}

func (c *Component) deleteJob(ctx context.Context, job *storage.BackgroundJob) {
	if err := c.stores.Jobs.Delete(ctx, job.ID); err != nil {
		c.logger.Error("delete background job", "job", job.ExternalID, "error", err)
	}
}

// Stop cancels the claim loops and waits up to timeout for in-flight
// jobs to drain.
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
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		return fmt.Errorf("task-server workers did not drain within %s", timeout)
	}

	c.logger.Info("task-server stopped",
		"jobs_enqueued", c.jobsEnqueued.Load(),
		"jobs_claimed", c.jobsClaimed.Load(),
		"jobs_completed", c.jobsCompleted.Load(),
		"job_failures", c.jobFailures.Load())
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
		ErrorCount: int(c.jobFailures.Load() + c.claimFailures.Load()),
		Uptime:     uptime,
	}
}

// IsRunning reports whether the worker pool is active.
func (c *Component) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// JobsClaimed returns the number of rows leased by the workers.
func (c *Component) JobsClaimed() int64 { return c.jobsClaimed.Load() }

// JobsCompleted returns the number of jobs whose workflow succeeded.
func (c *Component) JobsCompleted() int64 { return c.jobsCompleted.Load() }

// JobFailures returns the number of jobs whose workflow failed.
func (c *Component) JobFailures() int64 { return c.jobFailures.Load() }

// ActiveWorkers returns the number of workers currently executing.
func (c *Component) ActiveWorkers() int64 { return c.activeWorkers.Load() }
