package taskserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"gorm.io/gorm"

	"github.com/c360studio/stepflow/bus"
	"github.com/c360studio/stepflow/component"
	"github.com/c360studio/stepflow/executor"
	"github.com/c360studio/stepflow/storage"
	"github.com/c360studio/stepflow/workflow"
)

// MemoryServer keeps dispatched jobs in an in-process queue. Jobs run
// when Drain is called, or continuously once Start spins up the
// consumer. Tests that want deterministic stepping skip Start and
// drain by hand.
type MemoryServer struct {
	name   string
	stores *storage.Stores
	bus    *bus.Bus
	logger *slog.Logger

	mu        sync.Mutex
	queue     []memoryJob
	notify    chan struct{}
	running   bool
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	// Metrics
	jobsEnqueued  atomic.Int64
	jobsCompleted atomic.Int64
	jobFailures   atomic.Int64
}

type memoryJob struct {
	id         string
	metadataID int64
	input      json.RawMessage
	inputType  string
}

var _ Server = (*MemoryServer)(nil)

// NewMemoryServer creates an in-process task server over the shared
// stores and bus.
func NewMemoryServer(stores *storage.Stores, b *bus.Bus, logger *slog.Logger) *MemoryServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryServer{
		name:   "memory-task-server",
		stores: stores,
		bus:    b,
		logger: logger,
		notify: make(chan struct{}, 1),
	}
}

// Name implements component.Component.
func (s *MemoryServer) Name() string { return s.name }

// Enqueue queues the job in process. The tx handle is ignored; there
// is no job row to commit.
func (s *MemoryServer) Enqueue(_ context.Context, _ *gorm.DB, md *storage.Metadata, input json.RawMessage, inputType string) (string, error) {
	job := memoryJob{
		id:         storage.NewExternalID(),
		metadataID: md.ID,
		input:      input,
		inputType:  inputType,
	}

	s.mu.Lock()
	s.queue = append(s.queue, job)
	s.mu.Unlock()
	s.jobsEnqueued.Add(1)

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return job.id, nil
}

// Drain executes queued jobs until the queue is empty and returns how
// many ran. Workflow failures land on their metadata rows and do not
// stop the drain.
func (s *MemoryServer) Drain(ctx context.Context) int {
	ran := 0
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return ran
		}
		job := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.runJob(ctx, job)
		ran++
	}
}

func (s *MemoryServer) runJob(ctx context.Context, job memoryJob) {
	// A job that started keeps running through shutdown.
	ctx = context.WithoutCancel(ctx)

	md, err := s.stores.Metadata.Get(ctx, job.metadataID)
	if err != nil {
		s.jobFailures.Add(1)
		s.logger.Error("load metadata for in-process job", "job", job.id, "error", err)
		return
	}

	req := executor.ExecuteManifestRequest{MetadataID: job.metadataID, Input: job.input}
	if _, err := s.bus.RunAsync(ctx, req, workflow.WithMetadata(md)); err != nil {
		s.jobFailures.Add(1)
		s.logger.Warn("in-process job failed",
			"job", job.id,
			"metadata_id", job.metadataID,
			"error", err)
		return
	}
	s.jobsCompleted.Add(1)
}

// Depth returns the number of jobs waiting in the queue.
func (s *MemoryServer) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Start launches the consumer goroutine.
func (s *MemoryServer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	s.running = true
	s.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.consumeLoop(subCtx)

	s.logger.Info("memory task server started")
	return nil
}

func (s *MemoryServer) consumeLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.notify:
			s.Drain(ctx)
		}
	}
}

// Stop cancels the consumer and waits up to timeout for it to exit.
func (s *MemoryServer) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	done := s.done
	s.mu.Unlock()

	if done != nil {
		select {
		case <-done:
		case <-time.After(timeout):
			return fmt.Errorf("memory task server did not stop within %s", timeout)
		}
	}

	s.logger.Info("memory task server stopped",
		"jobs_enqueued", s.jobsEnqueued.Load(),
		"jobs_completed", s.jobsCompleted.Load(),
		"job_failures", s.jobFailures.Load())
	return nil
}

// Health implements component.Component.
func (s *MemoryServer) Health() component.Health {
	s.mu.Lock()
	running := s.running
	startTime := s.startTime
	s.mu.Unlock()

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
		ErrorCount: int(s.jobFailures.Load()),
		Uptime:     uptime,
	}
}

// JobsCompleted returns the number of jobs whose workflow succeeded.
func (s *MemoryServer) JobsCompleted() int64 { return s.jobsCompleted.Load() }

// JobFailures returns the number of jobs whose workflow failed.
func (s *MemoryServer) JobFailures() int64 { return s.jobFailures.Load() }
