package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/stepflow/bus"
	"github.com/c360studio/stepflow/effect"
	"github.com/c360studio/stepflow/executor"
	jobdispatcher "github.com/c360studio/stepflow/processor/job-dispatcher"
	manifestmanager "github.com/c360studio/stepflow/processor/manifest-manager"
	taskserver "github.com/c360studio/stepflow/processor/task-server"
	"github.com/c360studio/stepflow/schedule"
	"github.com/c360studio/stepflow/storage"
	"github.com/c360studio/stepflow/workflow"
)

type reportInput struct {
	Region string `json:"region"`
}

type reportRecorder struct {
	inputs []reportInput
	fail   bool
}

type reportWorkflow struct {
	rec *reportRecorder
}

func (w reportWorkflow) Name() string { return "Report" }

func (w reportWorkflow) Define(_ context.Context, _ *workflow.Run, in reportInput) (workflow.Unit, error) {
	w.rec.inputs = append(w.rec.inputs, in)
	if w.rec.fail {
		return workflow.Unit{}, errors.New("report blew up")
	}
	return workflow.Unit{}, nil
}

type extractInput struct {
	Source string `json:"source"`
}

type extractWorkflow struct {
	runs *int
}

func (w extractWorkflow) Name() string { return "ExtractOrders" }

func (w extractWorkflow) Define(_ context.Context, _ *workflow.Run, _ extractInput) (workflow.Unit, error) {
	*w.runs++
	return workflow.Unit{}, nil
}

type loadInput struct {
	Target string `json:"target"`
}

type loadWorkflow struct {
	runs *int
}

func (w loadWorkflow) Name() string { return "LoadWarehouse" }

func (w loadWorkflow) Define(_ context.Context, _ *workflow.Run, _ loadInput) (workflow.Unit, error) {
	*w.runs++
	return workflow.Unit{}, nil
}

// scenarioRig wires the whole pipeline over memory stores with a fake
// clock and without component loops. Tests advance it one tick at a
// time.
type scenarioRig struct {
	t     *testing.T
	now   time.Time
	clock func() time.Time

	mem        *storage.Memory
	stores     *storage.Stores
	reg        *bus.Registry
	bus        *bus.Bus
	sched      *schedule.Scheduler
	manager    *manifestmanager.Component
	dispatcher *jobdispatcher.Component
	server     *taskserver.MemoryServer
}

func newScenarioRig(t *testing.T) *scenarioRig {
	t.Helper()

	rig := &scenarioRig{t: t, now: time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)}
	rig.clock = func() time.Time { return rig.now }

	rig.mem = storage.NewMemory(rig.clock)
	rig.stores = rig.mem.Stores()

	logger := slog.New(slog.DiscardHandler)
	rig.reg = bus.NewRegistry()
	rig.bus = bus.New(rig.reg,
		workflow.WithLogger(logger),
		workflow.WithClock(rig.clock),
		workflow.WithDataContext(rig.mem.DataContextFactory()),
		workflow.WithEffects(effect.DataContext()),
	)
	bus.MustRegister(rig.reg, executor.New(rig.stores.Metadata, rig.stores.Manifests, rig.bus, rig.clock))

	rig.sched = schedule.NewScheduler(rig.stores.Manifests, rig.reg, effect.JSONOptions{}, logger, rig.clock)
	rig.server = taskserver.NewMemoryServer(rig.stores, rig.bus, logger)

	manager, err := manifestmanager.New(manifestmanager.Config{}, rig.stores, logger, rig.clock)
	if err != nil {
		t.Fatalf("manifest manager: %v", err)
	}
	rig.manager = manager

	dispatcher, err := jobdispatcher.New(jobdispatcher.Config{}, rig.stores, rig.server.Enqueue, logger, rig.clock)
	if err != nil {
		t.Fatalf("job dispatcher: %v", err)
	}
	rig.dispatcher = dispatcher
	return rig
}

func (rig *scenarioRig) advance(d time.Duration) { rig.now = rig.now.Add(d) }

// step runs one manager tick, one dispatch tick, and drains the
// in-process job queue. It returns how many jobs ran.
func (rig *scenarioRig) step(ctx context.Context) int {
	rig.t.Helper()
	if err := rig.manager.Tick(ctx); err != nil {
		rig.t.Fatalf("manager tick: %v", err)
	}
	if err := rig.dispatcher.Tick(ctx); err != nil {
		rig.t.Fatalf("dispatch tick: %v", err)
	}
	return rig.server.Drain(ctx)
}

func (rig *scenarioRig) queuedLen(ctx context.Context) int {
	rig.t.Helper()
	items, err := rig.stores.WorkQueues.ListQueued(ctx)
	if err != nil {
		rig.t.Fatalf("list queued: %v", err)
	}
	return len(items)
}

func (rig *scenarioRig) manifest(ctx context.Context, externalID string) *storage.Manifest {
	rig.t.Helper()
	m, err := rig.stores.Manifests.GetByExternalID(ctx, externalID)
	if err != nil {
		rig.t.Fatalf("load manifest %s: %v", externalID, err)
	}
	return m
}

func (rig *scenarioRig) report(ctx context.Context) *storage.StatusReport {
	rig.t.Helper()
	r, err := rig.mem.Maintenance().StatusReport(ctx)
	if err != nil {
		rig.t.Fatalf("status report: %v", err)
	}
	return r
}

func (rig *scenarioRig) deadLetters() *schedule.DeadLetterService {
	return schedule.NewDeadLetterService(rig.stores.DeadLetters, slog.New(slog.DiscardHandler), rig.clock)
}

// driveToDeadLetter applies a failing minutely manifest with two
// retries and steps the rig until the manager parks it.
func driveToDeadLetter(ctx context.Context, t *testing.T, rig *scenarioRig, externalID string) storage.DeadLetter {
	t.Helper()

	def := schedule.New(externalID, reportInput{Region: "apac"}).Every(time.Minute).MaxRetries(2).Definition()
	if _, err := rig.sched.Apply(ctx, def); err != nil {
		t.Fatalf("apply manifest: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		if ran := rig.step(ctx); ran != 1 {
			t.Fatalf("attempt %d ran %d jobs, want 1", attempt, ran)
		}
		rig.advance(time.Minute)
	}

	// The failure count now exceeds the retries: this tick reaps
	// instead of queueing.
	if ran := rig.step(ctx); ran != 0 {
		t.Fatalf("reap tick ran %d jobs, want none", ran)
	}

	letters, err := rig.deadLetters().Awaiting(ctx)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	return letters[0]
}

func TestCronManifestRunsOnSchedule(t *testing.T) {
	ctx := context.Background()
	rig := newScenarioRig(t)
	rec := &reportRecorder{}
	bus.MustRegister(rig.reg, reportWorkflow{rec: rec})

	def := schedule.New("minutely-report", reportInput{Region: "emea"}).Cron("* * * * *").Definition()
	if _, err := rig.sched.Apply(ctx, def); err != nil {
		t.Fatalf("apply manifest: %v", err)
	}

	// Created this instant; the first cron occurrence is still ahead.
	if ran := rig.step(ctx); ran != 0 {
		t.Fatalf("ran %d jobs before the cron fire time", ran)
	}

	rig.advance(61 * time.Second)
	if ran := rig.step(ctx); ran != 1 {
		t.Fatalf("ran %d jobs, want 1", ran)
	}
	if len(rec.inputs) != 1 || rec.inputs[0].Region != "emea" {
		t.Fatalf("workflow saw inputs %+v", rec.inputs)
	}

	m := rig.manifest(ctx, "minutely-report")
	if m.LastSuccessfulRun == nil || !m.LastSuccessfulRun.Equal(rig.now) {
		t.Fatalf("last successful run = %v, want %s", m.LastSuccessfulRun, rig.now)
	}

	report := rig.report(ctx)
	if got := report.WorkQueueByState[string(storage.WorkQueueStatusDispatched)]; got != 1 {
		t.Errorf("dispatched work items = %d, want 1", got)
	}
	// The executor run and its child both complete.
	if got := report.MetadataByState[string(storage.WorkflowStateCompleted)]; got != 2 {
		t.Errorf("completed runs = %d, want 2", got)
	}

	// Within the same minute nothing new is due.
	if ran := rig.step(ctx); ran != 0 {
		t.Fatalf("ran %d extra jobs inside the minute", ran)
	}
}

func TestManifestDeadLettersAfterRetriesExhausted(t *testing.T) {
	ctx := context.Background()
	rig := newScenarioRig(t)
	rec := &reportRecorder{fail: true}
	bus.MustRegister(rig.reg, reportWorkflow{rec: rec})

	letter := driveToDeadLetter(ctx, t, rig, "flaky-report")

	if len(rec.inputs) != 3 {
		t.Fatalf("workflow ran %d times, want 3", len(rec.inputs))
	}
	if letter.RetryCountAtDeadLetter != 3 {
		t.Errorf("retry count at dead letter = %d, want 3", letter.RetryCountAtDeadLetter)
	}
	if letter.Status != storage.DeadLetterStatusAwaitingIntervention {
		t.Errorf("status = %s, want %s", letter.Status, storage.DeadLetterStatusAwaitingIntervention)
	}
	if !strings.Contains(letter.Reason, "Max retries exceeded: 3 > 2") {
		t.Errorf("reason = %q", letter.Reason)
	}

	// A parked manifest gets no further work, due or not.
	rig.advance(time.Minute)
	if ran := rig.step(ctx); ran != 0 {
		t.Fatalf("parked manifest ran %d jobs", ran)
	}
	if got := rig.queuedLen(ctx); got != 0 {
		t.Fatalf("queued items = %d, want 0", got)
	}
}

func TestDependentManifestFollowsParent(t *testing.T) {
	ctx := context.Background()
	rig := newScenarioRig(t)

	var extracts, loads int
	bus.MustRegister(rig.reg, extractWorkflow{runs: &extracts})
	bus.MustRegister(rig.reg, loadWorkflow{runs: &loads})

	def := schedule.New("etl-extract", extractInput{Source: "orders"}).
		Every(time.Minute).
		ThenInclude(schedule.New("etl-load", loadInput{Target: "warehouse"})).
		Definition()
	if _, err := rig.sched.Apply(ctx, def); err != nil {
		t.Fatalf("apply manifests: %v", err)
	}

	// The parent fires first; the dependent waits for its success.
	if ran := rig.step(ctx); ran != 1 {
		t.Fatalf("ran %d jobs, want the parent only", ran)
	}
	if extracts != 1 || loads != 0 {
		t.Fatalf("extracts = %d, loads = %d after parent run", extracts, loads)
	}

	// The parent's fresh stamp makes the dependent due.
	if ran := rig.step(ctx); ran != 1 {
		t.Fatalf("ran %d jobs, want the dependent only", ran)
	}
	if loads != 1 {
		t.Fatalf("loads = %d, want 1", loads)
	}

	// Nothing further until the parent succeeds again.
	if ran := rig.step(ctx); ran != 0 {
		t.Fatalf("ran %d jobs with no new parent success", ran)
	}

	rig.advance(61 * time.Second)
	if ran := rig.step(ctx); ran != 1 {
		t.Fatalf("ran %d jobs, want the parent again", ran)
	}
	if ran := rig.step(ctx); ran != 1 {
		t.Fatalf("ran %d jobs, want the dependent again", ran)
	}
	if extracts != 2 || loads != 2 {
		t.Fatalf("extracts = %d, loads = %d after second round", extracts, loads)
	}
}

func TestGroupCapacitySerializesDispatch(t *testing.T) {
	ctx := context.Background()
	rig := newScenarioRig(t)
	rec := &reportRecorder{}
	bus.MustRegister(rig.reg, reportWorkflow{rec: rec})

	for _, id := range []string{"batch-a", "batch-b"} {
		def := schedule.New(id, reportInput{Region: id}).
			Every(time.Minute).
			InGroup("nightly").
			GroupMaxActive(1).
			Definition()
		if _, err := rig.sched.Apply(ctx, def); err != nil {
			t.Fatalf("apply %s: %v", id, err)
		}
	}

	if err := rig.manager.Tick(ctx); err != nil {
		t.Fatalf("manager tick: %v", err)
	}
	if got := rig.queuedLen(ctx); got != 2 {
		t.Fatalf("queued items = %d, want 2", got)
	}

	// One slot in the group: the first dispatch fills it.
	if err := rig.dispatcher.Tick(ctx); err != nil {
		t.Fatalf("dispatch tick: %v", err)
	}
	if got := rig.queuedLen(ctx); got != 1 {
		t.Fatalf("queued items = %d, want 1 held back", got)
	}
	if depth := rig.server.Depth(); depth != 1 {
		t.Fatalf("server depth = %d, want 1", depth)
	}

	// Still at capacity until the in-flight job finishes.
	if err := rig.dispatcher.Tick(ctx); err != nil {
		t.Fatalf("dispatch tick: %v", err)
	}
	if got := rig.queuedLen(ctx); got != 1 {
		t.Fatalf("queued items = %d while group is at capacity", got)
	}

	if ran := rig.server.Drain(ctx); ran != 1 {
		t.Fatalf("drained %d jobs, want 1", ran)
	}
	if err := rig.dispatcher.Tick(ctx); err != nil {
		t.Fatalf("dispatch tick: %v", err)
	}
	if got := rig.queuedLen(ctx); got != 0 {
		t.Fatalf("queued items = %d after slot freed", got)
	}
	if ran := rig.server.Drain(ctx); ran != 1 {
		t.Fatalf("drained %d jobs, want 1", ran)
	}

	if len(rec.inputs) != 2 {
		t.Fatalf("workflow ran %d times, want 2", len(rec.inputs))
	}
}

func TestDeadLetterRetryRequeues(t *testing.T) {
	ctx := context.Background()
	rig := newScenarioRig(t)
	rec := &reportRecorder{fail: true}
	bus.MustRegister(rig.reg, reportWorkflow{rec: rec})

	letter := driveToDeadLetter(ctx, t, rig, "flaky-report")
	rec.fail = false

	d, md, err := rig.deadLetters().Retry(ctx, letter.ID, json.RawMessage(`{"region":"apac-fixed"}`))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if d.Status != storage.DeadLetterStatusRetried {
		t.Errorf("status = %s, want %s", d.Status, storage.DeadLetterStatusRetried)
	}
	if d.RetryMetadataID == nil || *d.RetryMetadataID != md.ID {
		t.Errorf("retry metadata id = %v, want %d", d.RetryMetadataID, md.ID)
	}
	if d.ResolvedAt == nil {
		t.Error("resolved at not set")
	}

	// The retry is already queued; no manager tick is needed.
	if err := rig.dispatcher.Tick(ctx); err != nil {
		t.Fatalf("dispatch tick: %v", err)
	}
	if ran := rig.server.Drain(ctx); ran != 1 {
		t.Fatalf("drained %d jobs, want the retry", ran)
	}

	if got := rec.inputs[len(rec.inputs)-1].Region; got != "apac-fixed" {
		t.Errorf("retry ran with region %q, want the replacement input", got)
	}

	// The run flowed through the metadata created at retry time.
	reloaded, err := rig.stores.Metadata.Get(ctx, md.ID)
	if err != nil {
		t.Fatalf("reload metadata: %v", err)
	}
	if reloaded.WorkflowState != storage.WorkflowStateCompleted {
		t.Errorf("retry metadata state = %s, want %s", reloaded.WorkflowState, storage.WorkflowStateCompleted)
	}

	m := rig.manifest(ctx, "flaky-report")
	if m.LastSuccessfulRun == nil {
		t.Fatal("manifest missing last successful run stamp after retry")
	}

	// With the letter resolved the manifest is schedulable again.
	rig.advance(time.Minute)
	if ran := rig.step(ctx); ran != 1 {
		t.Fatalf("ran %d jobs after resolution, want 1", ran)
	}
}
