package manifestmanager

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/c360studio/stepflow/storage"
)

type fixture struct {
	stores *storage.Stores
	comp   *Component
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	stores := storage.NewMemory(clock).Stores()

	comp, err := New(Config{}, stores, slog.New(slog.DiscardHandler), clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{stores: stores, comp: comp, now: now}
}

func (f *fixture) seedManifest(t *testing.T, mutate func(*storage.Manifest)) *storage.Manifest {
	t.Helper()
	ctx := context.Background()

	group, err := f.stores.Manifests.GetOrCreateGroup(ctx, "reports", nil, 5)
	if err != nil {
		t.Fatalf("GetOrCreateGroup: %v", err)
	}

	interval := int64(3600)
	m := &storage.Manifest{
		ExternalID:      "nightly-report",
		Name:            "BuildReport",
		FullName:        "workflows.BuildReport",
		PropertyType:    "manifestmanager.reportInput",
		Properties:      json.RawMessage(`{"region":"emea"}`),
		ScheduleType:    storage.ScheduleTypeInterval,
		IntervalSeconds: &interval,
		MaxRetries:      2,
		IsEnabled:       true,
		ManifestGroupID: group.ID,
	}
	if mutate != nil {
		mutate(m)
	}
	if err := f.stores.Manifests.Create(ctx, m); err != nil {
		t.Fatalf("create manifest: %v", err)
	}
	return m
}

func (f *fixture) seedFailures(t *testing.T, m *storage.Manifest, count int, at time.Time) {
	t.Helper()
	for i := 0; i < count; i++ {
		md := &storage.Metadata{
			Name:          m.Name,
			WorkflowState: storage.WorkflowStateFailed,
			StartTime:     at,
			ManifestID:    &m.ID,
		}
		if err := f.stores.Metadata.Create(context.Background(), md); err != nil {
			t.Fatalf("create metadata: %v", err)
		}
	}
}

func TestTick(t *testing.T) {
	ctx := context.Background()

	t.Run("queues due manifests once", func(t *testing.T) {
		f := newFixture(t)
		m := f.seedManifest(t, nil)

		if err := f.comp.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}

		items, err := f.stores.WorkQueues.ListQueued(ctx)
		if err != nil {
			t.Fatalf("ListQueued: %v", err)
		}
		if len(items) != 1 {
			t.Fatalf("queued %d items, want 1", len(items))
		}
		item := items[0]
		if item.WorkflowName != "BuildReport" {
			t.Errorf("WorkflowName = %q", item.WorkflowName)
		}
		if item.InputTypeName != m.PropertyType {
			t.Errorf("InputTypeName = %q, want %q", item.InputTypeName, m.PropertyType)
		}
		if item.ManifestID == nil || *item.ManifestID != m.ID {
			t.Errorf("ManifestID = %v, want %d", item.ManifestID, m.ID)
		}
		if item.Priority != 5 {
			t.Errorf("Priority = %d, want group priority 5", item.Priority)
		}
		if string(item.Input) != `{"region":"emea"}` {
			t.Errorf("Input = %s", item.Input)
		}

		// The open work item keeps the manifest from queueing again.
		if err := f.comp.Tick(ctx); err != nil {
			t.Fatalf("second Tick: %v", err)
		}
		items, err = f.stores.WorkQueues.ListQueued(ctx)
		if err != nil {
			t.Fatalf("ListQueued: %v", err)
		}
		if len(items) != 1 {
			t.Fatalf("queued %d items after second tick, want 1", len(items))
		}
		if got := f.comp.ManifestsEnqueued(); got != 1 {
			t.Errorf("ManifestsEnqueued = %d, want 1", got)
		}
	})

	t.Run("skips disabled manifests", func(t *testing.T) {
		f := newFixture(t)
		f.seedManifest(t, func(m *storage.Manifest) { m.IsEnabled = false })

		if err := f.comp.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		items, err := f.stores.WorkQueues.ListQueued(ctx)
		if err != nil {
			t.Fatalf("ListQueued: %v", err)
		}
		if len(items) != 0 {
			t.Fatalf("queued %d items for disabled manifest, want 0", len(items))
		}
	})

	t.Run("dead letters exhausted manifests", func(t *testing.T) {
		f := newFixture(t)
		m := f.seedManifest(t, nil)
		f.seedFailures(t, m, 3, f.now.Add(-time.Hour))

		if err := f.comp.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}

		letters, err := f.stores.DeadLetters.List(ctx, storage.DeadLetterStatusAwaitingIntervention)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(letters) != 1 {
			t.Fatalf("%d dead letters, want 1", len(letters))
		}
		letter := letters[0]
		if letter.ManifestID != m.ID {
			t.Errorf("ManifestID = %d, want %d", letter.ManifestID, m.ID)
		}
		if letter.RetryCountAtDeadLetter != 3 {
			t.Errorf("RetryCountAtDeadLetter = %d, want 3", letter.RetryCountAtDeadLetter)
		}
		if letter.Reason != "Max retries exceeded: 3 > 2" {
			t.Errorf("Reason = %q", letter.Reason)
		}

		items, err := f.stores.WorkQueues.ListQueued(ctx)
		if err != nil {
			t.Fatalf("ListQueued: %v", err)
		}
		if len(items) != 0 {
			t.Fatalf("queued %d items for dead-lettered manifest, want 0", len(items))
		}

		// The open dead letter suppresses a second reap.
		if err := f.comp.Tick(ctx); err != nil {
			t.Fatalf("second Tick: %v", err)
		}
		letters, err = f.stores.DeadLetters.List(ctx, storage.DeadLetterStatusAwaitingIntervention)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(letters) != 1 {
			t.Fatalf("%d dead letters after second tick, want 1", len(letters))
		}
	})

	t.Run("acknowledged dead letter reopens the schedule", func(t *testing.T) {
		f := newFixture(t)
		m := f.seedManifest(t, nil)
		f.seedFailures(t, m, 3, f.now.Add(-time.Hour))

		if err := f.comp.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}
		letters, err := f.stores.DeadLetters.List(ctx, storage.DeadLetterStatusAwaitingIntervention)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(letters) != 1 {
			t.Fatalf("%d dead letters, want 1", len(letters))
		}

		if _, err := f.stores.DeadLetters.Acknowledge(ctx, letters[0].ID, "fixed upstream", f.now); err != nil {
			t.Fatalf("Acknowledge: %v", err)
		}

		// Old failures predate the dead letter, so the next tick sees
		// a clean slate and queues the manifest again.
		if err := f.comp.Tick(ctx); err != nil {
			t.Fatalf("Tick after acknowledge: %v", err)
		}
		items, err := f.stores.WorkQueues.ListQueued(ctx)
		if err != nil {
			t.Fatalf("ListQueued: %v", err)
		}
		if len(items) != 1 {
			t.Fatalf("queued %d items after acknowledge, want 1", len(items))
		}
	})

	t.Run("failures before the last success do not reap", func(t *testing.T) {
		f := newFixture(t)
		m := f.seedManifest(t, nil)
		f.seedFailures(t, m, 3, f.now.Add(-2*time.Hour))
		if err := f.stores.Manifests.UpdateLastSuccessfulRun(ctx, m.ID, f.now.Add(-time.Hour)); err != nil {
			t.Fatalf("UpdateLastSuccessfulRun: %v", err)
		}

		if err := f.comp.Tick(ctx); err != nil {
			t.Fatalf("Tick: %v", err)
		}

		letters, err := f.stores.DeadLetters.List(ctx, storage.DeadLetterStatusAwaitingIntervention)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(letters) != 0 {
			t.Fatalf("%d dead letters, want 0", len(letters))
		}
		items, err := f.stores.WorkQueues.ListQueued(ctx)
		if err != nil {
			t.Fatalf("ListQueued: %v", err)
		}
		if len(items) != 1 {
			t.Fatalf("queued %d items, want 1", len(items))
		}
	})
}

func TestLifecycle(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	stores := storage.NewMemory(clock).Stores()

	comp, err := New(Config{PollingInterval: "10ms"}, stores, slog.New(slog.DiscardHandler), clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	group, err := stores.Manifests.GetOrCreateGroup(ctx, storage.DefaultGroupName, nil, 0)
	if err != nil {
		t.Fatalf("GetOrCreateGroup: %v", err)
	}
	interval := int64(60)
	manifest := &storage.Manifest{
		ExternalID:      "heartbeat",
		Name:            "Heartbeat",
		PropertyType:    "manifestmanager.heartbeatInput",
		ScheduleType:    storage.ScheduleTypeInterval,
		IntervalSeconds: &interval,
		IsEnabled:       true,
		ManifestGroupID: group.ID,
	}
	if err := stores.Manifests.Create(ctx, manifest); err != nil {
		t.Fatalf("create manifest: %v", err)
	}

	if err := comp.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := comp.Start(ctx); err == nil {
		t.Fatal("second Start should fail while running")
	}
	if !comp.IsRunning() {
		t.Fatal("IsRunning = false after Start")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		items, err := stores.WorkQueues.ListQueued(ctx)
		if err != nil {
			t.Fatalf("ListQueued: %v", err)
		}
		if len(items) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no work queued before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := comp.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if comp.IsRunning() {
		t.Fatal("IsRunning = true after Stop")
	}
	if health := comp.Health(); health.Healthy || health.Status != "stopped" {
		t.Fatalf("health after stop = %+v", health)
	}
	if err := comp.Stop(time.Second); err != nil {
		t.Fatalf("idempotent Stop: %v", err)
	}
}
