package storage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"
)

func seedManifest(t *testing.T, m *Memory, externalID string) *Manifest {
	t.Helper()
	ctx := context.Background()
	stores := m.Stores()
	group, err := stores.Manifests.GetOrCreateGroup(ctx, "", nil, 0)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	mf := &Manifest{
		ExternalID:      externalID,
		Name:            "Refresh",
		ScheduleType:    ScheduleTypeInterval,
		MaxRetries:      2,
		IsEnabled:       true,
		ManifestGroupID: group.ID,
	}
	if err := stores.Manifests.Create(ctx, mf); err != nil {
		t.Fatalf("create manifest: %v", err)
	}
	return mf
}

func TestMemorySnapshotFailureWindow(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mem := NewMemory(func() time.Time { return base })
	stores := mem.Stores()
	mf := seedManifest(t, mem, "refresh")

	failed := func(start time.Time) {
		t.Helper()
		err := stores.Metadata.Create(ctx, &Metadata{
			ExternalID:    NewExternalID(),
			Name:          mf.Name,
			WorkflowState: WorkflowStateFailed,
			StartTime:     start,
			ManifestID:    &mf.ID,
		})
		if err != nil {
			t.Fatalf("create metadata: %v", err)
		}
	}

	failed(base.Add(-3 * time.Hour))
	failed(base.Add(-2 * time.Hour))
	failed(base.Add(-1 * time.Hour))

	snap, err := stores.Manifests.LoadSchedulingSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if got := snap.FailedRuns[mf.ID]; got != 3 {
		t.Fatalf("failed runs = %d, want 3", got)
	}

	t.Run("success resets the window", func(t *testing.T) {
		if err := stores.Manifests.UpdateLastSuccessfulRun(ctx, mf.ID, base.Add(-90*time.Minute)); err != nil {
			t.Fatalf("stamp: %v", err)
		}
		snap, err := stores.Manifests.LoadSchedulingSnapshot(ctx)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if got := snap.FailedRuns[mf.ID]; got != 1 {
			t.Fatalf("failed runs = %d, want only the one newer than the success", got)
		}
	})

	t.Run("dead letter resets the window", func(t *testing.T) {
		err := stores.DeadLetters.Create(ctx, &DeadLetter{
			ManifestID:     mf.ID,
			DeadLetteredAt: base.Add(-30 * time.Minute),
			Status:         DeadLetterStatusAcknowledged,
		})
		if err != nil {
			t.Fatalf("create dead letter: %v", err)
		}
		snap, err := stores.Manifests.LoadSchedulingSnapshot(ctx)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if got := snap.FailedRuns[mf.ID]; got != 0 {
			t.Fatalf("failed runs = %d, want 0 after dead letter", got)
		}
	})
}

func TestMemorySnapshotOpenWork(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(nil)
	stores := mem.Stores()
	mf := seedManifest(t, mem, "refresh")

	item := &WorkQueue{
		WorkflowName: mf.Name,
		Status:       WorkQueueStatusQueued,
		ManifestID:   &mf.ID,
	}
	if err := stores.WorkQueues.Enqueue(ctx, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	openWork := func(t *testing.T) bool {
		t.Helper()
		snap, err := stores.Manifests.LoadSchedulingSnapshot(ctx)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		return snap.OpenWork[mf.ID]
	}

	if !openWork(t) {
		t.Fatal("queued item should count as open work")
	}

	now := time.Now().UTC()
	md, err := stores.WorkQueues.Dispatch(ctx, item, now, func(_ context.Context, _ *gorm.DB, _ *Metadata, _ json.RawMessage, _ string) (string, error) {
		return "job", nil
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !openWork(t) {
		t.Fatal("dispatched item with pending metadata should count as open work")
	}

	md.WorkflowState = WorkflowStateFailed
	if err := stores.Metadata.Update(ctx, md); err != nil {
		t.Fatalf("update metadata: %v", err)
	}
	if openWork(t) {
		t.Fatal("dispatched item with terminal metadata should not count as open work")
	}
}

func TestMemoryDispatch(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("creates metadata and flips status", func(t *testing.T) {
		mem := NewMemory(nil)
		stores := mem.Stores()
		mf := seedManifest(t, mem, "refresh")
		item := &WorkQueue{
			WorkflowName:  mf.Name,
			Input:         json.RawMessage(`{"region":"emea"}`),
			InputTypeName: "schedule.refreshInput",
			Status:        WorkQueueStatusQueued,
			ManifestID:    &mf.ID,
		}
		if err := stores.WorkQueues.Enqueue(ctx, item); err != nil {
			t.Fatalf("enqueue: %v", err)
		}

		var enqueued *Metadata
		md, err := stores.WorkQueues.Dispatch(ctx, item, now, func(_ context.Context, _ *gorm.DB, md *Metadata, input json.RawMessage, inputType string) (string, error) {
			enqueued = md
			if string(input) != `{"region":"emea"}` || inputType != "schedule.refreshInput" {
				t.Errorf("enqueue got input %s type %s", input, inputType)
			}
			return "job-1", nil
		})
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if md.WorkflowState != WorkflowStatePending || md.ID == 0 {
			t.Fatalf("metadata = %+v", md)
		}
		if enqueued == nil || enqueued.ID != md.ID {
			t.Fatalf("enqueue saw %+v", enqueued)
		}
		if item.Status != WorkQueueStatusDispatched || item.MetadataID == nil {
			t.Fatalf("item = %+v", item)
		}

		if _, err := stores.WorkQueues.Dispatch(ctx, item, now, nil); !errors.Is(err, ErrAlreadyDispatched) {
			t.Fatalf("second dispatch err = %v, want ErrAlreadyDispatched", err)
		}
	})

	t.Run("adopts preset metadata", func(t *testing.T) {
		mem := NewMemory(nil)
		stores := mem.Stores()
		mf := seedManifest(t, mem, "refresh")
		pre := &Metadata{Name: mf.Name, WorkflowState: WorkflowStatePending, ManifestID: &mf.ID}
		if err := stores.Metadata.Create(ctx, pre); err != nil {
			t.Fatalf("create metadata: %v", err)
		}
		item := &WorkQueue{
			WorkflowName: mf.Name,
			Status:       WorkQueueStatusQueued,
			ManifestID:   &mf.ID,
			MetadataID:   &pre.ID,
		}
		if err := stores.WorkQueues.Enqueue(ctx, item); err != nil {
			t.Fatalf("enqueue: %v", err)
		}

		md, err := stores.WorkQueues.Dispatch(ctx, item, now, func(_ context.Context, _ *gorm.DB, md *Metadata, _ json.RawMessage, _ string) (string, error) {
			return "job-1", nil
		})
		if err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		if md.ID != pre.ID {
			t.Fatalf("dispatched metadata %d, want adopted %d", md.ID, pre.ID)
		}
	})

	t.Run("enqueue failure leaves item queued", func(t *testing.T) {
		mem := NewMemory(nil)
		stores := mem.Stores()
		mf := seedManifest(t, mem, "refresh")
		item := &WorkQueue{WorkflowName: mf.Name, Status: WorkQueueStatusQueued, ManifestID: &mf.ID}
		if err := stores.WorkQueues.Enqueue(ctx, item); err != nil {
			t.Fatalf("enqueue: %v", err)
		}

		_, err := stores.WorkQueues.Dispatch(ctx, item, now, func(_ context.Context, _ *gorm.DB, _ *Metadata, _ json.RawMessage, _ string) (string, error) {
			return "", errors.New("task server down")
		})
		if err == nil {
			t.Fatal("expected dispatch error")
		}

		queued, err := stores.WorkQueues.ListQueued(ctx)
		if err != nil {
			t.Fatalf("list queued: %v", err)
		}
		if len(queued) != 1 {
			t.Fatalf("queued = %d, want item back in queue", len(queued))
		}
		if queued[0].MetadataID != nil {
			t.Fatal("metadata id should be reverted")
		}
		counts, err := stores.Metadata.ActiveCountsByGroup(ctx)
		if err != nil {
			t.Fatalf("active counts: %v", err)
		}
		if len(counts) != 0 {
			t.Fatalf("active counts = %v, want none", counts)
		}
	})
}

func TestMemoryClaim(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	mem := NewMemory(clock)
	jobs := mem.Stores().Jobs

	if _, err := jobs.Enqueue(ctx, nil, 1, nil, "t", now.Add(-2*time.Minute)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := jobs.Enqueue(ctx, nil, 2, nil, "t", now.Add(-1*time.Minute)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := jobs.Claim(ctx, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first == nil || first.MetadataID != 1 {
		t.Fatalf("first claim = %+v, want oldest", first)
	}

	second, err := jobs.Claim(ctx, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if second == nil || second.MetadataID != 2 {
		t.Fatalf("second claim = %+v", second)
	}

	third, err := jobs.Claim(ctx, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if third != nil {
		t.Fatalf("third claim = %+v, want nothing claimable", third)
	}

	t.Run("lease ages out", func(t *testing.T) {
		now = now.Add(2 * time.Minute)
		re, err := jobs.Claim(ctx, time.Minute)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if re == nil || re.MetadataID != 1 {
			t.Fatalf("reclaim = %+v, want aged-out oldest", re)
		}
	})

	t.Run("delete removes the row", func(t *testing.T) {
		if err := jobs.Delete(ctx, first.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		depth, err := jobs.Depth(ctx)
		if err != nil {
			t.Fatalf("depth: %v", err)
		}
		if depth != 1 {
			t.Fatalf("depth = %d, want 1", depth)
		}
	})
}

func TestMemoryPurgeTerminalMetadata(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mem := NewMemory(func() time.Time { return now })
	stores := mem.Stores()

	old := &Metadata{
		ExternalID:    NewExternalID(),
		Name:          "Refresh",
		WorkflowState: WorkflowStateCompleted,
		StartTime:     now.Add(-48 * time.Hour),
	}
	fresh := &Metadata{
		ExternalID:    NewExternalID(),
		Name:          "Refresh",
		WorkflowState: WorkflowStateCompleted,
		StartTime:     now.Add(-1 * time.Hour),
	}
	running := &Metadata{
		ExternalID:    NewExternalID(),
		Name:          "Refresh",
		WorkflowState: WorkflowStateInProgress,
		StartTime:     now.Add(-48 * time.Hour),
	}
	for _, md := range []*Metadata{old, fresh, running} {
		if err := stores.Metadata.Create(ctx, md); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := stores.WorkQueues.Enqueue(ctx, &WorkQueue{WorkflowName: "Refresh", Status: WorkQueueStatusDispatched, MetadataID: &old.ID}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dc := mem.DataContextFactory()()
	dc.Track(&Log{MetadataID: old.ID, Level: "INFO", Message: "step starting"})
	dc.Track(&StepMetadata{WorkflowExternalID: old.ExternalID, Name: "FetchOrders"})
	if err := dc.SaveChanges(ctx); err != nil {
		t.Fatalf("save tracked rows: %v", err)
	}

	stats, err := mem.Maintenance().PurgeTerminalMetadata(ctx, "Refresh", now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if stats.Metadata != 1 || stats.WorkQueues != 1 || stats.Logs != 1 || stats.StepMetadata != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	if _, err := stores.Metadata.Get(ctx, old.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old metadata err = %v, want ErrNotFound", err)
	}
	if _, err := stores.Metadata.Get(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh metadata should survive: %v", err)
	}
	if _, err := stores.Metadata.Get(ctx, running.ID); err != nil {
		t.Fatalf("running metadata should survive: %v", err)
	}

	report, err := mem.Maintenance().StatusReport(ctx)
	if err != nil {
		t.Fatalf("status report: %v", err)
	}
	if report.MetadataByState[string(WorkflowStateCompleted)] != 1 {
		t.Fatalf("report completed = %d, want 1", report.MetadataByState[string(WorkflowStateCompleted)])
	}
}
