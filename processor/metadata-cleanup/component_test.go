package metadatacleanup

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/c360studio/stepflow/storage"
)

func seedTerminal(t *testing.T, mem *storage.Memory, name string, state storage.WorkflowState, startedAt time.Time) *storage.Metadata {
	t.Helper()
	md := &storage.Metadata{
		ExternalID:    storage.NewExternalID(),
		Name:          name,
		WorkflowState: state,
		StartTime:     startedAt,
	}
	if err := mem.Stores().Metadata.Create(context.Background(), md); err != nil {
		t.Fatalf("create metadata: %v", err)
	}
	return md
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	t.Run("purges whitelisted terminal metadata past retention", func(t *testing.T) {
		mem := storage.NewMemory(clock)
		old := seedTerminal(t, mem, "Refresh", storage.WorkflowStateCompleted, now.Add(-48*time.Hour))
		fresh := seedTerminal(t, mem, "Refresh", storage.WorkflowStateCompleted, now.Add(-1*time.Hour))
		unlisted := seedTerminal(t, mem, "Reindex", storage.WorkflowStateFailed, now.Add(-48*time.Hour))

		dc := mem.DataContextFactory()()
		dc.Track(&storage.Log{MetadataID: old.ID, Level: "INFO", Message: "step starting"})
		dc.Track(&storage.StepMetadata{WorkflowExternalID: old.ExternalID, Name: "FetchOrders"})
		if err := dc.SaveChanges(ctx); err != nil {
			t.Fatalf("save tracked rows: %v", err)
		}

		comp, err := New(Config{
			RetentionPeriod: "24h",
			Workflows:       []string{"Refresh"},
		}, mem.Maintenance(), slog.New(slog.DiscardHandler), clock)
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		stats, err := comp.Cleanup(ctx)
		if err != nil {
			t.Fatalf("Cleanup: %v", err)
		}
		if stats.Metadata != 1 {
			t.Errorf("stats.Metadata = %d, want 1", stats.Metadata)
		}
		if stats.Logs != 1 || stats.StepMetadata != 1 {
			t.Errorf("child stats = %+v, want one log and one step row", stats)
		}

		stores := mem.Stores()
		if _, err := stores.Metadata.Get(ctx, old.ID); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("old metadata err = %v, want ErrNotFound", err)
		}
		if _, err := stores.Metadata.Get(ctx, fresh.ID); err != nil {
			t.Errorf("fresh metadata should survive: %v", err)
		}
		if _, err := stores.Metadata.Get(ctx, unlisted.ID); err != nil {
			t.Errorf("unlisted workflow should survive: %v", err)
		}
	})

	t.Run("empty whitelist purges nothing", func(t *testing.T) {
		mem := storage.NewMemory(clock)
		old := seedTerminal(t, mem, "Refresh", storage.WorkflowStateCompleted, now.Add(-48*time.Hour))

		comp, err := New(Config{RetentionPeriod: "24h"}, mem.Maintenance(), slog.New(slog.DiscardHandler), clock)
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		stats, err := comp.Cleanup(ctx)
		if err != nil {
			t.Fatalf("Cleanup: %v", err)
		}
		if stats.Total() != 0 {
			t.Errorf("stats.Total() = %d, want 0", stats.Total())
		}
		if _, err := mem.Stores().Metadata.Get(ctx, old.ID); err != nil {
			t.Errorf("metadata should survive: %v", err)
		}
	})

	t.Run("rejects a bad schedule", func(t *testing.T) {
		_, err := New(Config{Schedule: "not-cron"}, storage.NewMemory(clock).Maintenance(), slog.New(slog.DiscardHandler), clock)
		if err == nil {
			t.Fatal("expected invalid schedule to fail")
		}
	})
}

func TestCleanupSchedule(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	mem := storage.NewMemory(clock)
	seedTerminal(t, mem, "Refresh", storage.WorkflowStateCompleted, now.Add(-48*time.Hour))

	comp, err := New(Config{
		Schedule:        "@every 20ms",
		RetentionPeriod: "24h",
		Workflows:       []string{"Refresh"},
	}, mem.Maintenance(), slog.New(slog.DiscardHandler), clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	if err := comp.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for comp.CleanupsCompleted() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no cleanup run before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := comp.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if comp.IsRunning() {
		t.Fatal("IsRunning = true after Stop")
	}
	if got := comp.RowsPurged(); got != 1 {
		t.Errorf("RowsPurged = %d, want 1", got)
	}
}
