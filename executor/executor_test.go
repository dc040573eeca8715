package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/stepflow/bus"
	"github.com/c360studio/stepflow/storage"
	"github.com/c360studio/stepflow/workflow"
)

type reindexInput struct {
	Shard string `json:"shard"`
}

type reindexRecorder struct {
	inputs  []reindexInput
	parents []*int64
	fail    bool
}

type reindexWorkflow struct {
	rec *reindexRecorder
}

func (w reindexWorkflow) Name() string { return "Reindex" }

func (w reindexWorkflow) Define(_ context.Context, r *workflow.Run, in reindexInput) (workflow.Unit, error) {
	w.rec.inputs = append(w.rec.inputs, in)
	w.rec.parents = append(w.rec.parents, r.Metadata().ParentID)
	if w.rec.fail {
		return workflow.Unit{}, errors.New("reindex blew up")
	}
	return workflow.Unit{}, nil
}

type fixture struct {
	stores   *storage.Stores
	rec      *reindexRecorder
	exec     *Workflow
	manifest *storage.Manifest
	metadata *storage.Metadata
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	mem := storage.NewMemory(clock)
	stores := mem.Stores()

	rec := &reindexRecorder{}
	registry := bus.NewRegistry()
	bus.MustRegister(registry, reindexWorkflow{rec: rec})
	b := bus.New(registry, workflow.WithClock(clock))
	exec := New(stores.Metadata, stores.Manifests, b, clock)
	bus.MustRegister(registry, exec)

	group, err := stores.Manifests.GetOrCreateGroup(ctx, "", nil, 0)
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	props, err := json.Marshal(reindexInput{Shard: "a"})
	if err != nil {
		t.Fatalf("marshal props: %v", err)
	}
	mf := &storage.Manifest{
		ExternalID:      "reindex-hourly",
		Name:            "Reindex",
		PropertyType:    workflow.TypeNameOf(reindexInput{}),
		Properties:      props,
		ScheduleType:    storage.ScheduleTypeInterval,
		MaxRetries:      2,
		IsEnabled:       true,
		ManifestGroupID: group.ID,
	}
	if err := stores.Manifests.Create(ctx, mf); err != nil {
		t.Fatalf("create manifest: %v", err)
	}
	md := &storage.Metadata{
		ExternalID:    storage.NewExternalID(),
		Name:          "Reindex",
		WorkflowState: storage.WorkflowStatePending,
		StartTime:     now,
		Input:         props,
		ManifestID:    &mf.ID,
	}
	if err := stores.Metadata.Create(ctx, md); err != nil {
		t.Fatalf("create metadata: %v", err)
	}
	return &fixture{stores: stores, rec: rec, exec: exec, manifest: mf, metadata: md, now: now}
}

func TestExecuteManifest(t *testing.T) {
	ctx := context.Background()

	t.Run("runs target and stamps manifest", func(t *testing.T) {
		f := newFixture(t)
		_, err := workflow.Execute(ctx, f.exec,
			ExecuteManifestRequest{MetadataID: f.metadata.ID},
			workflow.WithMetadata(f.metadata))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}

		if len(f.rec.inputs) != 1 || f.rec.inputs[0].Shard != "a" {
			t.Fatalf("target ran with %+v", f.rec.inputs)
		}
		if f.rec.parents[0] == nil || *f.rec.parents[0] != f.metadata.ID {
			t.Fatalf("child parent = %v, want %d", f.rec.parents[0], f.metadata.ID)
		}

		stamped, err := f.stores.Manifests.GetByID(ctx, f.manifest.ID)
		if err != nil {
			t.Fatalf("reload manifest: %v", err)
		}
		if stamped.LastSuccessfulRun == nil || !stamped.LastSuccessfulRun.Equal(f.now) {
			t.Fatalf("last successful run = %v, want %s", stamped.LastSuccessfulRun, f.now)
		}
		if f.metadata.WorkflowState != storage.WorkflowStateCompleted {
			t.Fatalf("adopted metadata state = %s", f.metadata.WorkflowState)
		}
	})

	t.Run("replacement input overrides properties", func(t *testing.T) {
		f := newFixture(t)
		_, err := workflow.Execute(ctx, f.exec, ExecuteManifestRequest{
			MetadataID: f.metadata.ID,
			Input:      json.RawMessage(`{"shard":"override"}`),
		}, workflow.WithMetadata(f.metadata))
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if len(f.rec.inputs) != 1 || f.rec.inputs[0].Shard != "override" {
			t.Fatalf("target ran with %+v", f.rec.inputs)
		}
	})

	t.Run("metadata without manifest fails", func(t *testing.T) {
		f := newFixture(t)
		orphan := &storage.Metadata{
			ExternalID:    storage.NewExternalID(),
			Name:          "Reindex",
			WorkflowState: storage.WorkflowStatePending,
			StartTime:     f.now,
		}
		if err := f.stores.Metadata.Create(ctx, orphan); err != nil {
			t.Fatalf("create orphan: %v", err)
		}

		_, err := workflow.Execute(ctx, f.exec, ExecuteManifestRequest{MetadataID: orphan.ID})
		if err == nil || !strings.Contains(err.Error(), "not linked to a manifest") {
			t.Fatalf("err = %v", err)
		}
		if len(f.rec.inputs) != 0 {
			t.Fatal("target should not have run")
		}
	})

	t.Run("missing metadata fails", func(t *testing.T) {
		f := newFixture(t)
		_, err := workflow.Execute(ctx, f.exec, ExecuteManifestRequest{MetadataID: 9999})
		if err == nil || !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("err = %v, want wrapped ErrNotFound", err)
		}
	})

	t.Run("child failure fails the run and skips the stamp", func(t *testing.T) {
		f := newFixture(t)
		f.rec.fail = true

		_, err := workflow.Execute(ctx, f.exec,
			ExecuteManifestRequest{MetadataID: f.metadata.ID},
			workflow.WithMetadata(f.metadata))
		if err == nil {
			t.Fatal("expected failure")
		}
		if f.metadata.WorkflowState != storage.WorkflowStateFailed {
			t.Fatalf("adopted metadata state = %s", f.metadata.WorkflowState)
		}
		if f.metadata.FailureStep == nil || *f.metadata.FailureStep != "ExecuteScheduled" {
			t.Fatalf("failure step = %v", f.metadata.FailureStep)
		}

		reloaded, err := f.stores.Manifests.GetByID(ctx, f.manifest.ID)
		if err != nil {
			t.Fatalf("reload manifest: %v", err)
		}
		if reloaded.LastSuccessfulRun != nil {
			t.Fatal("manifest must not be stamped on failure")
		}
	})
}
