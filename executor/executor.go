// Package executor runs dispatched manifest jobs. The task server
// invokes its workflow for every claimed job; the workflow loads the
// job's metadata, runs the manifest's target workflow as a child run,
// and stamps the manifest's last successful run.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/stepflow/bus"
	"github.com/c360studio/stepflow/step"
	"github.com/c360studio/stepflow/storage"
	"github.com/c360studio/stepflow/workflow"
)

// ExecuteManifestRequest asks for one dispatched job to be executed.
// A non-empty Input overrides the manifest's stored properties for
// this run.
type ExecuteManifestRequest struct {
	MetadataID int64           `json:"metadata_id"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// manifestRun is the loaded execution context of one request.
type manifestRun struct {
	Metadata *storage.Metadata
	Manifest *storage.Manifest
	Input    json.RawMessage
}

// scheduledOutcome carries the child run's result toward the stamp
// and commit steps.
type scheduledOutcome struct {
	Manifest *storage.Manifest
	Output   any
}

// Workflow executes one scheduled manifest end to end. Register it on
// the bus; the task server triggers it with an ExecuteManifestRequest
// and the dispatcher-created metadata adopted into the run.
type Workflow struct {
	metadata  storage.MetadataStore
	manifests storage.ManifestStore
	bus       *bus.Bus
	clock     func() time.Time
}

// New builds the executor over the stores and bus it orchestrates. A
// nil clock falls back to UTC now.
func New(metadata storage.MetadataStore, manifests storage.ManifestStore, b *bus.Bus, clock func() time.Time) *Workflow {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Workflow{metadata: metadata, manifests: manifests, bus: b, clock: clock}
}

// Name implements workflow.Typed.
func (w *Workflow) Name() string { return "ExecuteManifest" }

// Define implements workflow.Typed.
func (w *Workflow) Define(ctx context.Context, r *workflow.Run, in ExecuteManifestRequest) (workflow.Unit, error) {
	workflow.Activate(r, in)
	workflow.Chain(ctx, r, step.NewFunc("LoadMetadata", w.loadMetadata))
	workflow.Chain(ctx, r, step.NewFunc("ExecuteScheduled", func(ctx context.Context, mr manifestRun) (scheduledOutcome, error) {
		return w.executeScheduled(ctx, r, mr)
	}))
	workflow.Chain(ctx, r, step.NewFunc("UpdateManifestSuccess", w.updateManifestSuccess))
	workflow.Chain(ctx, r, step.NewFunc("SaveDatabaseChanges", func(ctx context.Context, _ workflow.Unit) (workflow.Unit, error) {
		return workflow.Unit{}, r.SaveChanges(ctx)
	}))
	return workflow.Resolve[workflow.Unit](r)
}

func (w *Workflow) loadMetadata(ctx context.Context, in ExecuteManifestRequest) (manifestRun, error) {
	md, err := w.metadata.GetWithManifest(ctx, in.MetadataID)
	if err != nil {
		return manifestRun{}, fmt.Errorf("load metadata %d: %w", in.MetadataID, err)
	}
	if md.Manifest == nil {
		return manifestRun{}, fmt.Errorf("metadata %d is not linked to a manifest", in.MetadataID)
	}
	input := in.Input
	if len(input) == 0 {
		input = md.Manifest.Properties
	}
	return manifestRun{Metadata: md, Manifest: md.Manifest, Input: input}, nil
}

// executeScheduled resolves the manifest's target workflow by its
// registered input type and runs it as a child of this run.
func (w *Workflow) executeScheduled(ctx context.Context, r *workflow.Run, mr manifestRun) (scheduledOutcome, error) {
	out, err := w.bus.RunRaw(ctx, mr.Manifest.PropertyType, mr.Input, workflow.WithParent(r.Metadata()))
	if err != nil {
		return scheduledOutcome{}, fmt.Errorf("run scheduled workflow %s: %w", mr.Manifest.Name, err)
	}
	return scheduledOutcome{Manifest: mr.Manifest, Output: out}, nil
}

func (w *Workflow) updateManifestSuccess(ctx context.Context, oc scheduledOutcome) (workflow.Unit, error) {
	if err := w.manifests.UpdateLastSuccessfulRun(ctx, oc.Manifest.ID, w.clock()); err != nil {
		return workflow.Unit{}, fmt.Errorf("stamp manifest %s: %w", oc.Manifest.ExternalID, err)
	}
	return workflow.Unit{}, nil
}
