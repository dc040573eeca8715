package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/c360studio/stepflow/effect"
	"github.com/c360studio/stepflow/step"
	"github.com/c360studio/stepflow/storage"
)

// Execute runs def and returns its resolved value. A run that ends on
// the failure track returns the failure as an error; cancellation is
// returned raw.
func Execute[TIn, TOut any](ctx context.Context, def Typed[TIn, TOut], in TIn, opts ...Option) (TOut, error) {
	var zero TOut
	result, err := ExecuteEither(ctx, def, in, opts...)
	if err != nil {
		return zero, err
	}
	if out, ok := result.Value(); ok {
		return out, nil
	}
	if failure := result.Failure(); failure != nil {
		return zero, failure
	}
	return zero, newError(def.Name(), "run produced no result")
}

// ExecuteEither runs def and returns the outcome as a two-track value.
// The error return carries only what escapes the sum: cancellation and
// harness failures such as effect construction or persistence errors.
func ExecuteEither[TIn, TOut any](ctx context.Context, def Typed[TIn, TOut], in TIn, opts ...Option) (step.Result[TOut], error) {
	o := buildOptions(opts)
	r, err := initializeRun(def.Name(), in, o)
	if err != nil {
		return step.BottomOf[TOut](), err
	}
	defer r.dispose()

	if err := r.begin(ctx); err != nil {
		return step.BottomOf[TOut](), err
	}

	out, derr := invokeDefine(ctx, def, r, in)
	return finalizeRun(ctx, r, out, derr)
}

// Initialize creates and persists the run's Pending metadata without
// executing the workflow.
func Initialize[TIn, TOut any](ctx context.Context, def Typed[TIn, TOut], in TIn, opts ...Option) (*storage.Metadata, error) {
	o := buildOptions(opts)
	r, err := initializeRun(def.Name(), in, o)
	if err != nil {
		return nil, err
	}
	defer r.dispose()

	r.effects.Track(r.metadata)
	if err := r.effects.SaveChanges(ctx); err != nil {
		return nil, fmt.Errorf("persist workflow initialization: %w", err)
	}
	return r.metadata, nil
}

// initializeRun builds the run state: metadata, scope, and both effect
// runners. Callers own disposal.
func initializeRun(name string, in any, o *Options) (*Run, error) {
	clock := o.clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	md := o.metadata
	if md == nil {
		md = &storage.Metadata{
			ExternalID:    storage.NewExternalID(),
			Name:          name,
			WorkflowState: storage.WorkflowStatePending,
			StartTime:     clock(),
			ManifestID:    o.manifestID,
		}
		if o.parent != nil {
			md.ParentID = &o.parent.ID
		}
	}
	if md.ExternalID == "" {
		md.ExternalID = storage.NewExternalID()
	}

	scope := &effect.RunScope{
		WorkflowName: name,
		ExternalID:   md.ExternalID,
		Logger:       logger.With("workflow", name, "external_id", md.ExternalID),
		JSON:         o.json,
		Clock:        clock,
		Metadata:     md,
		Input:        in,
	}
	if o.dataFactory != nil {
		scope.Data = o.dataFactory()
	}

	effects, err := effect.NewRunner(scope, o.factories)
	if err != nil {
		return nil, err
	}
	stepFx, err := effect.NewStepRunner(scope, o.stepFactories)
	if err != nil {
		_ = effects.Dispose()
		return nil, err
	}

	return &Run{
		name:       name,
		externalID: md.ExternalID,
		services:   o.services,
		effects:    effects,
		stepFx:     stepFx,
		scope:      scope,
		logger:     scope.Logger,
		clock:      clock,
		metadata:   md,
	}, nil
}

// begin flips the run to InProgress and persists the transition.
func (r *Run) begin(ctx context.Context) error {
	r.metadata.WorkflowState = storage.WorkflowStateInProgress
	r.effects.Track(r.metadata)
	if err := r.effects.SaveChanges(ctx); err != nil {
		return fmt.Errorf("persist workflow start: %w", err)
	}
	return nil
}

func (r *Run) dispose() {
	if r.stepFx != nil {
		_ = r.stepFx.Dispose()
	}
	if r.effects != nil {
		_ = r.effects.Dispose()
	}
}

// invokeDefine runs the definition body with panic recovery. Panics
// between chain slots become workflow failures like panics inside
// steps do.
func invokeDefine[TIn, TOut any](ctx context.Context, def Typed[TIn, TOut], r *Run, in TIn) (out TOut, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			exc := step.NewExceptionData(fmt.Errorf("panic: %v", rec), "", r.info())
			exc.Type = fmt.Sprintf("panic(%T)", rec)
			exc.StackTrace = string(debug.Stack())
			err = exc
		}
	}()
	return def.Define(ctx, r, in)
}

// finalizeRun stamps the terminal state, persists it, and shapes the
// two-track outcome. The terminal save runs detached from ctx so a
// canceled run still records its end.
func finalizeRun[TOut any](ctx context.Context, r *Run, out TOut, derr error) (step.Result[TOut], error) {
	md := r.metadata
	ended := r.now()
	md.EndTime = &ended

	var result step.Result[TOut]
	var runErr error

	switch {
	case r.cancelErr != nil || step.Canceled(derr):
		cancelErr := r.cancelErr
		if cancelErr == nil {
			cancelErr = derr
		}
		md.WorkflowState = storage.WorkflowStateFailed
		reason := "workflow cancelled"
		md.FailureReason = &reason
		result = step.BottomOf[TOut]()
		runErr = cancelErr

	case derr != nil || r.failure != nil:
		md.WorkflowState = storage.WorkflowStateFailed
		exc := r.failure
		if exc == nil {
			if !errors.As(derr, &exc) {
				exc = step.NewExceptionData(derr, "", r.info())
			}
		}
		md.FailureStep = &exc.Step
		md.FailureException = &exc.Type
		md.FailureReason = &exc.Message
		if exc.StackTrace != "" {
			md.StackTrace = &exc.StackTrace
		}
		result = step.Fail[TOut](exc)

	default:
		md.WorkflowState = storage.WorkflowStateCompleted
		r.scope.Output = out
		result = step.Ok(out)
	}

	if err := r.effects.SaveChanges(context.WithoutCancel(ctx)); err != nil {
		saveErr := fmt.Errorf("persist workflow end: %w", err)
		r.Logger().Error("failed to persist workflow end", "state", md.WorkflowState, "error", saveErr)
		if runErr == nil {
			runErr = saveErr
		}
	}
	return result, runErr
}
