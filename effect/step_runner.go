package effect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/stepflow/step"
)

// StepContext is the per-step view handed to step providers. Before
// hooks see the identity fields; After hooks additionally see the
// outcome.
type StepContext struct {
	WorkflowName       string
	WorkflowExternalID string
	StepName           string
	// Index is the step's position in declaration order, starting at 1.
	Index      int
	InputType  string
	OutputType string
	Input      any
	Output     any
	// Track is the outcome track; TrackBottom for steps skipped
	// because an earlier step failed.
	Track step.Track
	// HasRan reports whether the step body was invoked.
	HasRan    bool
	StartedAt *time.Time
	EndedAt   *time.Time
	Failure   *step.ExceptionData
}

// StepProvider observes step execution. Both hooks run for every
// declared step, including steps skipped on an already-failed run.
type StepProvider interface {
	BeforeStepExecution(ctx context.Context, sc *StepContext) error
	AfterStepExecution(ctx context.Context, sc *StepContext) error
	Dispose() error
}

// StepProviderFactory builds a step provider bound to one run.
type StepProviderFactory func(scope *RunScope) (StepProvider, error)

// StepRunner fans step hooks out to every active step provider.
type StepRunner struct {
	scope     *RunScope
	providers []StepProvider
}

// NewStepRunner constructs every step provider for the scope.
func NewStepRunner(scope *RunScope, factories []StepProviderFactory) (*StepRunner, error) {
	r := &StepRunner{scope: scope}
	for _, factory := range factories {
		p, err := factory(scope)
		if err != nil {
			_ = r.Dispose()
			return nil, fmt.Errorf("construct step effect provider: %w", err)
		}
		r.providers = append(r.providers, p)
	}
	return r, nil
}

// Before invokes every provider's before hook. Hook failures are
// joined and reported but never abort the step itself.
func (r *StepRunner) Before(ctx context.Context, sc *StepContext) error {
	var errs []error
	for _, p := range r.providers {
		if err := p.BeforeStepExecution(ctx, sc); err != nil {
			errs = append(errs, fmt.Errorf("before step %T: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// After invokes every provider's after hook.
func (r *StepRunner) After(ctx context.Context, sc *StepContext) error {
	var errs []error
	for _, p := range r.providers {
		if err := p.AfterStepExecution(ctx, sc); err != nil {
			errs = append(errs, fmt.Errorf("after step %T: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

// Dispose releases every provider, visiting all of them even when
// earlier disposals fail.
func (r *StepRunner) Dispose() error {
	var errs []error
	for _, p := range r.providers {
		if err := p.Dispose(); err != nil {
			err = fmt.Errorf("dispose %T: %w", p, err)
			if r.scope != nil && r.scope.Logger != nil {
				r.scope.Logger.Warn("step effect provider dispose failed", "error", err)
			}
			errs = append(errs, err)
		}
	}
	r.providers = nil
	return errors.Join(errs...)
}
