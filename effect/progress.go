package effect

import (
	"context"
	"time"

	"github.com/c360studio/stepflow/step"
)

// ProgressUpdate describes one finished step slot within a run.
type ProgressUpdate struct {
	WorkflowName string
	ExternalID   string
	StepName     string
	// Index is the slot position in declaration order, starting at 1.
	Index int
	// Completed is how many slots have finished so far in this run.
	Completed int
	Track     step.Track
	HasRan    bool
	Duration  time.Duration
}

// StepProgress returns the step provider that reports one update per
// finished step slot. Skipped slots report too, with HasRan false.
func StepProgress(report func(ProgressUpdate)) StepProviderFactory {
	return func(scope *RunScope) (StepProvider, error) {
		return &stepProgressProvider{scope: scope, report: report}, nil
	}
}

type stepProgressProvider struct {
	scope     *RunScope
	report    func(ProgressUpdate)
	completed int
}

func (p *stepProgressProvider) BeforeStepExecution(context.Context, *StepContext) error {
	return nil
}

func (p *stepProgressProvider) AfterStepExecution(_ context.Context, sc *StepContext) error {
	p.completed++
	if p.report == nil {
		return nil
	}
	update := ProgressUpdate{
		WorkflowName: sc.WorkflowName,
		ExternalID:   sc.WorkflowExternalID,
		StepName:     sc.StepName,
		Index:        sc.Index,
		Completed:    p.completed,
		Track:        sc.Track,
		HasRan:       sc.HasRan,
	}
	if sc.StartedAt != nil && sc.EndedAt != nil {
		update.Duration = sc.EndedAt.Sub(*sc.StartedAt)
	}
	p.report(update)
	return nil
}

func (p *stepProgressProvider) Dispose() error { return nil }
