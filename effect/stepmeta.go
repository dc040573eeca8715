package effect

import (
	"context"
	"fmt"

	"github.com/c360studio/stepflow/storage"
)

// StepMetadataRecorder returns the step provider that emits one
// storage.StepMetadata row per declared step, including steps skipped
// after an earlier failure. When serializeOutput is set the output of
// executed steps is captured on the row.
func StepMetadataRecorder(serializeOutput bool) StepProviderFactory {
	return func(scope *RunScope) (StepProvider, error) {
		return &stepMetadataProvider{
			scope:           scope,
			serializeOutput: serializeOutput,
			open:            make(map[int]*storage.StepMetadata),
		}, nil
	}
}

type stepMetadataProvider struct {
	scope           *RunScope
	serializeOutput bool
	open            map[int]*storage.StepMetadata
}

func (p *stepMetadataProvider) BeforeStepExecution(_ context.Context, sc *StepContext) error {
	p.open[sc.Index] = &storage.StepMetadata{
		ExternalID:         storage.NewExternalID(),
		WorkflowExternalID: sc.WorkflowExternalID,
		Name:               sc.StepName,
		InputType:          sc.InputType,
		OutputType:         sc.OutputType,
	}
	return nil
}

func (p *stepMetadataProvider) AfterStepExecution(_ context.Context, sc *StepContext) error {
	row, ok := p.open[sc.Index]
	if !ok {
		return nil
	}
	delete(p.open, sc.Index)

	// Timestamps land on the context after the before hook has fired,
	// so both are read here.
	row.State = string(sc.Track)
	row.HasRan = sc.HasRan
	row.StartTimeUTC = sc.StartedAt
	row.EndTimeUTC = sc.EndedAt
	if p.serializeOutput && sc.HasRan && sc.Output != nil {
		raw, err := p.scope.JSON.Marshal(sc.Output)
		if err != nil {
			return fmt.Errorf("serialize step output: %w", err)
		}
		row.OutputJSON = raw
	}
	if p.scope.Data != nil {
		p.scope.Data.Track(row)
	}
	return nil
}

func (p *stepMetadataProvider) Dispose() error {
	p.open = nil
	return nil
}
