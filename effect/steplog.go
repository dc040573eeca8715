package effect

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360studio/stepflow/storage"
)

// StepLogging returns the step provider that logs step transitions at
// level, serializing step inputs and outputs with the run's JSON
// options. Runs that carry a persisted metadata row also get matching
// storage.Log rows tracked for persistence.
func StepLogging(level slog.Level) StepProviderFactory {
	return func(scope *RunScope) (StepProvider, error) {
		return &stepLogProvider{scope: scope, level: level}, nil
	}
}

type stepLogProvider struct {
	scope *RunScope
	level slog.Level
}

func (p *stepLogProvider) BeforeStepExecution(ctx context.Context, sc *StepContext) error {
	attrs := []any{
		"workflow", sc.WorkflowName,
		"external_id", sc.WorkflowExternalID,
		"step", sc.StepName,
		"index", sc.Index,
	}
	if sc.Input != nil {
		if raw, err := p.scope.JSON.Marshal(sc.Input); err == nil {
			attrs = append(attrs, "input", string(raw))
		}
	}
	p.log(ctx, "step starting", attrs...)
	p.record(fmt.Sprintf("step %s starting", sc.StepName), sc, nil)
	return nil
}

func (p *stepLogProvider) AfterStepExecution(ctx context.Context, sc *StepContext) error {
	attrs := []any{
		"workflow", sc.WorkflowName,
		"external_id", sc.WorkflowExternalID,
		"step", sc.StepName,
		"index", sc.Index,
		"track", string(sc.Track),
		"has_ran", sc.HasRan,
	}
	if sc.StartedAt != nil && sc.EndedAt != nil {
		attrs = append(attrs, "duration", sc.EndedAt.Sub(*sc.StartedAt).String())
	}
	if sc.HasRan && sc.Output != nil {
		if raw, err := p.scope.JSON.Marshal(sc.Output); err == nil {
			attrs = append(attrs, "output", string(raw))
		}
	}
	if sc.Failure != nil {
		attrs = append(attrs, "error", sc.Failure.Message)
	}
	p.log(ctx, "step finished", attrs...)
	p.record(fmt.Sprintf("step %s finished on track %s", sc.StepName, sc.Track), sc, sc.Failure)
	return nil
}

func (p *stepLogProvider) Dispose() error { return nil }

func (p *stepLogProvider) log(ctx context.Context, msg string, attrs ...any) {
	if p.scope.Logger == nil {
		return
	}
	p.scope.Logger.Log(ctx, p.level, msg, attrs...)
}

// record tracks a storage.Log row for the run. Rows are only written
// once the metadata row has been persisted and carries a database id.
func (p *stepLogProvider) record(message string, sc *StepContext, failure error) {
	if p.scope.Data == nil || p.scope.Metadata == nil || p.scope.Metadata.ID == 0 {
		return
	}
	attrs := map[string]any{
		"step":    sc.StepName,
		"index":   sc.Index,
		"track":   string(sc.Track),
		"has_ran": sc.HasRan,
	}
	if failure != nil {
		attrs["error"] = failure.Error()
	}
	raw, err := p.scope.JSON.Marshal(attrs)
	if err != nil {
		raw = nil
	}
	p.scope.Data.Track(&storage.Log{
		MetadataID: p.scope.Metadata.ID,
		Level:      p.level.String(),
		Message:    message,
		Attributes: raw,
		LoggedAt:   p.scope.Now(),
	})
}
