package effect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/c360studio/stepflow/storage"
)

// EventPublisher publishes serialized lifecycle events to a subject.
// A *nats.Conn satisfies it directly.
type EventPublisher interface {
	Publish(subject string, data []byte) error
}

// WorkflowEvent is the payload published when a run's state changes.
type WorkflowEvent struct {
	ExternalID    string    `json:"external_id"`
	Name          string    `json:"name"`
	State         string    `json:"state"`
	ManifestID    *int64    `json:"manifest_id,omitempty"`
	FailureStep   *string   `json:"failure_step,omitempty"`
	FailureReason *string   `json:"failure_reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// StepEvent is the payload published after each step slot finishes.
type StepEvent struct {
	WorkflowName string    `json:"workflow_name"`
	ExternalID   string    `json:"external_id"`
	Step         string    `json:"step"`
	Index        int       `json:"index"`
	Track        string    `json:"track"`
	HasRan       bool      `json:"has_ran"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Events returns the provider that publishes a WorkflowEvent on
// <prefix>.workflow.<state> whenever the run's state changed across a
// save. Publish failures are logged, never returned, so an event bus
// outage cannot fail a run.
func Events(pub EventPublisher, prefix string) ProviderFactory {
	return func(scope *RunScope) (Provider, error) {
		return &eventProvider{scope: scope, pub: pub, prefix: prefix}, nil
	}
}

type eventProvider struct {
	scope     *RunScope
	pub       EventPublisher
	prefix    string
	published storage.WorkflowState
}

func (p *eventProvider) Track(any) {}

func (p *eventProvider) SaveChanges(ctx context.Context) error {
	md := p.scope.Metadata
	if md == nil || p.pub == nil || md.WorkflowState == p.published {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	event := WorkflowEvent{
		ExternalID:    md.ExternalID,
		Name:          md.Name,
		State:         string(md.WorkflowState),
		ManifestID:    md.ManifestID,
		FailureStep:   md.FailureStep,
		FailureReason: md.FailureReason,
		OccurredAt:    p.scope.Now(),
	}
	subject := fmt.Sprintf("%s.workflow.%s", p.prefix, strings.ToLower(event.State))
	if err := p.publish(subject, event); err != nil {
		if p.scope.Logger != nil {
			p.scope.Logger.Warn("publish workflow event failed", "subject", subject, "error", err)
		}
		return nil
	}
	p.published = md.WorkflowState
	return nil
}

func (p *eventProvider) Dispose() error { return nil }

func (p *eventProvider) publish(subject string, v any) error {
	data, err := p.scope.JSON.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.pub.Publish(subject, data)
}

// StepEvents returns the step provider that publishes a StepEvent on
// <prefix>.step.<track> after each step slot. Publish failures are
// logged, never returned.
func StepEvents(pub EventPublisher, prefix string) StepProviderFactory {
	return func(scope *RunScope) (StepProvider, error) {
		return &stepEventProvider{scope: scope, pub: pub, prefix: prefix}, nil
	}
}

type stepEventProvider struct {
	scope  *RunScope
	pub    EventPublisher
	prefix string
}

func (p *stepEventProvider) BeforeStepExecution(context.Context, *StepContext) error {
	return nil
}

func (p *stepEventProvider) AfterStepExecution(ctx context.Context, sc *StepContext) error {
	if p.pub == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	event := StepEvent{
		WorkflowName: sc.WorkflowName,
		ExternalID:   sc.WorkflowExternalID,
		Step:         sc.StepName,
		Index:        sc.Index,
		Track:        string(sc.Track),
		HasRan:       sc.HasRan,
		OccurredAt:   p.scope.Now(),
	}
	subject := fmt.Sprintf("%s.step.%s", p.prefix, strings.ToLower(event.Track))
	data, err := p.scope.JSON.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal step event: %w", err)
	}
	if err := p.pub.Publish(subject, data); err != nil && p.scope.Logger != nil {
		p.scope.Logger.Warn("publish step event failed", "subject", subject, "error", err)
	}
	return nil
}

func (p *stepEventProvider) Dispose() error { return nil }
