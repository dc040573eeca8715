package bus

import (
	"context"
	"encoding/json"

	"github.com/c360studio/stepflow/storage"
	"github.com/c360studio/stepflow/workflow"
)

// Bus executes registered workflows by input type. Base options are
// applied to every run; per-call options append after them so callers
// can link parents or adopt dispatcher-created metadata.
type Bus struct {
	registry *Registry
	opts     []workflow.Option
}

// New creates a bus over the registry with base run options.
func New(registry *Registry, opts ...workflow.Option) *Bus {
	return &Bus{registry: registry, opts: opts}
}

// Registry returns the underlying registry.
func (b *Bus) Registry() *Registry { return b.registry }

// RunAsync looks up the workflow mapped to input's runtime type and
// executes it. An unmapped input type is a workflow error.
func (b *Bus) RunAsync(ctx context.Context, input any, opts ...workflow.Option) (any, error) {
	entry, err := b.registry.lookup(workflow.TypeNameOf(input))
	if err != nil {
		return nil, err
	}
	return entry.run(ctx, input, b.merge(opts))
}

// RunRaw rehydrates raw JSON into the input type registered under
// inputType and executes the mapped workflow.
func (b *Bus) RunRaw(ctx context.Context, inputType string, raw json.RawMessage, opts ...workflow.Option) (any, error) {
	entry, err := b.registry.lookup(inputType)
	if err != nil {
		return nil, err
	}
	in, err := b.registry.DecodeInput(inputType, raw)
	if err != nil {
		return nil, err
	}
	return entry.run(ctx, in, b.merge(opts))
}

// RunAs executes like Bus.RunAsync and asserts the output type.
func RunAs[TOut any](ctx context.Context, b *Bus, input any, opts ...workflow.Option) (TOut, error) {
	var zero TOut
	out, err := b.RunAsync(ctx, input, opts...)
	if err != nil {
		return zero, err
	}
	typed, ok := out.(TOut)
	if !ok {
		return zero, &workflow.Error{
			Message: "workflow output " + workflow.TypeNameOf(out) + " is not " + workflow.TypeName[TOut](),
		}
	}
	return typed, nil
}

// InitializeWorkflow creates the mapped workflow's Pending metadata
// without executing it.
func (b *Bus) InitializeWorkflow(ctx context.Context, input any, opts ...workflow.Option) (*storage.Metadata, error) {
	entry, err := b.registry.lookup(workflow.TypeNameOf(input))
	if err != nil {
		return nil, err
	}
	return entry.initialize(ctx, input, b.merge(opts))
}

func (b *Bus) merge(opts []workflow.Option) []workflow.Option {
	if len(opts) == 0 {
		return b.opts
	}
	merged := make([]workflow.Option, 0, len(b.opts)+len(opts))
	merged = append(merged, b.opts...)
	merged = append(merged, opts...)
	return merged
}
