// Package bus routes workflow inputs to their registered definitions.
// Each workflow is keyed by the type of its input; the bus executes
// whichever workflow the input's runtime type maps to, so callers
// dispatch work without naming the workflow.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/c360studio/stepflow/storage"
	"github.com/c360studio/stepflow/workflow"
)

// registration binds one input type to one workflow definition.
type registration struct {
	inputType    string
	workflowName string
	workflowType string
	newInput     func() any
	run          func(ctx context.Context, in any, opts []workflow.Option) (any, error)
	initialize   func(ctx context.Context, in any, opts []workflow.Option) (*storage.Metadata, error)
}

// Binding describes one registered input mapping.
type Binding struct {
	// InputType is the registration key.
	InputType string
	// WorkflowName is the definition's declared name.
	WorkflowName string
	// WorkflowType is the definition's runtime type name.
	WorkflowType string
}

// Registry maps input types to workflows. One input type maps to
// exactly one workflow; a second registration for the same type fails.
type Registry struct {
	mu      sync.RWMutex
	byInput map[string]*registration
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{byInput: make(map[string]*registration)}
}

// Register binds def to its input type TIn.
func Register[TIn, TOut any](reg *Registry, def workflow.Typed[TIn, TOut]) error {
	inputType := workflow.TypeName[TIn]()

	convert := func(in any) (TIn, error) {
		switch v := in.(type) {
		case TIn:
			return v, nil
		case *TIn:
			return *v, nil
		default:
			var zero TIn
			return zero, &workflow.Error{
				Workflow: def.Name(),
				Message:  fmt.Sprintf("input %T is not %s", in, inputType),
			}
		}
	}

	entry := &registration{
		inputType:    inputType,
		workflowName: def.Name(),
		workflowType: workflow.TypeNameOf(def),
		newInput:     func() any { return new(TIn) },
		run: func(ctx context.Context, in any, opts []workflow.Option) (any, error) {
			typed, err := convert(in)
			if err != nil {
				return nil, err
			}
			return workflow.Execute(ctx, def, typed, opts...)
		},
		initialize: func(ctx context.Context, in any, opts []workflow.Option) (*storage.Metadata, error) {
			typed, err := convert(in)
			if err != nil {
				return nil, err
			}
			return workflow.Initialize(ctx, def, typed, opts...)
		},
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if existing, ok := reg.byInput[inputType]; ok {
		return &workflow.Error{
			Workflow: def.Name(),
			Message: fmt.Sprintf("input type %s is already mapped to workflow %s",
				inputType, existing.workflowName),
		}
	}
	reg.byInput[inputType] = entry
	return nil
}

// MustRegister is Register for startup wiring; it panics on conflict.
func MustRegister[TIn, TOut any](reg *Registry, def workflow.Typed[TIn, TOut]) {
	if err := Register(reg, def); err != nil {
		panic(err)
	}
}

// WorkflowNameFor returns the workflow name mapped to an input type.
func (r *Registry) WorkflowNameFor(inputType string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byInput[inputType]
	if !ok {
		return "", false
	}
	return entry.workflowName, true
}

// Binding returns the mapping registered for an input type.
func (r *Registry) Binding(inputType string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byInput[inputType]
	if !ok {
		return Binding{}, false
	}
	return Binding{
		InputType:    entry.inputType,
		WorkflowName: entry.workflowName,
		WorkflowType: entry.workflowType,
	}, true
}

// Bindings returns every registered mapping.
func (r *Registry) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bindings := make([]Binding, 0, len(r.byInput))
	for _, entry := range r.byInput {
		bindings = append(bindings, Binding{
			InputType:    entry.inputType,
			WorkflowName: entry.workflowName,
			WorkflowType: entry.workflowType,
		})
	}
	return bindings
}

// NewInput returns a pointer to a zero value of the registered input
// type, used to rehydrate serialized inputs.
func (r *Registry) NewInput(inputType string) (any, error) {
	entry, err := r.lookup(inputType)
	if err != nil {
		return nil, err
	}
	return entry.newInput(), nil
}

func (r *Registry) lookup(inputType string) (*registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byInput[inputType]
	if !ok {
		return nil, &workflow.Error{Message: fmt.Sprintf("no workflow registered for input type %s", inputType)}
	}
	return entry, nil
}

// DecodeInput rehydrates raw JSON into the registered input type.
func (r *Registry) DecodeInput(inputType string, raw json.RawMessage) (any, error) {
	entry, err := r.lookup(inputType)
	if err != nil {
		return nil, err
	}
	in := entry.newInput()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, in); err != nil {
			return nil, fmt.Errorf("decode input %s: %w", inputType, err)
		}
	}
	return in, nil
}
