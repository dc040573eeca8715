// Package workflow is the multi-step execution runtime. A workflow
// definition activates its input into a type-keyed memory, chains
// steps that read and write that memory, and resolves a final value.
// The first step failure short-circuits the remaining chain; the
// failure travels as a value and surfaces at Resolve. Effect providers
// observe the run and persist its execution record.
package workflow

import (
	"context"
	"log/slog"
	"reflect"
	"time"

	"github.com/c360studio/stepflow/effect"
	"github.com/c360studio/stepflow/step"
	"github.com/c360studio/stepflow/storage"
)

// Unit is the empty value activated into every run's memory, letting
// steps without a meaningful input anchor on a well-known type.
type Unit struct{}

// TypeName returns the stable registration name of T.
func TypeName[T any]() string {
	return reflect.TypeFor[T]().String()
}

// TypeNameOf returns the stable registration name of v's runtime type.
func TypeNameOf(v any) string {
	return reflect.TypeOf(v).String()
}

// Typed is a workflow definition from TIn to TOut. Define composes the
// run with Activate, Chain, and Resolve; it executes when invoked
// through Execute, ExecuteEither, or a Bus.
type Typed[TIn, TOut any] interface {
	Name() string
	Define(ctx context.Context, r *Run, in TIn) (TOut, error)
}

// Run is the mutable state of one workflow execution: the type-keyed
// memory, the attached services, the failure travelling down the
// chain, and the effect runners observing the run.
type Run struct {
	name       string
	externalID string
	memory     map[reflect.Type]any
	services   []any

	failure   *step.ExceptionData
	cancelErr error
	stepIndex int

	effects *effect.Runner
	stepFx  *effect.StepRunner
	scope   *effect.RunScope

	logger *slog.Logger
	clock  func() time.Time

	metadata *storage.Metadata
}

// Name returns the workflow definition name.
func (r *Run) Name() string { return r.name }

// ExternalID returns the run's generated identifier.
func (r *Run) ExternalID() string { return r.externalID }

// Metadata returns the run's execution record, nil for detached runs.
func (r *Run) Metadata() *storage.Metadata { return r.metadata }

// Logger returns the run-scoped logger.
func (r *Run) Logger() *slog.Logger {
	if r.logger == nil {
		return slog.Default()
	}
	return r.logger
}

// Failure returns the failure currently travelling down the chain.
func (r *Run) Failure() *step.ExceptionData { return r.failure }

// Failed reports whether the run is on the failure track or canceled.
func (r *Run) Failed() bool { return r.failure != nil || r.cancelErr != nil }

// Track exposes the effect runner's model tracking to step code that
// produces persistable entities mid-run.
func (r *Run) Track(model any) {
	if r.effects != nil {
		r.effects.Track(model)
	}
}

// SaveChanges flushes all effect providers mid-run. The harness also
// saves at run start and run end.
func (r *Run) SaveChanges(ctx context.Context) error {
	if r.effects == nil {
		return nil
	}
	return r.effects.SaveChanges(ctx)
}

func (r *Run) now() time.Time {
	if r.clock == nil {
		return time.Now().UTC()
	}
	return r.clock()
}

func (r *Run) info() step.RunInfo {
	return step.RunInfo{WorkflowName: r.name, ExternalID: r.externalID}
}

func (r *Run) nextIndex() int {
	r.stepIndex++
	return r.stepIndex
}

// Activate seeds the run's memory with in, the Unit value, and each
// extra, every value keyed by its runtime type. Re-adding a type
// overwrites the previous value.
func Activate(r *Run, in any, extras ...any) *Run {
	memorySetDynamic(r, in)
	MemorySet(r, Unit{})
	for _, extra := range extras {
		memorySetDynamic(r, extra)
	}
	return r
}

// AddServices attaches service instances for IChain resolution.
func AddServices(r *Run, services ...any) *Run {
	r.services = append(r.services, services...)
	return r
}

// MemorySet stores v in the run's memory keyed by T.
func MemorySet[T any](r *Run, v T) {
	if r.memory == nil {
		r.memory = make(map[reflect.Type]any)
	}
	r.memory[reflect.TypeFor[T]()] = v
}

func memorySetDynamic(r *Run, v any) {
	if v == nil {
		return
	}
	if r.memory == nil {
		r.memory = make(map[reflect.Type]any)
	}
	r.memory[reflect.TypeOf(v)] = v
}

func memoryGet[T any](r *Run) (T, bool) {
	var zero T
	if r.memory == nil {
		return zero, false
	}
	v, ok := r.memory[reflect.TypeFor[T]()]
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Extract returns the memory value of type T.
func Extract[T any](r *Run) (T, error) {
	v, ok := memoryGet[T](r)
	if !ok {
		var zero T
		return zero, newError(r.name, "no value of type %s in workflow memory", TypeName[T]())
	}
	return v, nil
}

// Resolve produces the run's final value: the failure if one travelled
// down the chain, the raw cancellation if the run was canceled, or the
// memory value of type TOut.
func Resolve[TOut any](r *Run) (TOut, error) {
	var zero TOut
	if r.cancelErr != nil {
		return zero, r.cancelErr
	}
	if r.failure != nil {
		return zero, r.failure
	}
	return Extract[TOut](r)
}
