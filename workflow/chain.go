package workflow

import (
	"context"
	"fmt"
	"reflect"

	"github.com/c360studio/stepflow/effect"
	"github.com/c360studio/stepflow/step"
)

// Chain pulls TIn from memory, runs s, and stores its output back into
// memory keyed by TOut. Once the run is on the failure track the slot
// still emits its step effects, marked skipped, without invoking the
// step. A canceled run emits nothing.
func Chain[TIn, TOut any](ctx context.Context, r *Run, s step.Step[TIn, TOut]) *Run {
	chainInto(ctx, r, s, true)
	return r
}

// ShortCircuit runs s for its failure only: a failure short-circuits
// the remaining chain like any step, but a success is discarded and
// memory stays untouched.
func ShortCircuit[TIn, TOut any](ctx context.Context, r *Run, s step.Step[TIn, TOut]) *Run {
	chainInto(ctx, r, s, false)
	return r
}

func chainInto[TIn, TOut any](ctx context.Context, r *Run, s step.Step[TIn, TOut], store bool) {
	if r.cancelErr != nil {
		return
	}
	sc := &effect.StepContext{
		WorkflowName:       r.name,
		WorkflowExternalID: r.externalID,
		StepName:           s.Name(),
		Index:              r.nextIndex(),
		InputType:          TypeName[TIn](),
		OutputType:         TypeName[TOut](),
	}

	if r.failure != nil {
		r.skipSlot(ctx, sc)
		return
	}

	in, ok := memoryGet[TIn](r)
	if !ok {
		r.failSlot(ctx, sc, newError(r.name, "step %s: no value of type %s in workflow memory", s.Name(), sc.InputType))
		return
	}
	sc.Input = in

	r.emitBefore(ctx, sc)
	started := r.now()
	sc.StartedAt = &started

	result, err := step.Railway[TIn, TOut](ctx, step.Ok(in), s, r.info())

	ended := r.now()
	sc.EndedAt = &ended

	if err != nil {
		// Cancellation escapes the two-track sum. The after hook is
		// skipped and the run stops composing.
		r.cancelErr = err
		return
	}
	finishSlot(ctx, r, sc, result, store)
}

// Chain2 synthesizes a two-value input from memory and runs fn as the
// slot's step. A memory miss for either type fails the run.
func Chain2[TA, TB, TOut any](ctx context.Context, r *Run, name string, fn func(ctx context.Context, a TA, b TB) (TOut, error)) *Run {
	if r.cancelErr != nil {
		return r
	}
	sc := &effect.StepContext{
		WorkflowName:       r.name,
		WorkflowExternalID: r.externalID,
		StepName:           name,
		Index:              r.nextIndex(),
		InputType:          fmt.Sprintf("(%s, %s)", TypeName[TA](), TypeName[TB]()),
		OutputType:         TypeName[TOut](),
	}
	if r.failure != nil {
		r.skipSlot(ctx, sc)
		return r
	}

	a, ok := memoryGet[TA](r)
	if !ok {
		r.failSlot(ctx, sc, newError(r.name, "step %s: no value of type %s in workflow memory", name, TypeName[TA]()))
		return r
	}
	b, ok := memoryGet[TB](r)
	if !ok {
		r.failSlot(ctx, sc, newError(r.name, "step %s: no value of type %s in workflow memory", name, TypeName[TB]()))
		return r
	}
	sc.Input = []any{a, b}

	runSynthesized(ctx, r, sc, step.NewFunc(name, func(ctx context.Context, _ Unit) (TOut, error) {
		return fn(ctx, a, b)
	}))
	return r
}

// Chain3 synthesizes a three-value input from memory and runs fn as
// the slot's step.
func Chain3[TA, TB, TC, TOut any](ctx context.Context, r *Run, name string, fn func(ctx context.Context, a TA, b TB, c TC) (TOut, error)) *Run {
	if r.cancelErr != nil {
		return r
	}
	sc := &effect.StepContext{
		WorkflowName:       r.name,
		WorkflowExternalID: r.externalID,
		StepName:           name,
		Index:              r.nextIndex(),
		InputType:          fmt.Sprintf("(%s, %s, %s)", TypeName[TA](), TypeName[TB](), TypeName[TC]()),
		OutputType:         TypeName[TOut](),
	}
	if r.failure != nil {
		r.skipSlot(ctx, sc)
		return r
	}

	a, ok := memoryGet[TA](r)
	if !ok {
		r.failSlot(ctx, sc, newError(r.name, "step %s: no value of type %s in workflow memory", name, TypeName[TA]()))
		return r
	}
	b, ok := memoryGet[TB](r)
	if !ok {
		r.failSlot(ctx, sc, newError(r.name, "step %s: no value of type %s in workflow memory", name, TypeName[TB]()))
		return r
	}
	c, ok := memoryGet[TC](r)
	if !ok {
		r.failSlot(ctx, sc, newError(r.name, "step %s: no value of type %s in workflow memory", name, TypeName[TC]()))
		return r
	}
	sc.Input = []any{a, b, c}

	runSynthesized(ctx, r, sc, step.NewFunc(name, func(ctx context.Context, _ Unit) (TOut, error) {
		return fn(ctx, a, b, c)
	}))
	return r
}

// IChain resolves the attached service implementing S and runs it as
// the slot's step from TIn to TOut. Exactly one attached service may
// satisfy S; zero or several is a workflow error.
func IChain[S any, TIn, TOut any](ctx context.Context, r *Run) *Run {
	if r.cancelErr != nil {
		return r
	}
	target := reflect.TypeFor[S]()

	svc, rerr := resolveService(r, target)
	var s step.Step[TIn, TOut]
	if rerr == nil {
		var ok bool
		s, ok = svc.(step.Step[TIn, TOut])
		if !ok {
			rerr = newError(r.name, "service %T does not implement a step from %s to %s",
				svc, TypeName[TIn](), TypeName[TOut]())
		}
	}
	if rerr != nil {
		sc := &effect.StepContext{
			WorkflowName:       r.name,
			WorkflowExternalID: r.externalID,
			StepName:           "IChain[" + target.String() + "]",
			Index:              r.nextIndex(),
			InputType:          TypeName[TIn](),
			OutputType:         TypeName[TOut](),
		}
		if r.failure != nil {
			r.skipSlot(ctx, sc)
			return r
		}
		r.failSlot(ctx, sc, rerr)
		return r
	}
	return Chain[TIn, TOut](ctx, r, s)
}

func resolveService(r *Run, target reflect.Type) (any, error) {
	var matches []any
	for _, svc := range r.services {
		if svc == nil {
			continue
		}
		if reflect.TypeOf(svc).AssignableTo(target) {
			matches = append(matches, svc)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return nil, newError(r.name, "no service registered for %s", target.String())
	default:
		return nil, newError(r.name, "ambiguous service registration for %s: %d candidates", target.String(), len(matches))
	}
}

// runSynthesized executes a memory-synthesized step through the
// railway and finishes the slot.
func runSynthesized[TOut any](ctx context.Context, r *Run, sc *effect.StepContext, s step.Step[Unit, TOut]) {
	r.emitBefore(ctx, sc)
	started := r.now()
	sc.StartedAt = &started

	result, err := step.Railway[Unit, TOut](ctx, step.Ok(Unit{}), s, r.info())

	ended := r.now()
	sc.EndedAt = &ended

	if err != nil {
		r.cancelErr = err
		return
	}
	finishSlot(ctx, r, sc, result, true)
}

// finishSlot records the railway outcome on the slot and emits the
// after hook.
func finishSlot[TOut any](ctx context.Context, r *Run, sc *effect.StepContext, result step.Result[TOut], store bool) {
	sc.HasRan = true
	sc.Track = result.Track()
	switch result.Track() {
	case step.TrackRight:
		out, _ := result.Value()
		sc.Output = out
		if store {
			MemorySet(r, out)
		}
	default:
		r.failure = result.Failure()
		sc.Failure = result.Failure()
	}
	r.emitAfter(ctx, sc)
}

// skipSlot emits the slot's hooks for a step skipped because an
// earlier step already failed. The travelling failure is untouched.
func (r *Run) skipSlot(ctx context.Context, sc *effect.StepContext) {
	sc.Track = step.TrackBottom
	r.emitBefore(ctx, sc)
	r.emitAfter(ctx, sc)
}

// failSlot records a structural failure at the slot: the step body
// never ran but the slot's effects still fire with the failure.
func (r *Run) failSlot(ctx context.Context, sc *effect.StepContext, err error) {
	exc := step.NewExceptionData(err, sc.StepName, r.info())
	r.failure = exc
	sc.Track = step.TrackLeft
	sc.Failure = exc
	r.emitBefore(ctx, sc)
	r.emitAfter(ctx, sc)
}

func (r *Run) emitBefore(ctx context.Context, sc *effect.StepContext) {
	if r.stepFx == nil {
		return
	}
	if err := r.stepFx.Before(ctx, sc); err != nil {
		r.Logger().Warn("step effect before hook failed", "step", sc.StepName, "error", err)
	}
}

func (r *Run) emitAfter(ctx context.Context, sc *effect.StepContext) {
	if r.stepFx == nil {
		return
	}
	if err := r.stepFx.After(ctx, sc); err != nil {
		r.Logger().Warn("step effect after hook failed", "step", sc.StepName, "error", err)
	}
}
