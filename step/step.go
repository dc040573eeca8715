package step

import "context"

// Step is a single typed transformation. Run receives the input pulled
// from the workflow memory and returns the value stored back into it.
// Run may return any error; cancellation errors are passed through the
// harness untouched, everything else becomes a failure result.
type Step[TIn, TOut any] interface {
	// Name identifies the step in metadata and logs.
	Name() string
	// Run performs the transformation.
	Run(ctx context.Context, in TIn) (TOut, error)
}

// Func adapts a plain function into a named Step.
type Func[TIn, TOut any] struct {
	StepName string
	Fn       func(ctx context.Context, in TIn) (TOut, error)
}

// NewFunc returns a Step backed by fn.
func NewFunc[TIn, TOut any](name string, fn func(ctx context.Context, in TIn) (TOut, error)) Func[TIn, TOut] {
	return Func[TIn, TOut]{StepName: name, Fn: fn}
}

// Name returns the step name.
func (f Func[TIn, TOut]) Name() string { return f.StepName }

// Run invokes the wrapped function.
func (f Func[TIn, TOut]) Run(ctx context.Context, in TIn) (TOut, error) {
	return f.Fn(ctx, in)
}

// RunInfo identifies the workflow run a step executes under. It is
// threaded into ExceptionData so failures can be traced back to a
// specific run.
type RunInfo struct {
	WorkflowName string
	ExternalID   string
}
