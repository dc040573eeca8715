package step

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// Canceled reports whether err is a context cancellation or deadline
// error. Such errors are never folded into the two-track result.
func Canceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Railway executes s under the two-track contract:
//
//  1. If previous is not a success, it is propagated with its track
//     preserved and s is never invoked.
//  2. Cancellation is checked before invoking s; a canceled context is
//     returned as a raw error, not a failure result.
//  3. Any other error from Run is captured into ExceptionData and
//     returned on the failure track. Panics inside Run are recovered
//     the same way, with the stack attached.
//
// The second return value is non-nil only for cancellation.
func Railway[TIn, TOut any](ctx context.Context, previous Result[TIn], s Step[TIn, TOut], info RunInfo) (Result[TOut], error) {
	switch previous.Track() {
	case TrackLeft:
		return Fail[TOut](previous.Failure()), nil
	case TrackBottom:
		return BottomOf[TOut](), nil
	}

	if err := ctx.Err(); err != nil {
		return BottomOf[TOut](), err
	}

	in, _ := previous.Value()
	out, err := runGuarded(ctx, s, in)
	if err != nil {
		if Canceled(err) {
			return BottomOf[TOut](), err
		}
		var data *ExceptionData
		if !errors.As(err, &data) {
			data = NewExceptionData(err, s.Name(), info)
		} else {
			if data.Step == "" {
				data.Step = s.Name()
			}
			if data.WorkflowName == "" {
				data.WorkflowName = info.WorkflowName
				data.WorkflowExternalID = info.ExternalID
			}
		}
		return Fail[TOut](data), nil
	}
	return Ok(out), nil
}

// runGuarded invokes Run with panic recovery. A recovered panic is
// surfaced as an ExceptionData carrying the stack at the panic site.
func runGuarded[TIn, TOut any](ctx context.Context, s Step[TIn, TOut], in TIn) (out TOut, err error) {
	defer func() {
		if r := recover(); r != nil {
			data := &ExceptionData{
				Type:       fmt.Sprintf("panic(%T)", r),
				Step:       s.Name(),
				Message:    fmt.Sprintf("panic: %v", r),
				StackTrace: string(debug.Stack()),
				err:        fmt.Errorf("panic: %v", r),
			}
			err = data
		}
	}()
	return s.Run(ctx, in)
}
