// Package step provides the typed transformation unit of the workflow
// pipeline. A step consumes one input value and produces one output
// value; the Railway harness wraps execution in a two-track result so
// that a failure in any step skips the steps behind it without
// panicking through the run.
package step

// Track identifies which track of the pipeline a result travels on.
// The values are persisted verbatim on step metadata rows.
type Track string

const (
	// TrackRight is the success track.
	TrackRight Track = "Right"
	// TrackLeft is the failure track.
	TrackLeft Track = "Left"
	// TrackBottom marks a step that never ran because an earlier step
	// had already failed.
	TrackBottom Track = "Bottom"
)

// Result is the two-track carrier flowing between steps. A result is
// exactly one of: a success holding a value, a failure holding
// ExceptionData, or bottom. Cancellation is never represented as a
// Result; it propagates as a raw error alongside it.
type Result[T any] struct {
	value   T
	failure *ExceptionData
	track   Track
}

// Ok returns a success result carrying v.
func Ok[T any](v T) Result[T] {
	return Result[T]{value: v, track: TrackRight}
}

// Fail returns a failure result carrying the exception data.
func Fail[T any](e *ExceptionData) Result[T] {
	return Result[T]{failure: e, track: TrackLeft}
}

// BottomOf returns the bottom result for a step that was skipped.
func BottomOf[T any]() Result[T] {
	return Result[T]{track: TrackBottom}
}

// Track reports which track the result is on.
func (r Result[T]) Track() Track {
	if r.track == "" {
		return TrackBottom
	}
	return r.track
}

// IsOk reports whether the result is on the success track.
func (r Result[T]) IsOk() bool {
	return r.track == TrackRight
}

// Value returns the carried value and whether the result is a success.
func (r Result[T]) Value() (T, bool) {
	return r.value, r.track == TrackRight
}

// MustValue returns the carried value, panicking if the result is not
// a success. Intended for tests.
func (r Result[T]) MustValue() T {
	if r.track != TrackRight {
		panic("step: MustValue on non-success result")
	}
	return r.value
}

// Failure returns the exception data for a failure result, or nil.
func (r Result[T]) Failure() *ExceptionData {
	return r.failure
}
