package workflow

import "fmt"

// Error is a structural workflow failure: a missing memory type, an
// unregistered input type, an ambiguous service. These surface
// immediately instead of flowing down the two-track pipeline.
type Error struct {
	Workflow string
	Message  string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Workflow == "" {
		return e.Message
	}
	return fmt.Sprintf("workflow %s: %s", e.Workflow, e.Message)
}

func newError(workflow, format string, args ...any) *Error {
	return &Error{Workflow: workflow, Message: fmt.Sprintf(format, args...)}
}
