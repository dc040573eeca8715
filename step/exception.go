package step

import "fmt"

// ExceptionData captures a step failure in structured form. It records
// where the failure happened alongside the original error so the
// failure track stays inspectable after the run has finished.
type ExceptionData struct {
	// Type is the dynamic type of the original error.
	Type string `json:"type"`
	// Step is the name of the step that failed.
	Step string `json:"step"`
	// Message is the original error text.
	Message string `json:"message"`
	// WorkflowName is the name of the owning workflow.
	WorkflowName string `json:"workflow_name"`
	// WorkflowExternalID is the external id of the owning run.
	WorkflowExternalID string `json:"workflow_external_id"`
	// StackTrace holds a captured stack for panics, empty otherwise.
	StackTrace string `json:"stack_trace,omitempty"`

	err error
}

// NewExceptionData wraps err with the identity of the failing step and
// its owning run.
func NewExceptionData(err error, stepName string, info RunInfo) *ExceptionData {
	return &ExceptionData{
		Type:               fmt.Sprintf("%T", err),
		Step:               stepName,
		Message:            err.Error(),
		WorkflowName:       info.WorkflowName,
		WorkflowExternalID: info.ExternalID,
		err:                err,
	}
}

// Error implements the error interface.
func (e *ExceptionData) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("%s: %s", e.WorkflowName, e.Message)
	}
	return fmt.Sprintf("%s/%s: %s", e.WorkflowName, e.Step, e.Message)
}

// Unwrap returns the original error, if one was captured.
func (e *ExceptionData) Unwrap() error {
	return e.err
}
