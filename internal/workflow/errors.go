package workflow

import "fmt"

// StateError reports an operation attempted on a run in a terminal state.
// Not retryable.
type StateError struct {
	RunID   string
	Status  string
	Message string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("run %s (%s): %s", e.RunID, e.Status, e.Message)
}

// RunBusyError reports that another operation is already advancing the same
// run. Retryable by the caller.
type RunBusyError struct {
	RunID string
}

func (e *RunBusyError) Error() string {
	return fmt.Sprintf("run %s is busy: another operation is in flight", e.RunID)
}

// ValidationError reports malformed caller input. Not retryable.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
