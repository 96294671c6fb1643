package session

import "fmt"

// SessionBusyError reports that another turn-producing call already holds
// the session. Retryable by the caller.
type SessionBusyError struct {
	SessionID string
}

func (e *SessionBusyError) Error() string {
	return fmt.Sprintf("session %s is busy: another operation is in flight", e.SessionID)
}

// IncompleteApprovalError reports an approvals resume that did not decide
// every pending approval. The session state is left unchanged.
type IncompleteApprovalError struct {
	SessionID string
	Missing   []string
}

func (e *IncompleteApprovalError) Error() string {
	return fmt.Sprintf("session %s: approvals resume missing decisions for %v", e.SessionID, e.Missing)
}

// StateError reports an operation attempted against a session in a state
// that cannot accept it (e.g. resuming a terminal session). Not retryable.
type StateError struct {
	SessionID string
	Status    string
	Message   string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("session %s (%s): %s", e.SessionID, e.Status, e.Message)
}

// ValidationError reports malformed caller input. Not retryable.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
