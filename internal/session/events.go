package session

import "github.com/basket/outreach/internal/persistence"

// Event types emitted on the session stream. Consumers must ignore unknown
// types for forward compatibility.
const (
	EventTurnStarted      = "turn_started"
	EventActionProposed   = "action_proposed"
	EventActionResult     = "action_result"
	EventApprovalRequired = "approval_required"
	EventOutput           = "output"
	EventModeChanged      = "mode_changed"
	EventCompleted        = "completed"
	EventFailed           = "failed"
	EventCancelled        = "cancelled"
)

// Event is one element of the session stream. The stream is finite and
// non-restartable; the producer suspends between events, delivering at most
// one at a time.
type Event struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	Turn       int    `json:"turn,omitempty"`
	Action     string `json:"action,omitempty"`
	Target     string `json:"target,omitempty"`
	Content    string `json:"content,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
	Error      string `json:"error,omitempty"`
	CostCents  int64  `json:"cost_cents,omitempty"`
}

// ResumeInput is the tagged variant for resume payloads. Exactly one of the
// three shapes is accepted per call.
type ResumeInput interface {
	isResumeInput()
}

// Message appends a subject turn and continues the session.
type Message struct {
	Text string
}

func (Message) isResumeInput() {}

// ApprovalDecisions maps every currently pending approval ID to a decision.
type ApprovalDecisions struct {
	Decisions map[string]bool
}

func (ApprovalDecisions) isResumeInput() {}

// ModeChange switches the autonomy mode for subsequent turns only.
type ModeChange struct {
	Mode persistence.AutonomyMode
}

func (ModeChange) isResumeInput() {}
