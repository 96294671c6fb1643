package bus

// Session event topics. The gateway's SSE transport subscribes to
// "session." and forwards matching events to connected clients.
const (
	TopicSessionTurnStarted      = "session.turn_started"
	TopicSessionActionProposed   = "session.action_proposed"
	TopicSessionActionResult     = "session.action_result"
	TopicSessionApprovalRequired = "session.approval_required"
	TopicSessionOutput           = "session.output"
	TopicSessionCompleted        = "session.completed"
	TopicSessionFailed           = "session.failed"
	TopicSessionCancelled        = "session.cancelled"
)

// Workflow run event topics.
const (
	TopicRunStarted   = "workflow.run_started"
	TopicRunAdvanced  = "workflow.run_advanced"
	TopicRunAchieved  = "workflow.run_achieved"
	TopicRunTimedOut  = "workflow.run_timed_out"
	TopicRunEscalated = "workflow.run_escalated"
	TopicRunReply     = "workflow.run_reply"
)

// Approval decision topics.
const (
	TopicApprovalRequested = "approval.requested"
	TopicApprovalDecided   = "approval.decided"
)

// SessionEvent is the payload for session.* topics.
type SessionEvent struct {
	SessionID string // Session ID
	TurnCount int    // Turn number at publish time
	Detail    string // Human-readable detail (action, output snippet, error)
}

// RunEvent is the payload for workflow.* topics.
type RunEvent struct {
	RunID      string // Workflow run ID
	WorkflowID string // Owning template ID
	StepIndex  int    // Current step index
	Status     string // Run status after the transition
}

// ApprovalEvent is the payload for approval.* topics.
type ApprovalEvent struct {
	ApprovalID string // Approval request ID
	SessionID  string // Owning session ID
	Action     string // Proposed action description
	Approved   bool   // Decision (valid for approval.decided only)
}
