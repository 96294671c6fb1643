// Package session runs interactive agent sessions: multi-turn, cancellable,
// resumable processes with human-in-the-loop approval gating.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/outreach/internal/approval"
	"github.com/basket/outreach/internal/bus"
	"github.com/basket/outreach/internal/otel"
	"github.com/basket/outreach/internal/outbound"
	"github.com/basket/outreach/internal/persistence"
	"github.com/basket/outreach/internal/pricing"
	"github.com/basket/outreach/internal/provider"
	"github.com/basket/outreach/internal/shared"
)

// defaultMaxTurns bounds how many agent turns one start/resume invocation may
// produce before the stream ends and the session waits for new input.
const defaultMaxTurns = 8

// Orchestrator drives agent sessions. State lives entirely in the store
// between invocations; the orchestrator itself is stateless.
type Orchestrator struct {
	store      *persistence.Store
	provider   provider.Provider
	policy     approval.Checker
	dispatcher *outbound.Dispatcher // nil disables outbound delivery
	eventBus   *bus.Bus             // nil disables bus notifications
	metrics    *otel.Metrics        // nil skips instrument updates
	tracer     trace.Tracer
	logger     *slog.Logger
	maxTurns   int
}

func NewOrchestrator(store *persistence.Store, p provider.Provider, policy approval.Checker, dispatcher *outbound.Dispatcher, eventBus *bus.Bus, metrics *otel.Metrics, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:      store,
		provider:   p,
		policy:     policy,
		dispatcher: dispatcher,
		eventBus:   eventBus,
		metrics:    metrics,
		tracer:     otelapi.Tracer(otel.TracerName),
		logger:     logger,
		maxTurns:   defaultMaxTurns,
	}
}

// StartInput describes a new session.
type StartInput struct {
	AccountID string
	Goal      string
	Mode      persistence.AutonomyMode
}

// Start creates a session and begins producing events. The returned channel
// is unbuffered: the producer suspends until the caller consumes each event,
// and closes the channel when the invocation's turns are exhausted or the
// session parks for approval or input.
func (o *Orchestrator) Start(ctx context.Context, in StartInput) (string, <-chan Event, error) {
	if strings.TrimSpace(in.Goal) == "" {
		return "", nil, &ValidationError{Field: "goal", Message: "must be non-empty"}
	}
	if !persistence.ValidMode(in.Mode) {
		return "", nil, &ValidationError{Field: "mode", Message: fmt.Sprintf("unknown autonomy mode %q", in.Mode)}
	}
	sess, err := o.store.CreateSession(ctx, in.AccountID, in.Goal, in.Mode)
	if err != nil {
		return "", nil, err
	}
	if err := o.store.AcquireSession(ctx, sess.ID); err != nil {
		return "", nil, o.mapAcquireErr(sess.ID, err)
	}

	ch := make(chan Event)
	go o.run(ctx, sess.ID, "Begin working toward the goal.", ch)
	return sess.ID, ch, nil
}

// Resume continues an existing session with exactly one of the three resume
// payloads. Terminal sessions reject all resumes with *StateError.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string, input ResumeInput) (<-chan Event, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return nil, &StateError{SessionID: sessionID, Status: string(sess.Status), Message: "session is terminal"}
	}

	switch in := input.(type) {
	case Message:
		return o.resumeMessage(ctx, sess, in)
	case ApprovalDecisions:
		return o.resumeApprovals(ctx, sess, in)
	case ModeChange:
		return o.resumeModeChange(ctx, sess, in)
	case nil:
		return nil, &ValidationError{Field: "input", Message: "resume payload required"}
	default:
		return nil, &ValidationError{Field: "input", Message: fmt.Sprintf("unsupported resume payload %T", input)}
	}
}

func (o *Orchestrator) resumeMessage(ctx context.Context, sess *persistence.Session, in Message) (<-chan Event, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, &ValidationError{Field: "message", Message: "must be non-empty"}
	}
	if sess.Status != persistence.SessionActive {
		return nil, &StateError{SessionID: sess.ID, Status: string(sess.Status), Message: "pending approvals must be decided before new messages"}
	}
	if err := o.store.AcquireSession(ctx, sess.ID); err != nil {
		return nil, o.mapAcquireErr(sess.ID, err)
	}
	if _, err := o.store.AppendEntry(ctx, sess.ID, "subject", text, ""); err != nil {
		o.release(sess.ID)
		return nil, fmt.Errorf("append message: %w", err)
	}

	ch := make(chan Event)
	go o.run(ctx, sess.ID, text, ch)
	return ch, nil
}

func (o *Orchestrator) resumeApprovals(ctx context.Context, sess *persistence.Session, in ApprovalDecisions) (<-chan Event, error) {
	if sess.Status != persistence.SessionAwaitingApproval {
		return nil, &StateError{SessionID: sess.ID, Status: string(sess.Status), Message: "no approvals pending"}
	}
	if err := o.store.AcquireSession(ctx, sess.ID); err != nil {
		return nil, o.mapAcquireErr(sess.ID, err)
	}

	pending, err := o.store.ListPendingApprovals(ctx, sess.ID)
	if err != nil {
		o.release(sess.ID)
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	var missing []string
	for _, a := range pending {
		if _, ok := in.Decisions[a.ID]; !ok {
			missing = append(missing, a.ID)
		}
	}
	if len(missing) > 0 {
		// Reject without mutating anything.
		o.release(sess.ID)
		return nil, &IncompleteApprovalError{SessionID: sess.ID, Missing: missing}
	}

	ch := make(chan Event)
	go o.runApprovals(ctx, sess.ID, pending, in.Decisions, ch)
	return ch, nil
}

func (o *Orchestrator) resumeModeChange(ctx context.Context, sess *persistence.Session, in ModeChange) (<-chan Event, error) {
	if !persistence.ValidMode(in.Mode) {
		return nil, &ValidationError{Field: "mode", Message: fmt.Sprintf("unknown autonomy mode %q", in.Mode)}
	}
	if err := o.store.AcquireSession(ctx, sess.ID); err != nil {
		return nil, o.mapAcquireErr(sess.ID, err)
	}
	defer o.release(sess.ID)

	if err := o.store.SetAutonomyMode(ctx, sess.ID, in.Mode); err != nil {
		return nil, fmt.Errorf("set autonomy mode: %w", err)
	}
	note := fmt.Sprintf("autonomy mode changed to %s; pending approvals unaffected", in.Mode)
	if _, err := o.store.AppendEntry(ctx, sess.ID, "system", note, ""); err != nil {
		o.logger.Warn("mode change note not recorded", "session_id", sess.ID, "error", err)
	}

	ch := make(chan Event, 1)
	ch <- Event{Type: EventModeChanged, SessionID: sess.ID, Content: string(in.Mode)}
	close(ch)
	return ch, nil
}

// Snapshot is the read-only view returned by Load.
type Snapshot struct {
	Session          *persistence.Session   `json:"session"`
	PendingApprovals []persistence.Approval `json:"pending_approvals"`
	Outputs          []persistence.Output   `json:"outputs"`
}

// Load reads a snapshot for reconnection. It never advances state and never
// replays historical events as live events.
func (o *Orchestrator) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	sess, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	pending, err := o.store.ListPendingApprovals(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	outputs, err := o.store.ListOutputs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Session: sess, PendingApprovals: pending, Outputs: outputs}, nil
}

// Cancel terminates an active or awaiting session. Cancellation is checked
// by running streams at their next suspension point.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	for attempt := 0; attempt < 2; attempt++ {
		sess, err := o.store.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status.Terminal() {
			return &StateError{SessionID: sessionID, Status: string(sess.Status), Message: "session is terminal"}
		}
		err = o.store.TransitionSession(ctx, sessionID, sess.Status, persistence.SessionCancelled)
		if err == nil {
			o.publish(bus.TopicSessionCancelled, bus.SessionEvent{SessionID: sessionID, Detail: "cancelled"})
			return nil
		}
		if !errors.Is(err, persistence.ErrStaleStatus) {
			return err
		}
	}
	return &StateError{SessionID: sessionID, Status: "unknown", Message: "status changed concurrently"}
}

// run is the turn loop for one start/resume invocation. It owns the session
// lease and the event channel. Store and provider calls use a context
// detached from the stream: a client disconnect stops event delivery but
// lets the in-flight turn complete and persist its result.
func (o *Orchestrator) run(streamCtx context.Context, sessionID, input string, ch chan<- Event) {
	defer close(ch)
	defer o.release(sessionID)

	ctx := shared.WithSessionID(context.WithoutCancel(streamCtx), sessionID)
	ctx, span := otel.StartSpan(ctx, o.tracer, "session.run", otel.AttrSessionID.String(sessionID))
	defer span.End()

	if o.metrics != nil {
		o.metrics.ActiveSessions.Add(ctx, 1)
		defer o.metrics.ActiveSessions.Add(ctx, -1)
	}

	for turnsTaken := 0; turnsTaken < o.maxTurns; turnsTaken++ {
		if turnsTaken > 0 && streamCtx.Err() != nil {
			// Client gone; the finished turn is persisted, stop here.
			return
		}
		// Suspension point: re-read status so cancellation takes effect
		// between turns, never mid-provider-call.
		sess, err := o.store.GetSession(ctx, sessionID)
		if err != nil {
			o.logger.Error("session read failed mid-stream", "session_id", sessionID, "error", err)
			return
		}
		if sess.Status == persistence.SessionCancelled {
			o.emit(streamCtx, ch, Event{Type: EventCancelled, SessionID: sessionID})
			return
		}
		if sess.Status != persistence.SessionActive {
			return
		}

		turn, err := o.store.IncrementTurn(ctx, sessionID)
		if err != nil {
			// Status changed under us; the precondition refused the turn.
			return
		}
		o.emit(streamCtx, ch, Event{Type: EventTurnStarted, SessionID: sessionID, Turn: turn})
		o.publish(bus.TopicSessionTurnStarted, bus.SessionEvent{SessionID: sessionID, TurnCount: turn})
		if o.metrics != nil {
			o.metrics.SessionTurns.Add(ctx, 1, metric.WithAttributes(otel.AttrSessionID.String(sessionID)))
		}

		history, err := o.store.ListEntries(ctx, sessionID, 0)
		if err != nil {
			o.fail(streamCtx, sessionID, turn, fmt.Errorf("load history: %w", err), ch)
			return
		}

		p, usage, planErr := o.planTurn(ctx, sess, history, input)

		// Spend must be durable before any output is surfaced, so resumed
		// sessions never double-charge or lose charged turns.
		if cost := o.costCents(usage); cost > 0 {
			if err := o.store.AddSessionCost(ctx, sessionID, cost); err != nil {
				o.fail(streamCtx, sessionID, turn, fmt.Errorf("record cost: %w", err), ch)
				return
			}
			if o.metrics != nil {
				o.metrics.SessionCostCents.Add(ctx, cost, metric.WithAttributes(otel.AttrModel.String(o.provider.ModelName())))
			}
		}

		if planErr != nil {
			o.fail(streamCtx, sessionID, turn, planErr, ch)
			return
		}

		agentNote := p.Content
		if agentNote == "" {
			agentNote = p.Reason
		}
		if _, err := o.store.AppendEntry(ctx, sessionID, "agent", agentNote, ""); err != nil {
			o.logger.Warn("agent entry not recorded", "session_id", sessionID, "error", err)
		}

		if p.Done {
			if err := o.store.AddOutput(ctx, sessionID, "note", agentNote); err != nil {
				o.logger.Warn("closing output not recorded", "session_id", sessionID, "error", err)
			}
			if err := o.store.TransitionSession(ctx, sessionID, persistence.SessionActive, persistence.SessionCompleted); err != nil {
				o.fail(streamCtx, sessionID, turn, fmt.Errorf("complete session: %w", err), ch)
				return
			}
			o.emit(streamCtx, ch, Event{Type: EventOutput, SessionID: sessionID, Turn: turn, Content: agentNote})
			o.publish(bus.TopicSessionOutput, bus.SessionEvent{SessionID: sessionID, TurnCount: turn, Detail: agentNote})
			o.emit(streamCtx, ch, Event{Type: EventCompleted, SessionID: sessionID, Turn: turn})
			o.publish(bus.TopicSessionCompleted, bus.SessionEvent{SessionID: sessionID, TurnCount: turn})
			return
		}

		o.emit(streamCtx, ch, Event{Type: EventActionProposed, SessionID: sessionID, Turn: turn, Action: p.Action, Target: p.Target, Content: p.Content})
		o.publish(bus.TopicSessionActionProposed, bus.SessionEvent{SessionID: sessionID, TurnCount: turn, Detail: p.Action})

		act := approval.Action{Name: p.Action, Target: p.Target}
		if o.policy != nil && o.policy.RequiresApproval(sess.AutonomyMode, act) {
			created, err := o.store.CreateApprovals(ctx, sessionID, []persistence.Approval{
				{Action: p.Action + ": " + p.Content, Target: p.Target},
			})
			if err != nil {
				o.fail(streamCtx, sessionID, turn, fmt.Errorf("park for approval: %w", err), ch)
				return
			}
			for _, a := range created {
				o.emit(streamCtx, ch, Event{Type: EventApprovalRequired, SessionID: sessionID, Turn: turn, ApprovalID: a.ID, Action: a.Action, Target: a.Target})
				o.publish(bus.TopicApprovalRequested, bus.ApprovalEvent{ApprovalID: a.ID, SessionID: sessionID, Action: a.Action})
			}
			o.publish(bus.TopicSessionApprovalRequired, bus.SessionEvent{SessionID: sessionID, TurnCount: turn, Detail: p.Action})
			if o.metrics != nil {
				o.metrics.ApprovalsPending.Add(ctx, int64(len(created)))
			}
			return
		}

		result, err := o.execute(ctx, sessionID, p.Action, p.Target, p.Content)
		if err != nil {
			o.fail(streamCtx, sessionID, turn, err, ch)
			return
		}
		o.emit(streamCtx, ch, Event{Type: EventActionResult, SessionID: sessionID, Turn: turn, Action: p.Action, Content: result})
		o.publish(bus.TopicSessionActionResult, bus.SessionEvent{SessionID: sessionID, TurnCount: turn, Detail: result})

		if p.Action == "send_message" {
			// The natural next signal is the subject's reply; park the
			// stream and leave the session active.
			return
		}
		input = "Previous action result: " + result + "\nContinue."
	}
}

// runApprovals applies a complete approval decision set, executing approved
// actions and recording declined ones as skipped, then resumes the turn loop.
func (o *Orchestrator) runApprovals(streamCtx context.Context, sessionID string, pending []persistence.Approval, decisions map[string]bool, ch chan<- Event) {
	ctx := context.WithoutCancel(streamCtx)
	for _, a := range pending {
		approved := decisions[a.ID]
		if err := o.store.DecideApproval(ctx, a.ID, approved); err != nil {
			o.release(sessionID)
			close(ch)
			o.logger.Error("approval decision failed", "session_id", sessionID, "approval_id", a.ID, "error", err)
			return
		}
		o.publish(bus.TopicApprovalDecided, bus.ApprovalEvent{ApprovalID: a.ID, SessionID: sessionID, Action: a.Action, Approved: approved})
		if o.metrics != nil {
			o.metrics.ApprovalsPending.Add(ctx, -1)
		}

		if !approved {
			if err := o.store.AddOutput(ctx, sessionID, "action_skipped", a.Action); err != nil {
				o.logger.Warn("skip record failed", "session_id", sessionID, "error", err)
			}
			continue
		}

		name, content := splitApprovalAction(a.Action)
		if _, err := o.execute(ctx, sessionID, name, a.Target, content); err != nil {
			// The decision is recorded; surface the execution failure and
			// keep processing remaining decisions.
			o.logger.Error("approved action failed", "session_id", sessionID, "approval_id", a.ID, "error", err)
			if err := o.store.AddOutput(ctx, sessionID, "action_failed", a.Action+": "+err.Error()); err != nil {
				o.logger.Warn("failure record failed", "session_id", sessionID, "error", err)
			}
			continue
		}
	}

	if err := o.store.TransitionSession(ctx, sessionID, persistence.SessionAwaitingApproval, persistence.SessionActive); err != nil {
		o.release(sessionID)
		close(ch)
		o.logger.Error("session did not return to active", "session_id", sessionID, "error", err)
		return
	}

	// Emit results now that the state transition is durable, then continue
	// the turn loop on the same lease and channel. run closes the channel
	// and releases the lease.
	for _, a := range pending {
		content := "executed"
		if !decisions[a.ID] {
			content = "skipped"
		}
		o.emit(streamCtx, ch, Event{Type: EventActionResult, SessionID: sessionID, ApprovalID: a.ID, Action: a.Action, Content: content})
	}
	o.run(streamCtx, sessionID, "Approvals were processed. Continue.", ch)
}

// execute performs one action's side effect and records it to outputs for
// audit, regardless of autonomy mode.
func (o *Orchestrator) execute(ctx context.Context, sessionID, action, target, content string) (string, error) {
	switch action {
	case "send_message":
		if o.dispatcher != nil {
			if err := o.dispatcher.Send(ctx, target, content); err != nil {
				return "", fmt.Errorf("send message: %w", err)
			}
		}
		if err := o.store.AddOutput(ctx, sessionID, "message_sent", content); err != nil {
			return "", fmt.Errorf("record output: %w", err)
		}
		return "message sent", nil
	case "flag_issue":
		if err := o.store.AddOutput(ctx, sessionID, "issue_flagged", content); err != nil {
			return "", fmt.Errorf("record output: %w", err)
		}
		return "issue flagged", nil
	case "update_context", "note":
		if err := o.store.AddOutput(ctx, sessionID, "note", content); err != nil {
			return "", fmt.Errorf("record output: %w", err)
		}
		return "noted", nil
	default:
		return "", &ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", action)}
	}
}

func (o *Orchestrator) fail(streamCtx context.Context, sessionID string, turn int, cause error, ch chan<- Event) {
	o.logger.Error("session turn failed", "session_id", sessionID, "turn", turn, "error", cause)
	// The failure must persist even when the stream consumer is gone.
	if err := o.store.TransitionSession(context.WithoutCancel(streamCtx), sessionID, persistence.SessionActive, persistence.SessionFailed); err != nil {
		o.logger.Error("session failure transition rejected", "session_id", sessionID, "error", err)
	}
	o.emit(streamCtx, ch, Event{Type: EventFailed, SessionID: sessionID, Turn: turn, Error: cause.Error()})
	o.publish(bus.TopicSessionFailed, bus.SessionEvent{SessionID: sessionID, TurnCount: turn, Detail: cause.Error()})
}

// emit delivers one event, abandoning delivery if the consumer is gone.
func (o *Orchestrator) emit(ctx context.Context, ch chan<- Event, ev Event) {
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

func (o *Orchestrator) publish(topic string, payload interface{}) {
	if o.eventBus != nil {
		o.eventBus.Publish(topic, payload)
	}
}

func (o *Orchestrator) release(sessionID string) {
	if err := o.store.ReleaseSession(context.Background(), sessionID); err != nil {
		o.logger.Warn("session lease release failed", "session_id", sessionID, "error", err)
	}
}

func (o *Orchestrator) mapAcquireErr(sessionID string, err error) error {
	if errors.Is(err, persistence.ErrSessionHeld) {
		return &SessionBusyError{SessionID: sessionID}
	}
	return err
}

func (o *Orchestrator) costCents(usage provider.Usage) int64 {
	model := o.provider.ModelName()
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	return pricing.CostCents(model, usage.InputTokens, usage.OutputTokens)
}

func splitApprovalAction(action string) (name, content string) {
	if i := strings.Index(action, ": "); i >= 0 {
		return action[:i], action[i+2:]
	}
	return action, ""
}
