// Package workflow drives long-lived, template-defined outreach runs per
// subject, advanced by inbound replies and a periodic timeout sweep.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/outreach/internal/bus"
	"github.com/basket/outreach/internal/evaluator"
	"github.com/basket/outreach/internal/otel"
	"github.com/basket/outreach/internal/outbound"
	"github.com/basket/outreach/internal/persistence"
	"github.com/basket/outreach/internal/shared"
)

// Evaluator classifies a reply against a run's goal.
type Evaluator interface {
	Evaluate(ctx context.Context, in evaluator.Input) (*evaluator.Result, error)
}

// Engine manages workflow runs. It holds no run state of its own; the store
// is the single source of truth between invocations.
type Engine struct {
	store      *persistence.Store
	eval       Evaluator
	dispatcher *outbound.Dispatcher // nil disables outbound delivery
	eventBus   *bus.Bus             // nil disables bus notifications
	metrics    *otel.Metrics        // nil skips instrument updates
	tracer     trace.Tracer
	logger     *slog.Logger

	// operatorContact, when set, receives best-effort escalation alerts.
	operatorContact string

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewEngine(store *persistence.Store, eval Evaluator, dispatcher *outbound.Dispatcher, eventBus *bus.Bus, metrics *otel.Metrics, operatorContact string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:           store,
		eval:            eval,
		dispatcher:      dispatcher,
		eventBus:        eventBus,
		metrics:         metrics,
		tracer:          otelapi.Tracer(otel.TracerName),
		operatorContact: operatorContact,
		logger:          logger,
		inFlight:        make(map[string]struct{}),
	}
}

// StartInput describes a new run.
type StartInput struct {
	WorkflowID     string
	AccountID      string
	SubjectID      string
	SubjectContact string
	SubjectName    string
	InitialContext map[string]string
}

// StartRun validates the template, creates an active run at step 0 with its
// deadline fixed, and performs the first step's action.
func (e *Engine) StartRun(ctx context.Context, in StartInput) (*persistence.Run, error) {
	tmpl, err := e.store.GetTemplate(ctx, in.WorkflowID)
	if err != nil {
		return nil, err
	}
	if !tmpl.Enabled {
		return nil, &ValidationError{Field: "workflow_id", Message: fmt.Sprintf("template %s is disabled", tmpl.ID)}
	}
	if strings.TrimSpace(in.SubjectContact) == "" {
		return nil, &ValidationError{Field: "subject_contact", Message: "must be non-empty"}
	}

	run, err := e.store.CreateRun(ctx, persistence.Run{
		WorkflowID:     tmpl.ID,
		AccountID:      in.AccountID,
		SubjectID:      in.SubjectID,
		SubjectContact: in.SubjectContact,
		SubjectName:    in.SubjectName,
		Context:        in.InitialContext,
	}, tmpl.TimeoutDays, time.Now())
	if err != nil {
		return nil, err
	}

	if err := e.performStep(ctx, run, tmpl, 0); err != nil {
		return nil, fmt.Errorf("first step: %w", err)
	}
	e.publish(bus.TopicRunStarted, bus.RunEvent{RunID: run.ID, WorkflowID: tmpl.ID, StepIndex: 0, Status: string(run.Status)})
	return run, nil
}

// AdvanceRun moves a run to nextStep and performs that step's action. A
// nextStep beyond the template's last step transitions the run to achieved.
// Terminal runs are rejected defensively even when the API layer already
// checked.
func (e *Engine) AdvanceRun(ctx context.Context, runID string, nextStep int) error {
	release, err := e.acquire(runID)
	if err != nil {
		return err
	}
	defer release()
	return e.advanceLocked(ctx, runID, nextStep)
}

func (e *Engine) advanceLocked(ctx context.Context, runID string, nextStep int) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return &StateError{RunID: runID, Status: string(run.Status), Message: "run is terminal"}
	}
	if nextStep < 0 {
		return &ValidationError{Field: "next_step", Message: "must be non-negative"}
	}
	tmpl, err := e.store.GetTemplate(ctx, run.WorkflowID)
	if err != nil {
		return err
	}

	if nextStep >= len(tmpl.Steps) {
		did, err := e.store.TransitionRun(ctx, runID, persistence.RunAchieved)
		if err != nil {
			return err
		}
		if did {
			e.publish(bus.TopicRunAchieved, bus.RunEvent{RunID: runID, WorkflowID: tmpl.ID, StepIndex: run.CurrentStep, Status: string(persistence.RunAchieved)})
			e.countTransition(ctx, persistence.RunAchieved)
		}
		return nil
	}

	if err := e.store.AdvanceRunStep(ctx, runID, nextStep); err != nil {
		return err
	}
	run.CurrentStep = nextStep
	if err := e.performStep(ctx, run, tmpl, nextStep); err != nil {
		return err
	}
	e.publish(bus.TopicRunAdvanced, bus.RunEvent{RunID: runID, WorkflowID: tmpl.ID, StepIndex: nextStep, Status: string(persistence.RunActive)})
	return nil
}

// Tick sweeps all active runs past their deadline into timed_out. It is
// idempotent: the status precondition inside TransitionRun makes a repeat
// sweep a no-op, and a run just transitioned by a concurrent reply is left
// alone. Escalated runs still time out if ignored.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	ctx, span := otel.StartSpan(ctx, e.tracer, "workflow.tick")
	defer span.End()

	expired, err := e.store.ListExpiredActiveRuns(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("list expired runs: %w", err)
	}

	timedOut := 0
	for _, run := range expired {
		did, err := e.store.TransitionRun(ctx, run.ID, persistence.RunTimedOut)
		if err != nil {
			e.logger.Error("timeout transition failed", "run_id", run.ID, "error", err)
			continue
		}
		if !did {
			continue
		}
		timedOut++
		if _, err := e.store.AppendEntry(ctx, run.ID, "system", "run timed out: deadline passed without resolution", ""); err != nil {
			e.logger.Warn("timeout note not recorded", "run_id", run.ID, "error", err)
		}
		e.publish(bus.TopicRunTimedOut, bus.RunEvent{RunID: run.ID, WorkflowID: run.WorkflowID, StepIndex: run.CurrentStep, Status: string(persistence.RunTimedOut)})
		e.countTransition(ctx, persistence.RunTimedOut)
	}
	return timedOut, nil
}

// HandleReply processes an inbound reply for a run's current step: the
// evaluator's decision drives advancement. Evaluation failures are treated
// as escalate, never as a silent default.
func (e *Engine) HandleReply(ctx context.Context, runID, text, fromContact, fromName string) error {
	if strings.TrimSpace(text) == "" {
		return &ValidationError{Field: "text", Message: "must be non-empty"}
	}
	release, err := e.acquire(runID)
	if err != nil {
		return err
	}
	defer release()
	ctx = shared.WithRunID(ctx, runID)
	ctx, span := otel.StartSpan(ctx, e.tracer, "workflow.reply", otel.AttrRunID.String(runID))
	defer span.End()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return &StateError{RunID: runID, Status: string(run.Status), Message: "run is terminal"}
	}

	if run.NeedsAttention {
		// A human owns this run now; record the reply but send nothing.
		if _, err := e.store.AppendEntry(ctx, runID, "subject", text, ""); err != nil {
			return fmt.Errorf("append reply: %w", err)
		}
		e.logger.Info("reply recorded on escalated run, no automated action", "run_id", runID)
		return nil
	}

	tmpl, err := e.store.GetTemplate(ctx, run.WorkflowID)
	if err != nil {
		return err
	}
	history, err := e.store.ListEntries(ctx, runID, 0)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	res, evalErr := e.eval.Evaluate(ctx, evaluator.Input{
		Goal:    goalWithContext(tmpl.Goal, run.Context),
		History: history,
		Text:    text,
	})

	if e.metrics != nil {
		decision := "error"
		if evalErr == nil {
			decision = string(res.Decision)
		}
		e.metrics.RepliesEvaluated.Add(ctx, 1, metric.WithAttributes(otel.AttrDecision.String(decision)))
	}

	evalJSON := ""
	if res != nil {
		evalJSON = res.RawJSON
	}
	if _, err := e.store.AppendEntry(ctx, runID, "subject", text, evalJSON); err != nil {
		return fmt.Errorf("append reply: %w", err)
	}
	e.publish(bus.TopicRunReply, bus.RunEvent{RunID: runID, WorkflowID: run.WorkflowID, StepIndex: run.CurrentStep, Status: string(run.Status)})

	if evalErr != nil {
		var valErr *evaluator.ValidationError
		if errors.As(evalErr, &valErr) {
			return evalErr
		}
		// No usable decision: hand the run to a human.
		e.logger.Warn("evaluation failed, escalating", "run_id", runID, "error", evalErr)
		return e.escalate(ctx, run, "evaluation failed: "+evalErr.Error())
	}

	switch res.Decision {
	case evaluator.DecisionClose:
		return e.advanceLocked(ctx, runID, len(tmpl.Steps))

	case evaluator.DecisionReply:
		if e.dispatcher != nil {
			if err := e.dispatcher.Send(ctx, run.SubjectContact, res.Reply); err != nil {
				return fmt.Errorf("send reply: %w", err)
			}
		}
		if _, err := e.store.AppendEntry(ctx, runID, "agent", res.Reply, ""); err != nil {
			e.logger.Warn("agent reply not recorded", "run_id", runID, "error", err)
		}
		facts := run.Context
		if facts == nil {
			facts = make(map[string]string)
		}
		facts["last_subject_message"] = text
		facts["last_decision"] = string(res.Decision)
		if err := e.store.UpdateRunContext(ctx, runID, facts); err != nil {
			e.logger.Warn("run context not updated", "run_id", runID, "error", err)
		}
		return nil

	case evaluator.DecisionEscalate:
		return e.escalate(ctx, run, res.Reason)

	default:
		// The evaluator contract forbids this; treat like a failed evaluation.
		return e.escalate(ctx, run, fmt.Sprintf("unexpected decision %q", res.Decision))
	}
}

// escalate flags a run for human attention. The run stays active so the
// deadline sweep still applies; the operator alert is best-effort.
func (e *Engine) escalate(ctx context.Context, run *persistence.Run, reason string) error {
	if err := e.store.SetRunNeedsAttention(ctx, run.ID, true); err != nil {
		return fmt.Errorf("flag run: %w", err)
	}
	if _, err := e.store.AppendEntry(ctx, run.ID, "system", "escalated for human attention: "+reason, ""); err != nil {
		e.logger.Warn("escalation note not recorded", "run_id", run.ID, "error", err)
	}
	e.publish(bus.TopicRunEscalated, bus.RunEvent{RunID: run.ID, WorkflowID: run.WorkflowID, StepIndex: run.CurrentStep, Status: string(persistence.RunActive)})

	if e.dispatcher != nil && e.operatorContact != "" {
		alert := fmt.Sprintf("Run %s needs attention: %s", run.ID, reason)
		if err := e.dispatcher.Send(ctx, e.operatorContact, alert); err != nil {
			e.logger.Warn("operator alert not delivered", "run_id", run.ID, "error", err)
		}
	}
	return nil
}

// performStep executes one template step against the run's subject and
// records it in the run's thread.
func (e *Engine) performStep(ctx context.Context, run *persistence.Run, tmpl *persistence.Template, idx int) error {
	if idx >= len(tmpl.Steps) {
		return nil
	}
	step := tmpl.Steps[idx]
	switch step.Action {
	case "send_message":
		text := renderStepContent(step.Content, run)
		if e.dispatcher != nil {
			if err := e.dispatcher.Send(ctx, run.SubjectContact, text); err != nil {
				return err
			}
		}
		if _, err := e.store.AppendEntry(ctx, run.ID, "agent", text, ""); err != nil {
			e.logger.Warn("step message not recorded", "run_id", run.ID, "error", err)
		}
		return nil
	default:
		return &ValidationError{Field: "steps", Message: fmt.Sprintf("unknown step action %q", step.Action)}
	}
}

// renderStepContent substitutes subject placeholders into step text.
func renderStepContent(content string, run *persistence.Run) string {
	out := strings.ReplaceAll(content, "{name}", run.SubjectName)
	for k, v := range run.Context {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// goalWithContext folds the run's accumulated facts into the goal text given
// to the evaluator.
func goalWithContext(goal string, facts map[string]string) string {
	if len(facts) == 0 {
		return goal
	}
	var sb strings.Builder
	sb.WriteString(goal)
	sb.WriteString("\nKnown facts about this subject:")
	for k, v := range facts {
		sb.WriteString("\n- ")
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(v)
	}
	return sb.String()
}

// acquire takes the in-process per-run lock, failing fast when another
// operation holds it.
func (e *Engine) acquire(runID string) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, held := e.inFlight[runID]; held {
		return nil, &RunBusyError{RunID: runID}
	}
	e.inFlight[runID] = struct{}{}
	return func() {
		e.mu.Lock()
		delete(e.inFlight, runID)
		e.mu.Unlock()
	}, nil
}

func (e *Engine) publish(topic string, payload interface{}) {
	if e.eventBus != nil {
		e.eventBus.Publish(topic, payload)
	}
}

// countTransition records one run status transition that actually happened.
func (e *Engine) countTransition(ctx context.Context, to persistence.RunStatus) {
	if e.metrics != nil {
		e.metrics.RunTransitions.Add(ctx, 1, metric.WithAttributes(otel.AttrAction.String(string(to))))
	}
}
