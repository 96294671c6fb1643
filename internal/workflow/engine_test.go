package workflow_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/basket/outreach/internal/evaluator"
	"github.com/basket/outreach/internal/otel"
	"github.com/basket/outreach/internal/outbound"
	"github.com/basket/outreach/internal/persistence"
	"github.com/basket/outreach/internal/ratelimit"
	"github.com/basket/outreach/internal/workflow"
)

// scriptedEval returns canned evaluation results in order.
type scriptedEval struct {
	results []*evaluator.Result
	errs    []error
	calls   int
}

func (s *scriptedEval) Evaluate(_ context.Context, _ evaluator.Input) (*evaluator.Result, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.results) {
		return s.results[i], nil
	}
	return nil, errors.New("no scripted result left")
}

func closeResult(reason string) *evaluator.Result {
	return &evaluator.Result{Evaluation: evaluator.Evaluation{Decision: evaluator.DecisionClose, Reason: reason}}
}

func replyResult(draft string) *evaluator.Result {
	return &evaluator.Result{Evaluation: evaluator.Evaluation{Decision: evaluator.DecisionReply, Reply: draft, Reason: "continue"}}
}

func escalateResult(reason string) *evaluator.Result {
	return &evaluator.Result{Evaluation: evaluator.Evaluation{Decision: evaluator.DecisionEscalate, Reason: reason}}
}

type fixture struct {
	store     *persistence.Store
	engine    *workflow.Engine
	messenger *outbound.LogMessenger
	tmpl      *persistence.Template
}

func newFixture(t *testing.T, eval workflow.Evaluator, timeoutDays int) *fixture {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "outreach.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	tmpl, err := store.CreateTemplate(context.Background(), persistence.Template{
		AccountID: "acct-1",
		Name:      "trial-followup",
		Goal:      "convert the trial member to a full membership",
		Steps: []persistence.Step{
			{Action: "send_message", Content: "Hi {name}! How is the trial going?", ExpectSignal: "reply"},
			{Action: "send_message", Content: "Last chance for the signup discount.", ExpectSignal: "reply"},
		},
		TimeoutDays: timeoutDays,
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}

	messenger := outbound.NewLogMessenger(nil)
	dispatcher := outbound.NewDispatcher(messenger, ratelimit.New(600, 50), nil)
	engine := workflow.NewEngine(store, eval, dispatcher, nil, nil, "operator-1", nil)
	return &fixture{store: store, engine: engine, messenger: messenger, tmpl: tmpl}
}

func (f *fixture) startRun(t *testing.T) *persistence.Run {
	t.Helper()
	run, err := f.engine.StartRun(context.Background(), workflow.StartInput{
		WorkflowID:     f.tmpl.ID,
		AccountID:      "acct-1",
		SubjectID:      "member-9",
		SubjectContact: "member9@example.com",
		SubjectName:    "Sam",
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	return run
}

func TestStartRun_PerformsFirstStep(t *testing.T) {
	f := newFixture(t, &scriptedEval{}, 5)
	run := f.startRun(t)

	if run.Status != persistence.RunActive || run.CurrentStep != 0 {
		t.Fatalf("run = %+v", run)
	}
	sent := f.messenger.Sent()
	if len(sent) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(sent))
	}
	if sent[0].Text != "Hi Sam! How is the trial going?" {
		t.Fatalf("rendered step = %q", sent[0].Text)
	}
	wantDeadline := time.Now().Add(5 * 24 * time.Hour)
	if diff := run.DeadlineAt.Sub(wantDeadline); diff < -time.Minute || diff > time.Minute {
		t.Fatalf("deadline = %v", run.DeadlineAt)
	}
}

func TestStartRun_DisabledTemplateRejected(t *testing.T) {
	f := newFixture(t, &scriptedEval{}, 5)
	disabled, err := f.store.CreateTemplate(context.Background(), persistence.Template{
		AccountID: "acct-1",
		Name:      "paused",
		Goal:      "goal",
		Steps:     []persistence.Step{{Action: "send_message", Content: "hi", ExpectSignal: "reply"}},
		Enabled:   false,
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}

	_, err = f.engine.StartRun(context.Background(), workflow.StartInput{
		WorkflowID: disabled.ID, AccountID: "acct-1", SubjectID: "m", SubjectContact: "m@example.com",
	})
	var valErr *workflow.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("err = %v, want *ValidationError", err)
	}
}

// Full lifecycle: a reply keeps the run on its step, a close achieves it,
// and a later sweep leaves the terminal run untouched.
func TestRun_ReplyThenCloseThenSweepIsNoop(t *testing.T) {
	eval := &scriptedEval{results: []*evaluator.Result{
		replyResult("Glad to hear it! Want me to book your signup call?"),
		closeResult("subject signed up"),
	}}
	f := newFixture(t, eval, 5)
	run := f.startRun(t)
	ctx := context.Background()

	if err := f.engine.HandleReply(ctx, run.ID, "going great so far!", "member9@example.com", "Sam"); err != nil {
		t.Fatalf("first reply: %v", err)
	}
	got, _ := f.store.GetRun(ctx, run.ID)
	if got.Status != persistence.RunActive || got.CurrentStep != 0 {
		t.Fatalf("after reply: %+v", got)
	}
	if got.Context["last_subject_message"] != "going great so far!" {
		t.Fatalf("context = %#v", got.Context)
	}
	if len(f.messenger.Sent()) != 2 {
		t.Fatalf("deliveries = %d, want 2 (step + drafted reply)", len(f.messenger.Sent()))
	}

	if err := f.engine.HandleReply(ctx, run.ID, "yes, sign me up", "member9@example.com", "Sam"); err != nil {
		t.Fatalf("second reply: %v", err)
	}
	got, _ = f.store.GetRun(ctx, run.ID)
	if got.Status != persistence.RunAchieved {
		t.Fatalf("after close: status = %q", got.Status)
	}

	n, err := f.engine.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 0 {
		t.Fatalf("tick timed out %d runs, want 0", n)
	}
	got, _ = f.store.GetRun(ctx, run.ID)
	if got.Status != persistence.RunAchieved {
		t.Fatalf("terminal run touched by sweep: %q", got.Status)
	}
}

func TestTick_TimesOutExpiredRunsOnce(t *testing.T) {
	f := newFixture(t, &scriptedEval{}, 5)
	ctx := context.Background()

	expired, err := f.store.CreateRun(ctx, persistence.Run{
		WorkflowID: f.tmpl.ID, AccountID: "acct-1", SubjectID: "m1", SubjectContact: "m1@example.com",
	}, 1, time.Now().Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("create expired run: %v", err)
	}

	n, err := f.engine.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 1 {
		t.Fatalf("timed out = %d, want 1", n)
	}
	got, _ := f.store.GetRun(ctx, expired.ID)
	if got.Status != persistence.RunTimedOut {
		t.Fatalf("status = %q, want timed_out", got.Status)
	}

	// Idempotence: a second sweep is a no-op.
	n, err = f.engine.Tick(ctx)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if n != 0 {
		t.Fatalf("second tick timed out %d runs, want 0", n)
	}
	entries, _ := f.store.ListEntries(ctx, expired.ID, 0)
	notes := 0
	for _, e := range entries {
		if e.Role == "system" {
			notes++
		}
	}
	if notes != 1 {
		t.Fatalf("timeout notes = %d, want exactly 1", notes)
	}
}

func TestHandleReply_EscalateFlagsRunAndAlertsOperator(t *testing.T) {
	eval := &scriptedEval{results: []*evaluator.Result{
		escalateResult("subject mentioned a billing dispute"),
	}}
	f := newFixture(t, eval, 5)
	run := f.startRun(t)
	ctx := context.Background()

	if err := f.engine.HandleReply(ctx, run.ID, "you charged me twice", "member9@example.com", "Sam"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	got, _ := f.store.GetRun(ctx, run.ID)
	if got.Status != persistence.RunActive || !got.NeedsAttention {
		t.Fatalf("after escalate: %+v", got)
	}

	var operatorAlerted bool
	for _, m := range f.messenger.Sent() {
		if m.Contact == "operator-1" {
			operatorAlerted = true
		}
	}
	if !operatorAlerted {
		t.Fatal("no operator alert sent")
	}

	// Further replies are recorded but produce no automated message and no
	// evaluator call until a human intervenes.
	before := len(f.messenger.Sent())
	if err := f.engine.HandleReply(ctx, run.ID, "hello? anyone there?", "member9@example.com", "Sam"); err != nil {
		t.Fatalf("reply on escalated run: %v", err)
	}
	if eval.calls != 1 {
		t.Fatalf("evaluator calls = %d, want 1", eval.calls)
	}
	if len(f.messenger.Sent()) != before {
		t.Fatal("escalated run sent an automated message")
	}
}

func TestHandleReply_EvaluationFailureEscalates(t *testing.T) {
	eval := &scriptedEval{errs: []error{&evaluator.EvaluationError{Message: "unusable provider output"}}}
	f := newFixture(t, eval, 5)
	run := f.startRun(t)

	if err := f.engine.HandleReply(context.Background(), run.ID, "hm", "member9@example.com", "Sam"); err != nil {
		t.Fatalf("reply: %v", err)
	}
	got, _ := f.store.GetRun(context.Background(), run.ID)
	if !got.NeedsAttention {
		t.Fatal("evaluation failure did not escalate")
	}
}

func TestEscalatedRunStillTimesOut(t *testing.T) {
	f := newFixture(t, &scriptedEval{}, 5)
	ctx := context.Background()

	run, err := f.store.CreateRun(ctx, persistence.Run{
		WorkflowID: f.tmpl.ID, AccountID: "acct-1", SubjectID: "m1", SubjectContact: "m1@example.com",
	}, 1, time.Now().Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := f.store.SetRunNeedsAttention(ctx, run.ID, true); err != nil {
		t.Fatalf("flag run: %v", err)
	}

	n, err := f.engine.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if n != 1 {
		t.Fatalf("timed out = %d, want 1 (escalated runs still expire)", n)
	}
}

func TestAdvanceRun_TerminalRejected(t *testing.T) {
	f := newFixture(t, &scriptedEval{}, 5)
	run := f.startRun(t)
	ctx := context.Background()

	// Advancing past the last step achieves the run.
	if err := f.engine.AdvanceRun(ctx, run.ID, 2); err != nil {
		t.Fatalf("advance to completion: %v", err)
	}
	got, _ := f.store.GetRun(ctx, run.ID)
	if got.Status != persistence.RunAchieved {
		t.Fatalf("status = %q, want achieved", got.Status)
	}

	err := f.engine.AdvanceRun(ctx, run.ID, 1)
	var stateErr *workflow.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("err = %v, want *StateError", err)
	}
}

func TestAdvanceRun_PerformsNextStep(t *testing.T) {
	f := newFixture(t, &scriptedEval{}, 5)
	run := f.startRun(t)
	ctx := context.Background()

	if err := f.engine.AdvanceRun(ctx, run.ID, 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got, _ := f.store.GetRun(ctx, run.ID)
	if got.CurrentStep != 1 {
		t.Fatalf("step = %d, want 1", got.CurrentStep)
	}
	sent := f.messenger.Sent()
	if len(sent) != 2 || sent[1].Text != "Last chance for the signup discount." {
		t.Fatalf("deliveries = %#v", sent)
	}
}

func TestHandleReply_TerminalRunRejected(t *testing.T) {
	eval := &scriptedEval{results: []*evaluator.Result{closeResult("done")}}
	f := newFixture(t, eval, 5)
	run := f.startRun(t)
	ctx := context.Background()

	if err := f.engine.HandleReply(ctx, run.ID, "all set", "member9@example.com", "Sam"); err != nil {
		t.Fatalf("closing reply: %v", err)
	}
	err := f.engine.HandleReply(ctx, run.ID, "late reply", "member9@example.com", "Sam")
	var stateErr *workflow.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("err = %v, want *StateError", err)
	}
}

func TestHandleReply_RecordsEvaluationAndTransitionMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	metrics, err := otel.NewMetrics(meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	eval := &scriptedEval{results: []*evaluator.Result{closeResult("done")}}
	f := newFixture(t, eval, 5)
	f.engine = workflow.NewEngine(f.store, eval, nil, nil, metrics, "", nil)
	run := f.startRun(t)
	ctx := context.Background()

	if err := f.engine.HandleReply(ctx, run.ID, "all set, signing up", "member9@example.com", "Sam"); err != nil {
		t.Fatalf("reply: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := counterValue(t, rm, "outreach.reply.evaluated"); got != 1 {
		t.Fatalf("replies evaluated = %d, want 1", got)
	}
	if got := counterValue(t, rm, "outreach.run.transitions"); got != 1 {
		t.Fatalf("run transitions = %d, want 1", got)
	}
}

// counterValue sums all data points of the named int64 sum instrument.
func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s data type = %T, want Sum[int64]", name, m.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}
