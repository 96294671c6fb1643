package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/outreach/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "outreach.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store := openTestStore(t)
	db := store.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	requiredTables := []string{"schema_migrations", "sessions", "approvals", "outputs", "conversations", "workflow_templates", "workflow_runs"}
	for _, table := range requiredTables {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_CreateSessionValidation(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.CreateSession(ctx, "acct-1", "  ", persistence.ModeManual); err == nil {
		t.Fatal("empty goal accepted")
	}
	if _, err := store.CreateSession(ctx, "acct-1", "win back the member", "turbo"); err == nil {
		t.Fatal("invalid autonomy mode accepted")
	}

	sess, err := store.CreateSession(ctx, "acct-1", "win back the member", persistence.ModeSemiAuto)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if sess.Status != persistence.SessionActive {
		t.Fatalf("status = %q, want active", sess.Status)
	}
	if sess.TurnCount != 0 || sess.CostCents != 0 {
		t.Fatalf("fresh session has turn_count=%d cost_cents=%d", sess.TurnCount, sess.CostCents)
	}
}

func TestStore_AcquireSessionIsExclusive(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "acct-1", "book an intro call", persistence.ModeManual)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.AcquireSession(ctx, sess.ID); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	err = store.AcquireSession(ctx, sess.ID)
	if !errors.Is(err, persistence.ErrSessionHeld) {
		t.Fatalf("second acquire err = %v, want ErrSessionHeld", err)
	}
	if err := store.ReleaseSession(ctx, sess.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := store.AcquireSession(ctx, sess.ID); err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
}

func TestStore_ReleaseAllSessionsFreesOrphanedLeases(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var held []string
	for i := 0; i < 3; i++ {
		sess, err := store.CreateSession(ctx, "acct-1", "goal", persistence.ModeManual)
		if err != nil {
			t.Fatalf("create session: %v", err)
		}
		held = append(held, sess.ID)
	}
	for _, id := range held[:2] {
		if err := store.AcquireSession(ctx, id); err != nil {
			t.Fatalf("acquire %s: %v", id, err)
		}
	}

	released, err := store.ReleaseAllSessions(ctx)
	if err != nil {
		t.Fatalf("release all: %v", err)
	}
	if released != 2 {
		t.Fatalf("released = %d, want 2", released)
	}
	for _, id := range held {
		if err := store.AcquireSession(ctx, id); err != nil {
			t.Fatalf("acquire %s after recovery: %v", id, err)
		}
	}
}

func TestStore_AcquireMissingSession(t *testing.T) {
	store := openTestStore(t)
	err := store.AcquireSession(context.Background(), "no-such-id")
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_TransitionSessionPrecondition(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "acct-1", "renewal outreach", persistence.ModeFullAuto)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := store.TransitionSession(ctx, sess.ID, persistence.SessionActive, persistence.SessionCompleted); err != nil {
		t.Fatalf("active → completed: %v", err)
	}

	// Terminal sessions reject further transitions at the state machine.
	err = store.TransitionSession(ctx, sess.ID, persistence.SessionCompleted, persistence.SessionActive)
	if err == nil {
		t.Fatal("transition out of terminal state accepted")
	}

	// Stale precondition: session is no longer active.
	err = store.TransitionSession(ctx, sess.ID, persistence.SessionActive, persistence.SessionFailed)
	if !errors.Is(err, persistence.ErrStaleStatus) {
		t.Fatalf("err = %v, want ErrStaleStatus", err)
	}
}

func TestStore_CostIsMonotonic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "acct-1", "upsell", persistence.ModeFullAuto)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.AddSessionCost(ctx, sess.ID, 7); err != nil {
		t.Fatalf("add cost: %v", err)
	}
	if err := store.AddSessionCost(ctx, sess.ID, 0); err != nil {
		t.Fatalf("add zero cost: %v", err)
	}
	if err := store.AddSessionCost(ctx, sess.ID, -3); err == nil {
		t.Fatal("negative cost delta accepted")
	}
	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.CostCents != 7 {
		t.Fatalf("cost_cents = %d, want 7", got.CostCents)
	}
}

func TestStore_ApprovalsParkAndDecide(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "acct-1", "chase an invoice", persistence.ModeManual)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	created, err := store.CreateApprovals(ctx, sess.ID, []persistence.Approval{
		{Action: "send_message", Target: "pat@example.com"},
	})
	if err != nil {
		t.Fatalf("create approvals: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("created %d approvals, want 1", len(created))
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != persistence.SessionAwaitingApproval {
		t.Fatalf("status = %q, want awaiting_approval", got.Status)
	}

	pending, err := store.ListPendingApprovals(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != created[0].ID {
		t.Fatalf("pending = %#v", pending)
	}

	if err := store.DecideApproval(ctx, created[0].ID, false); err != nil {
		t.Fatalf("decide approval: %v", err)
	}
	// Decisions are single-shot.
	err = store.DecideApproval(ctx, created[0].ID, true)
	if !errors.Is(err, persistence.ErrStaleStatus) {
		t.Fatalf("second decide err = %v, want ErrStaleStatus", err)
	}

	pending, err = store.ListPendingApprovals(ctx, sess.ID)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending after decision = %#v", pending)
	}
}

func TestStore_CreateApprovalsRequiresActiveSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sess, err := store.CreateSession(ctx, "acct-1", "welcome new signup", persistence.ModeManual)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.TransitionSession(ctx, sess.ID, persistence.SessionActive, persistence.SessionCancelled); err != nil {
		t.Fatalf("cancel session: %v", err)
	}
	_, err = store.CreateApprovals(ctx, sess.ID, []persistence.Approval{{Action: "send_message"}})
	if !errors.Is(err, persistence.ErrStaleStatus) {
		t.Fatalf("err = %v, want ErrStaleStatus", err)
	}
}

func TestStore_ConversationOrdering(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	owner := "run-1"
	contents := []string{"hi there", "thanks, tell me more", "here are the details"}
	roles := []string{"agent", "subject", "agent"}
	for i := range contents {
		if _, err := store.AppendEntry(ctx, owner, roles[i], contents[i], ""); err != nil {
			t.Fatalf("append entry %d: %v", i, err)
		}
	}

	entries, err := store.ListEntries(ctx, owner, 0)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	for i, e := range entries {
		if e.Content != contents[i] {
			t.Fatalf("entry %d = %q, want %q", i, e.Content, contents[i])
		}
	}

	if _, err := store.AppendEntry(ctx, owner, "bystander", "nope", ""); err == nil {
		t.Fatal("invalid role accepted")
	}
}

func TestStore_RunLifecycleAndPreconditions(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	tmpl, err := store.CreateTemplate(ctx, persistence.Template{
		AccountID: "acct-1",
		Name:      "trial-followup",
		Goal:      "convert trial members",
		Steps: []persistence.Step{
			{Action: "send_message", Content: "how is the trial going?", ExpectSignal: "reply"},
			{Action: "send_message", Content: "last chance discount", ExpectSignal: "reply"},
		},
		TimeoutDays: 5,
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}

	run, err := store.CreateRun(ctx, persistence.Run{
		WorkflowID:     tmpl.ID,
		AccountID:      "acct-1",
		SubjectID:      "member-9",
		SubjectContact: "member9@example.com",
		SubjectName:    "Sam",
	}, tmpl.TimeoutDays, now)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.Status != persistence.RunActive || run.CurrentStep != 0 {
		t.Fatalf("run = %+v", run)
	}
	wantDeadline := now.Add(5 * 24 * time.Hour)
	if diff := run.DeadlineAt.Sub(wantDeadline); diff < -time.Minute || diff > time.Minute {
		t.Fatalf("deadline = %v, want ≈ %v", run.DeadlineAt, wantDeadline)
	}

	if err := store.AdvanceRunStep(ctx, run.ID, 1); err != nil {
		t.Fatalf("advance step: %v", err)
	}
	// Steps never move backwards.
	err = store.AdvanceRunStep(ctx, run.ID, 0)
	if !errors.Is(err, persistence.ErrStaleStatus) {
		t.Fatalf("backwards advance err = %v, want ErrStaleStatus", err)
	}

	did, err := store.TransitionRun(ctx, run.ID, persistence.RunAchieved)
	if err != nil {
		t.Fatalf("transition run: %v", err)
	}
	if !did {
		t.Fatal("first transition reported no-op")
	}
	// Second transition is a no-op, not an error: the sweep relies on this.
	did, err = store.TransitionRun(ctx, run.ID, persistence.RunTimedOut)
	if err != nil {
		t.Fatalf("second transition: %v", err)
	}
	if did {
		t.Fatal("terminal run transitioned again")
	}
	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != persistence.RunAchieved {
		t.Fatalf("status = %q, want achieved", got.Status)
	}
}

func TestStore_ListExpiredActiveRuns(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	start := time.Now().Add(-10 * 24 * time.Hour)

	tmpl, err := store.CreateTemplate(ctx, persistence.Template{
		AccountID: "acct-1",
		Name:      "reactivation",
		Goal:      "bring lapsed members back",
		Steps:     []persistence.Step{{Action: "send_message", Content: "we miss you", ExpectSignal: "reply"}},
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}

	expired, err := store.CreateRun(ctx, persistence.Run{WorkflowID: tmpl.ID, AccountID: "acct-1", SubjectID: "m1", SubjectContact: "m1@example.com"}, 5, start)
	if err != nil {
		t.Fatalf("create expired run: %v", err)
	}
	fresh, err := store.CreateRun(ctx, persistence.Run{WorkflowID: tmpl.ID, AccountID: "acct-1", SubjectID: "m2", SubjectContact: "m2@example.com"}, 30, time.Now())
	if err != nil {
		t.Fatalf("create fresh run: %v", err)
	}

	got, err := store.ListExpiredActiveRuns(ctx, time.Now())
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(got) != 1 || got[0].ID != expired.ID {
		t.Fatalf("expired runs = %#v", got)
	}
	_ = fresh
}

func TestStore_RunContextRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	tmpl, err := store.CreateTemplate(ctx, persistence.Template{
		AccountID: "acct-1",
		Name:      "intro",
		Goal:      "schedule an intro session",
		Steps:     []persistence.Step{{Action: "send_message", Content: "hello", ExpectSignal: "reply"}},
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	run, err := store.CreateRun(ctx, persistence.Run{WorkflowID: tmpl.ID, AccountID: "acct-1", SubjectID: "m3", SubjectContact: "m3@example.com"}, 0, time.Now())
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	if err := store.UpdateRunContext(ctx, run.ID, map[string]string{"preferred_time": "mornings"}); err != nil {
		t.Fatalf("update context: %v", err)
	}
	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Context["preferred_time"] != "mornings" {
		t.Fatalf("context = %#v", got.Context)
	}
}
