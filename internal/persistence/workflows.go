package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateTemplate stores a new workflow template. Steps must be non-empty.
func (s *Store) CreateTemplate(ctx context.Context, t Template) (*Template, error) {
	t.Name = strings.TrimSpace(t.Name)
	t.Goal = strings.TrimSpace(t.Goal)
	if t.Name == "" {
		return nil, fmt.Errorf("empty template name")
	}
	if t.Goal == "" {
		return nil, fmt.Errorf("empty template goal")
	}
	if len(t.Steps) == 0 {
		return nil, fmt.Errorf("template needs at least one step")
	}
	if t.TimeoutDays <= 0 {
		t.TimeoutDays = defaultTimeoutDays
	}
	stepsJSON, err := json.Marshal(t.Steps)
	if err != nil {
		return nil, fmt.Errorf("encode steps: %w", err)
	}
	id := t.ID
	if id == "" {
		id = uuid.NewString()
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workflow_templates (id, account_id, name, goal, steps_json, timeout_days, trigger_config, enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, t.AccountID, t.Name, t.Goal, string(stepsJSON), t.TimeoutDays, t.TriggerConfig, boolToInt(t.Enabled))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert template: %w", err)
	}
	return s.GetTemplate(ctx, id)
}

// GetTemplate reads one template by id.
func (s *Store) GetTemplate(ctx context.Context, id string) (*Template, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, name, goal, steps_json, timeout_days, trigger_config, enabled, created_at, updated_at
		FROM workflow_templates WHERE id = ?;
	`, id)
	return scanTemplate(row)
}

// ListTemplates returns templates, optionally filtered by account.
func (s *Store) ListTemplates(ctx context.Context, accountID string) ([]Template, error) {
	query := `
		SELECT id, account_id, name, goal, steps_json, timeout_days, trigger_config, enabled, created_at, updated_at
		FROM workflow_templates`
	var args []any
	if accountID != "" {
		query += ` WHERE account_id = ?`
		args = append(args, accountID)
	}
	query += ` ORDER BY created_at ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("template rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*Template, error) {
	var t Template
	var stepsJSON string
	var enabled int
	err := row.Scan(&t.ID, &t.AccountID, &t.Name, &t.Goal, &stepsJSON, &t.TimeoutDays,
		&t.TriggerConfig, &enabled, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan template: %w", err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &t.Steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	t.Enabled = enabled != 0
	return &t, nil
}

// CreateRun inserts a new active run at step 0 with its deadline fixed from
// the template timeout.
func (s *Store) CreateRun(ctx context.Context, r Run, timeoutDays int, now time.Time) (*Run, error) {
	if timeoutDays <= 0 {
		timeoutDays = defaultTimeoutDays
	}
	contextJSON, err := marshalContext(r.Context)
	if err != nil {
		return nil, err
	}
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	deadline := now.Add(time.Duration(timeoutDays) * 24 * time.Hour).UTC()
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workflow_runs (id, workflow_id, account_id, subject_id, subject_contact, subject_name, current_step, status, context_json, started_at, updated_at, deadline_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, ?);
		`, id, r.WorkflowID, r.AccountID, r.SubjectID, r.SubjectContact, r.SubjectName, RunActive, contextJSON, deadline)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return s.GetRun(ctx, id)
}

// GetRun reads one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, account_id, subject_id, subject_contact, subject_name, current_step, status, needs_attention, context_json, started_at, updated_at, deadline_at
		FROM workflow_runs WHERE id = ?;
	`, id)
	return scanRun(row)
}

// ListRuns returns runs with optional account and status filters.
func (s *Store) ListRuns(ctx context.Context, accountID string, status RunStatus) ([]Run, error) {
	query := `
		SELECT id, workflow_id, account_id, subject_id, subject_contact, subject_name, current_step, status, needs_attention, context_json, started_at, updated_at, deadline_at
		FROM workflow_runs`
	var conds []string
	var args []any
	if accountID != "" {
		conds = append(conds, "account_id = ?")
		args = append(args, accountID)
	}
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY started_at ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run rows: %w", err)
	}
	return out, nil
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var contextJSON string
	var needsAttention int
	err := row.Scan(&r.ID, &r.WorkflowID, &r.AccountID, &r.SubjectID, &r.SubjectContact, &r.SubjectName,
		&r.CurrentStep, &r.Status, &needsAttention, &contextJSON, &r.StartedAt, &r.UpdatedAt, &r.DeadlineAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.NeedsAttention = needsAttention != 0
	r.Context, err = unmarshalContext(contextJSON)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// AdvanceRunStep moves an active run to nextStep. Step indexes are monotonic
// non-decreasing; a backwards move or a terminal run yields ErrStaleStatus.
func (s *Store) AdvanceRunStep(ctx context.Context, id string, nextStep int) error {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE workflow_runs SET current_step = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ? AND current_step <= ?;
		`, nextStep, id, RunActive, nextStep)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("advance run step: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("run %s not active at or before step %d: %w", id, nextStep, ErrStaleStatus)
	}
	return nil
}

// TransitionRun moves an active run to a terminal status. The returned bool
// reports whether this call performed the transition; false means another
// writer (a racing reply or an earlier sweep) got there first, which makes
// the periodic sweep idempotent.
func (s *Store) TransitionRun(ctx context.Context, id string, to RunStatus) (bool, error) {
	if !to.Terminal() {
		return false, fmt.Errorf("illegal run transition target %q", to)
	}
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE workflow_runs SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, id, RunActive)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("transition run: %w", err)
	}
	return affected > 0, nil
}

// SetRunNeedsAttention flags or clears the human-attention marker. The flag
// never exempts a run from its deadline.
func (s *Store) SetRunNeedsAttention(ctx context.Context, id string, flagged bool) error {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE workflow_runs SET needs_attention = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, boolToInt(flagged), id, RunActive)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("set needs attention: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("run %s not active: %w", id, ErrStaleStatus)
	}
	return nil
}

// UpdateRunContext replaces the accumulated context facts of an active run.
func (s *Store) UpdateRunContext(ctx context.Context, id string, facts map[string]string) error {
	contextJSON, err := marshalContext(facts)
	if err != nil {
		return err
	}
	var affected int64
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE workflow_runs SET context_json = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, contextJSON, id, RunActive)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("update run context: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetRun(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("run %s not active: %w", id, ErrStaleStatus)
	}
	return nil
}

// ListExpiredActiveRuns returns active runs whose deadline has passed as of
// now. The sweep decides what to do with them.
func (s *Store) ListExpiredActiveRuns(ctx context.Context, now time.Time) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, account_id, subject_id, subject_contact, subject_name, current_step, status, needs_attention, context_json, started_at, updated_at, deadline_at
		FROM workflow_runs
		WHERE status = ? AND deadline_at <= ?
		ORDER BY deadline_at ASC;
	`, RunActive, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query expired runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("expired run rows: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
