package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// CreateSession inserts a new session in the active state.
func (s *Store) CreateSession(ctx context.Context, accountID, goal string, mode AutonomyMode) (*Session, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, fmt.Errorf("empty goal")
	}
	if !ValidMode(mode) {
		return nil, fmt.Errorf("invalid autonomy mode %q", mode)
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (id, account_id, goal, autonomy_mode, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, accountID, goal, mode, SessionActive)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// GetSession reads a session snapshot without advancing any state.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_id, goal, autonomy_mode, status, turn_count, cost_cents, created_at, updated_at
		FROM sessions WHERE id = ?;
	`, id).Scan(&sess.ID, &sess.AccountID, &sess.Goal, &sess.AutonomyMode, &sess.Status,
		&sess.TurnCount, &sess.CostCents, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return &sess, nil
}

// AcquireSession takes the per-session in-flight lease. At most one
// turn-producing call may hold it; a second caller gets ErrSessionHeld.
func (s *Store) AcquireSession(ctx context.Context, id string) error {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET in_flight = 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND in_flight = 0;
		`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("acquire session: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("session %s: %w", id, ErrSessionHeld)
	}
	return nil
}

// ReleaseSession drops the in-flight lease. Safe to call unconditionally.
func (s *Store) ReleaseSession(ctx context.Context, id string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET in_flight = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("release session: %w", err)
	}
	return nil
}

// ReleaseAllSessions drops every in-flight lease. Run at startup: a lease
// held across a restart belongs to a producer that no longer exists.
func (s *Store) ReleaseAllSessions(ctx context.Context) (int64, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET in_flight = 0, updated_at = CURRENT_TIMESTAMP WHERE in_flight = 1;
		`)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("release all sessions: %w", err)
	}
	return affected, nil
}

// TransitionSession moves a session from one status to another, guarded by
// the state machine and a status precondition. A zero-row update on an
// existing session returns ErrStaleStatus.
func (s *Store) TransitionSession(ctx context.Context, id string, from, to SessionStatus) error {
	if !SessionTransitionAllowed(from, to) {
		return fmt.Errorf("illegal session transition %s → %s", from, to)
	}
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, to, id, from)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("transition session: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("session %s not in %s: %w", id, from, ErrStaleStatus)
	}
	return nil
}

// IncrementTurn bumps turn_count for an active session.
func (s *Store) IncrementTurn(ctx context.Context, id string) (int, error) {
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET turn_count = turn_count + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, id, SessionActive)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("session %s not active: %w", id, ErrStaleStatus)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT turn_count FROM sessions WHERE id = ?;`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("read turn count: %w", err)
	}
	return count, nil
}

// AddSessionCost accumulates metered provider spend. Cost is monotonic:
// negative deltas are rejected. The write is durable (synchronous WAL
// commit) before the caller surfaces the corresponding output.
func (s *Store) AddSessionCost(ctx context.Context, id string, cents int64) error {
	if cents < 0 {
		return fmt.Errorf("negative cost delta %d", cents)
	}
	if cents == 0 {
		return nil
	}
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET cost_cents = cost_cents + ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, cents, id)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("add session cost: %w", err)
	}
	return nil
}

// SetAutonomyMode changes the mode for subsequent turns of a non-terminal
// session. Pending approvals are unaffected.
func (s *Store) SetAutonomyMode(ctx context.Context, id string, mode AutonomyMode) error {
	if !ValidMode(mode) {
		return fmt.Errorf("invalid autonomy mode %q", mode)
	}
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE sessions SET autonomy_mode = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status IN (?, ?);
		`, mode, id, SessionActive, SessionAwaitingApproval)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("set autonomy mode: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("session %s is terminal: %w", id, ErrStaleStatus)
	}
	return nil
}

// CreateApprovals records proposed actions and parks the session in
// awaiting_approval, atomically. The session must be active.
func (s *Store) CreateApprovals(ctx context.Context, sessionID string, approvals []Approval) ([]Approval, error) {
	if len(approvals) == 0 {
		return nil, fmt.Errorf("no approvals to create")
	}
	out := make([]Approval, len(approvals))
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin approvals tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, SessionAwaitingApproval, sessionID, SessionActive)
		if err != nil {
			return fmt.Errorf("park session: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("session %s not active: %w", sessionID, ErrStaleStatus)
		}

		for i, a := range approvals {
			id := a.ID
			if id == "" {
				id = uuid.NewString()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO approvals (id, session_id, action, target, status, created_at)
				VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
			`, id, sessionID, a.Action, a.Target, ApprovalPending); err != nil {
				return fmt.Errorf("insert approval: %w", err)
			}
			out[i] = Approval{ID: id, SessionID: sessionID, Action: a.Action, Target: a.Target, Status: ApprovalPending}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListPendingApprovals returns undecided approvals for a session, oldest first.
func (s *Store) ListPendingApprovals(ctx context.Context, sessionID string) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, action, target, status, created_at
		FROM approvals
		WHERE session_id = ? AND status = ?
		ORDER BY created_at ASC, id ASC;
	`, sessionID, ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("query pending approvals: %w", err)
	}
	defer rows.Close()

	var out []Approval
	for rows.Next() {
		var a Approval
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Action, &a.Target, &a.Status, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approval rows: %w", err)
	}
	return out, nil
}

// DecideApproval records a yes/no decision on a pending approval.
// Deciding an already-decided approval returns ErrStaleStatus.
func (s *Store) DecideApproval(ctx context.Context, approvalID string, approved bool) error {
	status := ApprovalDeclined
	if approved {
		status = ApprovalApproved
	}
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE approvals SET status = ?, decided_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, status, approvalID, ApprovalPending)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("decide approval: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("approval %s not pending: %w", approvalID, ErrStaleStatus)
	}
	return nil
}

// AddOutput appends an audit record of something the session produced or did.
func (s *Store) AddOutput(ctx context.Context, sessionID, kind, content string) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO outputs (session_id, kind, content, created_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP);
		`, sessionID, kind, content)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert output: %w", err)
	}
	return nil
}

// ListOutputs returns a session's outputs in production order.
func (s *Store) ListOutputs(ctx context.Context, sessionID string) ([]Output, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, kind, content, created_at
		FROM outputs WHERE session_id = ? ORDER BY id ASC;
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query outputs: %w", err)
	}
	defer rows.Close()

	var out []Output
	for rows.Next() {
		var o Output
		if err := rows.Scan(&o.ID, &o.SessionID, &o.Kind, &o.Content, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan output: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("output rows: %w", err)
	}
	return out, nil
}

// SessionIsTerminal reports whether a session accepts no further mutation.
func (s *Store) SessionIsTerminal(ctx context.Context, id string) (bool, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return false, err
	}
	return sess.Status.Terminal(), nil
}
