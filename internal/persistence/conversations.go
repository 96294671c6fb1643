package persistence

import (
	"context"
	"fmt"
	"strings"
)

// AppendEntry adds one conversation entry for a session or run thread.
// Entries are append-only; insertion order defines the thread.
func (s *Store) AppendEntry(ctx context.Context, ownerID, role, content, evaluationJSON string) (int64, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	switch role {
	case "agent", "subject", "system":
	default:
		return 0, fmt.Errorf("invalid role %q", role)
	}
	if strings.TrimSpace(content) == "" {
		return 0, fmt.Errorf("empty entry content")
	}
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO conversations (owner_id, role, content, evaluation_json, created_at)
			VALUES (?, ?, ?, NULLIF(?, ''), CURRENT_TIMESTAMP);
		`, ownerID, role, content, evaluationJSON)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("insert conversation entry: %w", err)
	}
	return id, nil
}

// ListEntries returns an owner's thread oldest first. Ordering is by rowid,
// so readers never observe entries out of insertion order even under retry.
func (s *Store) ListEntries(ctx context.Context, ownerID string, limit int) ([]ConversationEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, role, content, COALESCE(evaluation_json, ''), created_at
		FROM conversations
		WHERE owner_id = ?
		ORDER BY id ASC
		LIMIT ?;
	`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversation entries: %w", err)
	}
	defer rows.Close()

	var out []ConversationEntry
	for rows.Next() {
		var e ConversationEntry
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.Role, &e.Content, &e.Evaluation, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("conversation rows: %w", err)
	}
	return out, nil
}
