package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionLatest  = 1
	schemaChecksumLatest = "or-v1-2026-08-outreach-core"

	defaultTimeoutDays = 30
)

// Sentinel errors shared by the store's mutation paths. Callers translate
// these into their own error taxonomy at the API boundary.
var (
	// ErrNotFound means the referenced row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleStatus means a precondition-guarded update matched zero rows
	// because another writer transitioned the row first.
	ErrStaleStatus = errors.New("stale status")

	// ErrSessionHeld means the per-session in-flight lease is already taken.
	ErrSessionHeld = errors.New("session already in flight")
)

type SessionStatus string

const (
	SessionActive           SessionStatus = "active"
	SessionAwaitingApproval SessionStatus = "awaiting_approval"
	SessionCompleted        SessionStatus = "completed"
	SessionFailed           SessionStatus = "failed"
	SessionCancelled        SessionStatus = "cancelled"
)

// Terminal reports whether no further mutation is accepted for the status.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

type AutonomyMode string

const (
	ModeManual   AutonomyMode = "manual"
	ModeSemiAuto AutonomyMode = "semi_auto"
	ModeFullAuto AutonomyMode = "full_auto"
)

// ValidMode reports whether m is a known autonomy mode.
func ValidMode(m AutonomyMode) bool {
	switch m {
	case ModeManual, ModeSemiAuto, ModeFullAuto:
		return true
	}
	return false
}

var allowedSessionTransitions = map[SessionStatus]map[SessionStatus]struct{}{
	SessionActive: {
		SessionAwaitingApproval: {},
		SessionCompleted:        {},
		SessionFailed:           {},
		SessionCancelled:        {},
	},
	SessionAwaitingApproval: {
		SessionActive:    {},
		SessionCancelled: {},
	},
}

// SessionTransitionAllowed reports whether from → to is a legal move in the
// session state machine. Terminal states have no outgoing edges.
func SessionTransitionAllowed(from, to SessionStatus) bool {
	next, ok := allowedSessionTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type RunStatus string

const (
	RunActive    RunStatus = "active"
	RunAchieved  RunStatus = "achieved"
	RunTimedOut  RunStatus = "timed_out"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status accepts no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunAchieved || s == RunTimedOut || s == RunCancelled
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDeclined ApprovalStatus = "declined"
)

// Session is one interactive agent conversation instance.
type Session struct {
	ID           string        `json:"id"`
	AccountID    string        `json:"account_id"`
	Goal         string        `json:"goal"`
	AutonomyMode AutonomyMode  `json:"autonomy_mode"`
	Status       SessionStatus `json:"status"`
	TurnCount    int           `json:"turn_count"`
	CostCents    int64         `json:"cost_cents"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Approval is a proposed side-effecting action awaiting a decision.
type Approval struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Action    string         `json:"action"`
	Target    string         `json:"target"`
	Status    ApprovalStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	DecidedAt *time.Time     `json:"decided_at,omitempty"`
}

// Output is an artifact or message produced by a session, kept for audit.
type Output struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"` // message_sent, issue_flagged, action_skipped, note
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationEntry is one turn in a session or run thread. Append-only.
type ConversationEntry struct {
	ID         int64     `json:"id"`
	OwnerID    string    `json:"owner_id"` // session or run id
	Role       string    `json:"role"`     // agent, subject, system
	Content    string    `json:"content"`
	Evaluation string    `json:"evaluation,omitempty"` // decision evaluator output, JSON
	CreatedAt  time.Time `json:"created_at"`
}

// Step is one step of a workflow template: an action to perform and the
// signal that completes it.
type Step struct {
	Action       string `json:"action"` // send_message
	Content      string `json:"content"`
	ExpectSignal string `json:"expect_signal"` // reply, manual
}

// Template defines an ordered multi-step outreach workflow.
type Template struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	Name          string    `json:"name"`
	Goal          string    `json:"goal"`
	Steps         []Step    `json:"steps"`
	TimeoutDays   int       `json:"timeout_days"`
	TriggerConfig string    `json:"trigger_config"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Run is one instance of a template worked against a single subject.
type Run struct {
	ID             string            `json:"id"`
	WorkflowID     string            `json:"workflow_id"`
	AccountID      string            `json:"account_id"`
	SubjectID      string            `json:"subject_id"`
	SubjectContact string            `json:"subject_contact"`
	SubjectName    string            `json:"subject_name"`
	CurrentStep    int               `json:"current_step"`
	Status         RunStatus         `json:"status"`
	NeedsAttention bool              `json:"needs_attention"`
	Context        map[string]string `json:"context"`
	StartedAt      time.Time         `json:"started_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	DeadlineAt     time.Time         `json:"deadline_at"`
}

type Store struct {
	db *sql.DB
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".outreach", "outreach.db")
}

func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			goal TEXT NOT NULL,
			autonomy_mode TEXT NOT NULL CHECK(autonomy_mode IN ('manual', 'semi_auto', 'full_auto')),
			status TEXT NOT NULL CHECK(status IN ('active', 'awaiting_approval', 'completed', 'failed', 'cancelled')),
			turn_count INTEGER NOT NULL DEFAULT 0,
			cost_cents INTEGER NOT NULL DEFAULT 0,
			in_flight INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			action TEXT NOT NULL,
			target TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL CHECK(status IN ('pending', 'approved', 'declined')),
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			decided_at DATETIME
		);`,
		`CREATE TABLE IF NOT EXISTS outputs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id TEXT NOT NULL,
			role TEXT NOT NULL CHECK(role IN ('agent', 'subject', 'system')),
			content TEXT NOT NULL,
			evaluation_json TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS workflow_templates (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			name TEXT NOT NULL,
			goal TEXT NOT NULL,
			steps_json TEXT NOT NULL,
			timeout_days INTEGER NOT NULL DEFAULT 30,
			trigger_config TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL REFERENCES workflow_templates(id),
			account_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			subject_contact TEXT NOT NULL,
			subject_name TEXT NOT NULL DEFAULT '',
			current_step INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK(status IN ('active', 'achieved', 'timed_out', 'cancelled')),
			needs_attention INTEGER NOT NULL DEFAULT 0,
			context_json TEXT NOT NULL DEFAULT '{}',
			started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			deadline_at DATETIME NOT NULL
		);`,
	}
	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_approvals_session_status ON approvals(session_id, status);`,
		`CREATE INDEX IF NOT EXISTS idx_outputs_session ON outputs(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_deadline ON workflow_runs(status, deadline_at);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_account ON workflow_runs(account_id);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)
		ON CONFLICT(version) DO NOTHING;
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}

	return tx.Commit()
}

func marshalContext(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode run context: %w", err)
	}
	return string(raw), nil
}

func unmarshalContext(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode run context: %w", err)
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}
