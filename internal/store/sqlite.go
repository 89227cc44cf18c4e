package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/simplifia/engine/internal/domain"
	"github.com/simplifia/engine/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Repository = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		command TEXT NOT NULL DEFAULT '',
		processed INTEGER NOT NULL DEFAULT 0,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, user_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_messages_unprocessed ON messages(timestamp)
		WHERE processed = 0 AND role = 'user';

	CREATE TABLE IF NOT EXISTS processes (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		steps_json TEXT NOT NULL,
		current_step_index INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_processes_active ON processes(session_id, user_id)
		WHERE status IN ('running', 'awaiting_input');

	CREATE TABLE IF NOT EXISTS activity_logs (
		id TEXT PRIMARY KEY,
		process_id TEXT NOT NULL,
		type TEXT NOT NULL,
		message TEXT NOT NULL,
		details TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_activity_process ON activity_logs(process_id, timestamp);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// InsertMessage persists a new chat message.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *domain.ChatMessage) error {
	query := `
	INSERT INTO messages (id, session_id, user_id, role, content, command, processed, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.SessionID, msg.UserID, string(msg.Role),
		msg.Content, string(msg.Command), msg.Processed, msg.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*domain.ChatMessage, error) {
	query := `
		SELECT id, session_id, user_id, role, content, command, processed, timestamp
		FROM messages WHERE id = ?`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	return msg, nil
}

// ListSessionMessages returns the session transcript ordered by timestamp.
func (s *SQLiteStore) ListSessionMessages(ctx context.Context, sessionID, userID string, limit int) ([]*domain.ChatMessage, error) {
	query := `
		SELECT id, session_id, user_id, role, content, command, processed, timestamp
		FROM messages WHERE session_id = ? AND user_id = ?
		ORDER BY timestamp ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query session messages: %w", err)
	}
	return collectMessages(rows)
}

// ListUnprocessedMessages returns unprocessed user messages older than the cutoff.
func (s *SQLiteStore) ListUnprocessedMessages(ctx context.Context, olderThan time.Time, limit int) ([]*domain.ChatMessage, error) {
	query := `
		SELECT id, session_id, user_id, role, content, command, processed, timestamp
		FROM messages WHERE processed = 0 AND role = 'user' AND timestamp < ?
		ORDER BY timestamp ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, olderThan.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed messages: %w", err)
	}
	return collectMessages(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.ChatMessage, error) {
	var msg domain.ChatMessage
	var role, command string
	var ts int64

	if err := row.Scan(&msg.ID, &msg.SessionID, &msg.UserID, &role,
		&msg.Content, &command, &msg.Processed, &ts); err != nil {
		return nil, err
	}
	msg.Role = domain.Role(role)
	msg.Command = domain.SurfaceCommand(command)
	msg.Timestamp = time.UnixMilli(ts)
	return &msg, nil
}

func collectMessages(rows *sql.Rows) ([]*domain.ChatMessage, error) {
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var msgs []*domain.ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return msgs, nil
}

// GetProcess retrieves a process by ID.
func (s *SQLiteStore) GetProcess(ctx context.Context, id string) (*domain.Process, error) {
	query := processSelect + ` WHERE id = ?`
	return s.queryProcess(ctx, query, id)
}

// GetActiveProcess returns the running or awaiting_input process for the session.
func (s *SQLiteStore) GetActiveProcess(ctx context.Context, sessionID, userID string) (*domain.Process, error) {
	query := processSelect + ` WHERE session_id = ? AND user_id = ? AND status IN ('running', 'awaiting_input')`
	return s.queryProcess(ctx, query, sessionID, userID)
}

const processSelect = `
	SELECT id, session_id, user_id, kind, title, status, steps_json,
	       current_step_index, version, created_at, updated_at, completed_at
	FROM processes`

func (s *SQLiteStore) queryProcess(ctx context.Context, query string, args ...any) (*domain.Process, error) {
	p, err := scanProcess(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan process row: %w", err)
	}
	return p, nil
}

func scanProcess(row rowScanner) (*domain.Process, error) {
	var p domain.Process
	var status, stepsJSON string
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64

	if err := row.Scan(&p.ID, &p.SessionID, &p.UserID, &p.Kind, &p.Title,
		&status, &stepsJSON, &p.CurrentStepIndex, &p.Version,
		&createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}

	p.Status = domain.ProcessStatus(status)
	if err := json.Unmarshal([]byte(stepsJSON), &p.Steps); err != nil {
		return nil, fmt.Errorf("decode steps for process %s: %w", p.ID, err)
	}
	p.CreatedAt = time.UnixMilli(createdAt)
	p.UpdatedAt = time.UnixMilli(updatedAt)
	if completedAt.Valid {
		ts := time.UnixMilli(completedAt.Int64)
		p.CompletedAt = &ts
	}
	return &p, nil
}

const (
	busyRetries    = 3
	busyRetryDelay = 50 * time.Millisecond
)

// withBusyRetry re-runs fn while it fails with SQLite lock contention.
// Contended transactions roll back without side effects, so re-running the
// whole unit is safe.
func withBusyRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < busyRetries; attempt++ {
		if err = fn(); !IsBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(busyRetryDelay * time.Duration(1<<attempt)):
		}
	}
	return err
}

// ApplyTransition atomically flips the message's processed flag and applies
// the process mutation in a single transaction, retrying lock contention.
// See the Repository contract.
func (s *SQLiteStore) ApplyTransition(ctx context.Context, t Transition) error {
	return withBusyRetry(ctx, func() error {
		return s.applyTransitionOnce(ctx, t)
	})
}

func (s *SQLiteStore) applyTransitionOnce(ctx context.Context, t Transition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transition: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			slog.Warn("transition rollback failed", "error", rbErr)
		}
	}()

	if t.MessageID != "" {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET processed = 1 WHERE id = ? AND processed = 0`, t.MessageID)
		if err != nil {
			return fmt.Errorf("mark message processed: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark message rows affected: %w", err)
		}
		if rows == 0 {
			return ErrAlreadyProcessed
		}
	}

	switch {
	case t.Create != nil:
		if err := insertProcess(ctx, tx, t.Create); err != nil {
			return err
		}
	case t.Update != nil:
		if err := updateProcess(ctx, tx, t.Update, t.ExpectedVersion); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

func insertProcess(ctx context.Context, tx *sql.Tx, p *domain.Process) error {
	stepsJSON, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}

	query := `
	INSERT INTO processes (id, session_id, user_id, kind, title, status, steps_json,
		current_step_index, version, created_at, updated_at, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, query,
		p.ID, p.SessionID, p.UserID, p.Kind, p.Title, string(p.Status), string(stepsJSON),
		p.CurrentStepIndex, p.Version, p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(),
		completedAtValue(p),
	)
	if err != nil {
		if isUniqueActiveViolation(err) {
			return ErrActiveProcessExists
		}
		return fmt.Errorf("insert process: %w", err)
	}
	return nil
}

func updateProcess(ctx context.Context, tx *sql.Tx, p *domain.Process, expectedVersion int64) error {
	stepsJSON, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}

	query := `
	UPDATE processes SET status = ?, steps_json = ?, current_step_index = ?,
		version = version + 1, updated_at = ?, completed_at = ?
	WHERE id = ? AND version = ?`

	res, err := tx.ExecContext(ctx, query,
		string(p.Status), string(stepsJSON), p.CurrentStepIndex,
		p.UpdatedAt.UnixMilli(), completedAtValue(p),
		p.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update process: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update process rows affected: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}
	return nil
}

func completedAtValue(p *domain.Process) any {
	if p.CompletedAt != nil {
		return p.CompletedAt.UnixMilli()
	}
	return nil
}

// isUniqueActiveViolation checks for the partial unique index on active
// processes. modernc.org/sqlite surfaces constraint failures as text.
func isUniqueActiveViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsBusy checks for SQLite concurrency errors (SQLITE_BUSY, locked database)
// that warrant a retry.
func IsBusy(err error) bool {
	return shared.IsSQLiteConflictError(err)
}

// AppendActivityLog appends an immutable audit record.
func (s *SQLiteStore) AppendActivityLog(ctx context.Context, entry *domain.ActivityLog) error {
	query := `
	INSERT INTO activity_logs (id, process_id, type, message, details, timestamp)
	VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.ProcessID, string(entry.Type),
		entry.Message, entry.Details, entry.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("append activity log: %w", err)
	}
	return nil
}

// ListActivityLogs returns a process's audit trail ordered by timestamp.
func (s *SQLiteStore) ListActivityLogs(ctx context.Context, processID string) ([]*domain.ActivityLog, error) {
	query := `
		SELECT id, process_id, type, message, details, timestamp
		FROM activity_logs WHERE process_id = ? ORDER BY timestamp ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, processID)
	if err != nil {
		return nil, fmt.Errorf("query activity logs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close activity log rows", "error", closeErr)
		}
	}()

	var logs []*domain.ActivityLog
	for rows.Next() {
		var entry domain.ActivityLog
		var typ string
		var ts int64
		if err := rows.Scan(&entry.ID, &entry.ProcessID, &typ,
			&entry.Message, &entry.Details, &ts); err != nil {
			return nil, fmt.Errorf("scan activity log row: %w", err)
		}
		entry.Type = domain.LogType(typ)
		entry.Timestamp = time.UnixMilli(ts)
		logs = append(logs, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity log rows: %w", err)
	}
	return logs, nil
}
