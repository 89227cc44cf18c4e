// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/simplifia/engine/internal/domain"
)

// Sentinel errors returned by Repository implementations. Callers use
// errors.Is; the engine maps them onto its retry/conflict handling.
var (
	// ErrAlreadyProcessed means the message's processed flag was already set.
	// The idempotency guard: a concurrent or earlier delivery won.
	ErrAlreadyProcessed = errors.New("message already processed")

	// ErrVersionConflict means a conditional process write observed a version
	// other than the expected one. The whole handling is retried from a
	// fresh read.
	ErrVersionConflict = errors.New("process version conflict")

	// ErrActiveProcessExists means creating a process would violate the
	// at-most-one-active-per-session invariant.
	ErrActiveProcessExists = errors.New("active process already exists for session")
)

// Transition is the atomic unit of a state-machine step: the triggering
// message's processed flag and the process mutation are persisted together
// or not at all.
//
// Exactly one of Create/Update may be set; both nil flips only the message
// flag (intent "none" and conflict rejections). MessageID may be empty for
// self-advancing steps that have no triggering message.
type Transition struct {
	MessageID       string
	Create          *domain.Process
	Update          *domain.Process
	ExpectedVersion int64
}

// Repository is the persistence boundary of the engine. Implementations must
// provide atomic conditional writes scoped to a single process row plus its
// triggering message, and append-only activity log writes.
type Repository interface {
	// InsertMessage persists a new chat message with processed=false.
	InsertMessage(ctx context.Context, msg *domain.ChatMessage) error

	// GetMessage retrieves a message by ID. Returns (nil, nil) when absent.
	GetMessage(ctx context.Context, id string) (*domain.ChatMessage, error)

	// ListSessionMessages returns the session transcript ordered by timestamp.
	ListSessionMessages(ctx context.Context, sessionID, userID string, limit int) ([]*domain.ChatMessage, error)

	// ListUnprocessedMessages returns user messages still unprocessed and
	// older than the cutoff, oldest first. Used by the reconciliation sweep.
	ListUnprocessedMessages(ctx context.Context, olderThan time.Time, limit int) ([]*domain.ChatMessage, error)

	// GetProcess retrieves a process by ID. Returns (nil, nil) when absent.
	GetProcess(ctx context.Context, id string) (*domain.Process, error)

	// GetActiveProcess returns the running or awaiting_input process for the
	// session, or (nil, nil) when none exists.
	GetActiveProcess(ctx context.Context, sessionID, userID string) (*domain.Process, error)

	// ApplyTransition atomically flips the message's processed flag and
	// applies the process mutation. On Update the write is conditional on
	// ExpectedVersion and the stored version is incremented.
	ApplyTransition(ctx context.Context, t Transition) error

	// AppendActivityLog appends an immutable audit record.
	AppendActivityLog(ctx context.Context, entry *domain.ActivityLog) error

	// ListActivityLogs returns a process's audit trail ordered by timestamp.
	ListActivityLogs(ctx context.Context, processID string) ([]*domain.ActivityLog, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}
