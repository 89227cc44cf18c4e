package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/simplifia/engine/internal/domain"
)

// MemoryStore is an in-memory Repository with the same transition semantics
// as the SQLite implementation. Used as a test double and for ephemeral
// development runs.
type MemoryStore struct {
	mu        sync.Mutex
	messages  map[string]*domain.ChatMessage
	processes map[string]*domain.Process
	logs      []*domain.ActivityLog
}

var _ Repository = (*MemoryStore)(nil)

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		messages:  make(map[string]*domain.ChatMessage),
		processes: make(map[string]*domain.Process),
	}
}

// InsertMessage persists a new chat message.
func (m *MemoryStore) InsertMessage(_ context.Context, msg *domain.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *msg
	m.messages[msg.ID] = &cp
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MemoryStore) GetMessage(_ context.Context, id string) (*domain.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, nil
	}
	cp := *msg
	return &cp, nil
}

// ListSessionMessages returns the session transcript ordered by timestamp.
func (m *MemoryStore) ListSessionMessages(_ context.Context, sessionID, userID string, limit int) ([]*domain.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var msgs []*domain.ChatMessage
	for _, msg := range m.messages {
		if msg.SessionID == sessionID && msg.UserID == userID {
			cp := *msg
			msgs = append(msgs, &cp)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// ListUnprocessedMessages returns unprocessed user messages older than the cutoff.
func (m *MemoryStore) ListUnprocessedMessages(_ context.Context, olderThan time.Time, limit int) ([]*domain.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var msgs []*domain.ChatMessage
	for _, msg := range m.messages {
		if !msg.Processed && msg.Role == domain.RoleUser && msg.Timestamp.Before(olderThan) {
			cp := *msg
			msgs = append(msgs, &cp)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// GetProcess retrieves a process by ID.
func (m *MemoryStore) GetProcess(_ context.Context, id string) (*domain.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[id]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

// GetActiveProcess returns the active process for the session, if any.
func (m *MemoryStore) GetActiveProcess(_ context.Context, sessionID, userID string) (*domain.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked(sessionID, userID), nil
}

func (m *MemoryStore) activeLocked(sessionID, userID string) *domain.Process {
	for _, p := range m.processes {
		if p.SessionID == sessionID && p.UserID == userID && p.Status.IsActive() {
			return p.Clone()
		}
	}
	return nil
}

// ApplyTransition atomically flips the message flag and applies the process
// mutation under a single lock, mirroring the SQLite transaction.
func (m *MemoryStore) ApplyTransition(_ context.Context, t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Validate everything before mutating anything: the whole transition
	// either applies or leaves state untouched.
	var msg *domain.ChatMessage
	if t.MessageID != "" {
		msg = m.messages[t.MessageID]
		if msg == nil || msg.Processed {
			return ErrAlreadyProcessed
		}
	}
	if t.Create != nil {
		if existing := m.activeLocked(t.Create.SessionID, t.Create.UserID); existing != nil {
			return ErrActiveProcessExists
		}
	}
	if t.Update != nil {
		current, ok := m.processes[t.Update.ID]
		if !ok || current.Version != t.ExpectedVersion {
			return ErrVersionConflict
		}
	}

	if msg != nil {
		msg.Processed = true
	}
	if t.Create != nil {
		m.processes[t.Create.ID] = t.Create.Clone()
	}
	if t.Update != nil {
		cp := t.Update.Clone()
		cp.Version = t.ExpectedVersion + 1
		m.processes[cp.ID] = cp
	}
	return nil
}

// AppendActivityLog appends an immutable audit record.
func (m *MemoryStore) AppendActivityLog(_ context.Context, entry *domain.ActivityLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.logs = append(m.logs, &cp)
	return nil
}

// ListActivityLogs returns a process's audit trail ordered by timestamp.
func (m *MemoryStore) ListActivityLogs(_ context.Context, processID string) ([]*domain.ActivityLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var logs []*domain.ActivityLog
	for _, entry := range m.logs {
		if entry.ProcessID == processID {
			cp := *entry
			logs = append(logs, &cp)
		}
	}
	sort.SliceStable(logs, func(i, j int) bool { return logs[i].Timestamp.Before(logs[j].Timestamp) })
	return logs, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
