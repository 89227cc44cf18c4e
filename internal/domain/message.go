// Package domain defines the core entities of the orchestration engine.
package domain

import (
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	// RoleUser marks a message written by the human user.
	RoleUser Role = "user"
	// RoleAgent marks a message written by the assistant.
	RoleAgent Role = "agent"
)

// SurfaceCommand is an optional UI-originated command carried on a message.
// Surface buttons (cancel, manual takeover) reduce to chat messages so they
// flow through the same ingress path as typed text.
type SurfaceCommand string

const (
	// CommandNone means the message carries no surface command.
	CommandNone SurfaceCommand = ""
	// CommandCancel requests cancellation of the active process. The engine
	// honors it directly without consulting the intent classifier.
	CommandCancel SurfaceCommand = "cancel"
)

// ChatMessage is a single chat transcript entry. Immutable once written
// except for the Processed flag, which the engine flips exactly once after
// successful handling.
type ChatMessage struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	UserID    string         `json:"userId"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Command   SurfaceCommand `json:"command,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Processed bool           `json:"processed"`
}

// SessionKey returns the serialization key for a (sessionID, userID) pair.
// All process mutations for the same key are mutually exclusive.
func SessionKey(sessionID, userID string) string {
	return sessionID + ":" + userID
}

// Key returns the message's session key.
func (m *ChatMessage) Key() string {
	return SessionKey(m.SessionID, m.UserID)
}
