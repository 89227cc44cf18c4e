package domain

import (
	"time"
)

// LogType categorizes an activity log entry.
type LogType string

const (
	// LogInfo records normal advancement.
	LogInfo LogType = "info"
	// LogSuccess records successful completion.
	LogSuccess LogType = "success"
	// LogWarning records cancellations and rejected requests.
	LogWarning LogType = "warning"
	// LogError records failures.
	LogError LogType = "error"
)

// Valid reports whether t is a known log type.
func (t LogType) Valid() bool {
	switch t {
	case LogInfo, LogSuccess, LogWarning, LogError:
		return true
	}
	return false
}

// ActivityLog is an immutable audit record of a state transition. Append-only;
// ProcessID is a back-reference, not an ownership edge, and may be empty for
// failures that never reached a process.
type ActivityLog struct {
	ID        string    `json:"id"`
	ProcessID string    `json:"processId"`
	Type      LogType   `json:"type"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
