package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProcessStatus is the lifecycle state of a process.
type ProcessStatus string

const (
	// StatusPending means the process has been created but not started. Part
	// of the wire vocabulary; the engine creates processes directly in
	// running and never stores this status itself.
	StatusPending ProcessStatus = "pending"
	// StatusRunning means the process is auto-advancing through its steps.
	StatusRunning ProcessStatus = "running"
	// StatusAwaitingInput means the process is paused until the user replies.
	StatusAwaitingInput ProcessStatus = "awaiting_input"
	// StatusCompleted means every step finished successfully. Terminal.
	StatusCompleted ProcessStatus = "completed"
	// StatusFailed means a step handler failed unrecoverably. Terminal.
	StatusFailed ProcessStatus = "failed"
	// StatusCancelled means the user cancelled the process. Terminal.
	StatusCancelled ProcessStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s ProcessStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusAwaitingInput,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no transition may leave s.
func (s ProcessStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether a process in this status occupies the session's
// single active slot.
func (s ProcessStatus) IsActive() bool {
	return s == StatusRunning || s == StatusAwaitingInput
}

// CanTransitionTo reports whether the status graph allows s -> next.
// pending -> running <-> awaiting_input -> completed; running and
// awaiting_input may also move to failed or cancelled.
func (s ProcessStatus) CanTransitionTo(next ProcessStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled || next == StatusFailed
	case StatusRunning:
		return next == StatusAwaitingInput || next == StatusCompleted ||
			next == StatusFailed || next == StatusCancelled
	case StatusAwaitingInput:
		return next == StatusRunning || next == StatusCompleted ||
			next == StatusFailed || next == StatusCancelled
	}
	return false
}

// StepStatus is the state of a single step within a process.
type StepStatus string

const (
	// StepPending means the step has not started yet.
	StepPending StepStatus = "pending"
	// StepInProgress means the step is currently executing.
	StepInProgress StepStatus = "in_progress"
	// StepDone means the step finished successfully.
	StepDone StepStatus = "done"
	// StepError means the step failed unrecoverably.
	StepError StepStatus = "error"
)

// Step is one unit of work in a process's ordered plan. Owned exclusively by
// its parent process and serialized inside the process row.
type Step struct {
	Index       int             `json:"index"`
	Description string          `json:"description"`
	Status      StepStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// Process is a multi-step workflow instance owned by a user session.
// Version is the optimistic-concurrency field: every persisted mutation
// increments it and is conditional on the previously read value.
type Process struct {
	ID               string        `json:"id"`
	SessionID        string        `json:"sessionId"`
	UserID           string        `json:"userId"`
	Kind             string        `json:"kind"`
	Title            string        `json:"title"`
	Status           ProcessStatus `json:"status"`
	Steps            []Step        `json:"steps"`
	CurrentStepIndex int           `json:"currentStepIndex"`
	Version          int64         `json:"version"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
}

// Key returns the process's session key.
func (p *Process) Key() string {
	return SessionKey(p.SessionID, p.UserID)
}

// CurrentStep returns a pointer to the step at CurrentStepIndex, or nil when
// the index is past the last step (completed process).
func (p *Process) CurrentStep() *Step {
	if p.CurrentStepIndex < 0 || p.CurrentStepIndex >= len(p.Steps) {
		return nil
	}
	return &p.Steps[p.CurrentStepIndex]
}

// Clone returns a deep copy safe to mutate without affecting the receiver.
func (p *Process) Clone() *Process {
	cp := *p
	cp.Steps = make([]Step, len(p.Steps))
	copy(cp.Steps, p.Steps)
	for i := range p.Steps {
		if p.Steps[i].Result != nil {
			cp.Steps[i].Result = append(json.RawMessage(nil), p.Steps[i].Result...)
		}
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// CheckInvariants validates the structural invariants of the process:
// index bounds, completion implies all steps done, and a known status.
func (p *Process) CheckInvariants() error {
	if !p.Status.Valid() {
		return fmt.Errorf("process %s: unknown status %q", p.ID, p.Status)
	}
	if p.CurrentStepIndex < 0 || p.CurrentStepIndex > len(p.Steps) {
		return fmt.Errorf("process %s: step index %d out of range [0, %d]",
			p.ID, p.CurrentStepIndex, len(p.Steps))
	}
	if p.Status == StatusCompleted {
		if p.CurrentStepIndex != len(p.Steps) {
			return fmt.Errorf("process %s: completed with step index %d of %d",
				p.ID, p.CurrentStepIndex, len(p.Steps))
		}
		for i := range p.Steps {
			if p.Steps[i].Status != StepDone {
				return fmt.Errorf("process %s: completed but step %d is %q",
					p.ID, i, p.Steps[i].Status)
			}
		}
	}
	return nil
}
