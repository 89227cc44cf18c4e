package domain

import (
	"encoding/json"
	"fmt"
)

// IntentType is the classified purpose of a user message.
type IntentType string

const (
	// IntentNone means the message requires no process mutation (small talk).
	IntentNone IntentType = "none"
	// IntentStartProcess asks the engine to create a new process.
	IntentStartProcess IntentType = "start_process"
	// IntentContinueProcess advances the active process with the user's input.
	IntentContinueProcess IntentType = "continue_process"
	// IntentCancelProcess cancels the active process.
	IntentCancelProcess IntentType = "cancel_process"
)

// Intent is the structured output of the classifier oracle. Kind and Params
// are only meaningful for start_process. Params is an opaque payload
// interpreted by the per-kind step handler, never by the engine itself.
type Intent struct {
	Type   IntentType      `json:"intent"`
	Kind   string          `json:"kind,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Validate rejects structurally malformed intents. The classifier is
// untrusted input: anything outside the closed enumeration is an error.
func (i Intent) Validate() error {
	switch i.Type {
	case IntentNone, IntentContinueProcess, IntentCancelProcess:
		return nil
	case IntentStartProcess:
		if i.Kind == "" {
			return fmt.Errorf("start_process intent missing kind")
		}
		return nil
	default:
		return fmt.Errorf("unknown intent type %q", i.Type)
	}
}
