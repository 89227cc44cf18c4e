package engine

import (
	"errors"
	"fmt"
)

// ConflictError rejects an intent that is invalid for the session's current
// state: starting a second active process, continuing or cancelling when
// nothing is active, or an unknown process kind from the oracle. The
// triggering message is marked processed and the rejection is surfaced;
// ingress does not retry it.
type ConflictError struct {
	MessageID string
	ProcessID string
	Reason    string
}

func (e *ConflictError) Error() string {
	if e.ProcessID != "" {
		return fmt.Sprintf("conflict for message %s (process %s): %s", e.MessageID, e.ProcessID, e.Reason)
	}
	return fmt.Sprintf("conflict for message %s: %s", e.MessageID, e.Reason)
}

// TransientError marks a failure worth retrying: classifier timeout or
// malformed output, store contention, exhausted optimistic retries. The
// message stays unprocessed so the whole handling can run again.
type TransientError struct {
	MessageID string
	Err       error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure handling message %s: %v", e.MessageID, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalStepError marks an unrecoverable step handler failure. The process is
// already transitioned to failed when this is returned; it is never retried.
type FatalStepError struct {
	ProcessID string
	StepIndex int
	Err       error
}

func (e *FatalStepError) Error() string {
	return fmt.Sprintf("step %d of process %s failed: %v", e.StepIndex, e.ProcessID, e.Err)
}

func (e *FatalStepError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried by the ingress.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}
