// Package classifier provides the intent classification boundary.
//
// The classifier is an external, latency-variable, fallible oracle. Its
// output is untrusted input: the engine validates every intent against the
// closed enumeration and its own kind registry before acting on it.
package classifier

import (
	"context"
	"errors"

	"github.com/simplifia/engine/internal/domain"
)

// ErrUnavailable wraps transport and timeout failures. Handling of the
// triggering message is retried; the message stays unprocessed.
var ErrUnavailable = errors.New("classifier unavailable")

// ErrMalformed wraps structurally invalid oracle output. The model is
// nondeterministic, so a retry may well succeed; treated as transient.
var ErrMalformed = errors.New("classifier returned malformed output")

// Classifier maps a user message plus the current process context onto a
// structured intent.
type Classifier interface {
	Classify(ctx context.Context, msg *domain.ChatMessage, active *domain.Process) (domain.Intent, error)
}

// Func adapts a plain function to the Classifier interface.
type Func func(ctx context.Context, msg *domain.ChatMessage, active *domain.Process) (domain.Intent, error)

// Classify implements Classifier.
func (f Func) Classify(ctx context.Context, msg *domain.ChatMessage, active *domain.Process) (domain.Intent, error) {
	return f(ctx, msg, active)
}
