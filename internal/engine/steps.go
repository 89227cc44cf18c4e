package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/simplifia/engine/internal/domain"
)

// StepResult is the outcome of executing one step.
type StepResult struct {
	// Result is an opaque payload stored on the completed step.
	Result json.RawMessage
	// AwaitInput pauses the process until the user's next message instead of
	// auto-advancing to the following step.
	AwaitInput bool
}

// StepHandler implements a process kind: it plans the initial step sequence
// from the classifier's params and executes individual steps. Handlers are
// the only code that interprets kind-specific params; the engine never does.
type StepHandler interface {
	// Kind returns the process kind this handler owns.
	Kind() string

	// Plan synthesizes the title and initial step sequence for a new process.
	// An error rejects the start request (bad params).
	Plan(params json.RawMessage) (title string, steps []domain.Step, err error)

	// Execute runs the step at index. Any error is unrecoverable and fails
	// the process.
	Execute(ctx context.Context, p *domain.Process, index int) (StepResult, error)
}

// Registry dispatches process kinds to their step handlers.
type Registry struct {
	handlers map[string]StepHandler
}

// NewRegistry creates a registry from the given handlers.
func NewRegistry(handlers ...StepHandler) *Registry {
	r := &Registry{handlers: make(map[string]StepHandler)}
	for _, h := range handlers {
		r.handlers[h.Kind()] = h
	}
	return r
}

// Get returns the handler for a kind.
func (r *Registry) Get(kind string) (StepHandler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns all registered kinds, sorted.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// stepTemplate describes one step of a templated process kind.
type stepTemplate struct {
	description string
	awaitInput  bool
}

// templateHandler implements StepHandler from a fixed step template. The
// built-in kinds are all template-driven; step side effects happen in the
// external systems the assistant talks to, so execution here records the
// outcome payload and pacing only.
type templateHandler struct {
	kind  string
	title string
	steps []stepTemplate
}

func (h *templateHandler) Kind() string { return h.kind }

func (h *templateHandler) Plan(params json.RawMessage) (string, []domain.Step, error) {
	if len(params) > 0 && !json.Valid(params) {
		return "", nil, fmt.Errorf("kind %s: invalid params payload", h.kind)
	}
	steps := make([]domain.Step, len(h.steps))
	for i, tpl := range h.steps {
		steps[i] = domain.Step{Index: i, Description: tpl.description, Status: domain.StepPending}
	}
	return h.title, steps, nil
}

func (h *templateHandler) Execute(_ context.Context, p *domain.Process, index int) (StepResult, error) {
	if index < 0 || index >= len(h.steps) {
		return StepResult{}, fmt.Errorf("kind %s: step index %d out of range", h.kind, index)
	}
	payload, err := json.Marshal(map[string]string{
		"step":    h.steps[index].description,
		"process": p.ID,
	})
	if err != nil {
		return StepResult{}, fmt.Errorf("kind %s: encode step result: %w", h.kind, err)
	}
	return StepResult{Result: payload, AwaitInput: h.steps[index].awaitInput}, nil
}

// DefaultRegistry returns the built-in process kinds.
func DefaultRegistry() *Registry {
	return NewRegistry(
		&templateHandler{
			kind:  "flight_booking",
			title: "Flight booking",
			steps: []stepTemplate{
				{description: "Search flights", awaitInput: true},
				{description: "Select a flight"},
				{description: "Confirm booking"},
			},
		},
		&templateHandler{
			kind:  "caf_application",
			title: "CAF benefits application",
			steps: []stepTemplate{
				{description: "Collect applicant details", awaitInput: true},
				{description: "Fill application form"},
				{description: "Submit to CAF"},
			},
		},
		&templateHandler{
			kind:  "ceam_request",
			title: "European health card request",
			steps: []stepTemplate{
				{description: "Verify eligibility", awaitInput: true},
				{description: "Submit card request"},
				{description: "Confirm issuance"},
			},
		},
	)
}
