// Package engine implements the process state machine: it owns the lifecycle
// of a process (creation, step advancement, completion, failure, cancellation)
// and enforces its invariants under concurrent, possibly duplicate, triggers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/simplifia/engine/internal/classifier"
	"github.com/simplifia/engine/internal/domain"
	"github.com/simplifia/engine/internal/store"
)

// Publisher receives state snapshots after successful transitions. No
// business logic lives behind it; publishing is purely derivative of state.
type Publisher interface {
	PublishProcess(p *domain.Process)
	PublishMessage(m *domain.ChatMessage)
}

// ActivitySink records audit entries. Implementations must never fail the
// caller; audit loss is preferable to blocking user-visible progress.
type ActivitySink interface {
	Record(processID string, typ domain.LogType, message, details string)
}

const (
	defaultClassifierTimeout = 15 * time.Second
	// Optimistic-concurrency retries per message before giving up as transient.
	casRetries = 3
)

// Engine is the process state machine.
type Engine struct {
	repo              store.Repository
	cls               classifier.Classifier
	registry          *Registry
	activity          ActivitySink
	pub               Publisher
	schedule          func(sessionKey, processID string)
	classifierTimeout time.Duration
	now               func() time.Time
}

// New creates an engine. The advance scheduler is wired separately via
// SetScheduler because the ingress dispatcher that provides it depends on
// the engine itself.
func New(repo store.Repository, cls classifier.Classifier, registry *Registry, activity ActivitySink, pub Publisher) *Engine {
	return &Engine{
		repo:              repo,
		cls:               cls,
		registry:          registry,
		activity:          activity,
		pub:               pub,
		classifierTimeout: defaultClassifierTimeout,
		now:               time.Now,
	}
}

// SetScheduler installs the callback used to enqueue self-advancing steps
// for processes left in the running status.
func (e *Engine) SetScheduler(f func(sessionKey, processID string)) {
	e.schedule = f
}

// SetClassifierTimeout bounds each classifier call.
func (e *Engine) SetClassifierTimeout(d time.Duration) {
	if d > 0 {
		e.classifierTimeout = d
	}
}

// HandleMessage processes one delivered chat message. Safe to call any
// number of times for the same message: the processed flag's atomic
// check-and-set guarantees at most one effect.
//
// Returns nil when handled (including duplicate deliveries), a
// *ConflictError or *FatalStepError when handled with a user-visible
// rejection or failure, and a *TransientError when the delivery should be
// retried.
func (e *Engine) HandleMessage(ctx context.Context, messageID string) error {
	msg, err := e.repo.GetMessage(ctx, messageID)
	if err != nil {
		return &TransientError{MessageID: messageID, Err: fmt.Errorf("load message: %w", err)}
	}
	if msg == nil {
		slog.Warn("ignoring notification for unknown message", "message_id", messageID)
		return nil
	}
	if msg.Processed || msg.Role != domain.RoleUser {
		return nil
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		err := e.handleOnce(ctx, msg)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, store.ErrAlreadyProcessed):
			// A concurrent delivery won the check-and-set.
			return nil
		case errors.Is(err, store.ErrVersionConflict), errors.Is(err, store.ErrActiveProcessExists):
			slog.Debug("optimistic conflict, retrying message handling",
				"message_id", messageID, "attempt", attempt+1)
			continue
		default:
			return err
		}
	}
	return &TransientError{
		MessageID: messageID,
		Err:       fmt.Errorf("gave up after %d optimistic retries", casRetries),
	}
}

func (e *Engine) handleOnce(ctx context.Context, msg *domain.ChatMessage) error {
	active, err := e.repo.GetActiveProcess(ctx, msg.SessionID, msg.UserID)
	if err != nil {
		return &TransientError{MessageID: msg.ID, Err: fmt.Errorf("load active process: %w", err)}
	}

	intent, err := e.resolveIntent(ctx, msg, active)
	if err != nil {
		// Classifier failures (timeouts and malformed output alike) leave the
		// message unprocessed so the whole handling can be retried.
		return &TransientError{MessageID: msg.ID, Err: err}
	}

	switch intent.Type {
	case domain.IntentNone:
		if err := e.repo.ApplyTransition(ctx, store.Transition{MessageID: msg.ID}); err != nil {
			return e.wrapStoreErr(msg.ID, err)
		}
		e.publishMessage(msg)
		return nil
	case domain.IntentStartProcess:
		return e.startProcess(ctx, msg, active, intent)
	case domain.IntentContinueProcess:
		return e.continueProcess(ctx, msg, active)
	case domain.IntentCancelProcess:
		return e.cancelProcess(ctx, msg, active)
	default:
		// Validate() upstream makes this unreachable; reject defensively.
		return e.reject(ctx, msg, active, fmt.Sprintf("unsupported intent %q", intent.Type))
	}
}

// resolveIntent honors surface commands without consulting the oracle and
// otherwise classifies the message under a bounded timeout.
func (e *Engine) resolveIntent(ctx context.Context, msg *domain.ChatMessage, active *domain.Process) (domain.Intent, error) {
	if msg.Command == domain.CommandCancel {
		return domain.Intent{Type: domain.IntentCancelProcess}, nil
	}

	cctx, cancel := context.WithTimeout(ctx, e.classifierTimeout)
	defer cancel()

	intent, err := e.cls.Classify(cctx, msg, active)
	if err != nil {
		return domain.Intent{}, fmt.Errorf("classify message: %w", err)
	}
	if err := intent.Validate(); err != nil {
		return domain.Intent{}, fmt.Errorf("%w: %v", classifier.ErrMalformed, err)
	}
	return intent, nil
}

func (e *Engine) startProcess(ctx context.Context, msg *domain.ChatMessage, active *domain.Process, intent domain.Intent) error {
	if active != nil {
		return e.reject(ctx, msg, active, "finish or cancel the current process first")
	}

	handler, ok := e.registry.Get(intent.Kind)
	if !ok {
		return e.reject(ctx, msg, nil, fmt.Sprintf("unknown process kind %q", intent.Kind))
	}
	title, steps, err := handler.Plan(intent.Params)
	if err != nil {
		return e.reject(ctx, msg, nil, fmt.Sprintf("rejected start request: %v", err))
	}

	now := e.now()
	p := &domain.Process{
		ID:        uuid.NewString(),
		SessionID: msg.SessionID,
		UserID:    msg.UserID,
		Kind:      intent.Kind,
		Title:     title,
		Status:    domain.StatusRunning,
		Steps:     steps,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := e.repo.ApplyTransition(ctx, store.Transition{MessageID: msg.ID, Create: p}); err != nil {
		return e.wrapStoreErr(msg.ID, err)
	}

	e.activity.Record(p.ID, domain.LogInfo, "process started",
		fmt.Sprintf("kind=%s title=%q message=%s", p.Kind, p.Title, msg.ID))
	e.publishMessage(msg)
	e.pub.PublishProcess(p)
	e.scheduleAdvance(p)
	return nil
}

func (e *Engine) continueProcess(ctx context.Context, msg *domain.ChatMessage, active *domain.Process) error {
	if active == nil {
		return e.reject(ctx, msg, nil, "no active process to continue")
	}
	if active.Status != domain.StatusAwaitingInput {
		return e.reject(ctx, msg, active,
			fmt.Sprintf("process is %s, not awaiting input", active.Status))
	}

	p, result, stepErr := e.executeStep(ctx, active)
	if stepErr != nil {
		if err := e.repo.ApplyTransition(ctx, store.Transition{
			MessageID: msg.ID, Update: p, ExpectedVersion: active.Version,
		}); err != nil {
			return e.wrapStoreErr(msg.ID, err)
		}
		p.Version = active.Version + 1
		e.recordFailure(p, stepErr)
		e.publishMessage(msg)
		return stepErr
	}

	if err := e.repo.ApplyTransition(ctx, store.Transition{
		MessageID: msg.ID, Update: p, ExpectedVersion: active.Version,
	}); err != nil {
		return e.wrapStoreErr(msg.ID, err)
	}
	p.Version = active.Version + 1
	e.recordAdvancement(p, result)
	e.publishMessage(msg)
	e.scheduleAdvance(p)
	return nil
}

func (e *Engine) cancelProcess(ctx context.Context, msg *domain.ChatMessage, active *domain.Process) error {
	if active == nil {
		return e.reject(ctx, msg, nil, "no active process to cancel")
	}

	p := active.Clone()
	p.Status = domain.StatusCancelled
	p.UpdatedAt = e.now()
	// CurrentStepIndex is frozen as-is.

	if err := e.repo.ApplyTransition(ctx, store.Transition{
		MessageID: msg.ID, Update: p, ExpectedVersion: active.Version,
	}); err != nil {
		return e.wrapStoreErr(msg.ID, err)
	}

	p.Version = active.Version + 1
	e.activity.Record(p.ID, domain.LogWarning, "process cancelled",
		fmt.Sprintf("cancelled at step %d by message %s", p.CurrentStepIndex, msg.ID))
	e.publishMessage(msg)
	e.pub.PublishProcess(p)
	return nil
}

// Advance executes one self-advancing step of a running process. Invoked
// through the scheduler for processes that need no user input between steps.
func (e *Engine) Advance(ctx context.Context, processID string) error {
	for attempt := 0; attempt < casRetries; attempt++ {
		p, err := e.repo.GetProcess(ctx, processID)
		if err != nil {
			return &TransientError{Err: fmt.Errorf("load process %s: %w", processID, err)}
		}
		if p == nil || p.Status != domain.StatusRunning {
			// Cancelled or completed by a concurrent transition; the loser
			// of that race must not execute the step.
			return nil
		}

		next, result, stepErr := e.executeStep(ctx, p)
		err = e.repo.ApplyTransition(ctx, store.Transition{Update: next, ExpectedVersion: p.Version})
		if errors.Is(err, store.ErrVersionConflict) {
			slog.Debug("advance lost optimistic race, retrying", "process_id", processID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return &TransientError{Err: fmt.Errorf("persist advance of %s: %w", processID, err)}
		}
		next.Version = p.Version + 1

		if stepErr != nil {
			e.recordFailure(next, stepErr)
			return stepErr
		}
		e.recordAdvancement(next, result)
		e.scheduleAdvance(next)
		return nil
	}
	return &TransientError{Err: fmt.Errorf("advance of %s gave up after %d optimistic retries", processID, casRetries)}
}

// executeStep runs the process's current step and returns the mutated clone.
// On handler failure the clone is transitioned to failed and a
// *FatalStepError is returned alongside it.
func (e *Engine) executeStep(ctx context.Context, current *domain.Process) (*domain.Process, StepResult, error) {
	p := current.Clone()
	now := e.now()
	p.UpdatedAt = now

	idx := p.CurrentStepIndex
	step := p.CurrentStep()
	if step == nil {
		// Running with no step left is a broken invariant; fail loudly.
		p.Status = domain.StatusFailed
		return p, StepResult{}, &FatalStepError{
			ProcessID: p.ID, StepIndex: idx,
			Err: fmt.Errorf("no step at index %d", idx),
		}
	}
	step.Status = domain.StepInProgress

	handler, ok := e.registry.Get(p.Kind)
	if !ok {
		step.Status = domain.StepError
		p.Status = domain.StatusFailed
		return p, StepResult{}, &FatalStepError{
			ProcessID: p.ID, StepIndex: idx,
			Err: fmt.Errorf("no handler registered for kind %q", p.Kind),
		}
	}

	result, err := handler.Execute(ctx, p, idx)
	if err != nil {
		step.Status = domain.StepError
		p.Status = domain.StatusFailed
		return p, StepResult{}, &FatalStepError{ProcessID: p.ID, StepIndex: idx, Err: err}
	}

	step.Status = domain.StepDone
	step.Result = result.Result
	p.CurrentStepIndex++

	switch {
	case p.CurrentStepIndex == len(p.Steps):
		p.Status = domain.StatusCompleted
		p.CompletedAt = &now
	case result.AwaitInput:
		p.Status = domain.StatusAwaitingInput
	default:
		p.Status = domain.StatusRunning
	}
	return p, result, nil
}

// reject marks the message processed without any process mutation, surfaces
// the rejection on the audit trail when a process is involved, and returns a
// *ConflictError.
func (e *Engine) reject(ctx context.Context, msg *domain.ChatMessage, active *domain.Process, reason string) error {
	if err := e.repo.ApplyTransition(ctx, store.Transition{MessageID: msg.ID}); err != nil {
		return e.wrapStoreErr(msg.ID, err)
	}

	cerr := &ConflictError{MessageID: msg.ID, Reason: reason}
	if active != nil {
		cerr.ProcessID = active.ID
	}
	// Rejections without a process use the empty-processID convention so the
	// audit trail still carries them.
	e.activity.Record(cerr.ProcessID, domain.LogWarning, "request rejected",
		fmt.Sprintf("%s (message %s)", reason, msg.ID))
	e.publishMessage(msg)
	return cerr
}

func (e *Engine) recordAdvancement(p *domain.Process, result StepResult) {
	switch p.Status {
	case domain.StatusCompleted:
		e.activity.Record(p.ID, domain.LogSuccess, "process completed",
			fmt.Sprintf("all %d steps done", len(p.Steps)))
	default:
		done := p.CurrentStepIndex - 1
		e.activity.Record(p.ID, domain.LogInfo,
			fmt.Sprintf("step completed: %s", p.Steps[done].Description),
			fmt.Sprintf("step %d of %d, status=%s", done+1, len(p.Steps), p.Status))
	}
	e.pub.PublishProcess(p)
}

func (e *Engine) recordFailure(p *domain.Process, stepErr error) {
	e.activity.Record(p.ID, domain.LogError, "process failed",
		fmt.Sprintf("step %d: %v", p.CurrentStepIndex, stepErr))
	e.pub.PublishProcess(p)
}

func (e *Engine) scheduleAdvance(p *domain.Process) {
	if p.Status != domain.StatusRunning || e.schedule == nil {
		return
	}
	e.schedule(p.Key(), p.ID)
}

func (e *Engine) publishMessage(msg *domain.ChatMessage) {
	cp := *msg
	cp.Processed = true
	e.pub.PublishMessage(&cp)
}

func (e *Engine) wrapStoreErr(messageID string, err error) error {
	if errors.Is(err, store.ErrAlreadyProcessed) ||
		errors.Is(err, store.ErrVersionConflict) ||
		errors.Is(err, store.ErrActiveProcessExists) {
		return err
	}
	return &TransientError{MessageID: messageID, Err: err}
}
