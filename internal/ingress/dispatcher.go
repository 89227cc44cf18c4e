// Package ingress delivers persistence events to the process state machine.
//
// Delivery is at-least-once: redelivery after a crash or retry is expected,
// and the state machine's idempotency guard makes it safe. Events for the
// same session key are processed serially on a dedicated queue; sessions
// never contend with each other.
package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/simplifia/engine/internal/domain"
	"github.com/simplifia/engine/internal/engine"
)

// Handler is the slice of the engine the dispatcher drives.
type Handler interface {
	HandleMessage(ctx context.Context, messageID string) error
	Advance(ctx context.Context, processID string) error
}

// ActivitySink mirrors engine.ActivitySink for surfacing abandoned events.
type ActivitySink interface {
	Record(processID string, typ domain.LogType, message, details string)
}

type eventKind int

const (
	eventMessage eventKind = iota
	eventAdvance
)

type event struct {
	kind eventKind
	id   string
}

const (
	defaultQueueSize   = 64
	defaultMaxAttempts = 5
	defaultBaseDelay   = 200 * time.Millisecond
	handleTimeout      = 30 * time.Second
	workerIdleTimeout  = 5 * time.Minute
)

// Dispatcher fans events out to per-session-key worker queues with bounded
// backoff retries for transient failures.
type Dispatcher struct {
	handler  Handler
	activity ActivitySink

	queueSize   int
	maxAttempts int
	baseDelay   time.Duration
	idleTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	queues map[string]chan event
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Zero values select the defaults.
func NewDispatcher(handler Handler, activity ActivitySink, queueSize, maxAttempts int, baseDelay time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		handler:     handler,
		activity:    activity,
		queueSize:   queueSize,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		idleTimeout: workerIdleTimeout,
		ctx:         ctx,
		cancel:      cancel,
		queues:      make(map[string]chan event),
	}
}

// Notify delivers a persisted-message event for the session key.
func (d *Dispatcher) Notify(sessionKey, messageID string) {
	d.enqueue(sessionKey, event{kind: eventMessage, id: messageID})
}

// EnqueueAdvance schedules a self-advancing step for a running process.
func (d *Dispatcher) EnqueueAdvance(sessionKey, processID string) {
	d.enqueue(sessionKey, event{kind: eventAdvance, id: processID})
}

// enqueue places the event on the session's queue, spawning a worker for
// keys without one. The send happens under the same lock that retires idle
// workers, so an event can never land on an abandoned queue.
func (d *Dispatcher) enqueue(sessionKey string, ev event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.queues[sessionKey]
	if !ok {
		q = make(chan event, d.queueSize)
		d.queues[sessionKey] = q
		d.wg.Add(1)
		go d.worker(sessionKey, q)
	}

	select {
	case q <- ev:
	default:
		// Dropping here is safe: the message stays unprocessed and the
		// reconciliation sweep re-delivers it.
		slog.Warn("ingress queue full, dropping event",
			"session_key", sessionKey, "event_id", ev.id)
	}
}

func (d *Dispatcher) worker(sessionKey string, q chan event) {
	defer d.wg.Done()
	idle := time.NewTimer(d.idleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev := <-q:
			d.process(sessionKey, ev)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(d.idleTimeout)
		case <-idle.C:
			if d.retire(sessionKey, q) {
				return
			}
			idle.Reset(d.idleTimeout)
		}
	}
}

// retire removes the worker's queue when it has gone idle. The check runs
// under the enqueue lock, so a non-empty queue keeps the worker alive.
func (d *Dispatcher) retire(sessionKey string, q chan event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(q) > 0 {
		return false
	}
	delete(d.queues, sessionKey)
	slog.Debug("retiring idle session worker", "session_key", sessionKey)
	return true
}

// process runs one event to completion: retrying transient failures with
// exponential backoff, passing through surfaced rejections, and abandoning
// the event onto the audit trail once the retry budget is spent.
func (d *Dispatcher) process(sessionKey string, ev event) {
	for attempt := 1; ; attempt++ {
		err := d.dispatch(ev)
		if err == nil {
			return
		}
		if !engine.IsTransient(err) {
			// Conflicts and fatal step failures are already surfaced by the
			// engine; nothing to retry.
			slog.Info("event handled with rejection",
				"session_key", sessionKey, "event_id", ev.id, "error", err)
			return
		}
		if attempt >= d.maxAttempts {
			slog.Error("event abandoned after retry budget",
				"session_key", sessionKey, "event_id", ev.id, "attempts", attempt, "error", err)
			d.activity.Record("", domain.LogError, "event handling abandoned",
				fmt.Sprintf("event=%s attempts=%d error=%v", ev.id, attempt, err))
			return
		}

		delay := d.baseDelay * time.Duration(1<<(attempt-1))
		slog.Debug("transient failure, backing off",
			"session_key", sessionKey, "event_id", ev.id, "attempt", attempt, "delay", delay)
		select {
		case <-d.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (d *Dispatcher) dispatch(ev event) error {
	ctx, cancel := context.WithTimeout(d.ctx, handleTimeout)
	defer cancel()

	switch ev.kind {
	case eventAdvance:
		return d.handler.Advance(ctx, ev.id)
	default:
		return d.handler.HandleMessage(ctx, ev.id)
	}
}

// Stop terminates all workers. Events still queued are left for the
// reconciliation sweep of the next run.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}
