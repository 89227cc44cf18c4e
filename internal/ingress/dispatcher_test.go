package ingress

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/simplifia/engine/internal/domain"
	"github.com/simplifia/engine/internal/engine"
	"github.com/simplifia/engine/internal/store"
)

// scriptedHandler returns the scripted errors in call order, then nil.
type scriptedHandler struct {
	mu       sync.Mutex
	script   []error
	messages []string
	advances []string
}

func (h *scriptedHandler) next() error {
	if len(h.script) == 0 {
		return nil
	}
	err := h.script[0]
	h.script = h.script[1:]
	return err
}

func (h *scriptedHandler) HandleMessage(_ context.Context, messageID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, messageID)
	return h.next()
}

func (h *scriptedHandler) Advance(_ context.Context, processID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.advances = append(h.advances, processID)
	return h.next()
}

func (h *scriptedHandler) calls() (messages, advances []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.messages...), append([]string(nil), h.advances...)
}

type recordSink struct {
	mu      sync.Mutex
	entries []string
}

func (s *recordSink) Record(_ string, typ domain.LogType, message, details string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, string(typ)+"|"+message+"|"+details)
}

func (s *recordSink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.entries...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestDispatcherRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	handler := &scriptedHandler{script: []error{
		&engine.TransientError{MessageID: "m1", Err: errors.New("oracle down")},
		&engine.TransientError{MessageID: "m1", Err: errors.New("oracle down")},
	}}
	sink := &recordSink{}
	d := NewDispatcher(handler, sink, 8, 5, time.Millisecond)
	defer d.Stop()

	d.Notify("sess:user", "m1")

	waitFor(t, func() bool {
		msgs, _ := handler.calls()
		return len(msgs) == 3
	})
	if entries := sink.all(); len(entries) != 0 {
		t.Errorf("a recovered event must not be surfaced: %v", entries)
	}
}

func TestDispatcherDoesNotRetryRejections(t *testing.T) {
	t.Parallel()

	handler := &scriptedHandler{script: []error{
		&engine.ConflictError{MessageID: "m1", Reason: "another process is active"},
	}}
	sink := &recordSink{}
	d := NewDispatcher(handler, sink, 8, 5, time.Millisecond)
	defer d.Stop()

	d.Notify("sess:user", "m1")
	d.Notify("sess:user", "m2")

	waitFor(t, func() bool {
		msgs, _ := handler.calls()
		return len(msgs) == 2
	})
	msgs, _ := handler.calls()
	if msgs[0] != "m1" || msgs[1] != "m2" {
		t.Errorf("rejection must consume exactly one delivery: %v", msgs)
	}
}

func TestDispatcherAbandonsAfterBudget(t *testing.T) {
	t.Parallel()

	stuck := &engine.TransientError{MessageID: "m1", Err: errors.New("oracle down")}
	handler := &scriptedHandler{script: []error{stuck, stuck, stuck}}
	sink := &recordSink{}
	d := NewDispatcher(handler, sink, 8, 3, time.Millisecond)
	defer d.Stop()

	d.Notify("sess:user", "m1")

	waitFor(t, func() bool { return len(sink.all()) == 1 })
	entry := sink.all()[0]
	if !strings.HasPrefix(entry, string(domain.LogError)) {
		t.Errorf("abandonment must be an error entry: %q", entry)
	}
	if !strings.Contains(entry, "m1") {
		t.Errorf("abandonment entry must name the message: %q", entry)
	}
	msgs, _ := handler.calls()
	if len(msgs) != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", len(msgs))
	}
}

func TestDispatcherSerializesPerSessionKey(t *testing.T) {
	t.Parallel()

	handler := &scriptedHandler{}
	d := NewDispatcher(handler, &recordSink{}, 16, 1, time.Millisecond)
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Notify("sess:user", string(rune('a'+i)))
	}

	waitFor(t, func() bool {
		msgs, _ := handler.calls()
		return len(msgs) == 5
	})
	msgs, _ := handler.calls()
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		if msgs[i] != id {
			t.Fatalf("events reordered within a session: %v", msgs)
		}
	}
}

func TestDispatcherRoutesAdvanceEvents(t *testing.T) {
	t.Parallel()

	handler := &scriptedHandler{}
	d := NewDispatcher(handler, &recordSink{}, 8, 1, time.Millisecond)
	defer d.Stop()

	d.EnqueueAdvance("sess:user", "p1")

	waitFor(t, func() bool {
		_, adv := handler.calls()
		return len(adv) == 1
	})
	_, adv := handler.calls()
	if adv[0] != "p1" {
		t.Errorf("advance routed to wrong process: %v", adv)
	}
}

func TestSweeperReenqueuesStaleMessages(t *testing.T) {
	t.Parallel()

	repo := store.NewMemory()
	stale := &domain.ChatMessage{
		ID:        "m-old",
		SessionID: "sess-1",
		UserID:    "user-1",
		Role:      domain.RoleUser,
		Content:   "book me a flight",
		Timestamp: time.Now().Add(-time.Minute),
	}
	fresh := &domain.ChatMessage{
		ID:        "m-new",
		SessionID: "sess-1",
		UserID:    "user-1",
		Role:      domain.RoleUser,
		Content:   "and a hotel",
		Timestamp: time.Now(),
	}
	for _, m := range []*domain.ChatMessage{stale, fresh} {
		if err := repo.InsertMessage(context.Background(), m); err != nil {
			t.Fatalf("InsertMessage failed: %v", err)
		}
	}

	handler := &scriptedHandler{}
	d := NewDispatcher(handler, &recordSink{}, 8, 1, time.Millisecond)
	defer d.Stop()

	sweeper, err := NewSweeper(repo, d, "@every 1m", 10*time.Second)
	if err != nil {
		t.Fatalf("NewSweeper failed: %v", err)
	}
	sweeper.sweep()

	waitFor(t, func() bool {
		msgs, _ := handler.calls()
		return len(msgs) == 1
	})
	msgs, _ := handler.calls()
	if msgs[0] != "m-old" {
		t.Errorf("sweep must only re-enqueue stale messages: %v", msgs)
	}
}

func (d *Dispatcher) queueCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}

func TestDispatcherReapsIdleWorkers(t *testing.T) {
	t.Parallel()

	handler := &scriptedHandler{}
	d := NewDispatcher(handler, &recordSink{}, 8, 1, time.Millisecond)
	d.idleTimeout = 20 * time.Millisecond
	defer d.Stop()

	d.Notify("sess:user", "m1")
	waitFor(t, func() bool {
		msgs, _ := handler.calls()
		return len(msgs) == 1
	})

	waitFor(t, func() bool { return d.queueCount() == 0 })

	// A new event for the same key spins up a fresh worker.
	d.Notify("sess:user", "m2")
	waitFor(t, func() bool {
		msgs, _ := handler.calls()
		return len(msgs) == 2
	})
}
