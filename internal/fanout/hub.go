// Package fanout republishes process and message state to real-time
// observers. It carries no business logic: snapshots are derivative of
// persisted state, and the hub only guarantees that observers never see an
// older process snapshot after a newer one.
package fanout

import (
	"log/slog"
	"sync"

	"github.com/simplifia/engine/internal/domain"
)

// EnvelopeType discriminates pushed payloads.
type EnvelopeType string

const (
	// EnvelopeProcess carries a process snapshot.
	EnvelopeProcess EnvelopeType = "process"
	// EnvelopeMessage carries a chat message snapshot.
	EnvelopeMessage EnvelopeType = "message"
)

// Envelope is one pushed snapshot. Consumers render directly from it and
// never mutate it.
type Envelope struct {
	Type    EnvelopeType        `json:"type"`
	Process *domain.Process     `json:"process,omitempty"`
	Message *domain.ChatMessage `json:"message,omitempty"`
}

// Subscription is one observer's buffered feed.
type Subscription struct {
	C   <-chan Envelope
	ch  chan Envelope
	key string
}

const subscriberBuffer = 32

// Hub fans state snapshots out to subscribers keyed by session.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
	// lastVersion tracks the newest published version per process. Snapshots
	// at or below it are stale duplicates and are dropped to keep the
	// observer sequence monotonic.
	lastVersion map[string]int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subs:        make(map[string]map[*Subscription]struct{}),
		lastVersion: make(map[string]int64),
	}
}

// Subscribe registers an observer for a session key.
func (h *Hub) Subscribe(sessionKey string) *Subscription {
	sub := &Subscription{
		ch:  make(chan Envelope, subscriberBuffer),
		key: sessionKey,
	}
	sub.C = sub.ch

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sessionKey]; !ok {
		h.subs[sessionKey] = make(map[*Subscription]struct{})
	}
	h.subs[sessionKey][sub] = struct{}{}
	slog.Debug("observer subscribed", "session_key", sessionKey)
	return sub
}

// Unsubscribe removes an observer and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subs[sub.key]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.subs, sub.key)
	}
	close(sub.ch)
}

// PublishProcess pushes a process snapshot to the session's observers,
// dropping snapshots older than one already published.
func (h *Hub) PublishProcess(p *domain.Process) {
	h.mu.Lock()
	if p.Version <= h.lastVersion[p.ID] {
		h.mu.Unlock()
		slog.Debug("dropping stale process snapshot",
			"process_id", p.ID, "version", p.Version, "last", h.lastVersion[p.ID])
		return
	}
	if p.Status.IsTerminal() {
		// A finished process publishes nothing further; its guard entry would
		// otherwise accumulate for the server's lifetime.
		delete(h.lastVersion, p.ID)
	} else {
		h.lastVersion[p.ID] = p.Version
	}
	h.mu.Unlock()

	h.broadcast(p.Key(), Envelope{Type: EnvelopeProcess, Process: p.Clone()})
}

// PublishMessage pushes a chat message snapshot to the session's observers.
func (h *Hub) PublishMessage(m *domain.ChatMessage) {
	cp := *m
	h.broadcast(m.Key(), Envelope{Type: EnvelopeMessage, Message: &cp})
}

func (h *Hub) broadcast(sessionKey string, env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs[sessionKey] {
		select {
		case sub.ch <- env:
		default:
			// A stalled observer loses this snapshot rather than stalling
			// the engine; it resynchronizes from the next one.
			slog.Warn("observer buffer full, dropping snapshot", "session_key", sessionKey)
		}
	}
}
