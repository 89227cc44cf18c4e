package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
	"github.com/simplifia/engine/internal/domain"
	"github.com/simplifia/engine/internal/identity"
	"github.com/simplifia/engine/internal/store"
)

// WebSocketHandler streams state snapshots to browser observers.
type WebSocketHandler struct {
	hub           *Hub
	repo          store.Repository
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates the observer endpoint.
func NewWebSocketHandler(hub *Hub, repo store.Repository, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		hub:           hub,
		repo:          repo,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP upgrades the connection and forwards hub envelopes until the
// client disconnects.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	key := domain.SessionKey(sessionID, userID)
	sub := h.hub.Subscribe(key)
	defer h.hub.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reads only serve to detect the peer closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()

	// Initial snapshot so the observer does not wait for the next mutation.
	if active, err := h.repo.GetActiveProcess(ctx, sessionID, userID); err == nil && active != nil {
		if err := h.writeEnvelope(ctx, ws, Envelope{Type: EnvelopeProcess, Process: active}); err != nil {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C:
			if !ok {
				return
			}
			if err := h.writeEnvelope(ctx, ws, env); err != nil {
				slog.Debug("websocket write failed", "error", err, "user_id", userID)
				return
			}
		}
	}
}

func (h *WebSocketHandler) writeEnvelope(ctx context.Context, ws *websocket.Conn, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return ws.Write(ctx, websocket.MessageText, data)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("websocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
