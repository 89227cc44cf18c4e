package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/simplifia/engine/internal/domain"
	"github.com/simplifia/engine/internal/identity"
)

const (
	maxContentLength    = 4000
	defaultHistoryLimit = 100
)

// ChatHandler handles the chat transcript endpoints.
type ChatHandler struct {
	*Handler
	publisher MessagePublisher
	notifier  Notifier
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(base *Handler, publisher MessagePublisher, notifier Notifier) *ChatHandler {
	return &ChatHandler{Handler: base, publisher: publisher, notifier: notifier}
}

// RegisterRoutes registers chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/messages", func(r chi.Router) {
		r.Post("/", h.PostMessage)
		r.Get("/", h.ListMessages)
	})
}

type postMessageRequest struct {
	Content string `json:"content"`
	Command string `json:"command"`
}

// PostMessage persists a user chat message and hands it to the ingress for
// asynchronous handling. The response is 202: classification and process
// mutation happen after the write, and observers learn the outcome over the
// real-time channel.
func (h *ChatHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := identity.SessionIDFromContext(r.Context())

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	command := domain.SurfaceCommand(req.Command)
	if command != domain.CommandNone && command != domain.CommandCancel {
		Error(w, http.StatusBadRequest, "unknown command")
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" && command == domain.CommandNone {
		Error(w, http.StatusBadRequest, "content cannot be empty")
		return
	}
	if len(content) > maxContentLength {
		Error(w, http.StatusBadRequest, "content too long")
		return
	}

	msg := &domain.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Role:      domain.RoleUser,
		Content:   content,
		Command:   command,
		Timestamp: time.Now(),
	}
	if err := h.repo.InsertMessage(r.Context(), msg); err != nil {
		slog.Error("failed to persist message", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to persist message")
		return
	}

	h.publisher.PublishMessage(msg)
	h.notifier.Notify(msg.Key(), msg.ID)

	JSON(w, http.StatusAccepted, msg)
}

// ListMessages returns the session transcript, oldest first.
func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := identity.SessionIDFromContext(r.Context())

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	msgs, err := h.repo.ListSessionMessages(r.Context(), sessionID, userID, limit)
	if err != nil {
		slog.Error("failed to list messages", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if msgs == nil {
		msgs = []*domain.ChatMessage{}
	}
	JSON(w, http.StatusOK, msgs)
}
