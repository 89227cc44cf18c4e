package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/simplifia/engine/internal/domain"
	"github.com/simplifia/engine/internal/identity"
)

// ProcessHandler handles process inspection and cancellation endpoints.
type ProcessHandler struct {
	*Handler
	publisher MessagePublisher
	notifier  Notifier
}

// NewProcessHandler creates a new process handler.
func NewProcessHandler(base *Handler, publisher MessagePublisher, notifier Notifier) *ProcessHandler {
	return &ProcessHandler{Handler: base, publisher: publisher, notifier: notifier}
}

// RegisterRoutes registers process routes.
func (h *ProcessHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/session/process", h.GetSessionProcess)
	r.Route("/api/processes/{processID}", func(r chi.Router) {
		r.Get("/", h.GetProcess)
		r.Get("/logs", h.GetProcessLogs)
		r.Post("/cancel", h.CancelProcess)
	})
}

// GetSessionProcess returns the session's active process, or 204 when the
// session is idle.
func (h *ProcessHandler) GetSessionProcess(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := identity.SessionIDFromContext(r.Context())

	p, err := h.repo.GetActiveProcess(r.Context(), sessionID, userID)
	if err != nil {
		slog.Error("failed to load active process", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to load active process")
		return
	}
	if p == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	JSON(w, http.StatusOK, p)
}

// ownedProcess loads a process and enforces that the caller owns it.
// Ownership failures are indistinguishable from absence.
func (h *ProcessHandler) ownedProcess(w http.ResponseWriter, r *http.Request) *domain.Process {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil
	}
	sessionID := identity.SessionIDFromContext(r.Context())
	processID := chi.URLParam(r, "processID")

	p, err := h.repo.GetProcess(r.Context(), processID)
	if err != nil {
		slog.Error("failed to load process", "error", err, "process_id", processID)
		Error(w, http.StatusInternalServerError, "failed to load process")
		return nil
	}
	if p == nil || p.UserID != userID || p.SessionID != sessionID {
		Error(w, http.StatusNotFound, "process not found")
		return nil
	}
	return p
}

// GetProcess returns one process snapshot.
func (h *ProcessHandler) GetProcess(w http.ResponseWriter, r *http.Request) {
	p := h.ownedProcess(w, r)
	if p == nil {
		return
	}
	JSON(w, http.StatusOK, p)
}

// GetProcessLogs returns the process audit trail, oldest first.
func (h *ProcessHandler) GetProcessLogs(w http.ResponseWriter, r *http.Request) {
	p := h.ownedProcess(w, r)
	if p == nil {
		return
	}

	logs, err := h.repo.ListActivityLogs(r.Context(), p.ID)
	if err != nil {
		slog.Error("failed to list activity logs", "error", err, "process_id", p.ID)
		Error(w, http.StatusInternalServerError, "failed to list activity logs")
		return
	}
	if logs == nil {
		logs = []*domain.ActivityLog{}
	}
	JSON(w, http.StatusOK, logs)
}

// CancelProcess reduces the cancel button to a chat message carrying the
// cancel command, so cancellation flows through the same serialized ingress
// path as typed text.
func (h *ProcessHandler) CancelProcess(w http.ResponseWriter, r *http.Request) {
	p := h.ownedProcess(w, r)
	if p == nil {
		return
	}
	if p.Status.IsTerminal() {
		Error(w, http.StatusConflict, "process already finished")
		return
	}

	msg := &domain.ChatMessage{
		ID:        uuid.NewString(),
		SessionID: p.SessionID,
		UserID:    p.UserID,
		Role:      domain.RoleUser,
		Content:   "cancel",
		Command:   domain.CommandCancel,
		Timestamp: time.Now(),
	}
	if err := h.repo.InsertMessage(r.Context(), msg); err != nil {
		slog.Error("failed to persist cancel message", "error", err, "process_id", p.ID)
		Error(w, http.StatusInternalServerError, "failed to request cancellation")
		return
	}

	h.publisher.PublishMessage(msg)
	h.notifier.Notify(msg.Key(), msg.ID)

	JSON(w, http.StatusAccepted, msg)
}
