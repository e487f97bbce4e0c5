package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Sameersah/talknshop/internal/domain"
	"github.com/Sameersah/talknshop/internal/identity"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// RegisterRoutes registers the session routes. identity.Middleware must run
// before them.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Get("/", h.ListSessions)
		r.Get("/{sessionID}", h.GetSession)
		r.Delete("/{sessionID}", h.DeleteSession)
		r.Post("/{sessionID}/cancel", h.CancelSession)
	})
}

// RegisterHealth registers the readiness, metrics and debug routes.
func (h *Handler) RegisterHealth(r chi.Router) {
	r.Get("/health/ready", h.Ready)
	r.Get("/metrics", h.Metrics)
	if h.isDev {
		r.Get("/debug/connections", h.DebugConnections)
	}
}

type sessionResponse struct {
	Session         *domain.State `json:"session"`
	Active          bool          `json:"active"`
	Running         bool          `json:"running"`
	ConnectionCount int           `json:"connection_count"`
}

// GetSession returns a session's checkpoint and connection status.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	state, err := h.repo.Get(r.Context(), sessionID)
	if err != nil {
		if !errors.Is(err, domain.ErrSessionNotFound) {
			h.logger.Error("Failed to load session", "session_id", sessionID, "error", err)
		}
		ErrorFrom(w, err)
		return
	}

	JSON(w, http.StatusOK, sessionResponse{
		Session:         state,
		Active:          h.mgr.IsConnected(sessionID),
		Running:         h.engine.Running(sessionID),
		ConnectionCount: len(h.mgr.UserSessions(state.UserID)),
	})
}

// ListSessions returns the caller's sessions, most recent first.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	sessions, err := h.repo.ListByUser(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("Failed to list sessions", "user_id", userID, "error", err)
		ErrorFrom(w, err)
		return
	}
	if sessions == nil {
		sessions = []*domain.State{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"user_id":  userID,
		"sessions": sessions,
	})
}

// DeleteSession cancels any running turn, closes the live channel and
// deletes the checkpoint.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !h.authorize(w, r, sessionID) {
		return
	}
	h.mgr.Disconnect(sessionID, "Session deleted")

	cancelled, err := h.engine.Delete(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("Failed to delete session", "session_id", sessionID, "error", err)
		ErrorFrom(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"status":    "deleted",
		"cancelled": cancelled,
	})
}

// CancelSession asks the running turn to stop at the next step boundary.
func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !h.authorize(w, r, sessionID) {
		return
	}

	if !h.engine.Cancel(sessionID) {
		JSON(w, http.StatusConflict, map[string]any{
			"status":    "idle",
			"cancelled": false,
		})
		return
	}
	JSON(w, http.StatusAccepted, map[string]any{
		"status":    "cancelling",
		"cancelled": true,
	})
}

// authorize writes an error and returns false unless the session exists and
// belongs to the caller.
func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	state, err := h.repo.Get(r.Context(), sessionID)
	if err != nil {
		ErrorFrom(w, err)
		return false
	}
	if userID := identity.UserIDFromContext(r.Context()); state.UserID != userID {
		h.logger.Warn("Session access denied", "session_id", sessionID, "user_id", userID)
		Error(w, http.StatusForbidden, "session belongs to another user")
		return false
	}
	return true
}
