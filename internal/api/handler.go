// Package api provides HTTP handlers for the orchestrator API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Sameersah/talknshop/internal/catalog"
	"github.com/Sameersah/talknshop/internal/chat"
	"github.com/Sameersah/talknshop/internal/domain"
	"github.com/Sameersah/talknshop/internal/media"
	"github.com/Sameersah/talknshop/internal/store"
	"github.com/Sameersah/talknshop/internal/workflow"
)

// Deps are the components the HTTP handlers read from.
type Deps struct {
	Engine  *workflow.Engine
	Manager *chat.Manager
	Media   media.Client
	Catalog catalog.Client
	Logger  *slog.Logger
}

// Handler provides common handler utilities.
type Handler struct {
	repo    store.Repository
	engine  *workflow.Engine
	mgr     *chat.Manager
	media   media.Client
	catalog catalog.Client
	logger  *slog.Logger
	isDev   bool

	healthTimeout time.Duration
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(deps Deps, isDev bool) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		repo:          deps.Engine.Store(),
		engine:        deps.Engine,
		mgr:           deps.Manager,
		media:         deps.Media,
		catalog:       deps.Catalog,
		logger:        logger,
		isDev:         isDev,
		healthTimeout: 5 * time.Second,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// ErrorFrom writes err with the status its category maps to.
func ErrorFrom(w http.ResponseWriter, err error) {
	status := domain.StatusCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	Error(w, status, msg)
}
