package api

import (
	"context"
	"net/http"
)

// Ready reports whether the store and the collaborators are reachable. The
// store is critical; an unhealthy collaborator only degrades the service.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.healthTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := "healthy"
	code := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "component", "database", "error", err)
		checks["database"] = "unreachable"
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	collaborators := []struct {
		name  string
		check func(context.Context) error
	}{
		{"media_service", healthFunc(h.media)},
		{"catalog_service", healthFunc(h.catalog)},
	}
	for _, c := range collaborators {
		if c.check == nil {
			checks[c.name] = "disabled"
			continue
		}
		if err := c.check(ctx); err != nil {
			h.logger.Warn("Collaborator health check failed", "component", c.name, "error", err)
			checks[c.name] = "unreachable"
			if status == "healthy" {
				status = "degraded"
			}
			continue
		}
		checks[c.name] = "ok"
	}

	JSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
	})
}

type healthChecker interface {
	Health(ctx context.Context) error
}

func healthFunc(c healthChecker) func(context.Context) error {
	if c == nil {
		return nil
	}
	return c.Health
}

// Metrics returns live connection and workflow counters.
func (h *Handler) Metrics(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]any{
		"active_connections": h.mgr.Count(),
		"sessions_in_flight": h.engine.InFlight(),
		"locked_sessions":    h.engine.LockedSessions(),
	})
}

// DebugConnections lists every live connection.
func (h *Handler) DebugConnections(w http.ResponseWriter, _ *http.Request) {
	conns := h.mgr.Snapshot()
	JSON(w, http.StatusOK, map[string]any{
		"total_connections": len(conns),
		"connections":       conns,
	})
}
