// Package retention expires old conversation checkpoints.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/Sameersah/talknshop/internal/shared"
	"github.com/Sameersah/talknshop/internal/store"
)

// DefaultInterval is how often the worker sweeps when none is configured.
const DefaultInterval = 5 * time.Minute

// CleanupCallback is called for every expired session after its checkpoint
// is deleted.
type CleanupCallback func(sessionID string)

// Worker periodically deletes checkpoints whose TTL has passed.
type Worker struct {
	repo      store.Repository
	interval  time.Duration
	onCleanup CleanupCallback
	now       func() time.Time
	logger    *slog.Logger
}

// NewWorker creates a retention worker. onCleanup may be nil.
func NewWorker(repo store.Repository, interval time.Duration, onCleanup CleanupCallback, logger *slog.Logger) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		repo:      repo,
		interval:  interval,
		onCleanup: onCleanup,
		now:       time.Now,
		logger:    logger,
	}
}

// Start runs the sweep in a background goroutine until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	go func() {
		defer ticker.Stop()
		w.logger.Info("Retention worker started", "interval", w.interval)

		for {
			select {
			case <-ticker.C:
				w.Sweep(ctx)
			case <-ctx.Done():
				w.logger.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep deletes expired checkpoints once and returns their session IDs.
func (w *Worker) Sweep(ctx context.Context) []string {
	var expired []string
	err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "delete expired sessions", func() error {
		var err error
		expired, err = w.repo.DeleteExpired(ctx, w.now())
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			w.logger.Debug("Retention sweep interrupted", "error", err)
			return nil
		}
		w.logger.Error("Retention worker failed to delete expired sessions", "error", err)
		return nil
	}
	if len(expired) == 0 {
		return nil
	}

	for _, sessionID := range expired {
		w.logger.Info("Retention worker expired session", "session_id", sessionID)
		if w.onCleanup != nil {
			w.onCleanup(sessionID)
		}
	}
	w.logger.Info("Retention worker cleanup completed", "expired", len(expired))
	return expired
}
