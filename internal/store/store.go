// Package store provides checkpoint persistence for conversation state.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sameersah/talknshop/internal/domain"
)

// ErrStaleCheckpoint is returned by Put when the stored checkpoint carries a
// higher version than the one being written.
var ErrStaleCheckpoint = errors.New("stale checkpoint")

// Repository defines the interface for persisting conversation checkpoints.
type Repository interface {
	// Get retrieves the checkpoint for a session.
	// Returns domain.ErrSessionNotFound if none exists.
	Get(ctx context.Context, sessionID string) (*domain.State, error)

	// Put writes a full checkpoint. Writes are ordered by State.Version: an
	// older version never replaces a newer one. The stored clarification
	// count never decreases.
	Put(ctx context.Context, state *domain.State) error

	// Update applies a partial update to an existing checkpoint.
	Update(ctx context.Context, sessionID string, patch domain.StatePatch) error

	// IncrementClarificationCount atomically adds one to the session's
	// clarification count and returns the stored value. The increment is
	// keyed by the checkpoint version the asking step started from: a
	// second call with a version already counted changes nothing, so a
	// step replayed from the same checkpoint counts its question once.
	IncrementClarificationCount(ctx context.Context, sessionID string, version int64) (int, error)

	// Delete removes a checkpoint. Deleting a missing session is not an error.
	Delete(ctx context.Context, sessionID string) error

	// ListByUser returns a user's sessions, most recently updated first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*domain.State, error)

	// DeleteExpired removes checkpoints whose retention expired before now
	// and returns their session IDs.
	DeleteExpired(ctx context.Context, now time.Time) ([]string, error)

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Options configures Open.
type Options struct {
	Driver string
	// DSN is the SQLite file path or the Postgres connection string.
	DSN string
	// TTL is the retention period of a checkpoint after its last update.
	TTL time.Duration
}

// Open constructs the repository named by opts.Driver.
func Open(opts Options) (Repository, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverSQLite:
		return NewSQLite(opts.DSN, opts.TTL)
	case DriverPostgres:
		return NewGorm(opts.DSN, opts.TTL)
	case DriverMemory:
		return NewMemory(opts.TTL), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}
}

func expiresAt(updated time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		// Effectively never.
		return updated.AddDate(100, 0, 0)
	}
	return updated.Add(ttl)
}
