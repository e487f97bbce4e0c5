package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Sameersah/talknshop/internal/domain"
	"github.com/Sameersah/talknshop/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	ttl     time.Duration
	writeMu sync.Mutex // serializes read-modify-write paths to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, ttl time.Duration) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, ttl: ttl}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversations (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		clarification_count INTEGER NOT NULL DEFAULT 0,
		clarified_version INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL DEFAULT 0,
		state_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_expires ON conversations(expires_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*domain.State, error) {
	var stateJSON string
	var count int
	var version int64
	if err := row.Scan(&stateJSON, &count, &version); err != nil {
		return nil, err
	}

	var state domain.State
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	// The column is authoritative: increments bypass the JSON document.
	state.ClarificationCount = count
	state.Version = version
	return &state, nil
}

// Get retrieves the checkpoint for a session.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*domain.State, error) {
	state, err := s.get(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	return state, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// get returns nil, nil for a missing row.
func (s *SQLiteStore) get(ctx context.Context, q queryer, sessionID string) (*domain.State, error) {
	row := q.QueryRowContext(ctx,
		`SELECT state_json, clarification_count, version FROM conversations WHERE session_id = ?`,
		sessionID)
	state, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return state, nil
}

// Put writes a full checkpoint.
func (s *SQLiteStore) Put(ctx context.Context, state *domain.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	query := `
	INSERT INTO conversations (
		session_id, user_id, stage, clarification_count, version,
		state_json, created_at, updated_at, expires_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		stage = excluded.stage,
		clarification_count = MAX(conversations.clarification_count, excluded.clarification_count),
		version = excluded.version,
		state_json = excluded.state_json,
		updated_at = excluded.updated_at,
		expires_at = excluded.expires_at
	WHERE excluded.version >= conversations.version`

	updated := state.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}

	var rows int64
	err = shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "put conversation", func() error {
		result, err := s.db.ExecContext(ctx, query,
			state.SessionID, state.UserID, string(state.Stage), state.ClarificationCount, state.Version,
			string(data), state.StartedAt.UnixMilli(), updated.UnixMilli(), expiresAt(updated, s.ttl).UnixMilli(),
		)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if rows == 0 {
		slog.Warn("Rejected out-of-order checkpoint", "session_id", state.SessionID, "version", state.Version)
		return fmt.Errorf("%w: session %s version %d", ErrStaleCheckpoint, state.SessionID, state.Version)
	}
	return nil
}

// Update applies a partial update to an existing checkpoint.
func (s *SQLiteStore) Update(ctx context.Context, sessionID string, patch domain.StatePatch) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "update conversation", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		state, err := s.get(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if state == nil {
			return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
		}

		now := time.Now()
		patch.Apply(state, now)
		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE conversations SET stage = ?, state_json = ?, updated_at = ?, expires_at = ? WHERE session_id = ?`,
			string(state.Stage), string(data), now.UnixMilli(), expiresAt(now, s.ttl).UnixMilli(), sessionID,
		); err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		return tx.Commit()
	})
}

// IncrementClarificationCount atomically increments the clarification count.
func (s *SQLiteStore) IncrementClarificationCount(ctx context.Context, sessionID string, version int64) (int, error) {
	var count int
	err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "increment clarification", func() error {
		err := s.db.QueryRowContext(ctx,
			`UPDATE conversations
			SET clarification_count = clarification_count + 1, clarified_version = ?, updated_at = ?
			WHERE session_id = ? AND clarified_version < ? RETURNING clarification_count`,
			version, time.Now().UnixMilli(), sessionID, version,
		).Scan(&count)
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		// Already counted for this version.
		return s.db.QueryRowContext(ctx,
			`SELECT clarification_count FROM conversations WHERE session_id = ?`, sessionID,
		).Scan(&count)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return 0, fmt.Errorf("increment clarification count: %w", err)
	}
	return count, nil
}

// Delete removes a checkpoint.
func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "delete conversation", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE session_id = ?`, sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", sessionID, err)
	}
	return nil
}

// ListByUser returns a user's sessions, most recently updated first.
func (s *SQLiteStore) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.State, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT state_json, clarification_count, version FROM conversations
		WHERE user_id = ? ORDER BY updated_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query user conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close user conversation rows", "error", closeErr)
		}
	}()

	var states []*domain.State
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user conversation: %w", err)
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user conversations: %w", err)
	}
	return states, nil
}

// DeleteExpired removes checkpoints whose retention expired before now.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`DELETE FROM conversations WHERE expires_at < ? RETURNING session_id`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("delete expired conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired conversation rows", "error", closeErr)
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired conversation: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired conversations: %w", err)
	}
	return ids, nil
}

var _ Repository = (*SQLiteStore)(nil)
