package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Sameersah/talknshop/internal/domain"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type conversationRow struct {
	SessionID          string    `gorm:"primaryKey;size:191"`
	UserID             string    `gorm:"size:191;not null;index:idx_conversations_user,priority:1"`
	Stage              string    `gorm:"size:64;not null"`
	ClarificationCount int       `gorm:"not null;default:0"`
	ClarifiedVersion   int64     `gorm:"not null;default:0"`
	Version            int64     `gorm:"not null;default:0"`
	StateJSON          string    `gorm:"type:text;not null"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null;index:idx_conversations_user,priority:2"`
	ExpiresAt          time.Time `gorm:"not null;index"`
}

func (conversationRow) TableName() string {
	return "conversations"
}

func (r conversationRow) toState() (*domain.State, error) {
	var state domain.State
	if err := json.Unmarshal([]byte(r.StateJSON), &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	state.ClarificationCount = r.ClarificationCount
	state.Version = r.Version
	return &state, nil
}

func conversationRowFromState(state *domain.State, ttl time.Duration) (conversationRow, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return conversationRow{}, fmt.Errorf("encode state: %w", err)
	}
	updated := state.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return conversationRow{
		SessionID:          state.SessionID,
		UserID:             state.UserID,
		Stage:              string(state.Stage),
		ClarificationCount: state.ClarificationCount,
		Version:            state.Version,
		StateJSON:          string(data),
		CreatedAt:          state.StartedAt.UTC(),
		UpdatedAt:          updated.UTC(),
		ExpiresAt:          expiresAt(updated, ttl).UTC(),
	}, nil
}

// GormStore implements Repository on Postgres through gorm.
type GormStore struct {
	db  *gorm.DB
	ttl time.Duration
}

// NewGorm opens a Postgres-backed repository and migrates its schema.
func NewGorm(dsn string, ttl time.Duration) (*GormStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}
	return NewGormWithDB(db, ttl)
}

// NewGormWithDB wraps an already opened gorm handle.
func NewGormWithDB(db *gorm.DB, ttl time.Duration) (*GormStore, error) {
	s := &GormStore{db: db, ttl: ttl}
	if err := s.db.AutoMigrate(&conversationRow{}); err != nil {
		return nil, fmt.Errorf("migrate conversations: %w", err)
	}
	return s, nil
}

// Get retrieves the checkpoint for a session.
func (s *GormStore) Get(ctx context.Context, sessionID string) (*domain.State, error) {
	var row conversationRow
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return row.toState()
}

// Put writes a full checkpoint.
func (s *GormStore) Put(ctx context.Context, state *domain.State) error {
	next, err := conversationRowFromState(state, s.ttl)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current conversationRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ?", state.SessionID).
			Take(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Create(&next).Error; err != nil {
				return fmt.Errorf("create conversation: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock conversation: %w", err)
		}

		if current.Version > next.Version {
			return fmt.Errorf("%w: session %s version %d", ErrStaleCheckpoint, state.SessionID, state.Version)
		}
		next.ClarificationCount = max(next.ClarificationCount, current.ClarificationCount)
		next.ClarifiedVersion = current.ClarifiedVersion
		next.CreatedAt = current.CreatedAt
		if err := tx.Save(&next).Error; err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		return nil
	})
}

// Update applies a partial update to an existing checkpoint.
func (s *GormStore) Update(ctx context.Context, sessionID string, patch domain.StatePatch) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row conversationRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ?", sessionID).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
		}
		if err != nil {
			return fmt.Errorf("lock conversation: %w", err)
		}

		state, err := row.toState()
		if err != nil {
			return err
		}
		now := time.Now()
		patch.Apply(state, now)
		data, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encode state: %w", err)
		}

		return tx.Model(&conversationRow{}).
			Where("session_id = ?", sessionID).
			Updates(map[string]any{
				"stage":      string(state.Stage),
				"state_json": string(data),
				"updated_at": now.UTC(),
				"expires_at": expiresAt(now, s.ttl).UTC(),
			}).Error
	})
}

// IncrementClarificationCount atomically increments the clarification count.
func (s *GormStore) IncrementClarificationCount(ctx context.Context, sessionID string, version int64) (int, error) {
	var count int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&conversationRow{}).
			Where("session_id = ? AND clarified_version < ?", sessionID, version).
			Updates(map[string]any{
				"clarification_count": gorm.Expr("clarification_count + 1"),
				"clarified_version":   version,
				"updated_at":          time.Now().UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("increment clarification count: %w", res.Error)
		}
		var row conversationRow
		err := tx.Select("clarification_count").Where("session_id = ?", sessionID).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
		}
		if err != nil {
			return fmt.Errorf("read clarification count: %w", err)
		}
		count = row.ClarificationCount
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Delete removes a checkpoint.
func (s *GormStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&conversationRow{}).Error; err != nil {
		return fmt.Errorf("delete conversation %s: %w", sessionID, err)
	}
	return nil
}

// ListByUser returns a user's sessions, most recently updated first.
func (s *GormStore) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.State, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []conversationRow
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list user conversations: %w", err)
	}
	out := make([]*domain.State, 0, len(rows))
	for _, row := range rows {
		state, err := row.toState()
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, nil
}

// DeleteExpired removes checkpoints whose retention expired before now.
func (s *GormStore) DeleteExpired(ctx context.Context, now time.Time) ([]string, error) {
	var deleted []conversationRow
	err := s.db.WithContext(ctx).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "session_id"}}}).
		Where("expires_at < ?", now.UTC()).
		Delete(&deleted).Error
	if err != nil {
		return nil, fmt.Errorf("delete expired conversations: %w", err)
	}
	ids := make([]string, 0, len(deleted))
	for _, row := range deleted {
		ids = append(ids, row.SessionID)
	}
	return ids, nil
}

// Ping verifies database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("sql db: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("sql db: %w", err)
	}
	return sqlDB.Close()
}

var _ Repository = (*GormStore)(nil)
