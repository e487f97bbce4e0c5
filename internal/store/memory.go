package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sameersah/talknshop/internal/domain"
)

// MemoryStore is a volatile Repository kept in a process-local map. Stored
// and returned states are cloned so callers cannot mutate internal state.
type MemoryStore struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	state     *domain.State
	expiresAt time.Time
	// clarifiedVersion is the checkpoint version of the last counted question.
	clarifiedVersion int64
}

// NewMemory constructs an empty in-memory store.
func NewMemory(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, entries: make(map[string]*memoryEntry)}
}

// Get retrieves the checkpoint for a session.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*domain.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	return e.state.Clone(), nil
}

// Put writes a full checkpoint.
func (s *MemoryStore) Put(_ context.Context, state *domain.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := state.Clone()
	var clarified int64
	if e, ok := s.entries[state.SessionID]; ok {
		clarified = e.clarifiedVersion
		if e.state.Version > next.Version {
			return fmt.Errorf("%w: session %s version %d", ErrStaleCheckpoint, state.SessionID, state.Version)
		}
		next.ClarificationCount = max(next.ClarificationCount, e.state.ClarificationCount)
	}
	updated := next.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	s.entries[state.SessionID] = &memoryEntry{state: next, expiresAt: expiresAt(updated, s.ttl), clarifiedVersion: clarified}
	return nil
}

// Update applies a partial update to an existing checkpoint.
func (s *MemoryStore) Update(_ context.Context, sessionID string, patch domain.StatePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	now := time.Now()
	patch.Apply(e.state, now)
	e.expiresAt = expiresAt(now, s.ttl)
	return nil
}

// IncrementClarificationCount atomically increments the clarification count.
func (s *MemoryStore) IncrementClarificationCount(_ context.Context, sessionID string, version int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[sessionID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, sessionID)
	}
	if e.clarifiedVersion < version {
		e.state.ClarificationCount++
		e.clarifiedVersion = version
	}
	return e.state.ClarificationCount, nil
}

// Delete removes a checkpoint.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
	return nil
}

// ListByUser returns a user's sessions, most recently updated first.
func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]*domain.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.State
	for _, e := range s.entries {
		if e.state.UserID == userID {
			out = append(out, e.state.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteExpired removes checkpoints whose retention expired before now.
func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, e := range s.entries {
		if e.expiresAt.Before(now) {
			ids = append(ids, id)
			delete(s.entries, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

var _ Repository = (*MemoryStore)(nil)
