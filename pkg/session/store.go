package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store maps logical session ids to sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *zap.Logger
}

// NewStore creates an empty store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{sessions: make(map[string]*Session), logger: logger}
}

// GetOrCreate returns the session for id, creating it on first use.
func (st *Store) GetOrCreate(id string) *Session {
	st.mu.RLock()
	if s, ok := st.sessions[id]; ok {
		s.touch()
		st.mu.RUnlock()
		return s
	}
	st.mu.RUnlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	// Double-check after acquiring write lock
	if s, ok := st.sessions[id]; ok {
		s.touch()
		return s
	}
	s := New(id, st.logger)
	st.sessions[id] = s
	return s
}

// Delete forgets a session.
func (st *Store) Delete(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// StartCleanup evicts sessions idle for longer than maxIdle every interval.
// The goroutine runs until ctx is cancelled.
func (st *Store) StartCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				st.logger.Debug("session cleanup stopping")
				return
			case <-ticker.C:
				st.Evict(maxIdle)
			}
		}
	}()
}

// Evict removes sessions idle for longer than maxIdle and returns how many
// were removed. A session held by an interaction is never evicted.
func (st *Store) Evict(maxIdle time.Duration) int {
	st.mu.Lock()
	defer st.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	evicted := 0
	for id, s := range st.sessions {
		if s.LastUsed().After(cutoff) {
			continue
		}
		if !s.mu.TryLock() {
			continue
		}
		s.mu.Unlock()
		delete(st.sessions, id)
		evicted++
	}

	if evicted > 0 {
		st.logger.Info("evicted idle sessions", zap.Int("evicted", evicted), zap.Int("remaining", len(st.sessions)))
	}
	return evicted
}
