package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
)

// InMemorySessionStore keeps sessions in a map guarded by a RWMutex.
// Expired sessions are invisible to Get and are removed by Sweep.
type InMemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	ttl      time.Duration
	now      func() time.Time
	closed   bool
}

// NewInMemorySessionStore creates an in-memory session store.
func NewInMemorySessionStore(opts ...Option) *InMemorySessionStore {
	cfg := applyOptions(opts)
	slog.Debug("Creating InMemorySessionStore", "ttl", cfg.SessionTTL)
	return &InMemorySessionStore{
		sessions: make(map[string]*models.Session),
		ttl:      cfg.SessionTTL,
		now:      time.Now,
	}
}

// SetClock overrides the time source (tests).
func (s *InMemorySessionStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *InMemorySessionStore) expired(sess *models.Session, now time.Time) bool {
	return s.ttl > 0 && now.Sub(sess.UpdatedAt) > s.ttl
}

// Get returns a copy of the stored session.
func (s *InMemorySessionStore) Get(ctx context.Context, senderID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	sess, ok := s.sessions[senderID]
	if !ok || s.expired(sess, s.now()) {
		return nil, nil
	}
	return sess.Clone(), nil
}

// Save stores a copy of sess if its version matches the stored one.
func (s *InMemorySessionStore) Save(ctx context.Context, sess *models.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if current := s.currentVersion(sess.SenderID); current != sess.Version {
		slog.Warn("InMemorySessionStore Save version conflict", "sender", sess.SenderID, "stored", current, "given", sess.Version)
		return ErrVersionConflict
	}

	sess.Version++
	s.sessions[sess.SenderID] = sess.Clone()
	slog.Debug("InMemorySessionStore Save succeeded", "sender", sess.SenderID, "step", sess.Step, "version", sess.Version)
	return nil
}

// Delete removes the session for senderID if it is still at version.
func (s *InMemorySessionStore) Delete(ctx context.Context, senderID string, version int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	if current := s.currentVersion(senderID); current != version {
		slog.Warn("InMemorySessionStore Delete version conflict", "sender", senderID, "stored", current, "given", version)
		return ErrVersionConflict
	}
	delete(s.sessions, senderID)
	slog.Debug("InMemorySessionStore Delete succeeded", "sender", senderID)
	return nil
}

// currentVersion returns the stored version, or zero when the session is absent
// or expired. Callers hold s.mu.
func (s *InMemorySessionStore) currentVersion(senderID string) int64 {
	if existing, ok := s.sessions[senderID]; ok && !s.expired(existing, s.now()) {
		return existing.Version
	}
	return 0
}

// Len returns the number of stored sessions, including expired ones not yet swept.
func (s *InMemorySessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep removes expired sessions and returns how many were removed.
func (s *InMemorySessionStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for id, sess := range s.sessions {
		if s.expired(sess, now) {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		slog.Info("InMemorySessionStore swept idle sessions", "removed", removed, "remaining", len(s.sessions))
	}
	return removed
}

// StartJanitor sweeps expired sessions every interval until ctx is done.
func (s *InMemorySessionStore) StartJanitor(ctx context.Context, interval time.Duration) {
	if s.ttl <= 0 || interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Close drops all sessions.
func (s *InMemorySessionStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.sessions = make(map[string]*models.Session)
	return nil
}
