package flow

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/metrics"
	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/google/uuid"
)

// ErrSchedulerStopped is returned by Arm after Stop.
var ErrSchedulerStopped = errors.New("escalation scheduler stopped")

// escalationEntry tracks a follow-up armed for one sender.
type escalationEntry struct {
	id          string
	timer       *time.Timer
	scheduledAt time.Time
	expiresAt   time.Time
}

// EscalationScheduler runs at most one delayed task per sender.
type EscalationScheduler struct {
	mu      sync.Mutex
	entries map[string]*escalationEntry
	stopped bool
	metrics *metrics.Recorder
}

// NewEscalationScheduler creates an EscalationScheduler. rec may be nil.
func NewEscalationScheduler(rec *metrics.Recorder) *EscalationScheduler {
	slog.Debug("Creating EscalationScheduler")
	return &EscalationScheduler{
		entries: make(map[string]*escalationEntry),
		metrics: rec,
	}
}

// Arm schedules fn to run once after delay, replacing any task pending for senderID.
// fn runs on its own goroutine and is skipped if the task is cancelled or replaced
// before it starts.
func (s *EscalationScheduler) Arm(senderID string, delay time.Duration, fn func()) (string, error) {
	id := uuid.NewString()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		slog.Warn("EscalationScheduler Arm after stop", "sender", senderID)
		return "", ErrSchedulerStopped
	}
	if prev, ok := s.entries[senderID]; ok {
		prev.timer.Stop()
		slog.Debug("EscalationScheduler replaced pending task", "sender", senderID, "previous", prev.id)
	}

	entry := &escalationEntry{
		id:          id,
		scheduledAt: now,
		expiresAt:   now.Add(delay),
	}
	entry.timer = time.AfterFunc(delay, func() {
		if !s.claim(senderID, id) {
			slog.Debug("EscalationScheduler skipping stale task", "sender", senderID, "id", id)
			return
		}
		slog.Debug("EscalationScheduler firing", "sender", senderID, "id", id)
		s.metrics.Escalation("fired")
		fn()
	})
	s.entries[senderID] = entry
	s.metrics.Escalation("armed")
	s.metrics.SetPending(len(s.entries))

	slog.Debug("EscalationScheduler Arm succeeded", "sender", senderID, "id", id, "delay", delay)
	return id, nil
}

// claim removes the entry if it is still the task identified by id.
func (s *EscalationScheduler) claim(senderID, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[senderID]
	if !ok || entry.id != id {
		return false
	}
	delete(s.entries, senderID)
	s.metrics.SetPending(len(s.entries))
	return true
}

// Cancel stops the task pending for senderID. It reports whether one was pending.
func (s *EscalationScheduler) Cancel(senderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[senderID]
	if !ok {
		return false
	}
	entry.timer.Stop()
	delete(s.entries, senderID)
	s.metrics.Escalation("cancelled")
	s.metrics.SetPending(len(s.entries))
	slog.Debug("EscalationScheduler Cancel succeeded", "sender", senderID, "id", entry.id)
	return true
}

// Pending reports whether a task is armed for senderID.
func (s *EscalationScheduler) Pending(senderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[senderID]
	return ok
}

// ListActive returns the armed tasks ordered by expiry.
func (s *EscalationScheduler) ListActive() []models.EscalationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	result := make([]models.EscalationInfo, 0, len(s.entries))
	for sender, entry := range s.entries {
		remaining := entry.expiresAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		result = append(result, models.EscalationInfo{
			ID:          entry.id,
			SenderID:    sender,
			ScheduledAt: entry.scheduledAt,
			ExpiresAt:   entry.expiresAt,
			Remaining:   remaining.Round(time.Millisecond).String(),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ExpiresAt.Before(result[j].ExpiresAt) })
	return result
}

// Stop cancels every pending task. Later calls to Arm fail.
func (s *EscalationScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	slog.Debug("EscalationScheduler stopping all tasks", "count", len(s.entries))
	for sender, entry := range s.entries {
		entry.timer.Stop()
		slog.Debug("EscalationScheduler dropped task", "sender", sender, "id", entry.id)
	}
	s.entries = make(map[string]*escalationEntry)
	s.stopped = true
	s.metrics.SetPending(0)
	slog.Info("EscalationScheduler stopped")
}
