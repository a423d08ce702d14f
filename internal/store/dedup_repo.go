// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultDedupWindow is how long a provider message id is remembered.
// Webhook providers redeliver unacknowledged events within minutes.
const DefaultDedupWindow = 10 * time.Minute

// DedupRepo defines the interface for inbound message deduplication.
type DedupRepo interface {
	// RecordInbound remembers messageID. It returns false if the id was already
	// recorded within the dedup window.
	RecordInbound(ctx context.Context, messageID, senderID string) (bool, error)
}

// InMemoryDedup remembers message ids in a map with a fixed window.
type InMemoryDedup struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

// NewInMemoryDedup creates a dedup repo with the given window.
func NewInMemoryDedup(window time.Duration) *InMemoryDedup {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &InMemoryDedup{seen: make(map[string]time.Time), window: window, now: time.Now}
}

// RecordInbound records messageID and prunes ids older than the window.
func (d *InMemoryDedup) RecordInbound(ctx context.Context, messageID, senderID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for id, at := range d.seen {
		if now.Sub(at) > d.window {
			delete(d.seen, id)
		}
	}
	if _, ok := d.seen[messageID]; ok {
		return false, nil
	}
	d.seen[messageID] = now
	return true, nil
}

// Compile-time check that RedisSessionStore implements DedupRepo.
var _ DedupRepo = (*RedisSessionStore)(nil)

// RecordInbound uses SET NX with the dedup window as expiry, so every process
// sharing the Redis instance sees the same ids.
func (r *RedisSessionStore) RecordInbound(ctx context.Context, messageID, senderID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.cfg.KeyPrefix+"dedup:"+messageID, senderID, DefaultDedupWindow).Result()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return ok, nil
}
