package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces session keys in Redis.
const DefaultKeyPrefix = "triagepipe:session:"

// RedisSessionStore persists sessions as JSON values with a sliding TTL.
// Saves and deletes use WATCH/MULTI so concurrent writers from other processes cannot
// silently overwrite each other.
type RedisSessionStore struct {
	client *redis.Client
	cfg    Opts
}

// NewRedisSessionStore connects to Redis and verifies the connection with PING.
func NewRedisSessionStore(ctx context.Context, opts ...Option) (*RedisSessionStore, error) {
	cfg := applyOptions(opts)
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("redis address not set")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		slog.Error("RedisSessionStore ping failed", "error", err, "addr", cfg.RedisAddr)
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Info("RedisSessionStore connected", "addr", cfg.RedisAddr, "db", cfg.RedisDB, "ttl", cfg.SessionTTL)
	return &RedisSessionStore{client: client, cfg: cfg}, nil
}

// NewRedisSessionStoreWithClient wraps an existing client (tests).
func NewRedisSessionStoreWithClient(client *redis.Client, opts ...Option) *RedisSessionStore {
	return &RedisSessionStore{client: client, cfg: applyOptions(opts)}
}

func (r *RedisSessionStore) key(senderID string) string {
	return r.cfg.KeyPrefix + senderID
}

// Get loads the session for senderID.
func (r *RedisSessionStore) Get(ctx context.Context, senderID string) (*models.Session, error) {
	data, err := r.client.Get(ctx, r.key(senderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		slog.Error("RedisSessionStore Get failed", "error", err, "sender", senderID)
		return nil, fmt.Errorf("failed to get session for %s: %w", senderID, err)
	}
	sess, err := models.SessionFromJSON(data)
	if err != nil {
		slog.Error("RedisSessionStore Get decode failed", "error", err, "sender", senderID)
		return nil, err
	}
	return sess, nil
}

// Save writes sess if the stored version still matches and refreshes the TTL.
func (r *RedisSessionStore) Save(ctx context.Context, sess *models.Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	key := r.key(sess.SenderID)

	txf := func(tx *redis.Tx) error {
		current, err := storedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != sess.Version {
			return ErrVersionConflict
		}

		next := sess.Clone()
		next.Version++
		payload, err := next.ToJSON()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, r.cfg.SessionTTL)
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		err = ErrVersionConflict
	}
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			slog.Warn("RedisSessionStore Save version conflict", "sender", sess.SenderID, "version", sess.Version)
			return err
		}
		slog.Error("RedisSessionStore Save failed", "error", err, "sender", sess.SenderID)
		return fmt.Errorf("failed to save session for %s: %w", sess.SenderID, err)
	}
	sess.Version++
	slog.Debug("RedisSessionStore Save succeeded", "sender", sess.SenderID, "step", sess.Step, "version", sess.Version)
	return nil
}

// Delete removes the session key if the stored version still equals version.
func (r *RedisSessionStore) Delete(ctx context.Context, senderID string, version int64) error {
	key := r.key(senderID)

	txf := func(tx *redis.Tx) error {
		current, err := storedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != version {
			return ErrVersionConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}

	err := r.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		err = ErrVersionConflict
	}
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			slog.Warn("RedisSessionStore Delete version conflict", "sender", senderID, "version", version)
			return err
		}
		slog.Error("RedisSessionStore Delete failed", "error", err, "sender", senderID)
		return fmt.Errorf("failed to delete session for %s: %w", senderID, err)
	}
	slog.Debug("RedisSessionStore Delete succeeded", "sender", senderID)
	return nil
}

// storedVersion reads the version under WATCH; a missing key is version zero.
func storedVersion(ctx context.Context, tx *redis.Tx, key string) (int64, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	stored, err := models.SessionFromJSON(data)
	if err != nil {
		return 0, err
	}
	return stored.Version, nil
}

// Close closes the Redis client.
func (r *RedisSessionStore) Close() error {
	return r.client.Close()
}
