// Package store provides storage backends for TriagePipe.
//
// Sessions live in a SessionStore (in-memory or Redis) with an idle expiry. Leads are
// upserted into a LeadStore (SQLite or PostgreSQL). Both are selected through Options.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
)

// DefaultSessionTTL is how long an idle conversation is kept before it is discarded.
const DefaultSessionTTL = 24 * time.Hour

// Errors shared by the session store implementations.
var (
	// ErrVersionConflict means the session changed since it was read.
	ErrVersionConflict = errors.New("session version conflict")
	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("store closed")
)

// SessionStore maps a sender id to its in-progress session.
type SessionStore interface {
	// Get returns the session for senderID, or nil when there is none or it expired.
	Get(ctx context.Context, senderID string) (*models.Session, error)
	// Save creates or updates a session. It fails with ErrVersionConflict when the
	// stored version differs from s.Version, and increments s.Version on success.
	Save(ctx context.Context, s *models.Session) error
	// Delete removes the session if its stored version equals version, where zero
	// stands for an absent session. A mismatch fails with ErrVersionConflict, so a
	// decision made on a stale read cannot discard another writer's transition.
	Delete(ctx context.Context, senderID string, version int64) error
	// Close releases resources.
	Close() error
}

// Opts holds configuration for the store constructors.
type Opts struct {
	DSN           string        // lead database DSN (SQLite path or PostgreSQL URL)
	RedisAddr     string        // Redis address; empty selects the in-memory session store
	RedisPassword string        // Redis password
	RedisDB       int           // Redis logical database
	KeyPrefix     string        // Redis key prefix for sessions
	SessionTTL    time.Duration // idle expiry; zero disables expiry
}

// Option configures the store constructors.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database path for the lead store.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string for the lead store.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithRedis selects the Redis session store.
func WithRedis(addr, password string, db int) Option {
	return func(o *Opts) {
		o.RedisAddr = addr
		o.RedisPassword = password
		o.RedisDB = db
	}
}

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *Opts) { o.KeyPrefix = prefix }
}

// WithSessionTTL sets the idle expiry for sessions.
func WithSessionTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.SessionTTL = ttl }
}

func applyOptions(opts []Option) Opts {
	cfg := Opts{KeyPrefix: DefaultKeyPrefix, SessionTTL: DefaultSessionTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// NewSessionStore returns a Redis-backed store when a Redis address is configured,
// and an in-memory store otherwise.
func NewSessionStore(ctx context.Context, opts ...Option) (SessionStore, error) {
	cfg := applyOptions(opts)
	if cfg.RedisAddr != "" {
		return NewRedisSessionStore(ctx, opts...)
	}
	return NewInMemorySessionStore(opts...), nil
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or keyword DSNs, "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") || strings.Contains(dsn, "user=") {
		return "postgres"
	}
	return "sqlite3"
}
