// Package store provides storage backends for TriagePipe.
//
// This file implements a PostgreSQL-backed lead store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/TriagePipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 10
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 5
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is a LeadStore backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres lead store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := applyOptions(opts)
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Upsert creates or updates the lead for phone.
func (s *PostgresStore) Upsert(ctx context.Context, phone string, fields models.LeadFields) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leads (phone, last_message, last_reply, area, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (phone) DO UPDATE SET
			last_message = EXCLUDED.last_message,
			last_reply = EXCLUDED.last_reply,
			area = CASE WHEN EXCLUDED.area = '' THEN leads.area ELSE EXCLUDED.area END,
			updated_at = EXCLUDED.updated_at`,
		phone, fields.LastMessage, fields.LastReply, string(fields.Area), now, now)
	if err != nil {
		slog.Error("PostgresStore Upsert failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to upsert lead %s: %w", phone, err)
	}
	slog.Debug("PostgresStore Upsert succeeded", "phone", phone)
	return nil
}

// GetLead returns the lead for phone.
func (s *PostgresStore) GetLead(ctx context.Context, phone string) (*Lead, error) {
	var l Lead
	var area string
	err := s.db.QueryRowContext(ctx,
		`SELECT phone, last_message, last_reply, area, created_at, updated_at FROM leads WHERE phone = $1`, phone).
		Scan(&l.Phone, &l.LastMessage, &l.LastReply, &area, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetLead failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get lead %s: %w", phone, err)
	}
	l.Area = models.Area(area)
	return &l, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}
