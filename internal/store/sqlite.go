// Package store provides storage backends for TriagePipe.
//
// This file implements an SQLite-backed lead store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/TriagePipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is a LeadStore backed by a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite lead store with the given DSN.
// The DSN should be a file path; its directory is created if missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := applyOptions(opts)
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)

	return &SQLiteStore{db: db}, nil
}

// Upsert creates or updates the lead for phone.
func (s *SQLiteStore) Upsert(ctx context.Context, phone string, fields models.LeadFields) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leads (phone, last_message, last_reply, area, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(phone) DO UPDATE SET
			last_message = excluded.last_message,
			last_reply = excluded.last_reply,
			area = CASE WHEN excluded.area = '' THEN leads.area ELSE excluded.area END,
			updated_at = excluded.updated_at`,
		phone, fields.LastMessage, fields.LastReply, string(fields.Area), now, now)
	if err != nil {
		slog.Error("SQLiteStore Upsert failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to upsert lead %s: %w", phone, err)
	}
	slog.Debug("SQLiteStore Upsert succeeded", "phone", phone)
	return nil
}

// GetLead returns the lead for phone.
func (s *SQLiteStore) GetLead(ctx context.Context, phone string) (*Lead, error) {
	var l Lead
	var area string
	err := s.db.QueryRowContext(ctx,
		`SELECT phone, last_message, last_reply, area, created_at, updated_at FROM leads WHERE phone = ?`, phone).
		Scan(&l.Phone, &l.LastMessage, &l.LastReply, &area, &l.CreatedAt, &l.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetLead failed", "error", err, "phone", phone)
		return nil, fmt.Errorf("failed to get lead %s: %w", phone, err)
	}
	l.Area = models.Area(area)
	return &l, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}
