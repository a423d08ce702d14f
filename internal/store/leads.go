package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
)

// Lead is a CRM record for a sender.
type Lead struct {
	Phone       string      `json:"phone"`
	LastMessage string      `json:"last_message"`
	LastReply   string      `json:"last_reply"`
	Area        models.Area `json:"area,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// LeadStore records the latest exchange with each sender.
type LeadStore interface {
	// Upsert creates or updates the lead for phone. An empty Area keeps the stored one.
	Upsert(ctx context.Context, phone string, fields models.LeadFields) error
	// GetLead returns the lead for phone, or nil when none exists.
	GetLead(ctx context.Context, phone string) (*Lead, error)
	Close() error
}

// NoopLeadStore is used when no lead database is configured.
type NoopLeadStore struct{}

// Upsert does nothing.
func (NoopLeadStore) Upsert(ctx context.Context, phone string, fields models.LeadFields) error {
	return nil
}

// GetLead always reports no lead.
func (NoopLeadStore) GetLead(ctx context.Context, phone string) (*Lead, error) {
	return nil, nil
}

// Close does nothing.
func (NoopLeadStore) Close() error { return nil }

// NewLeadStore opens the lead database named by the DSN option. Without a DSN the
// returned store is a no-op.
func NewLeadStore(opts ...Option) (LeadStore, error) {
	cfg := applyOptions(opts)
	if cfg.DSN == "" {
		slog.Debug("No lead database DSN provided, lead upserts are disabled")
		return NoopLeadStore{}, nil
	}
	if DetectDSNType(cfg.DSN) == "postgres" {
		return NewPostgresStore(opts...)
	}
	return NewSQLiteStore(opts...)
}
