// Package flow turns inbound messages into committed transitions and outbound
// messages. It owns per-sender serialization, session commits, follow-up arming
// and lead upserts.
package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/metrics"
	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/store"
)

// Default flow settings.
const (
	// DefaultMaxConflictRetries bounds re-decisions after a version conflict.
	DefaultMaxConflictRetries = 3
	// DefaultSendTimeout bounds a follow-up send fired outside any request.
	DefaultSendTimeout = 15 * time.Second
)

// ErrTooManyConflicts is returned when a transition could not be committed.
var ErrTooManyConflicts = errors.New("session kept changing during commit")

// Sender delivers a text message to a canonical recipient.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// ReplyGenerator produces a free-form reply for the sender's text.
type ReplyGenerator interface {
	Generate(ctx context.Context, senderID, text string) (string, error)
}

// Handler handles a single inbound message.
type Handler interface {
	Handle(ctx context.Context, msg models.InboundMessage) error
}

// EscalationPolicy decides what an inbound message does to a pending follow-up.
type EscalationPolicy string

const (
	// PolicyKeep lets the follow-up fire while the new message starts a new conversation.
	PolicyKeep EscalationPolicy = "keep"
	// PolicyCancel cancels the follow-up before handling the new message.
	PolicyCancel EscalationPolicy = "cancel"
)

// ParseEscalationPolicy parses "keep" or "cancel". Empty means keep.
func ParseEscalationPolicy(s string) (EscalationPolicy, error) {
	switch EscalationPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyKeep:
		return PolicyKeep, nil
	case PolicyCancel:
		return PolicyCancel, nil
	default:
		return "", fmt.Errorf("invalid escalation policy %q: want keep or cancel", s)
	}
}

// Opts holds collaborators shared by the flows.
type Opts struct {
	Leads      store.LeadStore
	Metrics    *metrics.Recorder
	Scheduler  *EscalationScheduler
	Policy     EscalationPolicy
	Fallback   string
	MaxRetries int
	Now        func() time.Time
}

// Option configures a flow.
type Option func(*Opts)

// WithLeadStore sets the store that receives lead upserts.
func WithLeadStore(ls store.LeadStore) Option {
	return func(o *Opts) { o.Leads = ls }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r *metrics.Recorder) Option {
	return func(o *Opts) { o.Metrics = r }
}

// WithScheduler sets the scheduler used for follow-ups.
func WithScheduler(s *EscalationScheduler) Option {
	return func(o *Opts) { o.Scheduler = s }
}

// WithEscalationPolicy sets the pending follow-up policy.
func WithEscalationPolicy(p EscalationPolicy) Option {
	return func(o *Opts) { o.Policy = p }
}

// WithFallback sets the reply used when the reply generator fails.
func WithFallback(text string) Option {
	return func(o *Opts) { o.Fallback = text }
}

// WithMaxConflictRetries bounds re-decisions after a version conflict.
func WithMaxConflictRetries(n int) Option {
	return func(o *Opts) { o.MaxRetries = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

func applyOptions(opts []Option) Opts {
	cfg := Opts{
		Policy:     PolicyKeep,
		MaxRetries: DefaultMaxConflictRetries,
		Now:        time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Leads == nil {
		cfg.Leads = store.NoopLeadStore{}
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	return cfg
}
