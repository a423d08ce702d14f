package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/store"
	"github.com/BTreeMap/TriagePipe/internal/triage"
)

// TriageFlow drives the scripted intake dialogue for every sender.
type TriageFlow struct {
	engine   *triage.Engine
	sessions store.SessionStore
	sender   Sender
	cfg      Opts
	locks    *keyLocks
}

// NewTriageFlow creates a TriageFlow. Without WithScheduler a private scheduler is used.
func NewTriageFlow(engine *triage.Engine, sessions store.SessionStore, sender Sender, opts ...Option) *TriageFlow {
	cfg := applyOptions(opts)
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewEscalationScheduler(cfg.Metrics)
	}
	slog.Debug("Creating TriageFlow", "policy", cfg.Policy, "maxRetries", cfg.MaxRetries)
	return &TriageFlow{
		engine:   engine,
		sessions: sessions,
		sender:   sender,
		cfg:      cfg,
		locks:    newKeyLocks(),
	}
}

// Scheduler returns the scheduler that holds this flow's follow-ups.
func (f *TriageFlow) Scheduler() *EscalationScheduler {
	return f.cfg.Scheduler
}

// Handle runs one inbound message through the dialogue. Work for the same sender
// is linearized: the transition is committed to the session store before any
// message is sent, and sends never undo a committed transition.
func (f *TriageFlow) Handle(ctx context.Context, msg models.InboundMessage) error {
	if err := msg.Validate(); err != nil {
		slog.Warn("TriageFlow.Handle rejected message", "error", err, "from", msg.From)
		return err
	}
	unlock := f.locks.Lock(msg.From)
	defer unlock()

	if f.cfg.Policy == PolicyCancel && f.cfg.Scheduler.Cancel(msg.From) {
		slog.Info("TriageFlow.Handle cancelled pending follow-up", "from", msg.From)
	}

	prev, t, err := f.commit(ctx, msg)
	if err != nil {
		return err
	}
	from := "none"
	if t.From != "" {
		from = string(t.From)
	}
	f.cfg.Metrics.Transition(from, t.To())
	slog.Info("TriageFlow.Handle transition", "from", msg.From, "step", from, "next", t.To(), "token", t.Input.Token)

	for _, body := range t.Messages {
		f.send(ctx, msg.From, body)
	}

	if t.FollowUp != nil {
		f.arm(msg.From, *t.FollowUp)
	}

	var area models.Area
	switch {
	case t.Next != nil:
		area = t.Next.Area
	case prev != nil:
		area = prev.Area
	}
	f.upsertLead(ctx, msg.From, models.LeadFields{
		LastMessage: msg.Body,
		LastReply:   strings.Join(t.Messages, "\n"),
		Area:        area,
	})
	return nil
}

// commit loads the session, decides and writes the outcome, re-deciding when
// another writer changed the session in between.
func (f *TriageFlow) commit(ctx context.Context, msg models.InboundMessage) (*models.Session, triage.Transition, error) {
	for attempt := 1; ; attempt++ {
		sess, err := f.sessions.Get(ctx, msg.From)
		if err != nil {
			f.cfg.Metrics.StoreError("get")
			slog.Error("TriageFlow.commit failed to load session", "error", err, "from", msg.From)
			return nil, triage.Transition{}, fmt.Errorf("failed to load session: %w", err)
		}

		t := f.engine.Decide(msg.From, sess, msg.Body, f.cfg.Now())

		if t.Terminal() {
			var version int64
			if sess != nil {
				version = sess.Version
			}
			err = f.sessions.Delete(ctx, msg.From, version)
		} else {
			err = f.sessions.Save(ctx, t.Next)
		}
		if err == nil {
			return sess, t, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			op := "save"
			if t.Terminal() {
				op = "delete"
			}
			f.cfg.Metrics.StoreError(op)
			slog.Error("TriageFlow.commit failed to write session", "error", err, "from", msg.From, "op", op)
			return nil, triage.Transition{}, fmt.Errorf("failed to %s session: %w", op, err)
		}

		f.cfg.Metrics.VersionConflict()
		if attempt >= f.cfg.MaxRetries {
			slog.Error("TriageFlow.commit giving up after version conflicts", "from", msg.From, "attempts", attempt)
			return nil, triage.Transition{}, ErrTooManyConflicts
		}
		slog.Warn("TriageFlow.commit version conflict, deciding again", "from", msg.From, "attempt", attempt)
	}
}

func (f *TriageFlow) send(ctx context.Context, to, body string) {
	err := f.sender.SendMessage(ctx, to, body)
	f.cfg.Metrics.Send(err)
	if err != nil {
		slog.Error("TriageFlow send failed", "error", err, "to", to)
	}
}

// arm schedules the follow-up. The task only sends; it never touches the session,
// so a conversation started after arming is left alone.
func (f *TriageFlow) arm(to string, fu triage.FollowUp) {
	_, err := f.cfg.Scheduler.Arm(to, fu.Delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultSendTimeout)
		defer cancel()
		err := f.sender.SendMessage(ctx, to, fu.Message)
		f.cfg.Metrics.Send(err)
		if err != nil {
			f.cfg.Metrics.Escalation("failed")
			slog.Error("TriageFlow follow-up send failed", "error", err, "to", to)
			return
		}
		slog.Info("TriageFlow follow-up sent", "to", to)
	})
	if err != nil {
		slog.Error("TriageFlow failed to arm follow-up", "error", err, "to", to)
		return
	}
	slog.Debug("TriageFlow armed follow-up", "to", to, "delay", fu.Delay)
}

func (f *TriageFlow) upsertLead(ctx context.Context, phone string, fields models.LeadFields) {
	err := f.cfg.Leads.Upsert(ctx, phone, fields)
	f.cfg.Metrics.LeadUpsert(err)
	if err != nil {
		slog.Error("TriageFlow lead upsert failed", "error", err, "phone", phone)
	}
}
