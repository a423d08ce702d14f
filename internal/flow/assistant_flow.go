package flow

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/TriagePipe/internal/metrics"
	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/triage"
)

// AssistantFlow answers every message with a generated reply.
type AssistantFlow struct {
	generator ReplyGenerator
	sender    Sender
	cfg       Opts
	locks     *keyLocks
}

// NewAssistantFlow creates an AssistantFlow. generator may be nil, in which case
// every reply is the fallback. Without WithFallback the default catalog's text is used.
func NewAssistantFlow(generator ReplyGenerator, sender Sender, opts ...Option) *AssistantFlow {
	cfg := applyOptions(opts)
	if cfg.Fallback == "" {
		cfg.Fallback = triage.DefaultCatalog().Fallback
	}
	slog.Debug("Creating AssistantFlow", "generator_set", generator != nil)
	return &AssistantFlow{
		generator: generator,
		sender:    sender,
		cfg:       cfg,
		locks:     newKeyLocks(),
	}
}

// Handle generates a reply, sends it and records the exchange as a lead.
func (f *AssistantFlow) Handle(ctx context.Context, msg models.InboundMessage) error {
	if err := msg.Validate(); err != nil {
		slog.Warn("AssistantFlow.Handle rejected message", "error", err, "from", msg.From)
		return err
	}
	unlock := f.locks.Lock(msg.From)
	defer unlock()

	reply := f.reply(ctx, msg)

	err := f.sender.SendMessage(ctx, msg.From, reply)
	f.cfg.Metrics.Send(err)
	if err != nil {
		slog.Error("AssistantFlow send failed", "error", err, "to", msg.From)
	}

	err = f.cfg.Leads.Upsert(ctx, msg.From, models.LeadFields{LastMessage: msg.Body, LastReply: reply})
	f.cfg.Metrics.LeadUpsert(err)
	if err != nil {
		slog.Error("AssistantFlow lead upsert failed", "error", err, "phone", msg.From)
	}
	return nil
}

func (f *AssistantFlow) reply(ctx context.Context, msg models.InboundMessage) string {
	if f.generator == nil {
		f.cfg.Metrics.Reply("fallback")
		return f.cfg.Fallback
	}
	text, err := f.generator.Generate(ctx, msg.From, msg.Body)
	if err != nil {
		f.cfg.Metrics.Reply(metrics.ResultError)
		slog.Error("AssistantFlow reply generation failed, using fallback", "error", err, "from", msg.From)
		return f.cfg.Fallback
	}
	text = strings.TrimSpace(text)
	if text == "" {
		f.cfg.Metrics.Reply("fallback")
		slog.Warn("AssistantFlow empty generated reply, using fallback", "from", msg.From)
		return f.cfg.Fallback
	}
	f.cfg.Metrics.Reply(metrics.ResultOK)
	return text
}
