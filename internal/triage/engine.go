// Package triage implements the law-office intake dialogue: input normalization,
// the step transition table and the message catalog.
//
// Everything here is pure. Storage, delivery and timers live in the flow package.
package triage

import (
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
)

// DefaultEscalationDelay is how long after call permission the "call did not connect"
// follow-up is sent.
const DefaultEscalationDelay = 30 * time.Second

// FollowUp is a message to send to the sender after a delay.
type FollowUp struct {
	Delay   time.Duration
	Message string
}

// Transition is the outcome of one inbound message.
type Transition struct {
	// From is the step the session was in; empty for a new sender.
	From models.Step
	// Input is the normalized reading of the message.
	Input Input
	// Next is the updated session, or nil when the conversation ended and the
	// session must be deleted.
	Next *models.Session
	// Messages are sent in order.
	Messages []string
	// FollowUp, when set, is armed after the transition is committed.
	FollowUp *FollowUp
}

// Terminal reports whether the transition ends the conversation.
func (t Transition) Terminal() bool {
	return t.Next == nil
}

// To returns the next step name, or "end" for terminal transitions.
func (t Transition) To() string {
	if t.Next == nil {
		return "end"
	}
	return string(t.Next.Step)
}

// Engine computes transitions. It holds no per-sender state.
type Engine struct {
	catalog         Catalog
	normalizer      *Normalizer
	hours           BusinessHours
	escalationDelay time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithCatalog replaces the default message catalog.
func WithCatalog(c Catalog) Option {
	return func(e *Engine) { e.catalog = c }
}

// WithNormalizer replaces the default normalizer.
func WithNormalizer(n *Normalizer) Option {
	return func(e *Engine) { e.normalizer = n }
}

// WithBusinessHours sets the office hours used by the data collection steps.
func WithBusinessHours(h BusinessHours) Option {
	return func(e *Engine) { e.hours = h }
}

// WithEscalationDelay sets the call follow-up delay.
func WithEscalationDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.escalationDelay = d
		}
	}
}

// NewEngine creates an engine with the default vocabulary, catalog and office hours.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		catalog:         DefaultCatalog(),
		normalizer:      NewDefaultNormalizer(),
		hours:           DefaultBusinessHours(),
		escalationDelay: DefaultEscalationDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Catalog returns the messages used by the engine.
func (e *Engine) Catalog() Catalog {
	return e.catalog
}

// Decide normalizes raw for the session's step and computes the transition.
// session may be nil for a sender without a conversation; it is never mutated.
func (e *Engine) Decide(senderID string, session *models.Session, raw string, now time.Time) Transition {
	var step models.Step
	if session != nil {
		step = session.Step
	}
	return e.Apply(senderID, session, e.normalizer.Normalize(step, raw), now)
}

// Apply computes the transition for an already normalized input.
func (e *Engine) Apply(senderID string, session *models.Session, in Input, now time.Time) Transition {
	if session == nil {
		next := models.NewSession(senderID, now)
		return Transition{
			Input:    in,
			Next:     next,
			Messages: []string{e.catalog.Greeting, e.catalog.AreaMenu},
		}
	}

	t := Transition{From: session.Step, Input: in}
	next := session.Clone()
	next.UpdatedAt = now

	advance := func(step models.Step, msg string) {
		next.Step = step
		t.Next = next
		t.Messages = []string{msg}
	}
	end := func(msgs ...string) {
		t.Next = nil
		t.Messages = msgs
	}

	switch session.Step {
	case models.StepArea:
		next.Area = in.Area
		if next.Area == "" {
			next.Area = models.AreaOther
		}
		if next.Area == models.AreaCriminal {
			advance(models.StepPrisonStatus, e.catalog.PrisonStatus)
		} else {
			advance(models.StepHasLawyer, e.catalog.HasLawyer)
		}

	case models.StepPrisonStatus:
		if in.Token == TokenToday {
			next.PrisonStatus = models.PrisonStatusArrestedToday
			advance(models.StepCustody, e.catalog.Custody)
		} else {
			next.PrisonStatus = models.PrisonStatusAlreadyInCustody
			advance(models.StepHasLawyer, e.catalog.HasLawyer)
		}

	case models.StepCustody:
		if in.Token == TokenNegative {
			advance(models.StepCallPermission, e.catalog.CallPermission)
		} else {
			advance(models.StepHasLawyer, e.catalog.HasLawyer)
		}

	case models.StepCallPermission:
		end()
		if in.Token == TokenAffirmative {
			t.FollowUp = &FollowUp{Delay: e.escalationDelay, Message: e.catalog.CallFailed}
		}

	case models.StepHasLawyer:
		if in.Token == TokenNegative {
			advance(models.StepLeadData, e.catalog.LeadData)
		} else {
			advance(models.StepLawyerSwitch, e.catalog.LawyerSwitch)
		}

	case models.StepLawyerSwitch:
		if in.Token == TokenSwitch {
			advance(models.StepProcessData, e.catalog.ProcessData)
		} else {
			end(e.catalog.Conflict)
		}

	case models.StepLeadData, models.StepProcessData:
		if e.hours.Contains(now) {
			end(e.catalog.BusinessHours)
		} else {
			end(e.catalog.AfterHours)
		}

	default:
		// A corrupted step restarts the conversation rather than trapping the sender.
		return e.Apply(senderID, nil, in, now)
	}

	return t
}
