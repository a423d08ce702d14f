// Package models defines session state structures for the triage dialogue.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Step is the current node of the triage dialogue for a session.
// The opening state has no Step: it is represented by the absence of a session.
type Step string

const (
	StepArea           Step = "area"
	StepPrisonStatus   Step = "prison_status"
	StepCustody        Step = "custody"
	StepCallPermission Step = "call_permission"
	StepHasLawyer      Step = "has_lawyer"
	StepLawyerSwitch   Step = "lawyer_switch"
	StepLeadData       Step = "lead_data"
	StepProcessData    Step = "process_data"
)

// AllSteps lists every valid step in dialogue order.
var AllSteps = []Step{
	StepArea,
	StepPrisonStatus,
	StepCustody,
	StepCallPermission,
	StepHasLawyer,
	StepLawyerSwitch,
	StepLeadData,
	StepProcessData,
}

// IsValid reports whether s is a member of the step enum.
func (s Step) IsValid() bool {
	for _, step := range AllSteps {
		if s == step {
			return true
		}
	}
	return false
}

// Area is the practice area selected by the sender.
type Area string

const (
	AreaCriminal Area = "criminal"
	AreaFamily   Area = "family"
	AreaCivil    Area = "civil"
	AreaLabor    Area = "labor"
	AreaOther    Area = "other"
)

// IsValid reports whether a is a known practice area.
func (a Area) IsValid() bool {
	switch a {
	case AreaCriminal, AreaFamily, AreaCivil, AreaLabor, AreaOther:
		return true
	default:
		return false
	}
}

// PrisonStatus records when the person was taken into custody (criminal branch only).
type PrisonStatus string

const (
	PrisonStatusArrestedToday    PrisonStatus = "arrested_today"
	PrisonStatusAlreadyInCustody PrisonStatus = "already_in_custody"
)

// Errors returned by Session.Validate.
var (
	ErrEmptySenderID      = errors.New("session sender id cannot be empty")
	ErrInvalidStep        = errors.New("invalid session step")
	ErrInvalidArea        = errors.New("invalid practice area")
	ErrInvalidPrisonState = errors.New("prison status is only valid for criminal cases")
)

// Session is the per-sender conversational state record.
type Session struct {
	SenderID     string       `json:"sender_id"`
	Step         Step         `json:"step"`
	Area         Area         `json:"area,omitempty"`
	PrisonStatus PrisonStatus `json:"prison_status,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
	// Version is bumped by the store on every successful save.
	Version int64 `json:"version"`
}

// NewSession creates a session for a sender that just opened a conversation.
func NewSession(senderID string, now time.Time) *Session {
	return &Session{
		SenderID:  senderID,
		Step:      StepArea,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a copy of the session that can be mutated independently.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// Validate checks the session invariants.
func (s *Session) Validate() error {
	if s.SenderID == "" {
		return ErrEmptySenderID
	}
	if !s.Step.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStep, s.Step)
	}
	if s.Area != "" && !s.Area.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidArea, s.Area)
	}
	if s.PrisonStatus != "" && s.Area != AreaCriminal {
		return ErrInvalidPrisonState
	}
	return nil
}

// ToJSON serializes the session for key-value backends.
func (s *Session) ToJSON() ([]byte, error) {
	return json.Marshal(s)
}

// SessionFromJSON parses a session serialized with ToJSON.
func SessionFromJSON(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}
	return &s, nil
}
