package models

import "time"

// EscalationInfo describes an armed follow-up.
type EscalationInfo struct {
	ID          string    `json:"id"`
	SenderID    string    `json:"sender_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Remaining   string    `json:"remaining"`
}
