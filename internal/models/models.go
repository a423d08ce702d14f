// Package models defines the core data structures for TriagePipe.
//
// It includes inbound message events, lead fields and the JSON envelope used by the API.
package models

import "errors"

// Validation constants for inbound messages
const (
	// MaxInboundBodyLength bounds the text accepted from a single inbound message
	MaxInboundBodyLength = 4096
)

// Error variables for inbound message validation
var (
	ErrEmptySender = errors.New("sender cannot be empty")
	ErrEmptyBody   = errors.New("message body cannot be empty")
	ErrBodyTooLong = errors.New("message body exceeds maximum length")
)

// InboundMessage is a single text message received from a sender.
type InboundMessage struct {
	ID   string `json:"id,omitempty"` // provider message id, used for dedup
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}

// Validate checks that the message carries a sender and usable text.
func (m InboundMessage) Validate() error {
	if m.From == "" {
		return ErrEmptySender
	}
	if m.Body == "" {
		return ErrEmptyBody
	}
	if len(m.Body) > MaxInboundBodyLength {
		return ErrBodyTooLong
	}
	return nil
}

// LeadFields are the CRM fields upserted after each handled message.
type LeadFields struct {
	LastMessage string `json:"last_message"`
	LastReply   string `json:"last_reply"`
	Area        Area   `json:"area,omitempty"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
