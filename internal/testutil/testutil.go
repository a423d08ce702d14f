// Package testutil provides common test utilities and fakes for TriagePipe tests.
package testutil

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/store"
)

// TB is the subset of testing.TB used by the assertion helpers.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// SentMessage is one message captured by RecordingSender.
type SentMessage struct {
	To   string
	Body string
}

// RecordingSender records outbound messages instead of delivering them.
type RecordingSender struct {
	mu   sync.Mutex
	sent []SentMessage
	// Err, when set, is returned by every send after it is recorded.
	Err error
	// notify receives one value per send.
	notify chan SentMessage
}

// NewRecordingSender creates a RecordingSender.
func NewRecordingSender() *RecordingSender {
	return &RecordingSender{notify: make(chan SentMessage, 256)}
}

// SendMessage records the message.
func (s *RecordingSender) SendMessage(ctx context.Context, to string, body string) error {
	m := SentMessage{To: to, Body: body}
	s.mu.Lock()
	s.sent = append(s.sent, m)
	err := s.Err
	s.mu.Unlock()
	select {
	case s.notify <- m:
	default:
	}
	return err
}

// SetErr makes later sends fail with err.
func (s *RecordingSender) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

// Sent returns a copy of all recorded messages.
func (s *RecordingSender) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}

// SentTo returns the bodies sent to one recipient, in order.
func (s *RecordingSender) SentTo(to string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, m := range s.sent {
		if m.To == to {
			out = append(out, m.Body)
		}
	}
	return out
}

// Reset clears the recorded messages.
func (s *RecordingSender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = nil
}

// WaitFor blocks until a message with body is sent to to, or timeout elapses.
func (s *RecordingSender) WaitFor(to, body string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		for _, b := range s.SentTo(to) {
			if b == body {
				return true
			}
		}
		select {
		case <-s.notify:
		case <-deadline:
			return false
		}
	}
}

// RecordingLeadStore keeps upserted leads in memory.
type RecordingLeadStore struct {
	mu    sync.Mutex
	leads map[string]*store.Lead
	calls int
	// Err, when set, is returned by Upsert instead of storing.
	Err error
}

// NewRecordingLeadStore creates a RecordingLeadStore.
func NewRecordingLeadStore() *RecordingLeadStore {
	return &RecordingLeadStore{leads: make(map[string]*store.Lead)}
}

// Upsert stores fields for phone, keeping the stored area when fields.Area is empty.
func (r *RecordingLeadStore) Upsert(ctx context.Context, phone string, fields models.LeadFields) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.Err != nil {
		return r.Err
	}
	now := time.Now()
	l, ok := r.leads[phone]
	if !ok {
		l = &store.Lead{Phone: phone, CreatedAt: now}
		r.leads[phone] = l
	}
	l.LastMessage = fields.LastMessage
	l.LastReply = fields.LastReply
	if fields.Area != "" {
		l.Area = fields.Area
	}
	l.UpdatedAt = now
	return nil
}

// GetLead returns a copy of the lead for phone.
func (r *RecordingLeadStore) GetLead(ctx context.Context, phone string) (*store.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leads[phone]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

// Calls returns how many times Upsert was called.
func (r *RecordingLeadStore) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Close does nothing.
func (r *RecordingLeadStore) Close() error { return nil }

// StubGenerator returns a fixed reply or error.
type StubGenerator struct {
	Reply string
	Err   error
}

// Generate returns the configured reply.
func (g StubGenerator) Generate(ctx context.Context, senderID, text string) (string, error) {
	return g.Reply, g.Err
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}

	return response
}
