// Package messaging connects TriagePipe to WhatsApp transports and feeds inbound
// text messages to the dialogue flow.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
)

// Constants for messaging service configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for inbound channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
	// MinPhoneDigits is the shortest accepted canonical phone number
	MinPhoneDigits = 6
)

// ErrServiceStopped is returned when sending through a stopped service.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service defines a pluggable message delivery abstraction.
// It supports sending messages and provides a channel of inbound text messages.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Returns the canonicalized recipient and an error if validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., listening for events).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Responses returns a channel of inbound text messages.
	Responses() <-chan models.InboundMessage
}

// canonicalPhone removes all non-numeric characters and requires at least
// MinPhoneDigits digits.
func canonicalPhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinPhoneDigits)
	}
	return canonical, nil
}

// inbox is the inbound channel shared by the transports. Emitters hold the read
// lock while sending so close never races a send.
type inbox struct {
	name      string
	mu        sync.RWMutex
	responses chan models.InboundMessage
	stopped   bool
}

func newInbox(name string) *inbox {
	return &inbox{
		name:      name,
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
}

// emit pushes msg, dropping it if the service is stopped or the channel stays full.
func (b *inbox) emit(msg models.InboundMessage) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		slog.Warn(b.name+" dropping inbound message (service stopped)", "from", msg.From)
		return false
	}
	select {
	case b.responses <- msg:
		slog.Debug(b.name+" emitted inbound message", "from", msg.From, "id", msg.ID)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(b.name+" responses channel blocked, dropping message", "from", msg.From, "timeout", DefaultChannelTimeout)
		return false
	}
}

func (b *inbox) isStopped() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stopped
}

// close marks the inbox stopped and closes the channel. It reports false if
// it was already closed.
func (b *inbox) close() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return false
	}
	b.stopped = true
	close(b.responses)
	return true
}
