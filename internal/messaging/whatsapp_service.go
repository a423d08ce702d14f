package messaging

import (
	"context"
	"log/slog"
	"strings"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the whatsmeow-based linked device client.
type WhatsAppService struct {
	*inbox
	client   whatsapp.Sender
	waClient *whatsapp.Client // access to underlying client for event handling
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{
		inbox:  newInbox("WhatsAppService"),
		client: client,
	}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

// ValidateAndCanonicalizeRecipient strips everything but digits from the recipient.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

// Start registers the whatsmeow event handler.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService no full client available, skipping event handling (likely mock)")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Disconnected:
			slog.Warn("WhatsAppService disconnected from WhatsApp")
		default:
			// Receipts, presence and history sync are not used.
		}
	})
	slog.Info("WhatsAppService event handler registered")
	return nil
}

// Stop disconnects the client and closes the inbound channel.
func (s *WhatsAppService) Stop() error {
	slog.Info("WhatsAppService Stop invoked")
	if s.close() && s.waClient != nil && s.waClient.GetClient() != nil {
		s.waClient.GetClient().Disconnect()
	}
	return nil
}

// SendMessage sends a text message.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService SendMessage validation error", "error", err, "to", to)
		return err
	}
	slog.Debug("WhatsAppService SendMessage invoked", "to", canonicalTo, "body_length", len(body))
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService SendMessage error", "error", err, "to", canonicalTo)
		return err
	}
	return nil
}

// Responses returns a channel of inbound messages.
func (s *WhatsAppService) Responses() <-chan models.InboundMessage {
	return s.responses
}

// handleIncomingMessage forwards direct text messages from other users.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}

	var messageText string
	if evt.Message.Conversation != nil {
		messageText = *evt.Message.Conversation
	} else if evt.Message.ExtendedTextMessage != nil && evt.Message.ExtendedTextMessage.Text != nil {
		messageText = *evt.Message.ExtendedTextMessage.Text
	}
	if strings.TrimSpace(messageText) == "" {
		// Skip non-text messages (images, audio, etc.)
		slog.Debug("WhatsAppService ignoring non-text message", "from", evt.Info.Sender.User)
		return
	}

	from, err := canonicalPhone(evt.Info.Sender.User)
	if err != nil {
		slog.Warn("WhatsAppService invalid sender", "error", err, "sender", evt.Info.Sender.String())
		return
	}

	s.emit(models.InboundMessage{
		ID:   evt.Info.ID,
		From: from,
		Body: messageText,
		Time: evt.Info.Timestamp.Unix(),
	})
}
