package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/BTreeMap/TriagePipe/internal/twiliowhatsapp"
	twilioclient "github.com/twilio/twilio-go/client"
)

// TwilioService implements the Service interface using the Twilio API.
type TwilioService struct {
	*inbox
	client     twiliowhatsapp.Sender // real Twilio client or MockClient
	validator  *twilioclient.RequestValidator
	webhookURL string
}

// NewTwilioService creates a TwilioService. When authToken is set, inbound
// webhooks must carry a valid X-Twilio-Signature computed for webhookURL
// (or the request URL when webhookURL is empty).
func NewTwilioService(client twiliowhatsapp.Sender, authToken, webhookURL string) *TwilioService {
	s := &TwilioService{
		inbox:      newInbox("TwilioService"),
		client:     client,
		webhookURL: webhookURL,
	}
	if authToken != "" {
		v := twilioclient.NewRequestValidator(authToken)
		s.validator = &v
	} else {
		slog.Warn("TwilioService webhook signature validation disabled (no auth token)")
	}
	return s
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
// It removes all non-numeric characters (including the "whatsapp:" prefix).
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	canonical, err := canonicalPhone(recipient)
	if err != nil {
		return "", err
	}
	if canonical != recipient {
		slog.Debug("TwilioService canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Start is a no-op for Twilio; inbound messages arrive through the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the inbound channel.
func (s *TwilioService) Stop() error {
	if s.close() {
		slog.Info("TwilioService stopped")
	}
	return nil
}

// SendMessage sends a message via Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}
	return s.client.SendMessage(ctx, canonicalTo, body)
}

// Responses returns the channel of inbound messages received by the webhook.
func (s *TwilioService) Responses() <-chan models.InboundMessage {
	return s.responses
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
// It parses incoming messages and emits them into the Responses() channel.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Twilio webhook received")

	if err := r.ParseForm(); err != nil {
		slog.Error("Failed to parse Twilio webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil && !s.validSignature(r) {
		slog.Warn("Twilio webhook signature mismatch", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	from := r.PostFormValue("From")
	body := r.PostFormValue("Body")
	if from == "" {
		slog.Warn("Twilio webhook missing sender")
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}

	// Media-only messages carry no text; acknowledge and ignore them.
	if body == "" {
		slog.Debug("Twilio webhook ignoring non-text message", "from", from)
		writeTwilioAck(w)
		return
	}

	canonicalFrom, err := s.ValidateAndCanonicalizeRecipient(from)
	if err != nil {
		slog.Warn("Twilio webhook invalid sender", "error", err, "from", from)
		writeTwilioAck(w)
		return
	}

	slog.Info("Inbound WhatsApp message from Twilio", "from", canonicalFrom, "body_length", len(body))
	s.emit(models.InboundMessage{
		ID:   r.PostFormValue("MessageSid"),
		From: canonicalFrom,
		Body: body,
		Time: time.Now().Unix(),
	})
	writeTwilioAck(w)
}

func (s *TwilioService) validSignature(r *http.Request) bool {
	url := s.webhookURL
	if url == "" {
		scheme := "https"
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else if r.TLS == nil {
			scheme = "http"
		}
		url = fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.RequestURI())
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return s.validator.Validate(url, params, r.Header.Get("X-Twilio-Signature"))
}

func writeTwilioAck(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}
