package messaging

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
)

// Constants for the WhatsApp Cloud API transport
const (
	// DefaultGraphAPIBase is the Graph API root used for outbound messages
	DefaultGraphAPIBase = "https://graph.facebook.com/v21.0"
	// DefaultCloudHTTPTimeout bounds each Graph API call
	DefaultCloudHTTPTimeout = 10 * time.Second
	// MaxWebhookBodyBytes bounds the webhook payload read into memory
	MaxWebhookBodyBytes = 1 << 20
	// SignatureHeader carries the app-secret HMAC of the webhook body
	SignatureHeader = "X-Hub-Signature-256"
	// MaxWebhookBacklog bounds messages acknowledged but not yet in the inbound channel
	MaxWebhookBacklog = DefaultChannelBufferSize
)

// Errors for the Cloud API transport
var (
	ErrMissingCloudCredentials = errors.New("cloud api access token and phone number id must be provided")
	ErrInvalidSignature        = errors.New("invalid webhook signature")
)

// CloudOpts holds configuration for the WhatsApp Cloud API service.
type CloudOpts struct {
	AccessToken   string
	PhoneNumberID string
	VerifyToken   string
	AppSecret     string
	APIBase       string
	HTTPClient    *http.Client
}

// CloudOption configures a CloudService.
type CloudOption func(*CloudOpts)

// WithAccessToken sets the Graph API bearer token.
func WithAccessToken(token string) CloudOption {
	return func(o *CloudOpts) { o.AccessToken = token }
}

// WithPhoneNumberID sets the business phone number id messages are sent from.
func WithPhoneNumberID(id string) CloudOption {
	return func(o *CloudOpts) { o.PhoneNumberID = id }
}

// WithVerifyToken sets the token expected by the subscription handshake.
func WithVerifyToken(token string) CloudOption {
	return func(o *CloudOpts) { o.VerifyToken = token }
}

// WithAppSecret enables X-Hub-Signature-256 validation of webhook payloads.
func WithAppSecret(secret string) CloudOption {
	return func(o *CloudOpts) { o.AppSecret = secret }
}

// WithAPIBase overrides the Graph API root (tests).
func WithAPIBase(base string) CloudOption {
	return func(o *CloudOpts) { o.APIBase = strings.TrimRight(base, "/") }
}

// WithHTTPClient sets the HTTP client used for outbound calls.
func WithHTTPClient(c *http.Client) CloudOption {
	return func(o *CloudOpts) { o.HTTPClient = c }
}

// CloudService implements Service on the Meta WhatsApp Cloud API: inbound
// messages arrive on the webhook, outbound messages go to the Graph API.
type CloudService struct {
	*inbox
	cfg CloudOpts

	backlogMu sync.Mutex
	backlog   []models.InboundMessage
	draining  bool
}

// NewCloudService creates a CloudService.
func NewCloudService(opts ...CloudOption) (*CloudService, error) {
	cfg := CloudOpts{APIBase: DefaultGraphAPIBase}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultCloudHTTPTimeout}
	}
	slog.Debug("CloudService config loaded",
		"AccessToken_set", cfg.AccessToken != "",
		"PhoneNumberID_set", cfg.PhoneNumberID != "",
		"VerifyToken_set", cfg.VerifyToken != "",
		"AppSecret_set", cfg.AppSecret != "")
	if cfg.AccessToken == "" || cfg.PhoneNumberID == "" {
		return nil, ErrMissingCloudCredentials
	}
	if cfg.VerifyToken == "" {
		slog.Warn("CloudService verify token not set; webhook verification will be rejected")
	}
	if cfg.AppSecret == "" {
		slog.Warn("CloudService app secret not set; webhook signatures will not be checked")
	}
	return &CloudService{inbox: newInbox("CloudService"), cfg: cfg}, nil
}

// ValidateAndCanonicalizeRecipient strips everything but digits from the recipient.
func (s *CloudService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalPhone(recipient)
}

// Start is a no-op; inbound messages arrive through the webhook.
func (s *CloudService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the inbound channel.
func (s *CloudService) Stop() error {
	if s.close() {
		slog.Info("CloudService stopped")
	}
	return nil
}

// Responses returns the channel of inbound messages received by the webhook.
func (s *CloudService) Responses() <-chan models.InboundMessage {
	return s.responses
}

type graphTextMessage struct {
	MessagingProduct string    `json:"messaging_product"`
	RecipientType    string    `json:"recipient_type"`
	To               string    `json:"to"`
	Type             string    `json:"type"`
	Text             graphText `json:"text"`
}

type graphText struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

// SendMessage posts a text message to the Graph API.
func (s *CloudService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("CloudService SendMessage validation error", "error", err, "to", to)
		return err
	}

	payload, err := json.Marshal(graphTextMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               canonicalTo,
		Type:             "text",
		Text:             graphText{Body: body},
	})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", s.cfg.APIBase, s.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		slog.Error("CloudService SendMessage request failed", "error", err, "to", canonicalTo)
		return fmt.Errorf("failed to send message to %s: %w", canonicalTo, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Error("CloudService SendMessage rejected", "status", resp.StatusCode, "to", canonicalTo, "detail", string(detail))
		return fmt.Errorf("failed to send message to %s: graph api status %d: %s", canonicalTo, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	slog.Debug("CloudService message sent", "to", canonicalTo)
	return nil
}

// VerifyHandler answers the subscription handshake: hub.mode=subscribe with the
// configured hub.verify_token echoes hub.challenge, anything else is 403.
func (s *CloudService) VerifyHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || s.cfg.VerifyToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.VerifyToken)) != 1 {
		slog.Warn("CloudService webhook verification rejected", "mode", mode)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	slog.Info("CloudService webhook verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, challenge)
}

// cloudWebhook is the subset of the Cloud API notification payload that carries messages.
type cloudWebhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				MessagingProduct string `json:"messaging_product"`
				Messages         []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      *struct {
						Body string `json:"body"`
					} `json:"text,omitempty"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// WebhookHandler accepts Cloud API notifications. Text messages are forwarded to
// Responses(); statuses and other message types are acknowledged and ignored.
// The provider is acknowledged before any dialogue handling happens, and the
// response never waits on a full inbound channel.
func (s *CloudService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxWebhookBodyBytes))
	if err != nil {
		slog.Error("CloudService failed to read webhook body", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.cfg.AppSecret != "" {
		if err := VerifySignature(s.cfg.AppSecret, body, r.Header.Get(SignatureHeader)); err != nil {
			slog.Warn("CloudService webhook signature rejected", "error", err)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	msgs, err := ParseCloudWebhook(body)
	if err != nil {
		slog.Warn("CloudService undecodable webhook payload", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
	s.enqueue(msgs)
}

// enqueue hands msgs to the inbound channel without holding up the webhook
// response. One drain goroutine runs while the backlog is non-empty, so messages
// reach the channel in arrival order even when it is full.
func (s *CloudService) enqueue(msgs []models.InboundMessage) {
	if len(msgs) == 0 {
		return
	}
	s.backlogMu.Lock()
	defer s.backlogMu.Unlock()
	for _, m := range msgs {
		if len(s.backlog) >= MaxWebhookBacklog {
			slog.Warn("CloudService webhook backlog full, dropping message", "from", m.From, "id", m.ID)
			continue
		}
		s.backlog = append(s.backlog, m)
	}
	if !s.draining {
		s.draining = true
		go s.drain()
	}
}

func (s *CloudService) drain() {
	for {
		s.backlogMu.Lock()
		if len(s.backlog) == 0 {
			s.draining = false
			s.backlogMu.Unlock()
			return
		}
		m := s.backlog[0]
		s.backlog = s.backlog[1:]
		s.backlogMu.Unlock()

		s.emit(m)
	}
}

// ParseCloudWebhook extracts inbound text messages from a notification payload.
func ParseCloudWebhook(body []byte) ([]models.InboundMessage, error) {
	var payload cloudWebhook
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}

	var out []models.InboundMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				if m.Type != "text" || m.Text == nil || strings.TrimSpace(m.Text.Body) == "" {
					slog.Debug("CloudService ignoring non-text message", "type", m.Type, "id", m.ID)
					continue
				}
				from, err := canonicalPhone(m.From)
				if err != nil {
					slog.Warn("CloudService invalid sender", "error", err, "from", m.From)
					continue
				}
				ts, err := strconv.ParseInt(m.Timestamp, 10, 64)
				if err != nil {
					ts = time.Now().Unix()
				}
				out = append(out, models.InboundMessage{
					ID:   m.ID,
					From: from,
					Body: m.Text.Body,
					Time: ts,
				})
			}
		}
	}
	return out, nil
}

// VerifySignature checks a "sha256=<hex>" HMAC of body keyed by secret.
func VerifySignature(secret string, body []byte, header string) error {
	if header == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, SignatureHeader)
	}
	if !strings.HasPrefix(header, "sha256=") {
		return fmt.Errorf("%w: %s must have format sha256=<hex>", ErrInvalidSignature, SignatureHeader)
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return fmt.Errorf("%w: invalid hex", ErrInvalidSignature)
	}
	if subtle.ConstantTimeCompare(computeHMACSHA256([]byte(secret), body), got) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

func computeHMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
