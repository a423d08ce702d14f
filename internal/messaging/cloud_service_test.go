package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cloudTextPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "102290129340398",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550783881", "phone_number_id": "106540352242922"},
        "contacts": [{"profile": {"name": "Maria"}, "wa_id": "5511912345678"}],
        "messages": [
          {"from": "5511912345678", "id": "wamid.A", "timestamp": "1700000000", "type": "text", "text": {"body": "Olá"}},
          {"from": "5511912345678", "id": "wamid.B", "timestamp": "1700000001", "type": "image", "image": {"id": "x"}}
        ]
      }
    }]
  }]
}`

func newTestCloudService(t *testing.T, opts ...CloudOption) *CloudService {
	t.Helper()
	base := []CloudOption{WithAccessToken("token"), WithPhoneNumberID("106540352242922"), WithVerifyToken("verify-me")}
	svc, err := NewCloudService(append(base, opts...)...)
	require.NoError(t, err)
	return svc
}

func TestNewCloudService_RequiresCredentials(t *testing.T) {
	_, err := NewCloudService(WithVerifyToken("x"))
	assert.ErrorIs(t, err, ErrMissingCloudCredentials)
}

func TestCloudService_VerifyHandler(t *testing.T) {
	svc := newTestCloudService(t)
	tests := []struct {
		name  string
		query string
		code  int
		body  string
	}{
		{"valid handshake", "hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=1158201444", http.StatusOK, "1158201444"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=verify-me&hub.challenge=1", http.StatusForbidden, ""},
		{"no parameters", "", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			svc.VerifyHandler(rec, httptest.NewRequest(http.MethodGet, "/webhook?"+tt.query, nil))
			assert.Equal(t, tt.code, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestCloudService_VerifyHandlerWithoutToken(t *testing.T) {
	svc, err := NewCloudService(WithAccessToken("t"), WithPhoneNumberID("1"))
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	svc.VerifyHandler(rec, httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=&hub.challenge=1", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCloudService_WebhookHandler(t *testing.T) {
	svc := newTestCloudService(t)

	rec := httptest.NewRecorder()
	svc.WebhookHandler(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(cloudTextPayload)))
	assert.Equal(t, http.StatusOK, rec.Code)

	msg := receiveInbound(t, svc)
	assert.Equal(t, "5511912345678", msg.From)
	assert.Equal(t, "Olá", msg.Body)
	assert.Equal(t, "wamid.A", msg.ID)
	assert.Equal(t, int64(1700000000), msg.Time)
	assert.Empty(t, svc.Responses(), "only the text message is forwarded")
}

// receiveInbound waits for the next message the webhook forwarded.
func receiveInbound(t *testing.T, svc *CloudService) models.InboundMessage {
	t.Helper()
	select {
	case msg := <-svc.Responses():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("webhook did not forward the inbound message")
		return models.InboundMessage{}
	}
}

func TestCloudService_WebhookAcksWhileInboxFull(t *testing.T) {
	svc := newTestCloudService(t)
	for i := 0; i < DefaultChannelBufferSize; i++ {
		require.True(t, svc.emit(models.InboundMessage{From: "5511900000000", Body: "fila", ID: fmt.Sprintf("wamid.%d", i)}))
	}

	start := time.Now()
	rec := httptest.NewRecorder()
	svc.WebhookHandler(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(cloudTextPayload)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Less(t, time.Since(start), DefaultChannelTimeout/2, "the ack must not wait for room in the inbox")

	for i := 0; i < DefaultChannelBufferSize; i++ {
		<-svc.Responses()
	}
	msg := receiveInbound(t, svc)
	assert.Equal(t, "wamid.A", msg.ID)
}

func TestCloudService_WebhookHandlerStatusesAndGarbage(t *testing.T) {
	svc := newTestCloudService(t)

	statuses := `{"object":"whatsapp_business_account","entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.X","status":"read"}]}}]}]}`
	rec := httptest.NewRecorder()
	svc.WebhookHandler(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(statuses)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, svc.Responses(), 0)

	rec = httptest.NewRecorder()
	svc.WebhookHandler(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCloudService_WebhookSignature(t *testing.T) {
	const secret = "app-secret"
	svc := newTestCloudService(t, WithAppSecret(secret))
	body := []byte(cloudTextPayload)

	rec := httptest.NewRecorder()
	svc.WebhookHandler(rec, httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(cloudTextPayload)))
	assert.Equal(t, http.StatusForbidden, rec.Code, "missing signature")

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(cloudTextPayload))
	req.Header.Set(SignatureHeader, "sha256=00ff")
	rec = httptest.NewRecorder()
	svc.WebhookHandler(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code, "wrong signature")

	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(cloudTextPayload))
	req.Header.Set(SignatureHeader, "sha256="+hexHMAC(secret, body))
	rec = httptest.NewRecorder()
	svc.WebhookHandler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "wamid.A", receiveInbound(t, svc).ID)
}

func TestVerifySignatureFormats(t *testing.T) {
	assert.ErrorIs(t, VerifySignature("s", []byte("x"), ""), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature("s", []byte("x"), "md5=abc"), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature("s", []byte("x"), "sha256=zz"), ErrInvalidSignature)
	assert.NoError(t, VerifySignature("s", []byte("x"), "sha256="+hexHMAC("s", []byte("x"))))
}

func TestCloudService_SendMessage(t *testing.T) {
	var got graphTextMessage
	var auth, path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"messaging_product":"whatsapp","messages":[{"id":"wamid.OUT"}]}`)
	}))
	defer srv.Close()

	svc := newTestCloudService(t, WithAPIBase(srv.URL+"/"), WithHTTPClient(srv.Client()))
	require.NoError(t, svc.SendMessage(context.Background(), "+55 11 91234-5678", "Olá"))

	assert.Equal(t, "Bearer token", auth)
	assert.Equal(t, "/106540352242922/messages", path)
	assert.Equal(t, "whatsapp", got.MessagingProduct)
	assert.Equal(t, "5511912345678", got.To)
	assert.Equal(t, "text", got.Type)
	assert.Equal(t, "Olá", got.Text.Body)
}

func TestCloudService_SendMessageRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"Invalid OAuth access token."}}`)
	}))
	defer srv.Close()

	svc := newTestCloudService(t, WithAPIBase(srv.URL))
	err := svc.SendMessage(context.Background(), "5511912345678", "Olá")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
