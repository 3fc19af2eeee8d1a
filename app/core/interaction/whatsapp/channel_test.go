package whatsapp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	"recado/app/pkg/types"
)

const samplePayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "1234",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "999"},
        "messages": [{
          "id": "wamid.abc",
          "from": "573001112233",
          "timestamp": "1700000000",
          "type": "text",
          "text": {"body": "hola"}
        }]
      }
    }]
  }]
}`

func TestVerificationHandshake(t *testing.T) {
	c := NewChannel(Options{VerifyToken: "secreto"})

	req := httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=secreto&hub.challenge=42", nil)
	rec := httptest.NewRecorder()
	c.webhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "42" {
		t.Fatalf("expected challenge echoed, got %q", rec.Body.String())
	}
}

func TestVerificationRejectsBadToken(t *testing.T) {
	c := NewChannel(Options{VerifyToken: "secreto"})

	req := httptest.NewRequest(http.MethodGet,
		"/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", nil)
	rec := httptest.NewRecorder()
	c.webhookHandler(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestInboundTextDispatched(t *testing.T) {
	c := NewChannel(Options{})
	var got types.Message
	c.handler = func(m types.Message) { got = m }

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(samplePayload))
	rec := httptest.NewRecorder()
	c.webhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected immediate 200, got %d", rec.Code)
	}
	if got.Owner != "573001112233" || got.Content != "hola" {
		t.Fatalf("unexpected inbound message: %+v", got)
	}
	if got.Kind != types.MessageKindText || got.ChannelID != "whatsapp" {
		t.Fatalf("unexpected message metadata: %+v", got)
	}
}

func TestDuplicateDeliveriesIgnored(t *testing.T) {
	c := NewChannel(Options{})
	var count int
	c.handler = func(types.Message) { count++ }

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(samplePayload))
		c.webhookHandler(httptest.NewRecorder(), req)
	}
	if count != 1 {
		t.Fatalf("expected one dispatch for redelivered message, got %d", count)
	}
}

func TestStatusUpdatesIgnored(t *testing.T) {
	c := NewChannel(Options{})
	var count int
	c.handler = func(types.Message) { count++ }

	payload := `{"entry":[{"changes":[{"value":{"statuses":[{"id":"x","status":"delivered"}]}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	c.webhookHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if count != 0 {
		t.Fatalf("expected no dispatch for status updates, got %d", count)
	}
}

func TestSignatureEnforcedWhenConfigured(t *testing.T) {
	c := NewChannel(Options{AppSecret: "app-secret"})
	var count int
	c.handler = func(types.Message) { count++ }

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(samplePayload))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	c.webhookHandler(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad signature, got %d", rec.Code)
	}
	if count != 0 {
		t.Fatalf("expected no dispatch on bad signature, got %d", count)
	}

	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write([]byte(samplePayload))
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req = httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(samplePayload))
	req.Header.Set("X-Hub-Signature-256", sig)
	rec = httptest.NewRecorder()
	c.webhookHandler(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid signature, got %d", rec.Code)
	}
	if count != 1 {
		t.Fatalf("expected one dispatch, got %d", count)
	}
}

func TestSendBuildsCloudAPIRequest(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	c := NewChannel(Options{
		PhoneNumberID: "999",
		AccessToken:   "tok",
		GraphBaseURL:  upstream.URL,
	})

	err := c.Send(context.Background(), types.Message{
		Content: "⏰ Recordatorio: comprar pan",
		Owner:   "573001112233",
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	if gotPath != "/v21.0/999/messages" {
		t.Fatalf("unexpected request path %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gjson.GetBytes(gotBody, "to").String() != "573001112233" {
		t.Fatalf("unexpected recipient in %s", gotBody)
	}
	if gjson.GetBytes(gotBody, "text.body").String() != "⏰ Recordatorio: comprar pan" {
		t.Fatalf("unexpected body in %s", gotBody)
	}
	if gjson.GetBytes(gotBody, "messaging_product").String() != "whatsapp" {
		t.Fatalf("unexpected messaging_product in %s", gotBody)
	}
}

func TestSendTruncatesLongMessages(t *testing.T) {
	var gotBody []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	c := NewChannel(Options{PhoneNumberID: "999", GraphBaseURL: upstream.URL})
	long := strings.Repeat("a", 5000)
	if err := c.Send(context.Background(), types.Message{Content: long, Owner: "1"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	sent := gjson.GetBytes(gotBody, "text.body").String()
	if len(sent) != maxMessageBytes {
		t.Fatalf("expected %d bytes after truncation, got %d", maxMessageBytes, len(sent))
	}
	if !strings.HasSuffix(sent, "...") {
		t.Fatalf("expected ellipsis suffix")
	}
}

func TestSendSurfacesAPIErrors(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	c := NewChannel(Options{PhoneNumberID: "999", GraphBaseURL: upstream.URL})
	err := c.Send(context.Background(), types.Message{Content: "x", Owner: "1"})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected HTTP 429 error, got %v", err)
	}
}
