package whatsapp

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"recado/app/pkg/logger"
	"recado/app/pkg/types"
)

const (
	channelID       = "whatsapp"
	maxMessageBytes = 4096
)

type Options struct {
	PhoneNumberID string
	AccessToken   string
	VerifyToken   string
	AppSecret     string
	APIVersion    string
	Port          int

	// GraphBaseURL overrides the Cloud API host, used in tests.
	GraphBaseURL string
}

// Channel receives WhatsApp Cloud API webhook events over its own HTTP
// listener and sends replies through the Graph API.
type Channel struct {
	opts    Options
	client  *http.Client
	handler func(types.Message)

	mu        sync.Mutex
	processed map[string]time.Time
}

func NewChannel(opts Options) *Channel {
	if opts.APIVersion == "" {
		opts.APIVersion = "v21.0"
	}
	if opts.Port <= 0 {
		opts.Port = 10000
	}
	if opts.GraphBaseURL == "" {
		opts.GraphBaseURL = "https://graph.facebook.com"
	}
	return &Channel{
		opts:      opts,
		client:    &http.Client{Timeout: 10 * time.Second},
		processed: make(map[string]time.Time),
	}
}

func (c *Channel) ID() string {
	return channelID
}

// Start serves the webhook endpoint until ctx is cancelled.
func (c *Channel) Start(ctx context.Context, handler func(types.Message)) error {
	c.handler = handler

	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", c.webhookHandler)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", c.opts.Port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("whatsapp webhook listening", "port", c.opts.Port)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("whatsapp: server failed: %w", err)
	}
	return nil
}

// webhookHandler answers the subscription handshake on GET and accepts
// event notifications on POST.
func (c *Channel) webhookHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		c.handleVerification(w, r)
	case http.MethodPost:
		c.handleEvent(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (c *Channel) handleVerification(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && token == c.opts.VerifyToken {
		logger.Info("whatsapp webhook verified")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(challenge))
		return
	}
	logger.Warn("whatsapp webhook verification rejected", "mode", mode)
	http.Error(w, "forbidden", http.StatusForbidden)
}

func (c *Channel) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()

	if c.opts.AppSecret != "" {
		if !verifySignature(c.opts.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
			logger.Warn("whatsapp signature verification failed")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	// The provider expects an immediate 200; anything else triggers
	// redelivery.
	w.WriteHeader(http.StatusOK)
	c.dispatchEvents(body)
}

// dispatchEvents walks entry[].changes[].value.messages[] and hands each
// inbound text message to the gateway. Status updates and non-text
// message types are ignored.
func (c *Channel) dispatchEvents(body []byte) {
	gjson.GetBytes(body, "entry").ForEach(func(_, entry gjson.Result) bool {
		entry.Get("changes").ForEach(func(_, change gjson.Result) bool {
			value := change.Get("value")
			if statuses := value.Get("statuses"); statuses.Exists() {
				logger.Debug("whatsapp status updates ignored", "count", len(statuses.Array()))
			}
			value.Get("messages").ForEach(func(_, msg gjson.Result) bool {
				c.dispatchMessage(msg)
				return true
			})
			return true
		})
		return true
	})
}

func (c *Channel) dispatchMessage(msg gjson.Result) {
	id := msg.Get("id").String()
	if id != "" && c.alreadyProcessed(id) {
		logger.Debug("whatsapp duplicate message ignored", "id", id)
		return
	}
	if msg.Get("type").String() != "text" {
		logger.Debug("whatsapp non-text message ignored", "id", id, "type", msg.Get("type").String())
		return
	}
	text := strings.TrimSpace(msg.Get("text.body").String())
	from := msg.Get("from").String()
	if text == "" || from == "" {
		return
	}
	if c.handler == nil {
		return
	}

	logger.Info("whatsapp message received", "from", from)
	c.handler(types.Message{
		ID:        id,
		Content:   text,
		Role:      types.MessageRoleUser,
		Kind:      types.MessageKindText,
		ChannelID: channelID,
		Owner:     from,
	})
}

// alreadyProcessed tracks recent message ids so provider redeliveries are
// handled once.
func (c *Channel) alreadyProcessed(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.processed[id]; seen {
		return true
	}
	c.processed[id] = time.Now()
	if len(c.processed) > 1000 {
		cutoff := time.Now().Add(-time.Hour)
		for k, t := range c.processed {
			if t.Before(cutoff) {
				delete(c.processed, k)
			}
		}
	}
	return false
}

// Send delivers a text message through the Cloud API.
func (c *Channel) Send(ctx context.Context, msg types.Message) error {
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return nil
	}
	if len(text) > maxMessageBytes {
		text = text[:maxMessageBytes-3] + "..."
	}

	payload, err := buildTextPayload(msg.Owner, text)
	if err != nil {
		return fmt.Errorf("whatsapp: build payload: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", c.opts.GraphBaseURL, c.opts.APIVersion, c.opts.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("whatsapp: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("whatsapp: HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildTextPayload(to, text string) ([]byte, error) {
	payload := []byte(`{}`)
	var err error
	for _, kv := range []struct {
		path  string
		value interface{}
	}{
		{"messaging_product", "whatsapp"},
		{"recipient_type", "individual"},
		{"to", to},
		{"type", "text"},
		{"text.body", text},
	} {
		payload, err = sjson.SetBytes(payload, kv.path, kv.value)
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// verifySignature checks the X-Hub-Signature-256 header against the HMAC
// of the raw body.
func verifySignature(appSecret string, body []byte, signature string) bool {
	if !strings.HasPrefix(signature, "sha256=") {
		return false
	}
	provided := signature[len("sha256="):]

	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(provided))
}
