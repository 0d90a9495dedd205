// Package zalo bridges Zalo Official Account webhooks to the gateway.
// Ingress events carry an X-ZEvent-Signature HMAC over the raw body; egress
// goes through the OA customer-support message API.
package zalo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ocx/gateway/internal/auth"
	"github.com/ocx/gateway/pkg/channel"
)

// Config keys consumed by this adapter.
const (
	KeySecret      = "ZALO_OA_SECRET"
	KeyAccessToken = "ZALO_ACCESS_TOKEN"
)

const (
	channelTag      = "zalo"
	signatureHeader = "X-ZEvent-Signature"
	signaturePrefix = "mac="
)

// Adapter is the Zalo OA channel plugin.
type Adapter struct {
	secret      string
	accessToken string
	apiBase     string

	httpClient *http.Client
	logger     *log.Logger
}

// oaEvent is the webhook payload for OA events. Only user_send_text is
// consumed; other event names are acknowledged.
type oaEvent struct {
	EventName string `json:"event_name"`
	Timestamp string `json:"timestamp"`
	Sender    struct {
		ID string `json:"id"`
	} `json:"sender"`
	Message struct {
		Text  string `json:"text"`
		MsgID string `json:"msg_id"`
	} `json:"message"`
}

// New creates an unconfigured Zalo adapter.
func New() *Adapter {
	return &Adapter{
		apiBase:    "https://openapi.zalo.me",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     log.New(log.Writer(), "[ZALO] ", log.LstdFlags),
	}
}

func (a *Adapter) Channel() string     { return channelTag }
func (a *Adapter) DisplayName() string { return "Zalo OA" }

func (a *Adapter) IsConfigured(cfg map[string]string) bool {
	return cfg[KeySecret] != "" && cfg[KeyAccessToken] != ""
}

// Initialize checks the access token against the OA profile endpoint.
func (a *Adapter) Initialize(ctx context.Context, cfg map[string]string) error {
	a.secret = cfg[KeySecret]
	a.accessToken = cfg[KeyAccessToken]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiBase+"/v2.0/oa/getoa", nil)
	if err != nil {
		return err
	}
	req.Header.Set("access_token", a.accessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("zalo unreachable: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Error int `json:"error"`
		Data  struct {
			Name string `json:"name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode getoa: %w", err)
	}
	if out.Error != 0 {
		return fmt.Errorf("zalo token rejected (error %d)", out.Error)
	}

	a.logger.Printf("✅ Connected to OA %q", out.Data.Name)
	return nil
}

// HandleWebhook verifies the event signature and decodes user_send_text
// events into canonical messages.
func (a *Adapter) HandleWebhook(req channel.WebhookRequest) channel.WebhookResponse {
	sig := req.Headers.Get(signatureHeader)
	if !auth.VerifyHMACSHA256(req.Body, sig, a.secret, signaturePrefix) {
		return channel.WebhookResponse{Status: http.StatusUnauthorized, Body: "invalid signature"}
	}

	var event oaEvent
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return channel.WebhookResponse{Status: http.StatusBadRequest, Body: "malformed payload"}
	}

	if event.EventName != "user_send_text" {
		return channel.WebhookResponse{Status: http.StatusOK}
	}

	text := strings.TrimSpace(event.Message.Text)
	if event.Sender.ID == "" || text == "" {
		return channel.WebhookResponse{Status: http.StatusOK}
	}

	msg := channel.IncomingMessage{
		Channel:   channelTag,
		SenderID:  event.Sender.ID,
		Text:      text,
		MessageID: event.Message.MsgID,
		Timestamp: eventTime(event.Timestamp),
	}

	return channel.WebhookResponse{Status: http.StatusOK, Messages: []channel.IncomingMessage{msg}}
}

// Deliver sends one text through the OA customer-support API. Zalo reports
// errors in the body with a 200 status, so the error code decides success.
func (a *Adapter) Deliver(ctx context.Context, p channel.DeliveryParams) bool {
	payload := map[string]interface{}{
		"recipient": map[string]string{"user_id": p.RecipientID},
		"message":   map[string]string{"text": p.Text},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+"/v3.0/oa/message/cs", bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("access_token", a.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.Printf("❌ Send to %s failed: %v", auth.AuditTag(p.RecipientID), err)
		return false
	}
	defer resp.Body.Close()

	var out struct {
		Error   int    `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&out); err != nil {
		a.logger.Printf("❌ Send response unreadable: %v", err)
		return false
	}
	if out.Error != 0 {
		a.logger.Printf("❌ Zalo rejected send: %d %s", out.Error, out.Message)
		return false
	}
	return true
}

func (a *Adapter) Shutdown(ctx context.Context) error { return nil }

// eventTime parses Zalo's millisecond timestamp string, zero when absent.
func eventTime(ms string) time.Time {
	if ms == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n)
}
