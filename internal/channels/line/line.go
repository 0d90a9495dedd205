// Package line bridges the LINE Messaging API to the gateway. Webhook events
// carry an X-Line-Signature (base64 HMAC over the raw body). Egress prefers
// the event's reply token while it is still fresh and falls back to a push
// message once the token window has passed.
package line

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
	KeyChannelSecret = "LINE_CHANNEL_SECRET"
	KeyChannelToken  = "LINE_CHANNEL_TOKEN"
)

const (
	channelTag      = "line"
	signatureHeader = "X-Line-Signature"

	// replyWindow is how long after receipt a reply token is still used.
	// LINE invalidates tokens after about a minute; staying under that
	// avoids burning the send on an expired token.
	replyWindow = 50 * time.Second

	// maxTextLength is LINE's hard cap for one text message.
	maxTextLength = 5000
)

// Adapter is the LINE channel plugin.
type Adapter struct {
	secret  string
	token   string
	apiBase string

	httpClient *http.Client
	logger     *log.Logger
}

// webhookBody is the envelope LINE posts; one POST can carry several events.
type webhookBody struct {
	Destination string `json:"destination"`
	Events      []struct {
		Type       string `json:"type"`
		ReplyToken string `json:"replyToken"`
		Timestamp  int64  `json:"timestamp"`
		Source     struct {
			Type    string `json:"type"`
			UserID  string `json:"userId"`
			GroupID string `json:"groupId"`
			RoomID  string `json:"roomId"`
		} `json:"source"`
		Message struct {
			ID   string `json:"id"`
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"message"`
	} `json:"events"`
}

// New creates an unconfigured LINE adapter.
func New() *Adapter {
	return &Adapter{
		apiBase:    "https://api.line.me",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     log.New(log.Writer(), "[LINE] ", log.LstdFlags),
	}
}

func (a *Adapter) Channel() string     { return channelTag }
func (a *Adapter) DisplayName() string { return "LINE" }

func (a *Adapter) IsConfigured(cfg map[string]string) bool {
	return cfg[KeyChannelSecret] != "" && cfg[KeyChannelToken] != ""
}

// Initialize validates the channel token against the bot info endpoint.
func (a *Adapter) Initialize(ctx context.Context, cfg map[string]string) error {
	a.secret = cfg[KeyChannelSecret]
	a.token = cfg[KeyChannelToken]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiBase+"/v2/bot/info", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("line unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("line token rejected (%d)", resp.StatusCode)
	}

	var info struct {
		DisplayName string `json:"displayName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return fmt.Errorf("decode bot info: %w", err)
	}

	a.logger.Printf("✅ Connected as %q", info.DisplayName)
	return nil
}

// HandleWebhook verifies the signature and extracts every text message in
// the batch. The reply token and its receipt time travel in Meta so Deliver
// can judge token freshness later.
func (a *Adapter) HandleWebhook(req channel.WebhookRequest) channel.WebhookResponse {
	sig := req.Headers.Get(signatureHeader)
	if !auth.VerifyHMACSHA256Base64(req.Body, sig, a.secret, "") {
		return channel.WebhookResponse{Status: http.StatusUnauthorized, Body: "invalid signature"}
	}

	var body webhookBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return channel.WebhookResponse{Status: http.StatusBadRequest, Body: "malformed payload"}
	}

	now := strconv.FormatInt(time.Now().Unix(), 10)
	var messages []channel.IncomingMessage
	for _, event := range body.Events {
		if event.Type != "message" || event.Message.Type != "text" {
			continue
		}
		text := strings.TrimSpace(event.Message.Text)
		if event.Source.UserID == "" || text == "" {
			continue
		}

		groupID := event.Source.GroupID
		if groupID == "" {
			groupID = event.Source.RoomID
		}

		messages = append(messages, channel.IncomingMessage{
			Channel:   channelTag,
			SenderID:  event.Source.UserID,
			Text:      text,
			MessageID: event.Message.ID,
			GroupID:   groupID,
			Timestamp: time.UnixMilli(event.Timestamp),
			Meta: map[string]string{
				"reply_token":    event.ReplyToken,
				"reply_token_ts": now,
			},
		})
	}

	return channel.WebhookResponse{Status: http.StatusOK, Messages: messages}
}

// Deliver sends one text. A fresh reply token is spent first; expired or
// failed replies fall back to a push to the originating chat.
func (a *Adapter) Deliver(ctx context.Context, p channel.DeliveryParams) bool {
	text := clipText(p.Text)

	if token := p.Meta["reply_token"]; token != "" && replyTokenFresh(p.Meta["reply_token_ts"]) {
		err := a.send(ctx, "/v2/bot/message/reply", map[string]interface{}{
			"replyToken": token,
			"messages":   []map[string]string{{"type": "text", "text": text}},
		})
		if err == nil {
			return true
		}
		a.logger.Printf("⚠️ Reply token failed, pushing instead: %v", err)
	}

	to := p.ThreadID
	if to == "" {
		to = p.RecipientID
	}
	err := a.send(ctx, "/v2/bot/message/push", map[string]interface{}{
		"to":       to,
		"messages": []map[string]string{{"type": "text", "text": text}},
	})
	if err != nil {
		a.logger.Printf("❌ Push to %s failed: %v", auth.AuditTag(to), err)
		return false
	}
	return true
}

func (a *Adapter) Shutdown(ctx context.Context) error { return nil }

func (a *Adapter) send(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// replyTokenFresh reports whether a token issued at unix-seconds ts is still
// inside the reply window.
func replyTokenFresh(ts string) bool {
	issued, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	return time.Since(time.Unix(issued, 0)) <= replyWindow
}

func clipText(text string) string {
	runes := []rune(text)
	if len(runes) <= maxTextLength {
		return text
	}
	return string(runes[:maxTextLength])
}
