// Package mattermost bridges Mattermost outgoing webhooks to the gateway.
// Ingress arrives as outgoing-webhook POSTs carrying a shared token; egress
// posts through the REST API with the bot account, creating direct channels
// on demand for one-to-one replies.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ocx/gateway/internal/auth"
	"github.com/ocx/gateway/pkg/channel"
)

// Config keys consumed by this adapter.
const (
	KeyURL           = "MATTERMOST_URL"
	KeyBotToken      = "MATTERMOST_BOT_TOKEN"
	KeyOutgoingToken = "MATTERMOST_OUTGOING_TOKEN"
)

const channelTag = "mattermost"

// Adapter is the Mattermost channel plugin.
type Adapter struct {
	baseURL       string
	botToken      string
	outgoingToken string
	botUserID     string

	httpClient *http.Client
	logger     *log.Logger

	mu         sync.Mutex
	dmChannels map[string]string // user id -> direct channel id
}

// outgoingWebhook is the payload Mattermost posts for outgoing webhooks.
type outgoingWebhook struct {
	Token       string `json:"token"`
	TeamID      string `json:"team_id"`
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
	PostID      string `json:"post_id"`
	Text        string `json:"text"`
	TriggerWord string `json:"trigger_word"`
}

// New creates an unconfigured Mattermost adapter.
func New() *Adapter {
	return &Adapter{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     log.New(log.Writer(), "[MATTERMOST] ", log.LstdFlags),
		dmChannels: make(map[string]string),
	}
}

func (a *Adapter) Channel() string     { return channelTag }
func (a *Adapter) DisplayName() string { return "Mattermost" }

func (a *Adapter) IsConfigured(cfg map[string]string) bool {
	return cfg[KeyURL] != "" && cfg[KeyBotToken] != ""
}

// Initialize verifies the bot token against /users/me and caches the bot's
// own user id so webhook events it authored can be dropped.
func (a *Adapter) Initialize(ctx context.Context, cfg map[string]string) error {
	a.baseURL = strings.TrimRight(cfg[KeyURL], "/")
	a.botToken = cfg[KeyBotToken]
	a.outgoingToken = cfg[KeyOutgoingToken]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/v4/users/me", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.botToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mattermost unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("mattermost token rejected (%d)", resp.StatusCode)
	}

	var me struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		return fmt.Errorf("decode users/me: %w", err)
	}

	a.botUserID = me.ID
	a.logger.Printf("✅ Connected as @%s", me.Username)
	return nil
}

// HandleWebhook decodes one outgoing-webhook POST. The shared token is the
// platform signature: a mismatch is 401. Posts authored by the bot itself
// are acknowledged and dropped.
func (a *Adapter) HandleWebhook(req channel.WebhookRequest) channel.WebhookResponse {
	var hook outgoingWebhook
	if err := json.Unmarshal(req.Body, &hook); err != nil {
		return channel.WebhookResponse{Status: http.StatusBadRequest, Body: "malformed payload"}
	}

	if a.outgoingToken != "" && !auth.TimingSafeEqual([]byte(hook.Token), []byte(a.outgoingToken)) {
		return channel.WebhookResponse{Status: http.StatusUnauthorized, Body: "invalid token"}
	}

	if hook.UserID == "" || (a.botUserID != "" && hook.UserID == a.botUserID) {
		return channel.WebhookResponse{Status: http.StatusOK}
	}

	text := stripTrigger(hook.Text, hook.TriggerWord)
	if text == "" {
		return channel.WebhookResponse{Status: http.StatusOK}
	}

	msg := channel.IncomingMessage{
		Channel:    channelTag,
		SenderID:   hook.UserID,
		SenderName: hook.UserName,
		Text:       text,
		MessageID:  hook.PostID,
		GroupID:    hook.ChannelID,
		Timestamp:  time.Now(),
		Meta:       map[string]string{"channel_id": hook.ChannelID},
	}

	return channel.WebhookResponse{Status: http.StatusOK, Messages: []channel.IncomingMessage{msg}}
}

// Deliver posts the reply. The originating channel id travels in Meta; when
// absent the reply goes to a direct channel with the recipient, created on
// first use and cached.
func (a *Adapter) Deliver(ctx context.Context, p channel.DeliveryParams) bool {
	channelID := p.Meta["channel_id"]
	if channelID == "" {
		channelID = p.ThreadID
	}
	if channelID == "" {
		var err error
		channelID, err = a.directChannel(ctx, p.RecipientID)
		if err != nil {
			a.logger.Printf("❌ Direct channel for %s: %v", auth.AuditTag(p.RecipientID), err)
			return false
		}
	}

	post := map[string]string{
		"channel_id": channelID,
		"message":    p.Text,
	}
	if p.ReplyToID != "" {
		post["root_id"] = p.ReplyToID
	}

	if err := a.post(ctx, "/api/v4/posts", post, nil); err != nil {
		a.logger.Printf("❌ Post to %s failed: %v", channelID, err)
		return false
	}
	return true
}

func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.dmChannels = make(map[string]string)
	a.mu.Unlock()
	return nil
}

// directChannel returns the DM channel shared with userID, creating it once.
func (a *Adapter) directChannel(ctx context.Context, userID string) (string, error) {
	a.mu.Lock()
	if id, ok := a.dmChannels[userID]; ok {
		a.mu.Unlock()
		return id, nil
	}
	a.mu.Unlock()

	var created struct {
		ID string `json:"id"`
	}
	if err := a.post(ctx, "/api/v4/channels/direct", []string{a.botUserID, userID}, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", fmt.Errorf("empty channel id in response")
	}

	a.mu.Lock()
	a.dmChannels[userID] = created.ID
	a.mu.Unlock()
	return created.ID, nil
}

func (a *Adapter) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.botToken)
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

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// stripTrigger removes the configured trigger word prefix ("moa help" ->
// "help"). Mattermost guarantees the trigger leads the text for
// trigger-word-fired hooks.
func stripTrigger(text, trigger string) string {
	text = strings.TrimSpace(text)
	if trigger == "" {
		return text
	}
	if strings.HasPrefix(strings.ToLower(text), strings.ToLower(trigger)) {
		return strings.TrimSpace(text[len(trigger):])
	}
	return text
}
