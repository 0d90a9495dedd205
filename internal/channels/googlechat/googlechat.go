// Package googlechat bridges Google Chat bot events to the gateway. Ingress
// is the Chat event webhook; egress goes through the Chat REST API with a
// service-account access token (JWT-bearer grant, see token.go). Direct
// replies resolve the DM space once per user and cache it.
package googlechat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ocx/gateway/internal/auth"
	"github.com/ocx/gateway/pkg/channel"
)

// Config keys consumed by this adapter.
const (
	// KeyServiceAccount holds the service-account key: either a file path
	// or the JSON itself.
	KeyServiceAccount = "GOOGLE_CHAT_SERVICE_ACCOUNT"
	// KeyAudience is the project number Google Chat sets as the bearer
	// audience on events it pushes. Empty skips the bearer check.
	KeyAudience = "GOOGLE_CHAT_AUDIENCE"
)

const (
	channelTag = "googlechat"
	chatIssuer = "chat@system.gserviceaccount.com"
)

// Adapter is the Google Chat channel plugin.
type Adapter struct {
	audience string
	tokens   *tokenSource
	apiBase  string

	httpClient *http.Client
	logger     *log.Logger

	mu       sync.Mutex
	dmSpaces map[string]string // user name -> space name
}

// chatEvent is the envelope Google Chat pushes for bot events.
type chatEvent struct {
	Type    string `json:"type"`
	Message struct {
		Name   string `json:"name"`
		Sender struct {
			Name        string `json:"name"`
			DisplayName string `json:"displayName"`
			Type        string `json:"type"`
		} `json:"sender"`
		Text         string `json:"text"`
		ArgumentText string `json:"argumentText"`
		Thread       struct {
			Name string `json:"name"`
		} `json:"thread"`
	} `json:"message"`
	Space struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"space"`
}

// New creates an unconfigured Google Chat adapter.
func New() *Adapter {
	return &Adapter{
		apiBase:    "https://chat.googleapis.com",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     log.New(log.Writer(), "[GOOGLE-CHAT] ", log.LstdFlags),
		dmSpaces:   make(map[string]string),
	}
}

func (a *Adapter) Channel() string     { return channelTag }
func (a *Adapter) DisplayName() string { return "Google Chat" }

func (a *Adapter) IsConfigured(cfg map[string]string) bool {
	return cfg[KeyServiceAccount] != ""
}

// Initialize parses the service-account key and mints a first access token
// so credential problems fail the boot instead of the first delivery.
func (a *Adapter) Initialize(ctx context.Context, cfg map[string]string) error {
	a.audience = cfg[KeyAudience]

	sa, err := loadServiceAccount(cfg[KeyServiceAccount])
	if err != nil {
		return err
	}

	a.tokens, err = newTokenSource(sa, a.httpClient)
	if err != nil {
		return err
	}

	if _, err := a.tokens.Token(ctx); err != nil {
		return fmt.Errorf("credential check: %w", err)
	}

	a.logger.Printf("✅ Service account %s ready", sa.ClientEmail)
	return nil
}

// HandleWebhook decodes one Chat event. Only MESSAGE events from human
// senders produce a canonical message; everything else is acknowledged so
// Google does not retry.
func (a *Adapter) HandleWebhook(req channel.WebhookRequest) channel.WebhookResponse {
	if !a.verifyBearer(req.Headers.Get("Authorization")) {
		return channel.WebhookResponse{Status: http.StatusUnauthorized, Body: "invalid bearer"}
	}

	var event chatEvent
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return channel.WebhookResponse{Status: http.StatusBadRequest, Body: "malformed payload"}
	}

	if event.Type != "MESSAGE" || event.Message.Sender.Type == "BOT" {
		return channel.WebhookResponse{Status: http.StatusOK}
	}

	// argumentText is the body with the bot mention already removed.
	text := strings.TrimSpace(event.Message.ArgumentText)
	if text == "" {
		text = strings.TrimSpace(event.Message.Text)
	}
	if text == "" {
		return channel.WebhookResponse{Status: http.StatusOK}
	}

	meta := map[string]string{"space": event.Space.Name}
	if event.Message.Thread.Name != "" {
		meta["thread"] = event.Message.Thread.Name
	}

	groupID := ""
	if event.Space.Type != "DM" {
		groupID = event.Space.Name
	}

	msg := channel.IncomingMessage{
		Channel:    channelTag,
		SenderID:   event.Message.Sender.Name,
		SenderName: event.Message.Sender.DisplayName,
		Text:       text,
		MessageID:  event.Message.Name,
		GroupID:    groupID,
		Timestamp:  time.Now(),
		Meta:       meta,
	}

	return channel.WebhookResponse{Status: http.StatusOK, Messages: []channel.IncomingMessage{msg}}
}

// Deliver creates a message in the originating space, threading when the
// event carried a thread name. Replies without a space hint resolve the
// recipient's DM space first.
func (a *Adapter) Deliver(ctx context.Context, p channel.DeliveryParams) bool {
	space := p.Meta["space"]
	if space == "" {
		space = p.ThreadID
	}
	if space == "" {
		var err error
		space, err = a.directSpace(ctx, p.RecipientID)
		if err != nil {
			a.logger.Printf("❌ DM space for %s: %v", auth.AuditTag(p.RecipientID), err)
			return false
		}
	}

	payload := map[string]interface{}{"text": p.Text}
	if thread := p.Meta["thread"]; thread != "" {
		payload["thread"] = map[string]string{"name": thread}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return false
	}

	url := fmt.Sprintf("%s/v1/%s/messages?messageReplyOption=REPLY_MESSAGE_FALLBACK_TO_NEW_THREAD", a.apiBase, space)
	if err := a.call(ctx, http.MethodPost, url, bytes.NewReader(body), nil); err != nil {
		a.logger.Printf("❌ Send to %s failed: %v", space, err)
		return false
	}
	return true
}

func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.dmSpaces = make(map[string]string)
	a.mu.Unlock()
	return nil
}

// verifyBearer checks the audience and issuer claims of the bearer Google
// Chat attaches to pushed events. An empty configured audience skips the
// check.
func (a *Adapter) verifyBearer(header string) bool {
	if a.audience == "" {
		return true
	}

	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return false
	}

	aud, err := claims.GetAudience()
	if err != nil || len(aud) == 0 {
		return false
	}
	iss, err := claims.GetIssuer()
	if err != nil || iss != chatIssuer {
		return false
	}

	for _, candidate := range aud {
		if auth.TimingSafeEqual([]byte(candidate), []byte(a.audience)) {
			return true
		}
	}
	return false
}

// directSpace finds the DM space shared with userName, caching the result.
func (a *Adapter) directSpace(ctx context.Context, userName string) (string, error) {
	a.mu.Lock()
	if space, ok := a.dmSpaces[userName]; ok {
		a.mu.Unlock()
		return space, nil
	}
	a.mu.Unlock()

	var found struct {
		Name string `json:"name"`
	}
	url := fmt.Sprintf("%s/v1/spaces:findDirectMessage?name=%s", a.apiBase, userName)
	if err := a.call(ctx, http.MethodGet, url, nil, &found); err != nil {
		return "", err
	}
	if found.Name == "" {
		return "", fmt.Errorf("no DM space for user")
	}

	a.mu.Lock()
	a.dmSpaces[userName] = found.Name
	a.mu.Unlock()
	return found.Name, nil
}

func (a *Adapter) call(ctx context.Context, method, url string, body io.Reader, out interface{}) error {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

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

// loadServiceAccount accepts either inline JSON or a path to the key file.
func loadServiceAccount(value string) (serviceAccount, error) {
	raw := []byte(value)
	if !strings.HasPrefix(strings.TrimSpace(value), "{") {
		var err error
		raw, err = os.ReadFile(value)
		if err != nil {
			return serviceAccount{}, fmt.Errorf("read service-account file: %w", err)
		}
	}

	var sa serviceAccount
	if err := json.Unmarshal(raw, &sa); err != nil {
		return serviceAccount{}, fmt.Errorf("parse service-account key: %w", err)
	}
	return sa, nil
}
