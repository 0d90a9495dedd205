// Package whatsapp bridges the WhatsApp Cloud API to the gateway. Meta
// verifies the webhook once with a GET challenge handshake, then pushes
// message notifications signed with X-Hub-Signature-256. Egress goes through
// the Graph API messages endpoint.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ocx/gateway/internal/auth"
	"github.com/ocx/gateway/pkg/channel"
)

// Config keys consumed by this adapter.
const (
	KeyToken       = "WHATSAPP_TOKEN"
	KeyPhoneID     = "WHATSAPP_PHONE_ID"
	KeyVerifyToken = "WHATSAPP_VERIFY_TOKEN"
	KeyAppSecret   = "WHATSAPP_APP_SECRET"
)

const (
	channelTag      = "whatsapp"
	signatureHeader = "X-Hub-Signature-256"
	signaturePrefix = "sha256="
)

// Adapter is the WhatsApp Cloud channel plugin.
type Adapter struct {
	token       string
	phoneID     string
	verifyToken string
	appSecret   string
	apiBase     string

	httpClient *http.Client
	logger     *log.Logger
}

// notification is the Cloud API webhook envelope. Status updates arrive in
// the same shape with value.statuses instead of value.messages.
type notification struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					From      string `json:"from"`
					ID        string `json:"id"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// New creates an unconfigured WhatsApp adapter.
func New() *Adapter {
	return &Adapter{
		apiBase:    "https://graph.facebook.com/v18.0",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     log.New(log.Writer(), "[WHATSAPP] ", log.LstdFlags),
	}
}

func (a *Adapter) Channel() string     { return channelTag }
func (a *Adapter) DisplayName() string { return "WhatsApp Cloud" }

func (a *Adapter) IsConfigured(cfg map[string]string) bool {
	return cfg[KeyToken] != "" && cfg[KeyPhoneID] != "" && cfg[KeyVerifyToken] != ""
}

// Initialize checks the access token against the phone-number node.
func (a *Adapter) Initialize(ctx context.Context, cfg map[string]string) error {
	a.token = cfg[KeyToken]
	a.phoneID = cfg[KeyPhoneID]
	a.verifyToken = cfg[KeyVerifyToken]
	a.appSecret = cfg[KeyAppSecret]

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/%s?fields=display_phone_number", a.apiBase, a.phoneID), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graph api unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("whatsapp token rejected (%d)", resp.StatusCode)
	}

	var node struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&node); err != nil {
		return fmt.Errorf("decode phone node: %w", err)
	}

	a.logger.Printf("✅ Sending as %s", node.DisplayPhoneNumber)
	return nil
}

// HandleWebhook serves both the GET verification handshake and signed POST
// notifications. Only text messages become canonical messages; delivery
// statuses and other types are acknowledged.
func (a *Adapter) HandleWebhook(req channel.WebhookRequest) channel.WebhookResponse {
	if req.Method == http.MethodGet {
		return a.verifyChallenge(req.Path)
	}

	if a.appSecret != "" {
		sig := req.Headers.Get(signatureHeader)
		if !auth.VerifyHMACSHA256(req.Body, sig, a.appSecret, signaturePrefix) {
			return channel.WebhookResponse{Status: http.StatusUnauthorized, Body: "invalid signature"}
		}
	}

	var note notification
	if err := json.Unmarshal(req.Body, &note); err != nil {
		return channel.WebhookResponse{Status: http.StatusBadRequest, Body: "malformed payload"}
	}

	var messages []channel.IncomingMessage
	for _, entry := range note.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}

			names := make(map[string]string, len(change.Value.Contacts))
			for _, contact := range change.Value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}

			for _, wa := range change.Value.Messages {
				if wa.Type != "text" {
					continue
				}
				text := strings.TrimSpace(wa.Text.Body)
				if wa.From == "" || text == "" {
					continue
				}
				messages = append(messages, channel.IncomingMessage{
					Channel:    channelTag,
					SenderID:   wa.From,
					SenderName: names[wa.From],
					Text:       text,
					MessageID:  wa.ID,
					Timestamp:  unixTime(wa.Timestamp),
				})
			}
		}
	}

	return channel.WebhookResponse{Status: http.StatusOK, Messages: messages}
}

// verifyChallenge answers Meta's subscription handshake: echo hub.challenge
// when the verify token matches, 403 otherwise.
func (a *Adapter) verifyChallenge(rawPath string) channel.WebhookResponse {
	u, err := url.Parse(rawPath)
	if err != nil {
		return channel.WebhookResponse{Status: http.StatusBadRequest, Body: "bad query"}
	}
	q := u.Query()

	if q.Get("hub.mode") != "subscribe" ||
		!auth.TimingSafeEqual([]byte(q.Get("hub.verify_token")), []byte(a.verifyToken)) {
		return channel.WebhookResponse{Status: http.StatusForbidden, Body: "verification failed"}
	}

	return channel.WebhookResponse{Status: http.StatusOK, Body: q.Get("hub.challenge")}
}

// Deliver sends one text through the Graph API.
func (a *Adapter) Deliver(ctx context.Context, p channel.DeliveryParams) bool {
	payload := map[string]interface{}{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                p.RecipientID,
		"type":              "text",
		"text":              map[string]interface{}{"preview_url": false, "body": p.Text},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s/messages", a.apiBase, a.phoneID), bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.Printf("❌ Send to %s failed: %v", auth.AuditTag(p.RecipientID), err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		a.logger.Printf("❌ Graph api rejected send: %d %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		return false
	}
	return true
}

func (a *Adapter) Shutdown(ctx context.Context) error { return nil }

func unixTime(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}
