// Package signal bridges a signal-cli REST gateway to the gateway. Ingress
// is a fixed-period poll of /v1/receive, which drains messages queued since
// the previous call; egress posts through /v2/send. Self-sent envelopes and
// receipts carry no data message and are dropped.
package signal

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
	KeyCliURL      = "SIGNAL_CLI_URL"
	KeyPhoneNumber = "SIGNAL_PHONE_NUMBER"
)

const channelTag = "signal"

// defaultPollInterval paces the receive loop. signal-cli queues messages
// server-side, so a missed tick loses nothing.
const defaultPollInterval = 2 * time.Second

// Adapter is the Signal channel plugin.
type Adapter struct {
	baseURL string
	number  string

	handler channel.MessageHandler

	httpClient *http.Client
	logger     *log.Logger

	// pollInterval is shortened by tests.
	pollInterval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// receiveItem is one element of the /v1/receive response.
type receiveItem struct {
	Envelope struct {
		Source       string `json:"source"`
		SourceNumber string `json:"sourceNumber"`
		SourceName   string `json:"sourceName"`
		Timestamp    int64  `json:"timestamp"`
		DataMessage  *struct {
			Message   string `json:"message"`
			Timestamp int64  `json:"timestamp"`
			GroupInfo *struct {
				GroupID string `json:"groupId"`
			} `json:"groupInfo"`
		} `json:"dataMessage"`
	} `json:"envelope"`
	Account string `json:"account"`
}

// New creates an unconfigured Signal adapter.
func New() *Adapter {
	return &Adapter{
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		logger:       log.New(log.Writer(), "[SIGNAL] ", log.LstdFlags),
		pollInterval: defaultPollInterval,
	}
}

func (a *Adapter) Channel() string     { return channelTag }
func (a *Adapter) DisplayName() string { return "Signal" }

// OnMessage registers the sink for messages produced by the poll loop. Must
// be called before Initialize.
func (a *Adapter) OnMessage(h channel.MessageHandler) { a.handler = h }

func (a *Adapter) IsConfigured(cfg map[string]string) bool {
	return cfg[KeyCliURL] != "" && cfg[KeyPhoneNumber] != ""
}

// Initialize checks the signal-cli endpoint is reachable for the configured
// account and starts the poll loop.
func (a *Adapter) Initialize(ctx context.Context, cfg map[string]string) error {
	a.baseURL = strings.TrimRight(cfg[KeyCliURL], "/")
	a.number = cfg[KeyPhoneNumber]

	if _, err := a.receive(ctx); err != nil {
		return fmt.Errorf("signal-cli unreachable: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.pollLoop(loopCtx)

	a.logger.Printf("✅ Polling as %s every %s", a.number, a.pollInterval)
	return nil
}

// pollLoop fetches queued messages on a fixed ticker. Failed polls are logged
// and the loop keeps its cadence; signal-cli holds undelivered messages.
func (a *Adapter) pollLoop(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			items, err := a.receive(ctx)
			if err != nil {
				if ctx.Err() == nil {
					a.logger.Printf("⚠️ Receive failed: %v", err)
				}
				continue
			}
			for _, item := range items {
				a.dispatch(item)
			}
		}
	}
}

func (a *Adapter) receive(ctx context.Context) ([]receiveItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+"/v1/receive/"+url.PathEscape(a.number), nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var items []receiveItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode receive: %w", err)
	}
	return items, nil
}

// dispatch converts one envelope into the canonical form. Envelopes without
// a data message (receipts, typing indicators) and self-sent messages are
// dropped.
func (a *Adapter) dispatch(item receiveItem) {
	env := item.Envelope
	if env.DataMessage == nil || a.handler == nil {
		return
	}

	sender := env.SourceNumber
	if sender == "" {
		sender = env.Source
	}
	if sender == "" || sender == a.number {
		return
	}

	text := strings.TrimSpace(env.DataMessage.Message)
	if text == "" {
		return
	}

	groupID := ""
	if env.DataMessage.GroupInfo != nil {
		groupID = env.DataMessage.GroupInfo.GroupID
	}

	ts := env.DataMessage.Timestamp
	if ts == 0 {
		ts = env.Timestamp
	}

	msg := channel.IncomingMessage{
		Channel:    channelTag,
		SenderID:   sender,
		SenderName: env.SourceName,
		Text:       text,
		MessageID:  strconv.FormatInt(ts, 10),
		GroupID:    groupID,
		Timestamp:  time.UnixMilli(ts),
		Meta:       map[string]string{},
	}
	if groupID != "" {
		msg.Meta["group_id"] = groupID
	}
	a.handler(msg)
}

// HandleWebhook exists to satisfy the contract; Signal ingress is the
// receive poll.
func (a *Adapter) HandleWebhook(req channel.WebhookRequest) channel.WebhookResponse {
	return channel.WebhookResponse{Status: http.StatusOK, Body: "signal ingress polls signal-cli; nothing to deliver here"}
}

// Deliver sends one message through /v2/send. A group hint switches the
// recipient to the group id; otherwise the reply goes straight to the
// sender's number.
func (a *Adapter) Deliver(ctx context.Context, p channel.DeliveryParams) bool {
	recipient := p.Meta["group_id"]
	if recipient == "" {
		recipient = p.ThreadID
	}
	if recipient == "" {
		recipient = p.RecipientID
	}
	if recipient == "" {
		a.logger.Printf("❌ No recipient in delivery params")
		return false
	}

	payload := map[string]interface{}{
		"message":    p.Text,
		"number":     a.number,
		"recipients": []string{recipient},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v2/send", bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.logger.Printf("❌ Send to %s failed: %v", auth.AuditTag(recipient), err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		a.logger.Printf("❌ Send to %s returned %d: %s", auth.AuditTag(recipient), resp.StatusCode, strings.TrimSpace(string(snippet)))
		return false
	}
	return true
}

// Shutdown stops the poll loop and waits for it to exit.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if a.cancel == nil {
		return nil
	}
	a.cancel()
	select {
	case <-a.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
