// Package matrix bridges a Matrix homeserver to the gateway over the client
// /sync long-poll API. The sync loop establishes a fresh since-token on every
// boot (tokens are never persisted), filters self-sent and non-text events,
// and feeds the rest through the registered message handler. Egress sends
// m.text events, creating direct rooms on demand.
package matrix

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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/gateway/internal/auth"
	"github.com/ocx/gateway/pkg/channel"
)

// Config keys consumed by this adapter.
const (
	KeyHomeserver  = "MATRIX_HOMESERVER"
	KeyAccessToken = "MATRIX_ACCESS_TOKEN"
	KeyUserID      = "MATRIX_USER_ID"
)

const channelTag = "matrix"

const (
	defaultPollTimeout = 30 * time.Second
	maxSyncBackoff     = 30 * time.Second
)

// Adapter is the Matrix channel plugin.
type Adapter struct {
	homeserver string
	token      string
	userID     string

	handler channel.MessageHandler

	httpClient *http.Client
	logger     *log.Logger

	// pollTimeout is the server-side long-poll window; syncBackoff seeds
	// the failure backoff. Both are shortened by tests.
	pollTimeout time.Duration
	syncBackoff time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	dmRooms map[string]string // user id -> direct room id
}

type syncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join map[string]roomTimeline `json:"join"`
	} `json:"rooms"`
}

type roomTimeline struct {
	Timeline struct {
		Events []timelineEvent `json:"events"`
	} `json:"timeline"`
}

type timelineEvent struct {
	Type           string `json:"type"`
	Sender         string `json:"sender"`
	EventID        string `json:"event_id"`
	OriginServerTS int64  `json:"origin_server_ts"`
	Content        struct {
		MsgType string `json:"msgtype"`
		Body    string `json:"body"`
	} `json:"content"`
}

// New creates an unconfigured Matrix adapter.
func New() *Adapter {
	return &Adapter{
		httpClient:  &http.Client{Timeout: defaultPollTimeout + 15*time.Second},
		logger:      log.New(log.Writer(), "[MATRIX] ", log.LstdFlags),
		pollTimeout: defaultPollTimeout,
		syncBackoff: time.Second,
		dmRooms:     make(map[string]string),
	}
}

func (a *Adapter) Channel() string     { return channelTag }
func (a *Adapter) DisplayName() string { return "Matrix" }

// OnMessage registers the sink for messages produced by the sync loop. Must
// be called before Initialize.
func (a *Adapter) OnMessage(h channel.MessageHandler) { a.handler = h }

func (a *Adapter) IsConfigured(cfg map[string]string) bool {
	return cfg[KeyHomeserver] != "" && cfg[KeyAccessToken] != "" && cfg[KeyUserID] != ""
}

// Initialize checks the token with whoami and starts the sync loop.
func (a *Adapter) Initialize(ctx context.Context, cfg map[string]string) error {
	a.homeserver = strings.TrimRight(cfg[KeyHomeserver], "/")
	a.token = cfg[KeyAccessToken]
	a.userID = cfg[KeyUserID]

	var who struct {
		UserID string `json:"user_id"`
	}
	if err := a.call(ctx, http.MethodGet, "/_matrix/client/v3/account/whoami", nil, &who); err != nil {
		return fmt.Errorf("whoami: %w", err)
	}
	if who.UserID != "" && who.UserID != a.userID {
		return fmt.Errorf("token belongs to %s, configured as %s", who.UserID, a.userID)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.syncLoop(loopCtx)

	a.logger.Printf("✅ Syncing as %s", a.userID)
	return nil
}

// syncLoop is the long-poll state machine. The first successful sync only
// establishes the since-token; its timeline is history and is dropped.
// Failures keep the token and back off, doubling up to maxSyncBackoff.
func (a *Adapter) syncLoop(ctx context.Context) {
	defer close(a.done)

	since := ""
	primed := false
	backoff := a.syncBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		resp, err := a.sync(ctx, since, primed)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.logger.Printf("⚠️ Sync failed (retry in %s): %v", backoff, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxSyncBackoff {
				backoff = maxSyncBackoff
			}
			continue
		}

		backoff = a.syncBackoff
		if primed {
			a.drainTimeline(resp)
		}
		if resp.NextBatch != "" {
			since = resp.NextBatch
			primed = true
		}
	}
}

func (a *Adapter) sync(ctx context.Context, since string, primed bool) (*syncResponse, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	if primed {
		q.Set("timeout", strconv.FormatInt(a.pollTimeout.Milliseconds(), 10))
	} else {
		// Initial sync: return immediately and keep the payload small,
		// the timeline is dropped anyway.
		q.Set("timeout", "0")
		q.Set("filter", `{"room":{"timeline":{"limit":1}}}`)
	}

	var resp syncResponse
	if err := a.call(ctx, http.MethodGet, "/_matrix/client/v3/sync?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *Adapter) drainTimeline(resp *syncResponse) {
	for roomID, room := range resp.Rooms.Join {
		for _, event := range room.Timeline.Events {
			if event.Type != "m.room.message" || event.Sender == a.userID {
				continue
			}
			if event.Content.MsgType != "m.text" {
				continue
			}
			text := strings.TrimSpace(event.Content.Body)
			if text == "" {
				continue
			}
			if a.handler == nil {
				continue
			}
			a.handler(channel.IncomingMessage{
				Channel:   channelTag,
				SenderID:  event.Sender,
				Text:      text,
				MessageID: event.EventID,
				GroupID:   roomID,
				Timestamp: time.UnixMilli(event.OriginServerTS),
				Meta:      map[string]string{"room_id": roomID},
			})
		}
	}
}

// HandleWebhook exists to satisfy the contract; Matrix ingress is the sync
// loop.
func (a *Adapter) HandleWebhook(req channel.WebhookRequest) channel.WebhookResponse {
	return channel.WebhookResponse{Status: http.StatusOK, Body: "matrix ingress uses /sync long-polling; nothing to deliver here"}
}

// Deliver sends one m.text event into the originating room, creating a
// direct room first when no room hint is present.
func (a *Adapter) Deliver(ctx context.Context, p channel.DeliveryParams) bool {
	roomID := p.Meta["room_id"]
	if roomID == "" {
		roomID = p.ThreadID
	}
	if roomID == "" {
		var err error
		roomID, err = a.directRoom(ctx, p.RecipientID)
		if err != nil {
			a.logger.Printf("❌ Direct room for %s: %v", auth.AuditTag(p.RecipientID), err)
			return false
		}
	}

	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		url.PathEscape(roomID), uuid.NewString())
	payload := map[string]string{"msgtype": "m.text", "body": p.Text}

	if err := a.call(ctx, http.MethodPut, path, payload, nil); err != nil {
		a.logger.Printf("❌ Send to %s failed: %v", roomID, err)
		return false
	}
	return true
}

// Shutdown stops the sync loop and waits for it to exit.
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

// directRoom returns the direct room shared with userID, creating it once.
func (a *Adapter) directRoom(ctx context.Context, userID string) (string, error) {
	a.mu.Lock()
	if id, ok := a.dmRooms[userID]; ok {
		a.mu.Unlock()
		return id, nil
	}
	a.mu.Unlock()

	payload := map[string]interface{}{
		"preset":    "trusted_private_chat",
		"invite":    []string{userID},
		"is_direct": true,
	}
	var created struct {
		RoomID string `json:"room_id"`
	}
	if err := a.call(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", payload, &created); err != nil {
		return "", err
	}
	if created.RoomID == "" {
		return "", fmt.Errorf("empty room_id in response")
	}

	a.mu.Lock()
	a.dmRooms[userID] = created.RoomID
	a.mu.Unlock()
	return created.RoomID, nil
}

func (a *Adapter) call(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.homeserver+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if payload != nil {
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
