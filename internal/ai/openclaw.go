package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Health probe budget before any dial attempt
	healthTimeout = 5 * time.Second

	// Max time allowed to write a single frame
	writeWait = 10 * time.Second

	// DefaultOpenclawTimeout bounds one whole chat turn
	DefaultOpenclawTimeout = 90 * time.Second
)

// ErrUnavailable means the agent endpoint failed its health probe.
var ErrUnavailable = errors.New("agent endpoint unavailable")

// OpenclawClient speaks the duplex chat protocol with the agent endpoint.
// One connection per chat turn; the endpoint holds session state keyed by
// sessionKey.
type OpenclawClient struct {
	gatewayURL string
	token      string
	timeout    time.Duration

	httpClient *http.Client
	dialer     *websocket.Dialer
}

// NewOpenclawClient creates a client for the given endpoint. Token is
// optional; timeout <= 0 falls back to the default.
func NewOpenclawClient(gatewayURL, token string, timeout time.Duration) *OpenclawClient {
	if timeout <= 0 {
		timeout = DefaultOpenclawTimeout
	}
	return &OpenclawClient{
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		token:      token,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: healthTimeout},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// httpURL maps the configured endpoint to its HTTP form for the health probe.
func (c *OpenclawClient) httpURL() string {
	switch {
	case strings.HasPrefix(c.gatewayURL, "wss://"):
		return "https://" + strings.TrimPrefix(c.gatewayURL, "wss://")
	case strings.HasPrefix(c.gatewayURL, "ws://"):
		return "http://" + strings.TrimPrefix(c.gatewayURL, "ws://")
	default:
		return c.gatewayURL
	}
}

// wsURL maps the configured endpoint to its websocket form for dialing.
func (c *OpenclawClient) wsURL() string {
	switch {
	case strings.HasPrefix(c.gatewayURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.gatewayURL, "https://")
	case strings.HasPrefix(c.gatewayURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.gatewayURL, "http://")
	default:
		return c.gatewayURL
	}
}

// Available probes GET /health. Non-200 or transport failure means the
// endpoint should not be dialed this turn.
func (c *OpenclawClient) Available(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.httpURL()+"/health", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// Chat runs one full turn: health probe, dial, connect handshake, chat.send,
// then consumes the event stream until a final or error state. The overall
// deadline closes the socket.
func (c *OpenclawClient) Chat(ctx context.Context, req *Request) (*Result, error) {
	if err := c.Available(ctx); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, _, err := c.dialer.DialContext(dialCtx, c.wsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial agent endpoint: %w", err)
	}
	defer conn.Close()

	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	// Handshake: identity, optional auth, requested scopes.
	connectID := uuid.New().String()
	params := connectParams{
		Client: connectClient{ID: "moa-gateway", Version: "1"},
		Scopes: []string{"chat"},
	}
	if c.token != "" {
		params.Auth = &connectAuth{Token: c.token}
	}
	if err := c.writeFrame(conn, Frame{Type: frameReq, ID: connectID, Method: "connect", Params: params}); err != nil {
		return nil, fmt.Errorf("send connect: %w", err)
	}
	if err := c.awaitRes(conn, connectID); err != nil {
		return nil, fmt.Errorf("connect rejected: %w", err)
	}

	// One chat turn with a fresh idempotency key.
	sendID := uuid.New().String()
	send := chatSendParams{
		SessionKey:     req.SessionID,
		Message:        req.Content,
		IdempotencyKey: uuid.New().String(),
		TimeoutMs:      c.timeout.Milliseconds(),
	}
	if err := c.writeFrame(conn, Frame{Type: frameReq, ID: sendID, Method: "chat.send", Params: send}); err != nil {
		return nil, fmt.Errorf("send chat: %w", err)
	}

	return c.consume(conn, sendID)
}

// consume reads frames until the turn resolves.
func (c *OpenclawClient) consume(conn *websocket.Conn, sendID string) (*Result, error) {
	var acc strings.Builder

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return nil, fmt.Errorf("agent stream: %w", err)
		}

		switch f.Type {
		case frameRes:
			if f.ID == sendID && f.OK != nil && !*f.OK {
				return nil, fmt.Errorf("chat.send rejected: %s", frameErrorText(f.Error))
			}

		case frameEvent:
			if f.Event != "chat" {
				continue
			}
			var ev chatEventPayload
			if err := json.Unmarshal(f.Payload, &ev); err != nil {
				slog.Warn("Unparseable chat event", "error", err)
				continue
			}

			switch ev.State {
			case stateStreaming:
				acc.WriteString(ev.Delta)

			case stateFinal:
				// The final message content is authoritative over deltas.
				reply := ev.Message.text()
				if reply == "" {
					reply = acc.String()
				}
				return c.result(reply), nil

			case stateError:
				if acc.Len() > 0 {
					slog.Warn("Agent turn errored mid-stream, returning partial", "error", ev.Error)
					return c.result(acc.String()), nil
				}
				return nil, fmt.Errorf("agent error: %s", ev.Error)
			}

		case frameReq:
			// Server-initiated requests are outside this client's scope.
		}
	}
}

func (c *OpenclawClient) result(reply string) *Result {
	return &Result{
		Reply:     reply,
		Model:     "openclaw",
		KeySource: "gateway",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Tier:      TierOpenclaw,
	}
}

// awaitRes reads until the res frame for id arrives; event frames received
// meanwhile are discarded.
func (c *OpenclawClient) awaitRes(conn *websocket.Conn, id string) error {
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		if f.Type != frameRes || f.ID != id {
			continue
		}
		if f.OK != nil && !*f.OK {
			return errors.New(frameErrorText(f.Error))
		}
		return nil
	}
}

func (c *OpenclawClient) writeFrame(conn *websocket.Conn, f Frame) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(f)
}

func frameErrorText(fe *FrameError) string {
	if fe == nil {
		return "unspecified error"
	}
	if fe.Code != "" {
		return fe.Code + ": " + fe.Message
	}
	return fe.Message
}
