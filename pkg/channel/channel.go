// Package channel defines the adapter contract every chat platform
// integration must implement, plus the registry that wires adapters to the
// gateway at boot. Implement Plugin (and Pusher, if the platform is polled
// or socket-driven rather than webhook-pushed) to bridge a new platform
// without modifying gateway source code.
package channel

import (
	"context"
	"net/http"
	"time"
)

// IncomingMessage is the platform-neutral message produced by an adapter and
// consumed exactly once by the ingress pipeline.
type IncomingMessage struct {
	// Channel is the adapter's compile-time tag ("telegram", "matrix", ...).
	Channel string `json:"channel"`

	// SenderID is the platform-scoped opaque id of the author.
	SenderID string `json:"sender_id"`

	// SenderName is an optional human-readable label.
	SenderName string `json:"sender_name,omitempty"`

	// Text is the cleaned message body (platform prefixes already stripped).
	Text string `json:"text"`

	// MessageID is the platform message id, when the platform provides one.
	MessageID string `json:"message_id,omitempty"`

	// GroupID identifies the room/channel/space for group-originated
	// messages; empty for direct messages.
	GroupID string `json:"group_id,omitempty"`

	// Timestamp is the platform-reported time, zero when unknown.
	Timestamp time.Time `json:"timestamp,omitempty"`

	// Meta carries adapter-specific delivery hints (room id, thread ts,
	// space name) preserved untouched across the pipeline for egress.
	Meta map[string]string `json:"meta,omitempty"`
}

// DeliveryParams is the egress contract: produced by the pipeline, consumed
// by an adapter's Deliver.
type DeliveryParams struct {
	RecipientID string            `json:"recipient_id"`
	Text        string            `json:"text"`
	ReplyToID   string            `json:"reply_to_id,omitempty"`
	ThreadID    string            `json:"thread_id,omitempty"`
	Meta        map[string]string `json:"meta,omitempty"`
}

// WebhookRequest is the raw inbound HTTP request handed to an adapter by the
// edge, untouched so signature verification can run over the exact bytes.
type WebhookRequest struct {
	Path    string
	Method  string
	Headers http.Header
	Body    []byte
}

// WebhookResponse instructs the edge what to answer the platform. Status and
// Body are echoed verbatim; Messages feed the pipeline.
type WebhookResponse struct {
	Status   int
	Body     string
	Messages []IncomingMessage
}

// MessageHandler receives messages produced by polling/socket adapters.
type MessageHandler func(msg IncomingMessage)

// Plugin is the contract every channel adapter implements.
type Plugin interface {
	// Channel returns the adapter's unique tag. Must be a constant.
	Channel() string

	// DisplayName returns the human label used in logs and admin output.
	DisplayName() string

	// IsConfigured inspects configuration only; no I/O.
	IsConfigured(cfg map[string]string) bool

	// Initialize validates credentials and starts any background loop.
	// Called once, only when IsConfigured is true.
	Initialize(ctx context.Context, cfg map[string]string) error

	// HandleWebhook synchronously decodes one platform push into zero or
	// more canonical messages. Must verify platform signatures (401 on
	// failure), answer 400 on malformed bodies, and 200 with no messages
	// for event types the adapter does not handle.
	HandleWebhook(req WebhookRequest) WebhookResponse

	// Deliver sends one reply through the platform. Returns false on any
	// transport or platform error; never panics.
	Deliver(ctx context.Context, p DeliveryParams) bool

	// Shutdown stops timers and sockets and releases cached tokens.
	Shutdown(ctx context.Context) error
}

// Pusher is implemented by adapters whose ingress is a background loop
// (long-poll, REST-poll, persistent socket). The host registers the handler
// before Initialize; the adapter invokes it for every message the loop
// produces.
type Pusher interface {
	OnMessage(h MessageHandler)
}
