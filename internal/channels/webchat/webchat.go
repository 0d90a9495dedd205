// Package webchat bridges the first-party web widget to the gateway over a
// socket.io connection mounted on the gateway's own HTTP edge. Each visitor
// joins a room keyed by their visitor id; replies are broadcast into that
// room, so every open tab of the same visitor sees them.
package webchat

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/google/uuid"

	"github.com/ocx/gateway/pkg/channel"
)

// KeyEnabled switches the adapter on; the widget needs no credentials, the
// socket endpoint is same-origin with the site embedding it.
const KeyEnabled = "WEBCHAT_ENABLED"

const channelTag = "webchat"

// Socket event names shared with the widget.
const (
	eventMessage = "chat_message"
	eventReply   = "chat_reply"
)

// broadcaster is the slice of *socketio.Server the adapter uses for egress,
// narrowed so tests can fake room delivery.
type broadcaster interface {
	BroadcastToRoom(namespace string, room, event string, args ...interface{}) bool
	Serve() error
	Close() error
}

// Adapter is the web-chat channel plugin.
type Adapter struct {
	srv   *socketio.Server
	bcast broadcaster

	handler channel.MessageHandler
	logger  *log.Logger
}

// New creates an unconfigured web-chat adapter.
func New() *Adapter {
	return &Adapter{
		logger: log.New(log.Writer(), "[WEBCHAT] ", log.LstdFlags),
	}
}

func (a *Adapter) Channel() string     { return channelTag }
func (a *Adapter) DisplayName() string { return "Web Chat" }

// OnMessage registers the sink for messages produced by the socket. Must be
// called before Initialize.
func (a *Adapter) OnMessage(h channel.MessageHandler) { a.handler = h }

func (a *Adapter) IsConfigured(cfg map[string]string) bool {
	return strings.EqualFold(cfg[KeyEnabled], "true")
}

// Initialize builds the socket.io server and starts its serve loop. The HTTP
// edge mounts Handler() under /socket.io/.
func (a *Adapter) Initialize(ctx context.Context, cfg map[string]string) error {
	srv := socketio.NewServer(nil)
	srv.OnConnect("/", a.onConnect)
	srv.OnEvent("/", eventMessage, a.onChatMessage)
	srv.OnError("/", func(_ socketio.Conn, err error) {
		a.logger.Printf("⚠️ Socket error: %v", err)
	})
	srv.OnDisconnect("/", func(_ socketio.Conn, _ string) {})

	a.srv = srv
	a.bcast = srv
	go func() {
		if err := srv.Serve(); err != nil {
			a.logger.Printf("⚠️ Serve loop ended: %v", err)
		}
	}()

	a.logger.Printf("✅ Widget socket ready")
	return nil
}

// Handler exposes the socket.io endpoint for mounting on the HTTP edge.
// Nil before Initialize.
func (a *Adapter) Handler() http.Handler { return a.srv }

// onConnect pins the visitor identity for the connection's lifetime. The
// widget passes ?visitor=<id> on the handshake; anonymous visitors get a
// fresh id that lives as long as the tab.
func (a *Adapter) onConnect(s socketio.Conn) error {
	u := s.URL()
	visitor := strings.TrimSpace(u.Query().Get("visitor"))
	if visitor == "" {
		visitor = "anon-" + uuid.NewString()
	}
	s.SetContext(visitor)
	s.Join(visitor)
	return nil
}

// onChatMessage feeds one widget utterance into the pipeline. The visitor id
// set at connect time is the sender; the room doubles as the delivery hint.
func (a *Adapter) onChatMessage(s socketio.Conn, text string) {
	visitor, _ := s.Context().(string)
	text = strings.TrimSpace(text)
	if visitor == "" || text == "" || a.handler == nil {
		return
	}

	a.handler(channel.IncomingMessage{
		Channel:   channelTag,
		SenderID:  visitor,
		Text:      text,
		MessageID: uuid.NewString(),
		Timestamp: time.Now(),
		Meta:      map[string]string{"room": visitor},
	})
}

// HandleWebhook exists to satisfy the contract; widget ingress is the socket.
func (a *Adapter) HandleWebhook(req channel.WebhookRequest) channel.WebhookResponse {
	return channel.WebhookResponse{Status: http.StatusOK, Body: "webchat ingress uses the socket.io endpoint; nothing to deliver here"}
}

// Deliver broadcasts the reply into the visitor's room. False when no
// connection is in the room — the visitor closed the tab.
func (a *Adapter) Deliver(ctx context.Context, p channel.DeliveryParams) bool {
	if a.bcast == nil {
		a.logger.Printf("❌ Deliver called before Initialize")
		return false
	}

	room := p.Meta["room"]
	if room == "" {
		room = p.RecipientID
	}
	if room == "" {
		return false
	}

	if !a.bcast.BroadcastToRoom("/", room, eventReply, p.Text) {
		a.logger.Printf("⚠️ No open socket in room, reply dropped")
		return false
	}
	return true
}

// Shutdown stops the socket server.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if a.bcast == nil {
		return nil
	}
	return a.bcast.Close()
}
