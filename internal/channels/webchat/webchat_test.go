package webchat

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"testing"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/pkg/channel"
)

// fakeConn satisfies socketio.Conn so the connect and message handlers can
// run without an engine.io transport.
type fakeConn struct {
	id    string
	query string

	ctx   interface{}
	rooms []string
}

func (c *fakeConn) Close() error                { return nil }
func (c *fakeConn) Context() interface{}        { return c.ctx }
func (c *fakeConn) SetContext(v interface{})    { c.ctx = v }
func (c *fakeConn) Namespace() string           { return "/" }
func (c *fakeConn) Emit(string, ...interface{}) {}
func (c *fakeConn) Join(room string)            { c.rooms = append(c.rooms, room) }
func (c *fakeConn) Leave(string)                {}
func (c *fakeConn) LeaveAll()                   { c.rooms = nil }
func (c *fakeConn) Rooms() []string             { return c.rooms }
func (c *fakeConn) ID() string                  { return c.id }
func (c *fakeConn) URL() url.URL                { return url.URL{RawQuery: c.query} }
func (c *fakeConn) LocalAddr() net.Addr         { return nil }
func (c *fakeConn) RemoteAddr() net.Addr        { return nil }
func (c *fakeConn) RemoteHeader() http.Header   { return http.Header{} }

var _ socketio.Conn = (*fakeConn)(nil)

// fakeBroadcaster records room broadcasts for egress assertions.
type fakeBroadcaster struct {
	rooms  map[string][]string
	misses int
	closed bool
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{rooms: make(map[string][]string)}
}

func (b *fakeBroadcaster) BroadcastToRoom(_ string, room, event string, args ...interface{}) bool {
	if _, ok := b.rooms[room]; !ok {
		b.misses++
		return false
	}
	if text, ok := args[0].(string); ok {
		b.rooms[room] = append(b.rooms[room], event+":"+text)
	}
	return true
}

func (b *fakeBroadcaster) Serve() error { return nil }
func (b *fakeBroadcaster) Close() error { b.closed = true; return nil }

func testAdapter(t *testing.T) (*Adapter, chan channel.IncomingMessage, *fakeBroadcaster) {
	t.Helper()
	a := New()

	received := make(chan channel.IncomingMessage, 16)
	a.OnMessage(func(msg channel.IncomingMessage) { received <- msg })

	b := newFakeBroadcaster()
	a.bcast = b
	return a, received, b
}

// ============================================================
// Socket handlers
// ============================================================

func TestOnConnect_JoinsVisitorRoom(t *testing.T) {
	a, _, _ := testAdapter(t)
	conn := &fakeConn{id: "c1", query: "visitor=v-42"}

	require.NoError(t, a.onConnect(conn))

	assert.Equal(t, "v-42", conn.ctx, "visitor id becomes the connection context")
	assert.Equal(t, []string{"v-42"}, conn.rooms)
}

func TestOnConnect_AnonymousVisitorGetsFreshID(t *testing.T) {
	a, _, _ := testAdapter(t)
	conn := &fakeConn{id: "c1"}

	require.NoError(t, a.onConnect(conn))

	visitor, ok := conn.ctx.(string)
	require.True(t, ok)
	assert.Contains(t, visitor, "anon-")
	assert.Equal(t, []string{visitor}, conn.rooms)
}

func TestOnChatMessage_ProducesCanonicalMessage(t *testing.T) {
	a, received, _ := testAdapter(t)
	conn := &fakeConn{id: "c1", query: "visitor=v-42"}
	require.NoError(t, a.onConnect(conn))

	a.onChatMessage(conn, "  hello widget  ")

	require.Len(t, received, 1)
	msg := <-received
	assert.Equal(t, "webchat", msg.Channel)
	assert.Equal(t, "v-42", msg.SenderID)
	assert.Equal(t, "hello widget", msg.Text, "surrounding whitespace must be trimmed")
	assert.NotEmpty(t, msg.MessageID)
	assert.Equal(t, "v-42", msg.Meta["room"])
	assert.WithinDuration(t, time.Now(), msg.Timestamp, time.Minute)
}

func TestOnChatMessage_DropsEmptyAndUnidentified(t *testing.T) {
	a, received, _ := testAdapter(t)

	identified := &fakeConn{id: "c1", query: "visitor=v-42"}
	require.NoError(t, a.onConnect(identified))
	a.onChatMessage(identified, "   ")

	unidentified := &fakeConn{id: "c2"}
	a.onChatMessage(unidentified, "hello")

	assert.Empty(t, received)
}

// ============================================================
// Egress
// ============================================================

func TestDeliver_BroadcastsIntoRoom(t *testing.T) {
	a, _, b := testAdapter(t)
	b.rooms["v-42"] = []string{}

	ok := a.Deliver(context.Background(), channel.DeliveryParams{
		RecipientID: "v-42",
		Text:        "reply",
		Meta:        map[string]string{"room": "v-42"},
	})

	require.True(t, ok)
	assert.Equal(t, []string{"chat_reply:reply"}, b.rooms["v-42"])
}

func TestDeliver_FallsBackToRecipientRoom(t *testing.T) {
	a, _, b := testAdapter(t)
	b.rooms["v-42"] = []string{}

	require.True(t, a.Deliver(context.Background(), channel.DeliveryParams{RecipientID: "v-42", Text: "proactive"}))
	assert.Len(t, b.rooms["v-42"], 1)
}

func TestDeliver_ClosedTabReturnsFalse(t *testing.T) {
	a, _, b := testAdapter(t)

	assert.False(t, a.Deliver(context.Background(), channel.DeliveryParams{RecipientID: "gone", Text: "x"}))
	assert.Equal(t, 1, b.misses)
}

func TestDeliver_BeforeInitializeFails(t *testing.T) {
	a := New()
	assert.False(t, a.Deliver(context.Background(), channel.DeliveryParams{RecipientID: "v", Text: "x"}))
}

// ============================================================
// Lifecycle and contract
// ============================================================

func TestShutdown_ClosesServer(t *testing.T) {
	a, _, b := testAdapter(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))
	assert.True(t, b.closed)
}

func TestHandleWebhook_IsNoOp(t *testing.T) {
	a := New()
	resp := a.HandleWebhook(channel.WebhookRequest{Method: http.MethodPost, Body: []byte(`{}`)})
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, resp.Messages)
	assert.Contains(t, resp.Body, "socket.io")
}

func TestIsConfigured(t *testing.T) {
	a := New()
	assert.False(t, a.IsConfigured(map[string]string{}))
	assert.False(t, a.IsConfigured(map[string]string{KeyEnabled: "false"}))
	assert.True(t, a.IsConfigured(map[string]string{KeyEnabled: "true"}))
	assert.True(t, a.IsConfigured(map[string]string{KeyEnabled: "TRUE"}))
}
