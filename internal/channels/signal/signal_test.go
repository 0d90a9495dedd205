package signal

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/pkg/channel"
)

// fakeSignalCli fakes the signal-cli REST gateway. Each receive call drains
// one scripted batch; an empty queue answers with no messages.
type fakeSignalCli struct {
	*httptest.Server
	queue chan string

	mu    sync.Mutex
	sends []map[string]interface{}

	failReceive bool
	failSend    bool
}

func newFakeSignalCli(t *testing.T) *fakeSignalCli {
	t.Helper()
	f := &fakeSignalCli{queue: make(chan string, 8)}

	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/receive/+4900001":
			if f.failReceive {
				w.WriteHeader(http.StatusBadGateway)
				io.WriteString(w, `{"error":"registration required"}`)
				return
			}
			select {
			case raw := <-f.queue:
				io.WriteString(w, raw)
			default:
				io.WriteString(w, `[]`)
			}
		case r.Method == http.MethodPost && r.URL.Path == "/v2/send":
			var payload map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			f.mu.Lock()
			f.sends = append(f.sends, payload)
			f.mu.Unlock()
			if f.failSend {
				w.WriteHeader(http.StatusBadRequest)
				io.WriteString(w, `{"error":"invalid recipient"}`)
				return
			}
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"timestamp":"1700000000000"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeSignalCli) sentPayloads() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]interface{}, len(f.sends))
	copy(out, f.sends)
	return out
}

func startAdapter(t *testing.T, f *fakeSignalCli) (*Adapter, chan channel.IncomingMessage) {
	t.Helper()
	a := New()
	a.pollInterval = 10 * time.Millisecond

	received := make(chan channel.IncomingMessage, 16)
	a.OnMessage(func(msg channel.IncomingMessage) { received <- msg })

	cfg := map[string]string{KeyCliURL: f.URL, KeyPhoneNumber: "+4900001"}
	require.True(t, a.IsConfigured(cfg))
	require.NoError(t, a.Initialize(context.Background(), cfg))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return a, received
}

func waitForMessage(t *testing.T, ch chan channel.IncomingMessage) channel.IncomingMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a message from the poll loop")
		return channel.IncomingMessage{}
	}
}

// ============================================================
// Poll loop
// ============================================================

func TestPollLoop_DeliversDataMessages(t *testing.T) {
	f := newFakeSignalCli(t)
	f.queue <- `[{"envelope":{"source":"+4912345","sourceNumber":"+4912345","sourceName":"Dana","timestamp":1700000000000,"dataMessage":{"message":"  hello signal  ","timestamp":1700000000000}},"account":"+4900001"}]`

	_, received := startAdapter(t, f)

	msg := waitForMessage(t, received)
	assert.Equal(t, "signal", msg.Channel)
	assert.Equal(t, "+4912345", msg.SenderID)
	assert.Equal(t, "Dana", msg.SenderName)
	assert.Equal(t, "hello signal", msg.Text, "surrounding whitespace must be trimmed")
	assert.Equal(t, "1700000000000", msg.MessageID)
	assert.Empty(t, msg.GroupID)
	assert.Equal(t, int64(1700000000), msg.Timestamp.Unix())
}

func TestPollLoop_GroupMessageCarriesGroupID(t *testing.T) {
	f := newFakeSignalCli(t)
	f.queue <- `[{"envelope":{"sourceNumber":"+4912345","timestamp":1,"dataMessage":{"message":"ping","timestamp":1,"groupInfo":{"groupId":"grp-1"}}}}]`

	_, received := startAdapter(t, f)

	msg := waitForMessage(t, received)
	assert.Equal(t, "grp-1", msg.GroupID)
	assert.Equal(t, "grp-1", msg.Meta["group_id"])
}

func TestPollLoop_FiltersSelfReceiptsAndEmpty(t *testing.T) {
	f := newFakeSignalCli(t)
	f.queue <- `[
		{"envelope":{"sourceNumber":"+4900001","timestamp":1,"dataMessage":{"message":"self echo","timestamp":1}}},
		{"envelope":{"sourceNumber":"+4912345","timestamp":2}},
		{"envelope":{"sourceNumber":"+4912345","timestamp":3,"dataMessage":{"message":"   ","timestamp":3}}},
		{"envelope":{"sourceNumber":"+4912345","timestamp":4,"dataMessage":{"message":"the only survivor","timestamp":4}}}
	]`

	_, received := startAdapter(t, f)

	msg := waitForMessage(t, received)
	assert.Equal(t, "the only survivor", msg.Text)

	select {
	case extra := <-received:
		t.Fatalf("unexpected second message: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestShutdown_StopsLoop(t *testing.T) {
	f := newFakeSignalCli(t)
	a, _ := startAdapter(t, f)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))

	select {
	case <-a.done:
	default:
		t.Fatal("poll loop still running after Shutdown")
	}
}

// ============================================================
// Egress
// ============================================================

func TestDeliver_SendsToRecipient(t *testing.T) {
	f := newFakeSignalCli(t)
	a, _ := startAdapter(t, f)

	ok := a.Deliver(context.Background(), channel.DeliveryParams{RecipientID: "+4912345", Text: "reply"})

	require.True(t, ok)
	sends := f.sentPayloads()
	require.Len(t, sends, 1)
	assert.Equal(t, "reply", sends[0]["message"])
	assert.Equal(t, "+4900001", sends[0]["number"], "sends from the configured account")
	assert.Equal(t, []interface{}{"+4912345"}, sends[0]["recipients"])
}

func TestDeliver_GroupHintWinsOverRecipient(t *testing.T) {
	f := newFakeSignalCli(t)
	a, _ := startAdapter(t, f)

	ok := a.Deliver(context.Background(), channel.DeliveryParams{
		RecipientID: "+4912345",
		Text:        "reply",
		Meta:        map[string]string{"group_id": "grp-1"},
	})

	require.True(t, ok)
	sends := f.sentPayloads()
	require.Len(t, sends, 1)
	assert.Equal(t, []interface{}{"grp-1"}, sends[0]["recipients"])
}

func TestDeliver_PlatformErrorReturnsFalse(t *testing.T) {
	f := newFakeSignalCli(t)
	f.failSend = true
	a, _ := startAdapter(t, f)

	assert.False(t, a.Deliver(context.Background(), channel.DeliveryParams{RecipientID: "+4912345", Text: "x"}))
}

func TestDeliver_NoRecipientFails(t *testing.T) {
	f := newFakeSignalCli(t)
	a, _ := startAdapter(t, f)

	assert.False(t, a.Deliver(context.Background(), channel.DeliveryParams{Text: "x"}))
	assert.Empty(t, f.sentPayloads())
}

// ============================================================
// Contract odds and ends
// ============================================================

func TestHandleWebhook_IsNoOp(t *testing.T) {
	a := New()
	resp := a.HandleWebhook(channel.WebhookRequest{Method: http.MethodPost, Body: []byte(`{}`)})
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, resp.Messages)
	assert.Contains(t, resp.Body, "polls signal-cli")
}

func TestIsConfigured(t *testing.T) {
	a := New()
	assert.False(t, a.IsConfigured(map[string]string{}))
	assert.False(t, a.IsConfigured(map[string]string{KeyCliURL: "http://x"}))
	assert.True(t, a.IsConfigured(map[string]string{KeyCliURL: "http://x", KeyPhoneNumber: "+49"}))
}

func TestInitialize_UnreachableEndpointFails(t *testing.T) {
	f := newFakeSignalCli(t)
	f.failReceive = true

	a := New()
	err := a.Initialize(context.Background(), map[string]string{KeyCliURL: f.URL, KeyPhoneNumber: "+4900001"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable")
}
