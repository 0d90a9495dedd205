package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================
// Envelope
// ============================================================

func TestNewCloudEvent_PromotesChannel(t *testing.T) {
	ce := NewCloudEvent(TypeRateLimitHit, "/webhook/telegram", "a1b2c3d4e5f6", map[string]interface{}{
		"channel": "telegram",
		"strikes": 2,
	})

	assert.Equal(t, "1.0", ce.SpecVersion)
	assert.Equal(t, TypeRateLimitHit, ce.Type)
	assert.Equal(t, "telegram", ce.Channel, "channel lifted from data for filtering")
	assert.NotEmpty(t, ce.ID)
	assert.WithinDuration(t, time.Now(), ce.Time, time.Second)
}

func TestSSEFormat(t *testing.T) {
	ce := NewCloudEvent(TypeHeartbeatCycle, "/heartbeat", "", map[string]interface{}{"processed": 3})

	out, err := ce.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(out), "event: "+TypeHeartbeatCycle+"\n")
	assert.Contains(t, string(out), "id: "+ce.ID+"\n")
	assert.Contains(t, string(out), `"processed":3`)
}

// ============================================================
// Fan-out
// ============================================================

func TestSubscribe_TypeFiltered(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TypeSignatureInvalid)
	defer bus.Unsubscribe(ch)

	bus.Emit(TypeSignatureInvalid, "/webhook/slack", "", map[string]interface{}{"channel": "slack"})
	bus.Emit(TypeMessageReceived, "/webhook/slack", "", map[string]interface{}{"channel": "slack"})

	select {
	case ev := <-ch:
		assert.Equal(t, TypeSignatureInvalid, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a signature event")
	}

	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event %s", ev.Type)
	default:
	}
}

func TestSubscribe_AllEvents(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	bus.Emit(TypeAllowlistDenied, "/webhook/matrix", "", nil)
	bus.Emit(TypeAIFallback, "/pipeline", "", nil)

	got := []string{(<-ch).Type, (<-ch).Type}
	assert.Equal(t, []string{TypeAllowlistDenied, TypeAIFallback}, got)
}

func TestPublish_FullSubscriberDoesNotBlock(t *testing.T) {
	bus := NewEventBus()
	bus.bufferSize = 1
	ch := bus.Subscribe(TypeCircuitOpen)
	defer bus.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Emit(TypeCircuitOpen, "/ai", "", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TypeMessageDelivered)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open, "unsubscribed channel must be closed")
}
