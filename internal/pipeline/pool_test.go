package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/dedup"
	"github.com/ocx/gateway/internal/ratelimit"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), msg)
}

func TestPool_ProcessesSubmittedMessages(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	pool := NewPool(f.pipe, nil, 4, nil)
	defer pool.Shutdown()

	for i := 0; i < 5; i++ {
		m := msg(fmt.Sprintf("message %d", i))
		m.MessageID = fmt.Sprintf("m-%d", i)
		pool.Submit(m)
	}

	waitFor(t, func() bool { return f.adapter.deliveryCount() == 5 },
		"all submitted messages should be processed")
	assert.Equal(t, 5, f.responder.callCount())
}

func TestPool_DuplicateMessageIDSuppressed(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	deduper := dedup.NewMemory(time.Minute)
	t.Cleanup(deduper.Stop)
	pool := NewPool(f.pipe, deduper, 2, nil)
	defer pool.Shutdown()

	m := msg("webhook redelivery")
	pool.Submit(m)
	pool.Submit(m)
	pool.Submit(m)

	waitFor(t, func() bool { return f.adapter.deliveryCount() >= 1 }, "first copy must go through")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.adapter.deliveryCount(), "redeliveries of the same message id are dropped")
	assert.Equal(t, 1, f.responder.callCount())
}

func TestPool_NoMessageIDBypassesDedup(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	deduper := dedup.NewMemory(time.Minute)
	t.Cleanup(deduper.Stop)
	pool := NewPool(f.pipe, deduper, 2, nil)
	defer pool.Shutdown()

	m := msg("no id")
	m.MessageID = ""
	pool.Submit(m)
	pool.Submit(m)

	waitFor(t, func() bool { return f.adapter.deliveryCount() == 2 },
		"messages without a platform id are never deduplicated")
}

func TestPool_DedupKeysAreChannelScoped(t *testing.T) {
	deduper := dedup.NewMemory(time.Minute)
	t.Cleanup(deduper.Stop)

	assert.False(t, deduper.Seen(context.Background(), "telegram:m-1"))
	assert.False(t, deduper.Seen(context.Background(), "slack:m-1"), "same id on another channel is a different key")
	assert.True(t, deduper.Seen(context.Background(), "telegram:m-1"))
}

func TestPool_ShutdownDrainsQueueAndRejectsNewWork(t *testing.T) {
	f := newFixture(t, ratelimit.Config{})
	pool := NewPool(f.pipe, nil, 2, nil)

	for i := 0; i < 3; i++ {
		m := msg(fmt.Sprintf("pending %d", i))
		m.MessageID = fmt.Sprintf("p-%d", i)
		pool.Submit(m)
	}
	pool.Shutdown()

	assert.Equal(t, 3, f.adapter.deliveryCount(), "queued work finishes before Shutdown returns")

	pool.Submit(msg("late"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, f.adapter.deliveryCount(), "work after Shutdown is dropped")

	assert.NotPanics(t, pool.Shutdown, "Shutdown is idempotent")
}
