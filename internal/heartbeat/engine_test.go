package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/ai"
	"github.com/ocx/gateway/internal/store"
	"github.com/ocx/gateway/pkg/channel"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeResponder struct {
	mu    sync.Mutex
	calls []*ai.Request
	reply string
	err   error

	// block, when set, parks Dispatch until released.
	started chan struct{}
	release chan struct{}
}

func (f *fakeResponder) Dispatch(_ context.Context, req *ai.Request) (*ai.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return &ai.Result{Reply: f.reply, Model: "gpt-test"}, nil
}

func (f *fakeResponder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeResponder) lastCall() *ai.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type fakeAdapter struct {
	mu         sync.Mutex
	deliveries []channel.DeliveryParams
}

func (f *fakeAdapter) Channel() string                                     { return "fake" }
func (f *fakeAdapter) DisplayName() string                                 { return "Fake Platform" }
func (f *fakeAdapter) IsConfigured(map[string]string) bool                 { return true }
func (f *fakeAdapter) Initialize(context.Context, map[string]string) error { return nil }
func (f *fakeAdapter) HandleWebhook(channel.WebhookRequest) channel.WebhookResponse {
	return channel.WebhookResponse{Status: 200}
}
func (f *fakeAdapter) Deliver(_ context.Context, p channel.DeliveryParams) bool {
	f.mu.Lock()
	f.deliveries = append(f.deliveries, p)
	f.mu.Unlock()
	return true
}
func (f *fakeAdapter) Shutdown(context.Context) error { return nil }

func (f *fakeAdapter) deliveryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deliveries)
}

type harness struct {
	engine    *Engine
	store     *store.MemoryStore
	responder *fakeResponder
	adapter   *fakeAdapter
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st := store.NewMemory()
	adapter := &fakeAdapter{}
	registry := channel.NewRegistry()
	require.NoError(t, registry.Register(adapter))
	_, err := registry.InitializeAll(context.Background(), map[string]string{})
	require.NoError(t, err)

	responder := &fakeResponder{
		reply: "Good news: the export you asked for finished and is ready to download.",
	}
	return &harness{
		engine:    New(st, responder, registry, nil, nil),
		store:     st,
		responder: responder,
		adapter:   adapter,
	}
}

func (h *harness) completedTask(t *testing.T, result string) string {
	t.Helper()
	id, err := h.engine.CreateTask(context.Background(),
		"user-1", "gw_fake_user-1", "fake", store.TaskAsyncAction,
		"export the quarterly report", "please export the Q2 report as csv")
	require.NoError(t, err)
	require.NoError(t, h.engine.CompleteTask(context.Background(), id, result))
	return id
}

func (h *harness) seedConversation(t *testing.T, assistantText string, assistantAge time.Duration) {
	t.Helper()
	now := time.Now()
	require.NoError(t, h.store.AppendMessage(context.Background(), &store.ConversationMessage{
		SessionID: "gw_fake_user-1",
		Channel:   "fake",
		UserID:    "gateway_fake_user-1",
		Role:      "user",
		Content:   "can you check my order status?",
		CreatedAt: now.Add(-assistantAge - time.Minute),
	}))
	require.NoError(t, h.store.AppendMessage(context.Background(), &store.ConversationMessage{
		SessionID: "gw_fake_user-1",
		Channel:   "fake",
		UserID:    "gateway_fake_user-1",
		Role:      "assistant",
		Content:   assistantText,
		CreatedAt: now.Add(-assistantAge),
	}))
}

// ============================================================================
// Sub-sweep 1: completed tasks
// ============================================================================

func TestRun_DeliversCompletedTask(t *testing.T) {
	h := newHarness(t)
	id := h.completedTask(t, "export finished, 1204 rows")

	rep := h.engine.Run(context.Background())

	assert.Equal(t, Report{Processed: 1, Delivered: 1}, rep)

	req := h.responder.lastCall()
	require.NotNil(t, req)
	assert.Equal(t, "gateway_fake_user-1", req.UserID)
	assert.Equal(t, "gw_fake_user-1", req.SessionID)
	assert.Contains(t, req.Content, "export the quarterly report")
	assert.Contains(t, req.Content, "export finished, 1204 rows")
	assert.Contains(t, req.Content, Sentinel, "prompt must offer the sentinel escape")

	require.Equal(t, 1, h.adapter.deliveryCount(), "reply should be pushed to the channel")

	task, err := h.store.GetPendingTask(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, task.Delivered)
	require.NotNil(t, task.DeliveredAt)

	msgs, err := h.store.RecentMessages(context.Background(), time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "assistant", msgs[0].Role)
	assert.Equal(t, store.CategoryProactive, msgs[0].Category)
	assert.Equal(t, "heartbeat/gpt-test", msgs[0].Model)
}

func TestRun_SentinelSuppressesDelivery(t *testing.T) {
	h := newHarness(t)
	id := h.completedTask(t, "")
	h.responder.reply = "**HEARTBEAT_OK**"

	rep := h.engine.Run(context.Background())

	assert.Equal(t, Report{Processed: 1, Delivered: 0, Skipped: 1}, rep)
	assert.Zero(t, h.adapter.deliveryCount(), "suppressed tasks push nothing")

	task, err := h.store.GetPendingTask(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, task.Delivered, "suppression still consumes the task")

	msgs, err := h.store.RecentMessages(context.Background(), time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, msgs, "no conversation message for a suppressed task")
}

func TestRun_TaskDeliveredExactlyOnce(t *testing.T) {
	h := newHarness(t)
	h.completedTask(t, "done")

	first := h.engine.Run(context.Background())
	second := h.engine.Run(context.Background())

	assert.Equal(t, 1, first.Delivered)
	assert.Equal(t, Report{}, second, "second cycle must be a no-op on the same task")
	assert.Equal(t, 1, h.adapter.deliveryCount())
}

func TestRun_DispatchErrorLeavesTaskForRetry(t *testing.T) {
	h := newHarness(t)
	id := h.completedTask(t, "done")
	h.responder.err = errors.New("agent unreachable")

	rep := h.engine.Run(context.Background())

	assert.Equal(t, 1, rep.Processed)
	assert.Zero(t, rep.Delivered)
	require.Len(t, rep.Errors, 1)
	assert.Contains(t, rep.Errors[0], "dispatch")

	task, err := h.store.GetPendingTask(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, task.Delivered, "failed dispatch must not consume the task")

	// Next cycle succeeds.
	h.responder.err = nil
	rep = h.engine.Run(context.Background())
	assert.Equal(t, 1, rep.Delivered)
}

func TestRun_TaskLimitPerCycle(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < MaxTasksPerRun+3; i++ {
		id, err := h.engine.CreateTask(context.Background(),
			"user-1", "gw_fake_user-1", "fake", store.TaskAsyncAction,
			fmt.Sprintf("task %d", i), "")
		require.NoError(t, err)
		require.NoError(t, h.engine.CompleteTask(context.Background(), id, "done"))
	}

	rep := h.engine.Run(context.Background())
	assert.Equal(t, MaxTasksPerRun, rep.Processed, "one cycle drains at most the per-run limit")

	rep = h.engine.Run(context.Background())
	assert.Equal(t, 3, rep.Processed, "the remainder waits for the next cycle")
}

// ============================================================================
// Sub-sweep 2: follow-ups
// ============================================================================

func TestRun_FollowUpForPendingWorkSession(t *testing.T) {
	h := newHarness(t)
	h.seedConversation(t, "Sure, I'll check and get back to you shortly.", 10*time.Minute)
	h.responder.reply = "Quick update: your order shipped this morning and should arrive tomorrow."

	rep := h.engine.Run(context.Background())

	assert.Equal(t, Report{Processed: 1, Delivered: 1}, rep)

	req := h.responder.lastCall()
	require.NotNil(t, req)
	assert.Equal(t, "gateway_fake_user-1", req.UserID)
	assert.Contains(t, req.Content, "check my order status", "prompt quotes the user's last message")

	msgs, err := h.store.RecentMessages(context.Background(), time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.CategoryProactive, msgs[0].Category)
	assert.Equal(t, "heartbeat/gpt-test", msgs[0].Model)
}

func TestRun_NoFollowUpWhenUserSpokeLast(t *testing.T) {
	h := newHarness(t)
	h.seedConversation(t, "I'll check and get back to you.", 10*time.Minute)
	require.NoError(t, h.store.AppendMessage(context.Background(), &store.ConversationMessage{
		SessionID: "gw_fake_user-1",
		Channel:   "fake",
		UserID:    "gateway_fake_user-1",
		Role:      "user",
		Content:   "thanks, take your time",
		CreatedAt: time.Now().Add(-5 * time.Minute),
	}))

	rep := h.engine.Run(context.Background())

	assert.Equal(t, Report{}, rep, "the agent already owes a reply through the normal path")
	assert.Zero(t, h.responder.callCount())
}

func TestRun_NoFollowUpWithoutPendingWorkPhrase(t *testing.T) {
	h := newHarness(t)
	h.seedConversation(t, "Your order arrived yesterday. Anything else?", 10*time.Minute)

	rep := h.engine.Run(context.Background())

	assert.Equal(t, Report{}, rep)
	assert.Zero(t, h.responder.callCount())
}

func TestRun_RecentProactiveSuppressesFollowUp(t *testing.T) {
	h := newHarness(t)
	h.seedConversation(t, "I'll check and get back to you.", 10*time.Minute)
	// A proactive message two hours ago is inside the 24h dedup window.
	require.NoError(t, h.store.AppendMessage(context.Background(), &store.ConversationMessage{
		SessionID: "gw_fake_user-1",
		Channel:   "fake",
		UserID:    "gateway_fake_user-1",
		Role:      "assistant",
		Content:   "Still working on it, hang tight.",
		Category:  store.CategoryProactive,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}))

	rep := h.engine.Run(context.Background())

	assert.Equal(t, Report{}, rep, "one nudge per day per session")
	assert.Zero(t, h.responder.callCount())
}

func TestRun_FollowUpSentinelSuppressed(t *testing.T) {
	h := newHarness(t)
	h.seedConversation(t, "Please wait while I look into it.", 10*time.Minute)
	h.responder.reply = "heartbeat_ok"

	rep := h.engine.Run(context.Background())

	assert.Equal(t, Report{Processed: 1, Skipped: 1}, rep)
	msgs, err := h.store.RecentMessages(context.Background(), time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

// ============================================================================
// Reentrancy
// ============================================================================

func TestRun_ConcurrentCycleRefused(t *testing.T) {
	h := newHarness(t)
	h.completedTask(t, "done")
	h.responder.started = make(chan struct{}, 1)
	h.responder.release = make(chan struct{})

	var winner Report
	done := make(chan struct{})
	go func() {
		winner = h.engine.Run(context.Background())
		close(done)
	}()

	<-h.responder.started // first cycle is mid-dispatch

	loser := h.engine.Run(context.Background())
	assert.Equal(t, Report{Errors: []string{"cycle already running"}}, loser)

	close(h.responder.release)
	<-done
	assert.Equal(t, 1, winner.Delivered, "the winning cycle completes normally")
	assert.Equal(t, 1, h.adapter.deliveryCount(), "exactly one effective cycle")
}

func TestScheduler_StartStop(t *testing.T) {
	h := newHarness(t)
	s, err := NewScheduler(h.engine)
	require.NoError(t, err)
	s.Start()
	assert.NotPanics(t, s.Stop)
}
