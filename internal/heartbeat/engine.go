// Package heartbeat is the proactive side of the gateway: a periodic engine
// that delivers the results of completed background tasks and nudges
// sessions where the assistant promised work and went quiet. Every outbound
// text passes the sentinel gate so the model decides what is worth saying
// while the engine decides whether anything is sent at all.
package heartbeat

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ocx/gateway/internal/ai"
	"github.com/ocx/gateway/internal/events"
	"github.com/ocx/gateway/internal/monitoring"
	"github.com/ocx/gateway/internal/store"
	"github.com/ocx/gateway/pkg/channel"
)

const (
	// MaxTasksPerRun caps completed-task deliveries per cycle.
	MaxTasksPerRun = 10

	// MaxFollowUpsPerHour caps proactive messages per session per rolling hour.
	MaxFollowUpsPerHour = 3

	// DedupWindow is the minimum gap between proactive messages in a session.
	DedupWindow = 24 * time.Hour

	// minMeaningfulChars suppresses replies that survived the sentinel strip
	// but carry no substance.
	minMeaningfulChars = 20

	lookback    = time.Hour
	recentLimit = 100
)

// Report summarizes one cycle.
type Report struct {
	Processed int      `json:"processed"`
	Delivered int      `json:"delivered"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

// Responder produces AI replies for the engine's prompts.
type Responder interface {
	Dispatch(ctx context.Context, req *ai.Request) (*ai.Result, error)
}

// Engine runs heartbeat cycles. Registry, events and metrics are optional;
// without a registry proactive texts are stored but not pushed.
type Engine struct {
	store     store.Store
	responder Responder
	registry  *channel.Registry
	events    events.EventEmitter
	metrics   *monitoring.Metrics
	logger    *log.Logger
	mu        sync.Mutex
}

// New wires an engine.
func New(st store.Store, responder Responder, registry *channel.Registry,
	emitter events.EventEmitter, metrics *monitoring.Metrics) *Engine {
	return &Engine{
		store:     st,
		responder: responder,
		registry:  registry,
		events:    emitter,
		metrics:   metrics,
		logger:    log.New(log.Writer(), "[HEARTBEAT] ", log.LstdFlags),
	}
}

// Run executes one cycle: completed-task delivery, then session follow-ups.
// Not reentrant; an overlapping caller gets an error report and no work
// happens twice.
func (e *Engine) Run(ctx context.Context) Report {
	if !e.mu.TryLock() {
		return Report{Errors: []string{"cycle already running"}}
	}
	defer e.mu.Unlock()

	started := time.Now()
	var rep Report
	e.deliverCompletedTasks(ctx, &rep)
	e.emitFollowUps(ctx, &rep)

	if e.metrics != nil {
		result := "ok"
		if len(rep.Errors) > 0 {
			result = "error"
		}
		e.metrics.RecordHeartbeat(result)
	}
	if e.events != nil {
		e.events.Emit(events.TypeHeartbeatCycle, "/heartbeat", "cycle", map[string]interface{}{
			"processed": rep.Processed,
			"delivered": rep.Delivered,
			"skipped":   rep.Skipped,
			"errors":    len(rep.Errors),
		})
	}
	e.logger.Printf("📊 Cycle done in %s: processed=%d delivered=%d skipped=%d errors=%d",
		time.Since(started).Round(time.Millisecond), rep.Processed, rep.Delivered, rep.Skipped, len(rep.Errors))
	return rep
}

// CreateTask inserts a pending task on behalf of the AI backend or another
// subsystem and returns its id. A later CompleteTask hands it to sub-sweep 1.
func (e *Engine) CreateTask(ctx context.Context, recipientID, sessionID, channelTag, taskType, description, captured string) (string, error) {
	task := &store.PendingTask{
		RecipientID: recipientID,
		SessionID:   sessionID,
		Channel:     channelTag,
		TaskType:    taskType,
		Status:      store.StatusPending,
		Description: description,
		Context:     captured,
	}
	if err := e.store.CreatePendingTask(ctx, task); err != nil {
		return "", err
	}
	e.logger.Printf("➕ Task %s created (%s, %s)", task.ID, taskType, channelTag)
	return task.ID, nil
}

// CompleteTask records a task's result; delivered stays false until the next
// cycle consumes it.
func (e *Engine) CompleteTask(ctx context.Context, id, result string) error {
	return e.store.CompleteTask(ctx, id, result)
}

// ============================================================================
// Sub-sweep 1: completed tasks
// ============================================================================

func (e *Engine) deliverCompletedTasks(ctx context.Context, rep *Report) {
	tasks, err := e.store.UndeliveredCompletedTasks(ctx, MaxTasksPerRun)
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("list tasks: %v", err))
		return
	}

	for _, task := range tasks {
		rep.Processed++
		delivered, err := e.deliverTask(ctx, task)
		switch {
		case err != nil:
			rep.Errors = append(rep.Errors, err.Error())
			e.recordTask("error")
		case delivered:
			rep.Delivered++
			e.recordTask("delivered")
		default:
			rep.Skipped++
			e.recordTask("suppressed")
		}
	}
}

// deliverTask prompts the model about one finished task and pushes the
// answer to the owning channel. A dispatch failure leaves the task
// undelivered so the next cycle retries it; a sentinel suppression still
// marks it delivered, the task has been considered.
func (e *Engine) deliverTask(ctx context.Context, task store.PendingTask) (bool, error) {
	userID := ai.UserID(task.Channel, task.RecipientID)

	result, err := e.responder.Dispatch(ctx, &ai.Request{
		UserID:    userID,
		SessionID: task.SessionID,
		Channel:   task.Channel,
		Content:   completionPrompt(task),
	})
	if err != nil {
		return false, fmt.Errorf("task %s: dispatch: %v", task.ID, err)
	}

	text := StripSentinel(result.Reply)
	delivered := false
	if meaningfulLength(text) >= minMeaningfulChars {
		msg := &store.ConversationMessage{
			SessionID: task.SessionID,
			Channel:   task.Channel,
			UserID:    userID,
			Role:      "assistant",
			Content:   text,
			Model:     "heartbeat/" + result.Model,
			Category:  store.CategoryProactive,
		}
		if err := e.store.AppendMessage(ctx, msg); err != nil {
			return false, fmt.Errorf("task %s: append message: %v", task.ID, err)
		}
		e.push(ctx, task.Channel, task.RecipientID, text)
		delivered = true
	} else {
		e.logger.Printf("🤫 Task %s suppressed by sentinel", task.ID)
	}

	if err := e.store.MarkTaskDelivered(ctx, task.ID); err != nil {
		return delivered, fmt.Errorf("task %s: mark delivered: %v", task.ID, err)
	}
	return delivered, nil
}

func (e *Engine) push(ctx context.Context, channelTag, recipientID, text string) {
	if e.registry == nil {
		return
	}
	adapter, ok := e.registry.Get(channelTag)
	if !ok || !e.registry.IsInitialized(channelTag) {
		e.logger.Printf("⚠️ No active adapter for %s, stored without push", channelTag)
		return
	}
	if !adapter.Deliver(ctx, channel.DeliveryParams{RecipientID: recipientID, Text: text}) {
		e.logger.Printf("❌ Proactive push failed on %s", channelTag)
	}
}

// ============================================================================
// Sub-sweep 2: session follow-ups
// ============================================================================

// session is the per-(user, session) view over the recent message window.
type session struct {
	userID        string
	sessionID     string
	channel       string
	lastUser      *store.ConversationMessage
	lastAssistant *store.ConversationMessage
	last          *store.ConversationMessage
	proactiveHour int
}

func (e *Engine) emitFollowUps(ctx context.Context, rep *Report) {
	now := time.Now()
	msgs, err := e.store.RecentMessages(ctx, now.Add(-lookback), recentLimit)
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("recent messages: %v", err))
		return
	}

	for _, s := range groupSessions(msgs) {
		if !e.qualifies(ctx, s, now) {
			continue
		}
		rep.Processed++
		delivered, err := e.followUp(ctx, s)
		switch {
		case err != nil:
			rep.Errors = append(rep.Errors, err.Error())
			e.recordTask("error")
		case delivered:
			rep.Delivered++
			e.recordTask("delivered")
		default:
			rep.Skipped++
			e.recordTask("suppressed")
		}
	}
}

// groupSessions folds the chronological window into per-session summaries,
// ordered deterministically.
func groupSessions(msgs []store.ConversationMessage) []*session {
	byKey := make(map[string]*session)
	for i := range msgs {
		m := &msgs[i]
		key := m.UserID + "\x00" + m.SessionID
		s, ok := byKey[key]
		if !ok {
			s = &session{userID: m.UserID, sessionID: m.SessionID}
			byKey[key] = s
		}
		s.last = m
		s.channel = m.Channel
		switch m.Role {
		case "user":
			s.lastUser = m
		case "assistant":
			s.lastAssistant = m
		}
		if m.Category == store.CategoryProactive {
			s.proactiveHour++
		}
	}

	out := make([]*session, 0, len(byKey))
	for _, s := range byKey {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].userID != out[j].userID {
			return out[i].userID < out[j].userID
		}
		return out[i].sessionID < out[j].sessionID
	})
	return out
}

// qualifies applies the follow-up conditions in cheap-first order; the store
// lookup for the 24h dedup window runs only for otherwise-qualified sessions.
func (e *Engine) qualifies(ctx context.Context, s *session, now time.Time) bool {
	if s.lastUser == nil || s.lastAssistant == nil {
		return false
	}
	if s.last.Role != "assistant" {
		return false
	}
	if now.Sub(s.lastAssistant.CreatedAt) > lookback {
		return false
	}
	if !MatchesPendingWork(s.lastAssistant.Content) {
		return false
	}
	if s.proactiveHour >= MaxFollowUpsPerHour {
		return false
	}

	lastProactive, err := e.store.LastProactiveAt(ctx, s.userID, s.sessionID)
	if err != nil {
		e.logger.Printf("⚠️ Proactive history lookup failed for %s: %v", s.sessionID, err)
		return false
	}
	return lastProactive.IsZero() || now.Sub(lastProactive) >= DedupWindow
}

func (e *Engine) followUp(ctx context.Context, s *session) (bool, error) {
	result, err := e.responder.Dispatch(ctx, &ai.Request{
		UserID:    s.userID,
		SessionID: s.sessionID,
		Channel:   s.channel,
		Content:   followUpPrompt(s.lastUser.Content, s.lastAssistant.Content),
	})
	if err != nil {
		return false, fmt.Errorf("session %s: dispatch: %v", s.sessionID, err)
	}

	text := StripSentinel(result.Reply)
	if meaningfulLength(text) < minMeaningfulChars {
		e.logger.Printf("🤫 Follow-up for %s suppressed by sentinel", s.sessionID)
		return false, nil
	}

	msg := &store.ConversationMessage{
		SessionID: s.sessionID,
		Channel:   s.channel,
		UserID:    s.userID,
		Role:      "assistant",
		Content:   text,
		Model:     "heartbeat/" + result.Model,
		Category:  store.CategoryProactive,
	}
	if err := e.store.AppendMessage(ctx, msg); err != nil {
		return false, fmt.Errorf("session %s: append message: %v", s.sessionID, err)
	}
	return true, nil
}

func (e *Engine) recordTask(disposition string) {
	if e.metrics != nil {
		e.metrics.RecordHeartbeatTask(disposition)
	}
}
