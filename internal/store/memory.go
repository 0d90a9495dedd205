package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps tasks and messages in maps. Default backend for local
// development and tests; everything is lost on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	tasks    map[string]*PendingTask
	messages []ConversationMessage
	closed   bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*PendingTask),
	}
}

func (m *MemoryStore) CreatePendingTask(_ context.Context, task *PendingTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *MemoryStore) GetPendingTask(_ context.Context, id string) (*PendingTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) CompleteTask(_ context.Context, id, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}

	now := time.Now()
	t.Status = StatusCompleted
	t.Result = result
	t.CompletedAt = &now
	return nil
}

func (m *MemoryStore) UndeliveredCompletedTasks(_ context.Context, limit int) ([]PendingTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	out := make([]PendingTask, 0)
	for _, t := range m.tasks {
		if t.Status == StatusCompleted && !t.Delivered {
			out = append(out, *t)
		}
	}
	// Oldest completion first so retries keep their order.
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].CompletedAt, out[j].CompletedAt
		switch {
		case ti == nil:
			return true
		case tj == nil:
			return false
		default:
			return ti.Before(*tj)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (m *MemoryStore) MarkTaskDelivered(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}

	now := time.Now()
	t.Delivered = true
	t.DeliveredAt = &now
	return nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg *ConversationMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *MemoryStore) RecentMessages(_ context.Context, since time.Time, limit int) ([]ConversationMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	out := make([]ConversationMessage, 0)
	for _, msg := range m.messages {
		if msg.CreatedAt.After(since) {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (m *MemoryStore) LastProactiveAt(_ context.Context, userID, sessionID string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return time.Time{}, ErrClosed
	}

	var latest time.Time
	for _, msg := range m.messages {
		if msg.Category != CategoryProactive || msg.UserID != userID || msg.SessionID != sessionID {
			continue
		}
		if msg.CreatedAt.After(latest) {
			latest = msg.CreatedAt
		}
	}
	return latest, nil
}

func (m *MemoryStore) HealthCheck(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Store = (*MemoryStore)(nil)
