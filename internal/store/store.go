// Package store persists the conversation history the heartbeat reads and
// the task queue the AI backend fills. The backend owns the schema; the
// gateway only sweeps tasks to completion-delivery and appends proactive
// messages it originates.
package store

import (
	"context"
	"errors"
	"time"
)

// Task lifecycle statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Task types the heartbeat understands.
const (
	TaskAsyncAction    = "async_action"
	TaskFollowUp       = "follow_up"
	TaskReminder       = "reminder"
	TaskProactiveCheck = "proactive_check"
)

// Message categories. Regular traffic is written by the AI backend; the
// gateway only appends proactive rows.
const (
	CategoryProactive = "proactive"
)

var (
	ErrTaskNotFound = errors.New("pending task not found")
	ErrClosed       = errors.New("store is closed")
)

// PendingTask is one unit of deferred work. The AI backend creates and
// completes async_action tasks; the heartbeat creates follow_up tasks and
// delivers completed results to the owning channel.
type PendingTask struct {
	ID          string     `json:"id"`
	SessionID   string     `json:"session_id"`
	Channel     string     `json:"channel"`
	RecipientID string     `json:"recipient_id"`
	TaskType    string     `json:"task_type"`
	Status      string     `json:"status"`
	Description string     `json:"description,omitempty"`
	Context     string     `json:"context,omitempty"`
	Result      string     `json:"result,omitempty"`
	Delivered   bool       `json:"delivered"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// ConversationMessage is one row of chat history.
type ConversationMessage struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Channel   string    `json:"channel"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"` // user or assistant
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the persistence surface the gateway needs. Implementations:
// memory (single instance, tests), supabase, postgres.
type Store interface {
	// Task queue
	CreatePendingTask(ctx context.Context, task *PendingTask) error
	GetPendingTask(ctx context.Context, id string) (*PendingTask, error)
	CompleteTask(ctx context.Context, id, result string) error
	UndeliveredCompletedTasks(ctx context.Context, limit int) ([]PendingTask, error)
	MarkTaskDelivered(ctx context.Context, id string) error

	// Conversation history
	AppendMessage(ctx context.Context, msg *ConversationMessage) error
	RecentMessages(ctx context.Context, since time.Time, limit int) ([]ConversationMessage, error)

	// LastProactiveAt returns the creation time of the newest proactive
	// message in (userID, sessionID); zero time when none exists.
	LastProactiveAt(ctx context.Context, userID, sessionID string) (time.Time, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
