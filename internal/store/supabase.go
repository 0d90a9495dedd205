package store

import (
	"context"
	"fmt"
	"time"

	supabase "github.com/supabase-community/supabase-go"
)

// ============================================================================
// SUPABASE STORE - shared tables with the AI backend
// ============================================================================

// SupabaseStore reads and writes the pending_tasks and conversation_messages
// tables through PostgREST. The AI backend owns the schema.
type SupabaseStore struct {
	client *supabase.Client
}

// taskRow mirrors the pending_tasks table. Timestamps stay strings to handle
// the Supabase timestamp format.
type taskRow struct {
	ID          string `json:"id,omitempty"`
	SessionID   string `json:"session_id"`
	Channel     string `json:"channel"`
	RecipientID string `json:"recipient_id"`
	TaskType    string `json:"task_type"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	Context     string `json:"context,omitempty"`
	Result      string `json:"result,omitempty"`
	Delivered   bool   `json:"delivered"`
	CreatedAt   string `json:"created_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	DeliveredAt string `json:"delivered_at,omitempty"`
}

// messageRow mirrors the conversation_messages table.
type messageRow struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id"`
	Channel   string `json:"channel"`
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Model     string `json:"model,omitempty"`
	Category  string `json:"category,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

// NewSupabase creates a Supabase-backed store.
func NewSupabase(url, key string) (*SupabaseStore, error) {
	if url == "" || key == "" {
		return nil, fmt.Errorf("supabase url and key must be set")
	}

	client, err := supabase.NewClient(url, key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}

	return &SupabaseStore{client: client}, nil
}

func (s *SupabaseStore) CreatePendingTask(_ context.Context, task *PendingTask) error {
	if task.Status == "" {
		task.Status = StatusPending
	}
	row := taskRow{
		SessionID:   task.SessionID,
		Channel:     task.Channel,
		RecipientID: task.RecipientID,
		TaskType:    task.TaskType,
		Status:      task.Status,
		Description: task.Description,
		Context:     task.Context,
		Result:      task.Result,
		Delivered:   task.Delivered,
	}
	if task.ID != "" {
		row.ID = task.ID
	}

	var result []taskRow
	_, err := s.client.From("pending_tasks").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("failed to create pending task: %w", err)
	}
	if len(result) > 0 {
		task.ID = result[0].ID
		task.CreatedAt = parseTimestamp(result[0].CreatedAt)
	}
	return nil
}

func (s *SupabaseStore) GetPendingTask(_ context.Context, id string) (*PendingTask, error) {
	var rows []taskRow
	_, err := s.client.From("pending_tasks").
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&rows)

	if err != nil {
		return nil, fmt.Errorf("failed to get pending task: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrTaskNotFound
	}
	task := rows[0].toTask()
	return &task, nil
}

func (s *SupabaseStore) CompleteTask(_ context.Context, id, result string) error {
	update := map[string]interface{}{
		"status":       StatusCompleted,
		"result":       result,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	}
	var out []taskRow
	_, err := s.client.From("pending_tasks").
		Update(update, "", "").
		Eq("id", id).
		ExecuteTo(&out)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	if len(out) == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *SupabaseStore) UndeliveredCompletedTasks(_ context.Context, limit int) ([]PendingTask, error) {
	if limit <= 0 {
		limit = 10
	}

	var rows []taskRow
	_, err := s.client.From("pending_tasks").
		Select("*", "", false).
		Eq("status", StatusCompleted).
		Eq("delivered", "false").
		Order("completed_at", nil).
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list undelivered tasks: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	tasks := make([]PendingTask, len(rows))
	for i, r := range rows {
		tasks[i] = r.toTask()
	}
	return tasks, nil
}

func (s *SupabaseStore) MarkTaskDelivered(_ context.Context, id string) error {
	update := map[string]interface{}{
		"delivered":    true,
		"delivered_at": time.Now().UTC().Format(time.RFC3339),
	}
	var out []taskRow
	_, err := s.client.From("pending_tasks").
		Update(update, "", "").
		Eq("id", id).
		ExecuteTo(&out)
	if err != nil {
		return fmt.Errorf("failed to mark task delivered: %w", err)
	}
	if len(out) == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *SupabaseStore) AppendMessage(_ context.Context, msg *ConversationMessage) error {
	row := messageRow{
		SessionID: msg.SessionID,
		Channel:   msg.Channel,
		UserID:    msg.UserID,
		Role:      msg.Role,
		Content:   msg.Content,
		Model:     msg.Model,
		Category:  msg.Category,
	}

	var result []messageRow
	_, err := s.client.From("conversation_messages").
		Insert(row, false, "", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	if len(result) > 0 {
		msg.ID = result[0].ID
		msg.CreatedAt = parseTimestamp(result[0].CreatedAt)
	}
	return nil
}

func (s *SupabaseStore) RecentMessages(_ context.Context, since time.Time, limit int) ([]ConversationMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []messageRow
	_, err := s.client.From("conversation_messages").
		Select("*", "", false).
		Gte("created_at", since.UTC().Format(time.RFC3339)).
		Order("created_at", nil).
		Limit(limit, "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent messages: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	msgs := make([]ConversationMessage, len(rows))
	for i, r := range rows {
		msgs[i] = ConversationMessage{
			ID:        r.ID,
			SessionID: r.SessionID,
			Channel:   r.Channel,
			UserID:    r.UserID,
			Role:      r.Role,
			Content:   r.Content,
			Model:     r.Model,
			Category:  r.Category,
			CreatedAt: parseTimestamp(r.CreatedAt),
		}
	}
	return msgs, nil
}

func (s *SupabaseStore) LastProactiveAt(_ context.Context, userID, sessionID string) (time.Time, error) {
	var rows []messageRow
	_, err := s.client.From("conversation_messages").
		Select("created_at", "", false).
		Eq("user_id", userID).
		Eq("session_id", sessionID).
		Eq("category", CategoryProactive).
		Order("created_at", nil).
		ExecuteTo(&rows)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query proactive history: %w", err)
	}
	if len(rows) == 0 {
		return time.Time{}, nil
	}
	// Ascending order: the newest row is last.
	return parseTimestamp(rows[len(rows)-1].CreatedAt), nil
}

// HealthCheck runs a cheap single-row select against pending_tasks.
func (s *SupabaseStore) HealthCheck(_ context.Context) error {
	var rows []taskRow
	_, err := s.client.From("pending_tasks").
		Select("id", "", false).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return fmt.Errorf("supabase health check: %w", err)
	}
	return nil
}

// Close is a no-op; the PostgREST client holds no connections.
func (s *SupabaseStore) Close() error { return nil }

func (r taskRow) toTask() PendingTask {
	t := PendingTask{
		ID:          r.ID,
		SessionID:   r.SessionID,
		Channel:     r.Channel,
		RecipientID: r.RecipientID,
		TaskType:    r.TaskType,
		Status:      r.Status,
		Description: r.Description,
		Context:     r.Context,
		Result:      r.Result,
		Delivered:   r.Delivered,
		CreatedAt:   parseTimestamp(r.CreatedAt),
	}
	if r.CompletedAt != "" {
		ts := parseTimestamp(r.CompletedAt)
		t.CompletedAt = &ts
	}
	if r.DeliveredAt != "" {
		ts := parseTimestamp(r.DeliveredAt)
		t.DeliveredAt = &ts
	}
	return t
}

// parseTimestamp handles the Supabase timestamp format; zero time on failure.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

var _ Store = (*SupabaseStore)(nil)
