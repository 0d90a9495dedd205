package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresStore talks to PostgreSQL directly for deployments that bypass
// PostgREST. Same tables as the Supabase backend.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres connects and pings the database.
func NewPostgres(dbURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreatePendingTask(ctx context.Context, task *PendingTask) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO pending_tasks
			(id, session_id, channel, recipient_id, task_type, status, description, context, result, delivered, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		task.ID, task.SessionID, task.Channel, task.RecipientID,
		task.TaskType, task.Status, task.Description, task.Context, task.Result,
		task.Delivered, task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create pending task: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetPendingTask(ctx context.Context, id string) (*PendingTask, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, session_id, channel, recipient_id, task_type, status,
		       COALESCE(description, ''), COALESCE(context, ''), COALESCE(result, ''), delivered,
		       created_at, completed_at, delivered_at
		FROM pending_tasks WHERE id = $1`, id)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending task: %w", err)
	}
	return task, nil
}

func (p *PostgresStore) CompleteTask(ctx context.Context, id, result string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE pending_tasks
		SET status = $1, result = $2, completed_at = NOW()
		WHERE id = $3`,
		StatusCompleted, result, id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (p *PostgresStore) UndeliveredCompletedTasks(ctx context.Context, limit int) ([]PendingTask, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, channel, recipient_id, task_type, status,
		       COALESCE(description, ''), COALESCE(context, ''), COALESCE(result, ''), delivered,
		       created_at, completed_at, delivered_at
		FROM pending_tasks
		WHERE status = $1 AND delivered = false
		ORDER BY completed_at ASC
		LIMIT $2`,
		StatusCompleted, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list undelivered tasks: %w", err)
	}
	defer rows.Close()

	var tasks []PendingTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func (p *PostgresStore) MarkTaskDelivered(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE pending_tasks
		SET delivered = true, delivered_at = NOW()
		WHERE id = $1`, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (p *PostgresStore) AppendMessage(ctx context.Context, msg *ConversationMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO conversation_messages
			(id, session_id, channel, user_id, role, content, model, category, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		msg.ID, msg.SessionID, msg.Channel, msg.UserID,
		msg.Role, msg.Content, msg.Model, msg.Category, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (p *PostgresStore) RecentMessages(ctx context.Context, since time.Time, limit int) ([]ConversationMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, channel, user_id, role, content, COALESCE(model, ''), COALESCE(category, ''), created_at
		FROM conversation_messages
		WHERE created_at > $1
		ORDER BY created_at ASC
		LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []ConversationMessage
	for rows.Next() {
		var m ConversationMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Channel, &m.UserID,
			&m.Role, &m.Content, &m.Model, &m.Category, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (p *PostgresStore) LastProactiveAt(ctx context.Context, userID, sessionID string) (time.Time, error) {
	var latest sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT MAX(created_at)
		FROM conversation_messages
		WHERE user_id = $1 AND session_id = $2 AND category = $3`,
		userID, sessionID, CategoryProactive,
	).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query proactive history: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time, nil
}

func (p *PostgresStore) HealthCheck(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// scanner covers sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(s scanner) (*PendingTask, error) {
	var (
		t           PendingTask
		completedAt sql.NullTime
		deliveredAt sql.NullTime
	)
	err := s.Scan(&t.ID, &t.SessionID, &t.Channel, &t.RecipientID,
		&t.TaskType, &t.Status, &t.Description, &t.Context, &t.Result, &t.Delivered,
		&t.CreatedAt, &completedAt, &deliveredAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if deliveredAt.Valid {
		t.DeliveredAt = &deliveredAt.Time
	}
	return &t, nil
}

var _ Store = (*PostgresStore)(nil)
