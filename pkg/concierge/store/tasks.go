package store

import (
	"context"
	"fmt"
	"time"
)

// Task statuses.
const (
	TaskPending = "pending"
	TaskDone    = "done"
)

// Task is a per-tenant task list entry.
type Task struct {
	ID          int64
	TenantID    string
	Content     string
	DueDate     *time.Time
	Status      string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// AddTask creates a pending task. dueDate may be nil.
func (s *Store) AddTask(ctx context.Context, tenantID, content string, dueDate *time.Time) (*Task, error) {
	// Due dates are stored in UTC; see AddReminder.
	var due any
	if dueDate != nil {
		due = dueDate.UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (tenant_id, content, due_date) VALUES (?, ?, ?)`,
		tenantID, content, due)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("task id: %w", err)
	}
	return &Task{ID: id, TenantID: tenantID, Content: content, DueDate: dueDate,
		Status: TaskPending, CreatedAt: time.Now()}, nil
}

// Tasks returns a tenant's tasks with the given status, oldest due first.
func (s *Store) Tasks(ctx context.Context, tenantID, status string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, content, due_date, status, created_at, completed_at
		 FROM tasks WHERE tenant_id = ? AND status = ?
		 ORDER BY due_date IS NULL, due_date ASC, created_at ASC`,
		tenantID, status)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Content, &t.DueDate,
			&t.Status, &t.CreatedAt, &t.CompletedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// OverdueTasks returns pending tasks whose due date is strictly before now.
// The heartbeat check uses this to compute candidate notifications.
func (s *Store) OverdueTasks(ctx context.Context, tenantID string, now time.Time) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, content, due_date, status, created_at, completed_at
		 FROM tasks WHERE tenant_id = ? AND status = ? AND due_date IS NOT NULL AND due_date < ?
		 ORDER BY due_date ASC`,
		tenantID, TaskPending, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query overdue tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Content, &t.DueDate,
			&t.Status, &t.CreatedAt, &t.CompletedAt); err != nil {
			return nil, err
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// CompleteTask marks a task done. Scoped to the tenant so one tenant can
// never complete another's task.
func (s *Store) CompleteTask(ctx context.Context, tenantID string, taskID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND tenant_id = ? AND status = ?`,
		TaskDone, taskID, tenantID, TaskPending)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
