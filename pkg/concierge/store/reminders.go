package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reminder is a one-shot scheduled message. The due timestamp is immutable
// after creation; rescheduling is delete plus recreate.
type Reminder struct {
	ID        string
	TenantID  string
	Message   string
	DueAt     time.Time
	Sent      bool
	CreatedAt time.Time
}

// DueReminder is a reminder joined with the delivery coordinates of its
// tenant, as read by the worker.
type DueReminder struct {
	Reminder
	BotToken string
	ChatID   int64
}

// AddReminder creates an unsent reminder due at the given time.
func (s *Store) AddReminder(ctx context.Context, tenantID, message string, dueAt time.Time) (*Reminder, error) {
	r := &Reminder{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Message:  message,
		DueAt:    dueAt,
	}
	// Timestamps bind as text carrying their zone offset and SQLite
	// compares them byte-wise, so due times are stored in UTC only.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders (id, tenant_id, message, due_at) VALUES (?, ?, ?, ?)`,
		r.ID, r.TenantID, r.Message, r.DueAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("insert reminder: %w", err)
	}
	return r, nil
}

// DueReminders returns all unsent reminders due at or before now, across
// all tenants, oldest due first.
func (s *Store) DueReminders(ctx context.Context, now time.Time) ([]*DueReminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.tenant_id, r.message, r.due_at, r.sent, r.created_at,
		        t.bot_token, t.chat_id
		 FROM reminders r JOIN tenants t ON r.tenant_id = t.id
		 WHERE r.sent = 0 AND r.due_at <= ?
		 ORDER BY r.due_at ASC`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}
	defer rows.Close()

	var due []*DueReminder
	for rows.Next() {
		var r DueReminder
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Message, &r.DueAt, &r.Sent,
			&r.CreatedAt, &r.BotToken, &r.ChatID); err != nil {
			return nil, err
		}
		due = append(due, &r)
	}
	return due, rows.Err()
}

// MarkReminderSent flips the sent flag. Once set it is never cleared, so a
// delivered reminder can never be re-delivered.
func (s *Store) MarkReminderSent(ctx context.Context, reminderID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET sent = 1 WHERE id = ? AND sent = 0`, reminderID)
	if err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingReminders returns a tenant's unsent reminders, soonest first.
func (s *Store) PendingReminders(ctx context.Context, tenantID string) ([]*Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, message, due_at, sent, created_at
		 FROM reminders WHERE tenant_id = ? AND sent = 0
		 ORDER BY due_at ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query pending reminders: %w", err)
	}
	defer rows.Close()

	var reminders []*Reminder
	for rows.Next() {
		var r Reminder
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Message, &r.DueAt, &r.Sent, &r.CreatedAt); err != nil {
			return nil, err
		}
		reminders = append(reminders, &r)
	}
	return reminders, rows.Err()
}

// DeleteReminder removes an unsent reminder (the reschedule path).
func (s *Store) DeleteReminder(ctx context.Context, tenantID, reminderID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders WHERE id = ? AND tenant_id = ? AND sent = 0`,
		reminderID, tenantID)
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
