package store

import (
	"context"
	"fmt"
	"time"
)

// Message is one entry in a tenant's conversation log.
type Message struct {
	ID        int64
	TenantID  string
	Role      string
	Content   string
	CreatedAt time.Time
}

// AppendMessage records a conversation message.
func (s *Store) AppendMessage(ctx context.Context, tenantID, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (tenant_id, role, content) VALUES (?, ?, ?)`,
		tenantID, role, content)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// History returns the most recent messages for a tenant in chronological
// order.
func (s *Store) History(ctx context.Context, tenantID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, role, content, created_at
		 FROM (SELECT * FROM conversations WHERE tenant_id = ?
		       ORDER BY id DESC LIMIT ?)
		 ORDER BY id ASC`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// ClearHistory deletes a tenant's conversation log and returns the number
// of removed messages.
func (s *Store) ClearHistory(ctx context.Context, tenantID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	return res.RowsAffected()
}
