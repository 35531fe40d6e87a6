package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SetContext upserts a per-tenant key/value pair. Last write wins; there
// is no history.
func (s *Store) SetContext(ctx context.Context, tenantID, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO context_entries (tenant_id, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (tenant_id, key)
		 DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		tenantID, key, value)
	if err != nil {
		return fmt.Errorf("set context %q: %w", key, err)
	}
	return nil
}

// GetContext returns a single context value for a tenant.
func (s *Store) GetContext(ctx context.Context, tenantID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM context_entries WHERE tenant_id = ? AND key = ?`,
		tenantID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get context %q: %w", key, err)
	}
	return value, nil
}

// AllContext returns every context entry for a tenant.
func (s *Store) AllContext(ctx context.Context, tenantID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM context_entries WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query context: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		entries[k] = v
	}
	return entries, rows.Err()
}
