package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Dedup set retention caps. Identifiers beyond the cap are evicted oldest
// first; eviction only forgets items old enough that their sources no
// longer report them as candidates.
const (
	MaxNotifiedEmailIDs    = 50
	MaxNotifiedTaskPrints  = 20
	MaxNotifiedCalendarIDs = 10
)

// HeartbeatState tracks per-tenant proactive-notification state: the last
// cycle timestamp, an optional mute window, and the dedup memory of
// previously notified item identifiers.
type HeartbeatState struct {
	TenantID      string
	LastHeartbeat *time.Time
	MutedUntil    *time.Time

	// Dedup sets, newest last. An identifier present here never triggers
	// a repeat notification.
	EmailIDs         []string
	TaskFingerprints []string
	CalendarIDs      []string
}

// Muted reports whether notifications are suppressed at the given instant.
// Mute expiry does not clear dedup memory.
func (h *HeartbeatState) Muted(now time.Time) bool {
	return h.MutedUntil != nil && now.Before(*h.MutedUntil)
}

// HeartbeatFor returns the heartbeat state for a tenant, creating the row
// on first access.
func (s *Store) HeartbeatFor(ctx context.Context, tenantID string) (*HeartbeatState, error) {
	// Conditional insert keeps at most one row per tenant even when the
	// router and worker race on first access.
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO heartbeat_state (tenant_id) VALUES (?)`, tenantID); err != nil {
		return nil, fmt.Errorf("init heartbeat state: %w", err)
	}

	var (
		h        = HeartbeatState{TenantID: tenantID}
		emails   string
		tasks    string
		calendar string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT last_heartbeat, muted_until, email_ids, task_fingerprints, calendar_ids
		 FROM heartbeat_state WHERE tenant_id = ?`, tenantID).
		Scan(&h.LastHeartbeat, &h.MutedUntil, &emails, &tasks, &calendar)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read heartbeat state: %w", err)
	}

	for _, pair := range []struct {
		raw  string
		dest *[]string
	}{{emails, &h.EmailIDs}, {tasks, &h.TaskFingerprints}, {calendar, &h.CalendarIDs}} {
		if err := json.Unmarshal([]byte(pair.raw), pair.dest); err != nil {
			return nil, fmt.Errorf("decode dedup set: %w", err)
		}
	}
	return &h, nil
}

// SaveHeartbeat writes the full heartbeat state as a single atomic update.
// Dedup sets are capped before persisting.
func (s *Store) SaveHeartbeat(ctx context.Context, h *HeartbeatState) error {
	h.EmailIDs = capSet(h.EmailIDs, MaxNotifiedEmailIDs)
	h.TaskFingerprints = capSet(h.TaskFingerprints, MaxNotifiedTaskPrints)
	h.CalendarIDs = capSet(h.CalendarIDs, MaxNotifiedCalendarIDs)

	emails, err := json.Marshal(h.EmailIDs)
	if err != nil {
		return fmt.Errorf("encode email ids: %w", err)
	}
	tasks, err := json.Marshal(h.TaskFingerprints)
	if err != nil {
		return fmt.Errorf("encode task fingerprints: %w", err)
	}
	calendar, err := json.Marshal(h.CalendarIDs)
	if err != nil {
		return fmt.Errorf("encode calendar ids: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE heartbeat_state
		 SET last_heartbeat = ?, muted_until = ?,
		     email_ids = ?, task_fingerprints = ?, calendar_ids = ?,
		     updated_at = CURRENT_TIMESTAMP
		 WHERE tenant_id = ?`,
		h.LastHeartbeat, h.MutedUntil, string(emails), string(tasks), string(calendar),
		h.TenantID)
	if err != nil {
		return fmt.Errorf("save heartbeat state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MuteHeartbeat suppresses notifications until the given time.
func (s *Store) MuteHeartbeat(ctx context.Context, tenantID string, until time.Time) error {
	h, err := s.HeartbeatFor(ctx, tenantID)
	if err != nil {
		return err
	}
	h.MutedUntil = &until
	return s.SaveHeartbeat(ctx, h)
}

// UnmuteHeartbeat clears the mute window. Dedup memory is kept.
func (s *Store) UnmuteHeartbeat(ctx context.Context, tenantID string) error {
	h, err := s.HeartbeatFor(ctx, tenantID)
	if err != nil {
		return err
	}
	h.MutedUntil = nil
	return s.SaveHeartbeat(ctx, h)
}

// capSet keeps the most recent n entries (sets are ordered newest last).
func capSet(set []string, n int) []string {
	if len(set) <= n {
		return set
	}
	return set[len(set)-n:]
}
