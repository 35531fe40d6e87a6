package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the onboarding state of a tenant. The set is closed; the
// transition table lives in the onboarding package.
type State string

const (
	StateNew              State = "new"
	StateAwaitingName     State = "awaiting_name"
	StateAwaitingTimezone State = "awaiting_timezone"
	StateReady            State = "ready"
)

// Valid reports whether s is a member of the closed state set.
func (s State) Valid() bool {
	switch s {
	case StateNew, StateAwaitingName, StateAwaitingTimezone, StateReady:
		return true
	}
	return false
}

// Tenant is one end-user and the root of all data scoped to them.
type Tenant struct {
	// ID is the internal tenant identifier.
	ID string

	// ChatID is the external chat identity (immutable, unique).
	ChatID int64

	// BotToken is the bot credential assigned to this tenant (unique).
	BotToken string

	// Name is the display name collected during onboarding.
	Name string

	// Timezone is an IANA timezone name collected during onboarding.
	Timezone string

	// OnboardingState advances monotonically through the state set.
	OnboardingState State

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Sentinel errors surfaced by the conditional tenant insert. The UNIQUE
// constraints on chat_id and bot_token make check-and-reserve a single
// atomic operation.
var (
	ErrCredentialTaken = errors.New("store: credential already assigned")
	ErrIdentityExists  = errors.New("store: external identity already has a tenant")
)

// CreateTenant inserts a new tenant bound to the given credential.
// Returns ErrCredentialTaken if the credential is already assigned and
// ErrIdentityExists if the chat identity already has a tenant.
func (s *Store) CreateTenant(ctx context.Context, chatID int64, botToken string) (*Tenant, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, chat_id, bot_token) VALUES (?, ?, ?)`,
		id, chatID, botToken)
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "tenants.chat_id"):
			return nil, ErrIdentityExists
		case strings.Contains(msg, "tenants.bot_token"):
			return nil, ErrCredentialTaken
		}
		return nil, fmt.Errorf("insert tenant: %w", err)
	}
	return s.TenantByID(ctx, id)
}

// TenantByID returns a tenant by internal ID.
func (s *Store) TenantByID(ctx context.Context, id string) (*Tenant, error) {
	return s.scanTenant(s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, bot_token, name, timezone, onboarding_state, created_at, updated_at
		 FROM tenants WHERE id = ?`, id))
}

// TenantByChatID returns the tenant bound to the given external identity.
func (s *Store) TenantByChatID(ctx context.Context, chatID int64) (*Tenant, error) {
	return s.scanTenant(s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, bot_token, name, timezone, onboarding_state, created_at, updated_at
		 FROM tenants WHERE chat_id = ?`, chatID))
}

// TenantByCredential returns the tenant bound to the given bot credential.
func (s *Store) TenantByCredential(ctx context.Context, botToken string) (*Tenant, error) {
	return s.scanTenant(s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, bot_token, name, timezone, onboarding_state, created_at, updated_at
		 FROM tenants WHERE bot_token = ?`, botToken))
}

// AllTenants returns every tenant, optionally filtered by onboarding state.
func (s *Store) AllTenants(ctx context.Context, state State) ([]*Tenant, error) {
	query := `SELECT id, chat_id, bot_token, name, timezone, onboarding_state, created_at, updated_at
		 FROM tenants`
	args := []any{}
	if state != "" {
		query += ` WHERE onboarding_state = ?`
		args = append(args, state)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := s.scanTenantRow(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// SetOnboardingState persists a new onboarding state. The caller (the
// onboarding state machine) is responsible for validating the transition;
// persistence always precedes any reply to the user.
func (s *Store) SetOnboardingState(ctx context.Context, tenantID string, state State) error {
	if !state.Valid() {
		return fmt.Errorf("invalid onboarding state %q", state)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET onboarding_state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		state, tenantID)
	if err != nil {
		return fmt.Errorf("update onboarding state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetName updates the tenant display name.
func (s *Store) SetName(ctx context.Context, tenantID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET name = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		name, tenantID)
	if err != nil {
		return fmt.Errorf("update name: %w", err)
	}
	return nil
}

// SetTimezone updates the tenant timezone.
func (s *Store) SetTimezone(ctx context.Context, tenantID, tz string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET timezone = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		tz, tenantID)
	if err != nil {
		return fmt.Errorf("update timezone: %w", err)
	}
	return nil
}

// Touch bumps the tenant's updated_at after a successful dispatch.
func (s *Store) Touch(ctx context.Context, tenantID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`, tenantID)
	if err != nil {
		return fmt.Errorf("touch tenant: %w", err)
	}
	return nil
}

// ResetOnboarding is the administrative backward transition: it returns a
// tenant to the initial state. Not reachable from the message path.
func (s *Store) ResetOnboarding(ctx context.Context, tenantID string) error {
	return s.SetOnboardingState(ctx, tenantID, StateNew)
}

// DeleteTenant removes a tenant; all owned rows cascade.
func (s *Store) DeleteTenant(ctx context.Context, tenantID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = ?`, tenantID)
	if err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AssignedCredentials returns the set of bot credentials currently bound
// to a tenant.
func (s *Store) AssignedCredentials(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT bot_token FROM tenants`)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	assigned := make(map[string]bool)
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return nil, err
		}
		assigned[token] = true
	}
	return assigned, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanTenant(row *sql.Row) (*Tenant, error) {
	t, err := s.scanTenantRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *Store) scanTenantRow(row rowScanner) (*Tenant, error) {
	var t Tenant
	var state string
	if err := row.Scan(&t.ID, &t.ChatID, &t.BotToken, &t.Name, &t.Timezone,
		&state, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.OnboardingState = State(state)
	return &t, nil
}
