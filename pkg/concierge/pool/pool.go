// Package pool implements the credential pool allocator. The pool itself
// is a fixed, statically configured list of bot credentials; assignment
// state lives in the tenant store, never in process memory, so the pool
// and the durable record cannot diverge across restarts.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hartley-dev/concierge/pkg/concierge/store"
)

// ErrPoolExhausted is returned when every credential in the pool is bound
// to a tenant. Operator-actionable: the pool needs more bot credentials.
var ErrPoolExhausted = errors.New("pool: no credentials available")

// Allocator assigns bot credentials to new tenants, one-to-one. All
// check-and-reserve logic rides on the store's conditional insert; the
// allocator itself holds no mutable state.
type Allocator struct {
	tokens []string
	store  *store.Store
	logger *slog.Logger
}

// New creates an Allocator over the configured credential pool.
func New(tokens []string, st *store.Store, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		tokens: tokens,
		store:  st,
		logger: logger.With("component", "pool"),
	}
}

// Size returns the configured pool size.
func (a *Allocator) Size() int { return len(a.tokens) }

// Contains reports whether the credential belongs to the configured pool.
func (a *Allocator) Contains(token string) bool {
	for _, t := range a.tokens {
		if t == token {
			return true
		}
	}
	return false
}

// Allocate binds a credential to the given external identity and creates
// the tenant in the initial onboarding state. Re-invocation for an
// already-known identity is idempotent and returns the existing tenant.
// preferred, when non-empty, is tried first (the credential the first
// message arrived on); if it is taken the allocator falls back to the
// rest of the pool. Returns ErrPoolExhausted when no credential is free.
func (a *Allocator) Allocate(ctx context.Context, chatID int64, preferred string) (*store.Tenant, error) {
	candidates := make([]string, 0, len(a.tokens))
	if preferred != "" && a.Contains(preferred) {
		candidates = append(candidates, preferred)
	}
	for _, t := range a.tokens {
		if t != preferred {
			candidates = append(candidates, t)
		}
	}

	for _, token := range candidates {
		tenant, err := a.store.CreateTenant(ctx, chatID, token)
		switch {
		case err == nil:
			a.logger.Info("credential allocated", "chat_id", chatID, "tenant_id", tenant.ID)
			return tenant, nil
		case errors.Is(err, store.ErrIdentityExists):
			// Lost a race with ourselves, or a repeat first-contact:
			// return the existing binding.
			return a.store.TenantByChatID(ctx, chatID)
		case errors.Is(err, store.ErrCredentialTaken):
			continue
		default:
			return nil, fmt.Errorf("allocate credential: %w", err)
		}
	}

	a.logger.Warn("credential pool exhausted", "pool_size", len(a.tokens), "chat_id", chatID)
	return nil, ErrPoolExhausted
}

// Free returns the credentials not currently bound to any tenant.
func (a *Allocator) Free(ctx context.Context) ([]string, error) {
	assigned, err := a.store.AssignedCredentials(ctx)
	if err != nil {
		return nil, err
	}
	var free []string
	for _, t := range a.tokens {
		if !assigned[t] {
			free = append(free, t)
		}
	}
	return free, nil
}
