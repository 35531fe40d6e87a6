// Package router resolves inbound messages to tenants and dispatches
// them. A message carries the bot credential it arrived on and the
// sender's external identity; the router binds unbound credentials via
// the pool allocator, walks mid-onboarding tenants through the state
// machine, and hands ready tenants to the command handler.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hartley-dev/concierge/pkg/concierge/onboarding"
	"github.com/hartley-dev/concierge/pkg/concierge/pool"
	"github.com/hartley-dev/concierge/pkg/concierge/store"
)

// ErrIdentityMismatch means a message arrived on a credential bound to a
// different external identity than the sender. The message is dropped
// without a reply; replying would leak the existence of another tenant.
var ErrIdentityMismatch = errors.New("router: credential bound to a different identity")

// Sender delivers a text message via a bot credential. It either fully
// delivers or fails; there is no partial delivery.
type Sender interface {
	Send(ctx context.Context, botToken string, chatID int64, text string) error
}

// Handler processes a message for a fully onboarded tenant and returns
// the reply text (empty for no reply).
type Handler interface {
	Handle(ctx context.Context, tenant *store.Tenant, text, mediaRef string) (string, error)
}

// Inbound is one message as delivered by the platform integration layer.
type Inbound struct {
	// BotToken is the credential the message arrived on.
	BotToken string

	// ChatID is the sender's external identity.
	ChatID int64

	// FromName is the sender display name, if the platform provides one.
	FromName string

	// Text is the message payload.
	Text string

	// MediaRef is an opaque media reference handed through to handlers.
	MediaRef string
}

// Router dispatches inbound messages. Safe for concurrent use across
// different tenants; messages touching the same external identity are
// serialized by a per-identity lock.
type Router struct {
	store   *store.Store
	pool    *pool.Allocator
	onboard *onboarding.Machine
	handler Handler
	sender  Sender
	logger  *slog.Logger
	locks   *identityLocks
}

// New creates a Router.
func New(st *store.Store, alloc *pool.Allocator, onboard *onboarding.Machine,
	handler Handler, sender Sender, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		store:   st,
		pool:    alloc,
		onboard: onboard,
		handler: handler,
		sender:  sender,
		logger:  logger.With("component", "router"),
		locks:   newIdentityLocks(),
	}
}

// Route resolves the message to a tenant and dispatches it. Errors are
// returned for logging by the caller; user-visible outcomes (capacity
// message, re-prompts, replies) have already been sent when Route
// returns.
func (r *Router) Route(ctx context.Context, msg *Inbound) error {
	unlock := r.locks.lock(msg.ChatID)
	defer unlock()

	tenant, err := r.store.TenantByCredential(ctx, msg.BotToken)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return r.firstContact(ctx, msg)
	case err != nil:
		// Store unreachable: drop, the sender will retry.
		return fmt.Errorf("resolve credential: %w", err)
	}

	if tenant.ChatID != msg.ChatID {
		r.logger.Warn("identity mismatch, dropping message",
			"tenant_id", tenant.ID, "bound_chat_id", tenant.ChatID, "sender_chat_id", msg.ChatID)
		return ErrIdentityMismatch
	}

	if tenant.OnboardingState != store.StateReady {
		return r.dispatchOnboarding(ctx, tenant, msg)
	}
	return r.dispatchReady(ctx, tenant, msg)
}

// firstContact handles a message arriving on an unbound credential.
func (r *Router) firstContact(ctx context.Context, msg *Inbound) error {
	// An identity that already has a tenant elsewhere is redirected, not
	// reallocated.
	if existing, err := r.store.TenantByChatID(ctx, msg.ChatID); err == nil {
		r.logger.Info("known identity on unbound credential",
			"tenant_id", existing.ID, "chat_id", msg.ChatID)
		return r.sender.Send(ctx, msg.BotToken, msg.ChatID,
			"You already have an assistant — message your own bot to continue.")
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("resolve identity: %w", err)
	}

	tenant, err := r.pool.Allocate(ctx, msg.ChatID, msg.BotToken)
	if errors.Is(err, pool.ErrPoolExhausted) {
		if sendErr := r.sender.Send(ctx, msg.BotToken, msg.ChatID,
			"Sorry, we're at capacity right now. Please try again later!"); sendErr != nil {
			r.logger.Warn("capacity message delivery failed", "error", sendErr)
		}
		return err
	}
	if err != nil {
		return fmt.Errorf("allocate tenant: %w", err)
	}

	// When allocation fell back to a credential other than the arrival
	// one, the assigned bot cannot initiate the chat; point the user at
	// it from the bot they did message. Onboarding starts on their first
	// message to the assigned bot.
	if tenant.BotToken != msg.BotToken {
		r.logger.Info("allocated fallback credential",
			"tenant_id", tenant.ID, "chat_id", msg.ChatID)
		if err := r.sender.Send(ctx, msg.BotToken, msg.ChatID,
			"You've been assigned a different assistant bot from our pool — open it and say hi to get set up."); err != nil {
			return fmt.Errorf("send redirect: %w", err)
		}
		return r.store.Touch(ctx, tenant.ID)
	}

	// Entry step of onboarding; the greeting goes out on the credential
	// the message arrived on.
	reply, err := r.onboard.Step(ctx, tenant, "")
	if err != nil {
		return fmt.Errorf("onboarding entry: %w", err)
	}
	if err := r.sender.Send(ctx, tenant.BotToken, tenant.ChatID, reply); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}
	return r.store.Touch(ctx, tenant.ID)
}

// dispatchOnboarding feeds the message to the state machine. Invalid
// input re-prompts without advancing; /start re-sends the current prompt
// and never moves the machine backward.
func (r *Router) dispatchOnboarding(ctx context.Context, tenant *store.Tenant, msg *Inbound) error {
	if isStart(msg.Text) && tenant.OnboardingState != store.StateNew {
		return r.sender.Send(ctx, tenant.BotToken, tenant.ChatID, r.onboard.Prompt(tenant))
	}

	reply, err := r.onboard.Step(ctx, tenant, msg.Text)
	if err != nil && !errors.Is(err, onboarding.ErrInvalidInput) {
		return fmt.Errorf("onboarding step: %w", err)
	}
	if sendErr := r.sender.Send(ctx, tenant.BotToken, tenant.ChatID, reply); sendErr != nil {
		return fmt.Errorf("send onboarding reply: %w", sendErr)
	}
	return r.store.Touch(ctx, tenant.ID)
}

// dispatchReady hands the message to the command handler.
func (r *Router) dispatchReady(ctx context.Context, tenant *store.Tenant, msg *Inbound) error {
	if isStart(msg.Text) {
		if err := r.sender.Send(ctx, tenant.BotToken, tenant.ChatID, onboarding.HelpText); err != nil {
			return fmt.Errorf("send help: %w", err)
		}
		return r.store.Touch(ctx, tenant.ID)
	}

	reply, err := r.handler.Handle(ctx, tenant, msg.Text, msg.MediaRef)
	if err != nil {
		return fmt.Errorf("handle command: %w", err)
	}
	if reply != "" {
		if err := r.sender.Send(ctx, tenant.BotToken, tenant.ChatID, reply); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
	}
	return r.store.Touch(ctx, tenant.ID)
}

func isStart(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	return t == "/start" || strings.HasPrefix(t, "/start ")
}
