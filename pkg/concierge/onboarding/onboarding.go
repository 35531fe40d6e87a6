// Package onboarding drives a new tenant through the setup sequence
// before full command access is granted. Transitions are strictly forward
// and validated against a closed table; the new state is persisted before
// any reply is produced, so a crash between persist and reply can only
// re-prompt, never re-advance.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hartley-dev/concierge/pkg/concierge/store"
)

// ErrInvalidInput means the input did not satisfy the current step; the
// tenant was re-prompted and no state changed.
var ErrInvalidInput = errors.New("onboarding: invalid input for current step")

// transitions is the only legal forward ordering. Anything else is
// rejected.
var transitions = map[store.State]store.State{
	store.StateNew:              store.StateAwaitingName,
	store.StateAwaitingName:     store.StateAwaitingTimezone,
	store.StateAwaitingTimezone: store.StateReady,
}

// Next returns the successor of the given state, or false if the state is
// terminal or unknown.
func Next(s store.State) (store.State, bool) {
	n, ok := transitions[s]
	return n, ok
}

// Machine applies onboarding steps against the tenant store.
type Machine struct {
	store  *store.Store
	logger *slog.Logger

	// assistantName is the name the bot introduces itself with.
	assistantName string
}

// NewMachine creates an onboarding machine.
func NewMachine(st *store.Store, assistantName string, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if assistantName == "" {
		assistantName = "your assistant"
	}
	return &Machine{
		store:         st,
		logger:        logger.With("component", "onboarding"),
		assistantName: assistantName,
	}
}

// Step processes one inbound message for a tenant that has not reached
// the ready state. It returns the reply to send. On invalid input it
// returns the re-prompt along with ErrInvalidInput and leaves the state
// untouched.
func (m *Machine) Step(ctx context.Context, tenant *store.Tenant, input string) (string, error) {
	input = strings.TrimSpace(input)

	switch tenant.OnboardingState {
	case store.StateNew:
		// Entry step: no input expected, greet and ask for a name.
		if err := m.advance(ctx, tenant); err != nil {
			return "", err
		}
		return fmt.Sprintf("Hi! I'm %s, your personal assistant. Let's get you set up.\n\nFirst, what's your name?", m.assistantName), nil

	case store.StateAwaitingName:
		if input == "" {
			return "I didn't catch that. What should I call you?", ErrInvalidInput
		}
		if err := m.store.SetName(ctx, tenant.ID, input); err != nil {
			return "", err
		}
		if err := m.advance(ctx, tenant); err != nil {
			return "", err
		}
		return fmt.Sprintf("Nice to meet you, %s! What timezone are you in? (for example Europe/Lisbon or America/New_York)", input), nil

	case store.StateAwaitingTimezone:
		if _, err := time.LoadLocation(input); err != nil || input == "" {
			return "That doesn't look like a timezone I know. Try something like Europe/Lisbon or America/New_York.", ErrInvalidInput
		}
		if err := m.store.SetTimezone(ctx, tenant.ID, input); err != nil {
			return "", err
		}
		if err := m.advance(ctx, tenant); err != nil {
			return "", err
		}
		return "You're all set! " + HelpText, nil

	case store.StateReady:
		// Nothing to do; the router dispatches ready tenants elsewhere.
		return HelpText, nil
	}

	return "", fmt.Errorf("onboarding: unknown state %q", tenant.OnboardingState)
}

// Prompt returns the question for the tenant's current step, used when a
// tenant asks to see it again (e.g. /start mid-onboarding).
func (m *Machine) Prompt(tenant *store.Tenant) string {
	switch tenant.OnboardingState {
	case store.StateNew, store.StateAwaitingName:
		return "What's your name?"
	case store.StateAwaitingTimezone:
		return "What timezone are you in? (for example Europe/Lisbon)"
	default:
		return HelpText
	}
}

// advance persists the next state and updates the in-memory tenant.
func (m *Machine) advance(ctx context.Context, tenant *store.Tenant) error {
	next, ok := Next(tenant.OnboardingState)
	if !ok {
		return fmt.Errorf("onboarding: no transition from %q", tenant.OnboardingState)
	}
	if err := m.store.SetOnboardingState(ctx, tenant.ID, next); err != nil {
		return fmt.Errorf("persist state %q: %w", next, err)
	}
	m.logger.Info("onboarding advanced",
		"tenant_id", tenant.ID, "from", tenant.OnboardingState, "to", next)
	tenant.OnboardingState = next
	return nil
}

// HelpText lists the command surface shown once onboarding completes.
const HelpText = `Here's what I can do:

Tasks:
  /add <task>        add a task (append "by YYYY-MM-DD" for a due date)
  /list              show pending tasks
  /today             tasks due today or overdue
  /done <n>          complete task n

Reminders:
  /remind <RFC3339 time> <message>
  /reminders         list pending reminders

Memory:
  /remember <key> <value>
  /context           show everything I remember
  /clear             forget our conversation history

Check-ins:
  /mute [minutes]    pause proactive check-ins
  /unmute            resume them

Other:
  /search <query>    search the web
  /help              this message`
