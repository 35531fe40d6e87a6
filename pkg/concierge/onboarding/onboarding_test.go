package onboarding

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hartley-dev/concierge/pkg/concierge/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(cfg, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNext(t *testing.T) {
	cases := []struct {
		from store.State
		want store.State
		ok   bool
	}{
		{store.StateNew, store.StateAwaitingName, true},
		{store.StateAwaitingName, store.StateAwaitingTimezone, true},
		{store.StateAwaitingTimezone, store.StateReady, true},
		{store.StateReady, "", false},
		{store.State("bogus"), "", false},
	}
	for _, tc := range cases {
		got, ok := Next(tc.from)
		if ok != tc.ok || got != tc.want {
			t.Errorf("Next(%q) = %q, %v; want %q, %v", tc.from, got, ok, tc.want, tc.ok)
		}
	}
}

func TestStep_FullSequence(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	m := NewMachine(st, "Archie", nil)

	tenant, err := st.CreateTenant(ctx, 1, "tok-1")
	if err != nil {
		t.Fatalf("CreateTenant failed: %v", err)
	}

	// Entry: greet and ask for a name.
	reply, err := m.Step(ctx, tenant, "")
	if err != nil {
		t.Fatalf("entry step failed: %v", err)
	}
	if !strings.Contains(reply, "Archie") || !strings.Contains(reply, "name") {
		t.Errorf("entry reply missing greeting or name prompt: %q", reply)
	}
	if tenant.OnboardingState != store.StateAwaitingName {
		t.Fatalf("expected awaiting_name, got %q", tenant.OnboardingState)
	}

	// Name.
	reply, err = m.Step(ctx, tenant, "Dana")
	if err != nil {
		t.Fatalf("name step failed: %v", err)
	}
	if !strings.Contains(reply, "Dana") || !strings.Contains(reply, "timezone") {
		t.Errorf("name reply missing confirmation or timezone prompt: %q", reply)
	}
	if tenant.OnboardingState != store.StateAwaitingTimezone {
		t.Fatalf("expected awaiting_timezone, got %q", tenant.OnboardingState)
	}

	// Timezone.
	reply, err = m.Step(ctx, tenant, "Europe/Lisbon")
	if err != nil {
		t.Fatalf("timezone step failed: %v", err)
	}
	if !strings.Contains(reply, "all set") {
		t.Errorf("completion reply unexpected: %q", reply)
	}
	if tenant.OnboardingState != store.StateReady {
		t.Fatalf("expected ready, got %q", tenant.OnboardingState)
	}

	// Every advance must be durable, not just in memory.
	persisted, err := st.TenantByID(ctx, tenant.ID)
	if err != nil {
		t.Fatalf("reload tenant: %v", err)
	}
	if persisted.OnboardingState != store.StateReady {
		t.Errorf("persisted state %q, want ready", persisted.OnboardingState)
	}
	if persisted.Name != "Dana" || persisted.Timezone != "Europe/Lisbon" {
		t.Errorf("profile not persisted: name=%q tz=%q", persisted.Name, persisted.Timezone)
	}
}

func TestStep_EmptyNameReprompts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	m := NewMachine(st, "Archie", nil)

	tenant, _ := st.CreateTenant(ctx, 1, "tok-1")
	if _, err := m.Step(ctx, tenant, ""); err != nil {
		t.Fatalf("entry step failed: %v", err)
	}

	reply, err := m.Step(ctx, tenant, "   ")
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if reply == "" {
		t.Error("expected a re-prompt reply")
	}
	if tenant.OnboardingState != store.StateAwaitingName {
		t.Errorf("state moved on invalid input: %q", tenant.OnboardingState)
	}
}

func TestStep_InvalidTimezoneReprompts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	m := NewMachine(st, "Archie", nil)

	tenant, _ := st.CreateTenant(ctx, 1, "tok-1")
	if _, err := m.Step(ctx, tenant, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Step(ctx, tenant, "Dana"); err != nil {
		t.Fatal(err)
	}

	for _, input := range []string{"Atlantis/Nowhere", "not a zone", ""} {
		reply, err := m.Step(ctx, tenant, input)
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("input %q: expected ErrInvalidInput, got %v", input, err)
		}
		if reply == "" {
			t.Errorf("input %q: expected a re-prompt", input)
		}
	}
	if tenant.OnboardingState != store.StateAwaitingTimezone {
		t.Errorf("state moved on invalid timezone: %q", tenant.OnboardingState)
	}

	persisted, _ := st.TenantByID(ctx, tenant.ID)
	if persisted.OnboardingState != store.StateAwaitingTimezone {
		t.Errorf("persisted state moved on invalid timezone: %q", persisted.OnboardingState)
	}
}

func TestPrompt(t *testing.T) {
	m := NewMachine(nil, "Archie", nil)

	for _, tc := range []struct {
		state store.State
		want  string
	}{
		{store.StateNew, "name"},
		{store.StateAwaitingName, "name"},
		{store.StateAwaitingTimezone, "timezone"},
	} {
		tenant := &store.Tenant{OnboardingState: tc.state}
		if got := m.Prompt(tenant); !strings.Contains(got, tc.want) {
			t.Errorf("Prompt(%q) = %q, want mention of %q", tc.state, got, tc.want)
		}
	}
	ready := &store.Tenant{OnboardingState: store.StateReady}
	if got := m.Prompt(ready); got != HelpText {
		t.Errorf("Prompt(ready) should be the help text")
	}
}
