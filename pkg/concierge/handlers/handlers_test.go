package handlers

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hartley-dev/concierge/pkg/concierge/store"
)

var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fakeSearcher struct {
	result string
	err    error
}

func (f fakeSearcher) Search(context.Context, string) (string, error) {
	return f.result, f.err
}

type fakeConv struct {
	reply   string
	history int
}

func (f *fakeConv) Reply(_ context.Context, _ *store.Tenant, history []*store.Message, _ string) (string, error) {
	f.history = len(history)
	return f.reply, nil
}

func newTestHandler(t *testing.T, searcher Searcher, conv Conversationalist) (*Handler, *store.Store, *store.Tenant) {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "test.db")
	st, err := store.Open(cfg, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	tenant, err := st.CreateTenant(ctx, 1, "tok-1")
	if err != nil {
		t.Fatalf("CreateTenant failed: %v", err)
	}
	if err := st.SetTimezone(ctx, tenant.ID, "UTC"); err != nil {
		t.Fatal(err)
	}
	tenant.Timezone = "UTC"

	h := New(st, DefaultConfig(), searcher, conv, nil, nil)
	h.now = func() time.Time { return fixedNow }
	return h, st, tenant
}

func TestHandle_TaskLifecycle(t *testing.T) {
	h, _, tenant := newTestHandler(t, nil, nil)
	ctx := context.Background()

	reply, err := h.Handle(ctx, tenant, "/add Buy milk", "")
	if err != nil {
		t.Fatalf("/add failed: %v", err)
	}
	if !strings.Contains(reply, "Buy milk") {
		t.Errorf("add confirmation missing task: %q", reply)
	}

	reply, err = h.Handle(ctx, tenant, "/add Pay rent by 2026-03-01", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "due 2026-03-01") {
		t.Errorf("due date not parsed: %q", reply)
	}

	reply, err = h.Handle(ctx, tenant, "/list", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "1.") || !strings.Contains(reply, "Buy milk") || !strings.Contains(reply, "Pay rent") {
		t.Errorf("list missing tasks: %q", reply)
	}

	// Dated tasks list first, so "Pay rent" is number 1.
	reply, err = h.Handle(ctx, tenant, "/done 1", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "Pay rent") {
		t.Errorf("completed wrong task: %q", reply)
	}

	reply, _ = h.Handle(ctx, tenant, "/list", "")
	if strings.Contains(reply, "Pay rent") {
		t.Errorf("completed task still listed: %q", reply)
	}
}

func TestHandle_TodayFiltersByDueDate(t *testing.T) {
	h, st, tenant := newTestHandler(t, nil, nil)
	ctx := context.Background()

	yesterday := fixedNow.Add(-24 * time.Hour)
	nextWeek := fixedNow.Add(7 * 24 * time.Hour)
	if _, err := st.AddTask(ctx, tenant.ID, "Overdue thing", &yesterday); err != nil {
		t.Fatal(err)
	}
	if _, err := st.AddTask(ctx, tenant.ID, "Future thing", &nextWeek); err != nil {
		t.Fatal(err)
	}
	if _, err := st.AddTask(ctx, tenant.ID, "Undated thing", nil); err != nil {
		t.Fatal(err)
	}

	reply, err := h.Handle(ctx, tenant, "/today", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "Overdue thing") {
		t.Errorf("/today missing overdue task: %q", reply)
	}
	if strings.Contains(reply, "Future thing") || strings.Contains(reply, "Undated thing") {
		t.Errorf("/today leaked non-today tasks: %q", reply)
	}
}

func TestHandle_DoneOutOfRange(t *testing.T) {
	h, _, tenant := newTestHandler(t, nil, nil)
	ctx := context.Background()

	reply, err := h.Handle(ctx, tenant, "/done 5", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "0 pending") {
		t.Errorf("expected out-of-range notice, got %q", reply)
	}

	reply, err = h.Handle(ctx, tenant, "/done nope", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "Usage") {
		t.Errorf("expected usage, got %q", reply)
	}
}

func TestHandle_Reminders(t *testing.T) {
	h, st, tenant := newTestHandler(t, nil, nil)
	ctx := context.Background()

	reply, err := h.Handle(ctx, tenant, "/remind 2026-03-10T15:00:00Z stretch your legs", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "stretch your legs") {
		t.Errorf("reminder confirmation missing message: %q", reply)
	}

	pending, err := st.PendingReminders(ctx, tenant.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Message != "stretch your legs" {
		t.Fatalf("reminder not stored: %+v", pending)
	}
	if !pending[0].DueAt.Equal(time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)) {
		t.Errorf("wrong due time: %v", pending[0].DueAt)
	}

	reply, err = h.Handle(ctx, tenant, "/reminders", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "stretch your legs") {
		t.Errorf("/reminders missing entry: %q", reply)
	}

	// Garbage time expression: polite rejection, nothing stored.
	reply, err = h.Handle(ctx, tenant, "/remind whenever take a nap", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "couldn't read that time") {
		t.Errorf("expected time parse rejection, got %q", reply)
	}
	pending, _ = st.PendingReminders(ctx, tenant.ID)
	if len(pending) != 1 {
		t.Errorf("invalid reminder stored anyway: %d pending", len(pending))
	}
}

func TestHandle_ContextMemory(t *testing.T) {
	h, _, tenant := newTestHandler(t, nil, nil)
	ctx := context.Background()

	if _, err := h.Handle(ctx, tenant, "/remember coffee black, no sugar", ""); err != nil {
		t.Fatal(err)
	}
	reply, err := h.Handle(ctx, tenant, "/context", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "coffee") || !strings.Contains(reply, "black, no sugar") {
		t.Errorf("/context missing entry: %q", reply)
	}

	reply, err = h.Handle(ctx, tenant, "/remember onlyakey", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "Usage") {
		t.Errorf("expected usage for missing value, got %q", reply)
	}
}

func TestHandle_MuteAndUnmute(t *testing.T) {
	h, st, tenant := newTestHandler(t, nil, nil)
	ctx := context.Background()

	reply, err := h.Handle(ctx, tenant, "/mute", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "120 minutes") {
		t.Errorf("expected default mute duration, got %q", reply)
	}
	hb, _ := st.HeartbeatFor(ctx, tenant.ID)
	if !hb.Muted(fixedNow.Add(time.Hour)) {
		t.Error("not muted an hour in")
	}
	if hb.Muted(fixedNow.Add(3 * time.Hour)) {
		t.Error("still muted past the window")
	}

	reply, err = h.Handle(ctx, tenant, "/mute 45", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "45 minutes") {
		t.Errorf("explicit duration ignored: %q", reply)
	}

	if _, err := h.Handle(ctx, tenant, "/unmute", ""); err != nil {
		t.Fatal(err)
	}
	hb, _ = st.HeartbeatFor(ctx, tenant.ID)
	if hb.Muted(fixedNow) {
		t.Error("still muted after /unmute")
	}
}

func TestHandle_SearchDegradesGracefully(t *testing.T) {
	h, _, tenant := newTestHandler(t, nil, nil)
	reply, err := h.Handle(context.Background(), tenant, "/search golang generics", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "isn't configured") {
		t.Errorf("expected unconfigured notice, got %q", reply)
	}

	h2, _, tenant2 := newTestHandler(t, fakeSearcher{result: "Generics landed in Go 1.18."}, nil)
	reply, err = h2.Handle(context.Background(), tenant2, "/search golang generics", "")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Generics landed in Go 1.18." {
		t.Errorf("search result not passed through: %q", reply)
	}

	h3, _, tenant3 := newTestHandler(t, fakeSearcher{err: errors.New("timeout")}, nil)
	reply, err = h3.Handle(context.Background(), tenant3, "/search anything", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "failed") {
		t.Errorf("search failure should degrade to a notice, got %q", reply)
	}
}

func TestHandle_ChatRecordsBothSides(t *testing.T) {
	conv := &fakeConv{reply: "Happy to help!"}
	h, st, tenant := newTestHandler(t, nil, conv)
	ctx := context.Background()

	reply, err := h.Handle(ctx, tenant, "how's my week looking?", "")
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Happy to help!" {
		t.Errorf("conversation reply not passed through: %q", reply)
	}

	history, err := st.History(ctx, tenant.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expected user+assistant recorded, got %d messages", len(history))
	}
	if history[0].Role != "user" || history[1].Role != "assistant" {
		t.Errorf("roles wrong: %q then %q", history[0].Role, history[1].Role)
	}
	if conv.history != 1 {
		t.Errorf("collaborator should see the user message in history, saw %d", conv.history)
	}
}

func TestHandle_UnknownCommand(t *testing.T) {
	h, _, tenant := newTestHandler(t, nil, nil)
	reply, err := h.Handle(context.Background(), tenant, "/frobnicate", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "/help") {
		t.Errorf("unknown command should point at /help, got %q", reply)
	}
}

func TestHandle_MediaWithoutText(t *testing.T) {
	h, _, tenant := newTestHandler(t, nil, nil)
	reply, err := h.Handle(context.Background(), tenant, "", "file-abc123")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "attachments") {
		t.Errorf("expected attachment notice, got %q", reply)
	}
}

func TestRFC3339Parser(t *testing.T) {
	lisbon, err := time.LoadLocation("Europe/Lisbon")
	if err != nil {
		t.Fatal(err)
	}
	p := rfc3339Parser{}

	got, err := p.Parse("2026-09-01T15:00:00Z", lisbon, fixedNow)
	if err != nil {
		t.Fatalf("RFC3339 rejected: %v", err)
	}
	if !got.Equal(time.Date(2026, 9, 1, 15, 0, 0, 0, time.UTC)) {
		t.Errorf("wrong instant: %v", got)
	}

	got, err = p.Parse("2026-09-01T15:00", lisbon, fixedNow)
	if err != nil {
		t.Fatalf("local form rejected: %v", err)
	}
	if got.Location() != lisbon {
		t.Errorf("local form should resolve in tenant timezone, got %v", got.Location())
	}

	if _, err := p.Parse("tomorrow", lisbon, fixedNow); err == nil {
		t.Error("expected error for natural language")
	}
}
