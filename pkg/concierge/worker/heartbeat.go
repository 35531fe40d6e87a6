package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/hartley-dev/concierge/pkg/concierge/store"
)

// Item is one candidate notification from an external source, carrying a
// stable identifier used for deduplication across cycles.
type Item struct {
	ID      string
	Summary string
}

// EmailSource reports recent notable emails for a tenant.
type EmailSource interface {
	UnreadEmails(ctx context.Context, tenant *store.Tenant) ([]Item, error)
}

// CalendarSource reports imminent calendar events for a tenant.
type CalendarSource interface {
	UpcomingEvents(ctx context.Context, tenant *store.Tenant) ([]Item, error)
}

// Composer turns the new items into the check-in message text. The
// conversational implementation is an external collaborator; the default
// formats a plain summary.
type Composer interface {
	Compose(tenant *store.Tenant, emails, tasks, events []Item) string
}

// RunHeartbeatCycle runs the heartbeat for every ready tenant. Per-tenant
// failures are logged and isolated; only a store-level failure aborts the
// cycle.
func (w *Worker) RunHeartbeatCycle(ctx context.Context) error {
	tenants, err := w.store.AllTenants(ctx, store.StateReady)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	for _, t := range tenants {
		if err := w.runTenantHeartbeat(ctx, t); err != nil {
			w.logger.Warn("tenant heartbeat failed", "tenant_id", t.ID, "error", err)
		}
	}
	return nil
}

// runTenantHeartbeat is the read–filter–deliver–append sequence for one
// tenant. The dedup append happens only after a confirmed send, so a
// crash mid-sequence causes at most a one-cycle duplicate, never a
// missed notification.
func (w *Worker) runTenantHeartbeat(ctx context.Context, tenant *store.Tenant) error {
	now := w.now()

	hb, err := w.store.HeartbeatFor(ctx, tenant.ID)
	if err != nil {
		return fmt.Errorf("read heartbeat state: %w", err)
	}
	if hb.Muted(now) {
		return nil
	}
	if w.inQuietHours(tenant, now) {
		return nil
	}

	emails := w.gather(ctx, tenant, w.emails)
	events := w.gatherCalendar(ctx, tenant)
	tasks, err := w.overdueTaskItems(ctx, tenant, now)
	if err != nil {
		return err
	}

	newEmails := filterNew(emails, hb.EmailIDs)
	newTasks := filterNew(tasks, hb.TaskFingerprints)
	newEvents := filterNew(events, hb.CalendarIDs)

	if len(newEmails)+len(newTasks)+len(newEvents) == 0 {
		hb.LastHeartbeat = &now
		return w.store.SaveHeartbeat(ctx, hb)
	}

	message := w.composer.Compose(tenant, newEmails, newTasks, newEvents)
	if err := w.sender.Send(ctx, tenant.BotToken, tenant.ChatID, message); err != nil {
		// Dedup sets untouched: the same items are candidates again next
		// cycle.
		return fmt.Errorf("deliver heartbeat: %w", err)
	}

	hb.EmailIDs = append(hb.EmailIDs, ids(newEmails)...)
	hb.TaskFingerprints = append(hb.TaskFingerprints, ids(newTasks)...)
	hb.CalendarIDs = append(hb.CalendarIDs, ids(newEvents)...)
	hb.LastHeartbeat = &now
	if err := w.store.SaveHeartbeat(ctx, hb); err != nil {
		return fmt.Errorf("persist dedup state: %w", err)
	}

	w.logger.Info("heartbeat delivered", "tenant_id", tenant.ID,
		"emails", len(newEmails), "tasks", len(newTasks), "events", len(newEvents))
	return nil
}

// gather pulls items from an optional source, isolating its failures.
func (w *Worker) gather(ctx context.Context, tenant *store.Tenant, src EmailSource) []Item {
	if src == nil {
		return nil
	}
	items, err := src.UnreadEmails(ctx, tenant)
	if err != nil {
		w.logger.Warn("email check failed", "tenant_id", tenant.ID, "error", err)
		return nil
	}
	return items
}

func (w *Worker) gatherCalendar(ctx context.Context, tenant *store.Tenant) []Item {
	if w.calendar == nil {
		return nil
	}
	items, err := w.calendar.UpcomingEvents(ctx, tenant)
	if err != nil {
		w.logger.Warn("calendar check failed", "tenant_id", tenant.ID, "error", err)
		return nil
	}
	return items
}

// overdueTaskItems builds candidate items from the tenant's overdue
// tasks, fingerprinted by content so edits re-notify and repeats don't.
func (w *Worker) overdueTaskItems(ctx context.Context, tenant *store.Tenant, now time.Time) ([]Item, error) {
	tasks, err := w.store.OverdueTasks(ctx, tenant.ID, now)
	if err != nil {
		return nil, fmt.Errorf("read overdue tasks: %w", err)
	}
	items := make([]Item, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, Item{ID: TaskFingerprint(t.Content), Summary: t.Content})
	}
	return items, nil
}

// inQuietHours evaluates the quiet-hours window in the tenant's timezone.
func (w *Worker) inQuietHours(tenant *store.Tenant, now time.Time) bool {
	q := w.cfg.QuietHours
	if !q.Enabled {
		return false
	}
	loc := time.UTC
	if tenant.Timezone != "" {
		if l, err := time.LoadLocation(tenant.Timezone); err == nil {
			loc = l
		}
	}
	hour := now.In(loc).Hour()
	if q.Start > q.End {
		// Window wraps midnight.
		return hour >= q.Start || hour < q.End
	}
	return hour >= q.Start && hour < q.End
}

// TaskFingerprint returns a short stable hash of task content.
func TaskFingerprint(content string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(content))))
	return hex.EncodeToString(sum[:])[:12]
}

// filterNew keeps items whose ID is not in the dedup set.
func filterNew(items []Item, seen []string) []Item {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(seen))
	for _, id := range seen {
		set[id] = true
	}
	var fresh []Item
	for _, it := range items {
		if !set[it.ID] {
			fresh = append(fresh, it)
		}
	}
	return fresh
}

func ids(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

// plainComposer is the fallback message formatter used when no
// conversational composer is configured.
type plainComposer struct{}

func (plainComposer) Compose(tenant *store.Tenant, emails, tasks, events []Item) string {
	var parts []string
	for _, e := range events {
		parts = append(parts, "Coming up: "+e.Summary)
	}
	if n := len(emails); n == 1 {
		parts = append(parts, "1 new email: "+emails[0].Summary)
	} else if n > 1 {
		parts = append(parts, fmt.Sprintf("%d new emails, including: %s", n, emails[0].Summary))
	}
	for _, t := range tasks {
		parts = append(parts, "Overdue: "+t.Summary)
	}
	if len(parts) == 0 {
		return "Quick check-in — nothing urgent right now."
	}
	return strings.Join(parts, "\n")
}
