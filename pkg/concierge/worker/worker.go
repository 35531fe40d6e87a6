// Package worker implements the background scheduling loop: a process
// independent of the message path that polls the tenant store for due
// reminders and heartbeat work, and performs idempotent delivery across
// all tenants. Uses robfig/cron for the polling cadence, with overlap
// protection so cycle N+1 never starts before cycle N finishes.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hartley-dev/concierge/pkg/concierge/store"
)

// Sender delivers a text message via a bot credential.
type Sender interface {
	Send(ctx context.Context, botToken string, chatID int64, text string) error
}

// Config holds worker tunables.
type Config struct {
	// ReminderInterval is the reminder polling period.
	ReminderInterval time.Duration

	// HeartbeatInterval is the heartbeat polling period.
	HeartbeatInterval time.Duration

	// QuietHours suppresses heartbeat delivery during a daily window.
	QuietHours QuietHours
}

// QuietHours is a daily window, evaluated in each tenant's timezone.
type QuietHours struct {
	Enabled bool `yaml:"enabled"`
	Start   int  `yaml:"start"`
	End     int  `yaml:"end"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReminderInterval:  30 * time.Second,
		HeartbeatInterval: 2 * time.Hour,
		QuietHours:        QuietHours{Enabled: true, Start: 22, End: 8},
	}
}

// Worker runs the scheduling loop.
type Worker struct {
	store    *store.Store
	sender   Sender
	emails   EmailSource
	calendar CalendarSource
	composer Composer
	cfg      Config
	logger   *slog.Logger
	cron     *cron.Cron
	now      func() time.Time
}

// New creates a Worker. emails and calendar may be nil; the corresponding
// heartbeat checks are then skipped.
func New(st *store.Store, sender Sender, emails EmailSource, calendar CalendarSource,
	composer Composer, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReminderInterval <= 0 {
		cfg.ReminderInterval = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Hour
	}
	if composer == nil {
		composer = plainComposer{}
	}
	return &Worker{
		store:    st,
		sender:   sender,
		emails:   emails,
		calendar: calendar,
		composer: composer,
		cfg:      cfg,
		logger:   logger.With("component", "worker"),
		now:      time.Now,
	}
}

// Start registers the polling entries and starts the cron scheduler.
// SkipIfStillRunning guarantees no two cycles of the same task overlap;
// a slow cycle simply delays the next one.
func (w *Worker) Start(ctx context.Context) error {
	w.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DiscardLogger),
	))

	if _, err := w.cron.AddFunc(every(w.cfg.ReminderInterval), func() {
		if _, err := w.RunReminderCycle(ctx); err != nil {
			w.logger.Error("reminder cycle failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("register reminder cycle: %w", err)
	}

	if _, err := w.cron.AddFunc(every(w.cfg.HeartbeatInterval), func() {
		if err := w.RunHeartbeatCycle(ctx); err != nil {
			w.logger.Error("heartbeat cycle failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("register heartbeat cycle: %w", err)
	}

	w.cron.Start()
	w.logger.Info("worker started",
		"reminder_interval", w.cfg.ReminderInterval,
		"heartbeat_interval", w.cfg.HeartbeatInterval,
	)
	return nil
}

// Stop stops the cron scheduler and waits for a running cycle to finish.
func (w *Worker) Stop() {
	if w.cron != nil {
		<-w.cron.Stop().Done()
	}
	w.logger.Info("worker stopped")
}

// RunReminderCycle delivers all due, unsent reminders, oldest due first.
// A reminder is marked sent only after confirmed delivery; a failed send
// stays unsent and is retried next cycle. One tenant's failure never
// aborts the cycle for the others. Returns the number delivered.
func (w *Worker) RunReminderCycle(ctx context.Context) (int, error) {
	due, err := w.store.DueReminders(ctx, w.now())
	if err != nil {
		// Store unreachable: abort this cycle, retry on the next poll.
		return 0, fmt.Errorf("query due reminders: %w", err)
	}

	sent := 0
	for _, r := range due {
		if err := w.sender.Send(ctx, r.BotToken, r.ChatID, "Reminder: "+r.Message); err != nil {
			w.logger.Warn("reminder delivery failed, will retry",
				"reminder_id", r.ID, "tenant_id", r.TenantID, "error", err)
			continue
		}
		if err := w.store.MarkReminderSent(ctx, r.ID); err != nil {
			// Delivery happened but the flag write failed; next cycle may
			// re-deliver once. Favor duplicate over loss.
			w.logger.Error("mark sent failed after delivery",
				"reminder_id", r.ID, "error", err)
			continue
		}
		sent++
		w.logger.Info("reminder delivered", "reminder_id", r.ID, "tenant_id", r.TenantID)
	}
	if sent > 0 {
		w.logger.Info("reminder cycle complete", "sent", sent, "due", len(due))
	}
	return sent, nil
}

// every formats a duration as a cron @every spec.
func every(d time.Duration) string {
	return "@every " + d.String()
}
