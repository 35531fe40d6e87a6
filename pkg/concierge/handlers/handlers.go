// Package handlers implements the command surface for fully onboarded
// tenants: tasks, reminders, context memory, heartbeat mute control, and
// handoff to the external conversation and search collaborators.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hartley-dev/concierge/pkg/concierge/onboarding"
	"github.com/hartley-dev/concierge/pkg/concierge/store"
)

// historyLimit caps how much conversation history is replayed to the
// conversation collaborator.
const historyLimit = 20

// Searcher is the external web-search collaborator.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// Conversationalist is the external LLM collaborator that answers
// free-form messages.
type Conversationalist interface {
	Reply(ctx context.Context, tenant *store.Tenant, history []*store.Message, text string) (string, error)
}

// TimeParser resolves a reminder time expression to an instant. The
// natural-language implementation is an external collaborator; the
// default accepts RFC3339 only.
type TimeParser interface {
	Parse(expr string, loc *time.Location, now time.Time) (time.Time, error)
}

// Config holds handler tunables.
type Config struct {
	// MuteMinutes is the default /mute duration.
	MuteMinutes int `yaml:"mute_minutes"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{MuteMinutes: 120}
}

// Handler dispatches tenant commands against the store.
type Handler struct {
	store    *store.Store
	searcher Searcher
	conv     Conversationalist
	parser   TimeParser
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Handler. searcher and conv may be nil; the corresponding
// commands then report that the capability is not configured.
func New(st *store.Store, cfg Config, searcher Searcher, conv Conversationalist,
	parser TimeParser, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MuteMinutes <= 0 {
		cfg.MuteMinutes = 120
	}
	if parser == nil {
		parser = rfc3339Parser{}
	}
	return &Handler{
		store:    st,
		searcher: searcher,
		conv:     conv,
		parser:   parser,
		cfg:      cfg,
		logger:   logger.With("component", "handlers"),
		now:      time.Now,
	}
}

// Handle processes one message for a ready tenant and returns the reply.
func (h *Handler) Handle(ctx context.Context, tenant *store.Tenant, text, mediaRef string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" && mediaRef != "" {
		// Media handling belongs to excluded collaborators.
		return "Got the file — I can't process attachments yet.", nil
	}

	cmd, args := splitCommand(text)
	switch cmd {
	case "/help":
		return onboarding.HelpText, nil
	case "/add":
		return h.addTask(ctx, tenant, args)
	case "/list":
		return h.listTasks(ctx, tenant, false)
	case "/today":
		return h.listTasks(ctx, tenant, true)
	case "/done":
		return h.completeTask(ctx, tenant, args)
	case "/remind":
		return h.addReminder(ctx, tenant, args)
	case "/reminders":
		return h.listReminders(ctx, tenant)
	case "/remember":
		return h.remember(ctx, tenant, args)
	case "/context":
		return h.showContext(ctx, tenant)
	case "/clear":
		return h.clear(ctx, tenant)
	case "/mute":
		return h.mute(ctx, tenant, args)
	case "/unmute":
		return h.unmute(ctx, tenant)
	case "/search":
		return h.search(ctx, args)
	}
	if strings.HasPrefix(cmd, "/") {
		return "I don't know that command. Try /help.", nil
	}
	return h.chat(ctx, tenant, text)
}

func (h *Handler) addTask(ctx context.Context, tenant *store.Tenant, args string) (string, error) {
	if args == "" {
		return "Usage: /add <task> [by YYYY-MM-DD]", nil
	}
	content := args
	var due *time.Time
	if i := strings.LastIndex(strings.ToLower(args), " by "); i >= 0 {
		if d, err := time.Parse("2006-01-02", strings.TrimSpace(args[i+4:])); err == nil {
			due = &d
			content = strings.TrimSpace(args[:i])
		}
	}
	task, err := h.store.AddTask(ctx, tenant.ID, content, due)
	if err != nil {
		return "", fmt.Errorf("add task: %w", err)
	}
	if task.DueDate != nil {
		return fmt.Sprintf("Added: %s (due %s)", task.Content, task.DueDate.Format("2006-01-02")), nil
	}
	return "Added: " + task.Content, nil
}

func (h *Handler) listTasks(ctx context.Context, tenant *store.Tenant, todayOnly bool) (string, error) {
	tasks, err := h.store.Tasks(ctx, tenant.ID, store.TaskPending)
	if err != nil {
		return "", fmt.Errorf("list tasks: %w", err)
	}
	if todayOnly {
		endOfDay := h.endOfDay(tenant)
		filtered := tasks[:0]
		for _, t := range tasks {
			if t.DueDate != nil && t.DueDate.Before(endOfDay) {
				filtered = append(filtered, t)
			}
		}
		tasks = filtered
	}
	if len(tasks) == 0 {
		if todayOnly {
			return "Nothing due today. Enjoy!", nil
		}
		return "No pending tasks.", nil
	}
	var b strings.Builder
	b.WriteString("Your tasks:\n")
	for i, t := range tasks {
		fmt.Fprintf(&b, "%d. %s", i+1, t.Content)
		if t.DueDate != nil {
			fmt.Fprintf(&b, " (due %s)", t.DueDate.Format("2006-01-02"))
		}
		b.WriteString("\n")
	}
	b.WriteString("\nComplete one with /done <number>.")
	return b.String(), nil
}

func (h *Handler) completeTask(ctx context.Context, tenant *store.Tenant, args string) (string, error) {
	n, err := strconv.Atoi(strings.TrimSpace(args))
	if err != nil || n < 1 {
		return "Usage: /done <number> (see /list)", nil
	}
	tasks, err := h.store.Tasks(ctx, tenant.ID, store.TaskPending)
	if err != nil {
		return "", fmt.Errorf("list tasks: %w", err)
	}
	if n > len(tasks) {
		return fmt.Sprintf("You only have %d pending task(s).", len(tasks)), nil
	}
	task := tasks[n-1]
	if err := h.store.CompleteTask(ctx, tenant.ID, task.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "That task is already done.", nil
		}
		return "", fmt.Errorf("complete task: %w", err)
	}
	return "Done: " + task.Content, nil
}

func (h *Handler) addReminder(ctx context.Context, tenant *store.Tenant, args string) (string, error) {
	fields := strings.Fields(args)
	if len(fields) < 2 {
		return "Usage: /remind <time> <message>", nil
	}
	loc := h.location(tenant)
	dueAt, err := h.parser.Parse(fields[0], loc, h.now())
	if err != nil {
		return "I couldn't read that time. Use RFC3339, like 2026-09-01T15:00:00Z.", nil
	}
	message := strings.Join(fields[1:], " ")
	if _, err := h.store.AddReminder(ctx, tenant.ID, message, dueAt); err != nil {
		return "", fmt.Errorf("add reminder: %w", err)
	}
	return fmt.Sprintf("I'll remind you at %s: %s", dueAt.In(loc).Format("Mon 15:04"), message), nil
}

func (h *Handler) listReminders(ctx context.Context, tenant *store.Tenant) (string, error) {
	reminders, err := h.store.PendingReminders(ctx, tenant.ID)
	if err != nil {
		return "", fmt.Errorf("list reminders: %w", err)
	}
	if len(reminders) == 0 {
		return "No pending reminders.", nil
	}
	loc := h.location(tenant)
	var b strings.Builder
	b.WriteString("Pending reminders:\n")
	for _, r := range reminders {
		fmt.Fprintf(&b, "- %s: %s\n", r.DueAt.In(loc).Format("Mon Jan 2 15:04"), r.Message)
	}
	return b.String(), nil
}

func (h *Handler) remember(ctx context.Context, tenant *store.Tenant, args string) (string, error) {
	fields := strings.SplitN(args, " ", 2)
	if len(fields) < 2 || strings.TrimSpace(fields[1]) == "" {
		return "Usage: /remember <key> <value>", nil
	}
	key, value := fields[0], strings.TrimSpace(fields[1])
	if err := h.store.SetContext(ctx, tenant.ID, key, value); err != nil {
		return "", fmt.Errorf("set context: %w", err)
	}
	return fmt.Sprintf("Noted: %s = %s", key, value), nil
}

func (h *Handler) showContext(ctx context.Context, tenant *store.Tenant) (string, error) {
	entries, err := h.store.AllContext(ctx, tenant.ID)
	if err != nil {
		return "", fmt.Errorf("read context: %w", err)
	}
	if len(entries) == 0 {
		return "I don't have anything remembered yet. Use /remember <key> <value>.", nil
	}
	var b strings.Builder
	b.WriteString("Here's what I remember:\n")
	for k, v := range entries {
		fmt.Fprintf(&b, "- %s: %s\n", k, v)
	}
	return b.String(), nil
}

func (h *Handler) clear(ctx context.Context, tenant *store.Tenant) (string, error) {
	n, err := h.store.ClearHistory(ctx, tenant.ID)
	if err != nil {
		return "", fmt.Errorf("clear history: %w", err)
	}
	return fmt.Sprintf("Cleared %d message(s) of conversation history.", n), nil
}

func (h *Handler) mute(ctx context.Context, tenant *store.Tenant, args string) (string, error) {
	minutes := h.cfg.MuteMinutes
	if args != "" {
		n, err := strconv.Atoi(strings.TrimSpace(args))
		if err != nil || n < 1 {
			return "Usage: /mute [minutes]", nil
		}
		minutes = n
	}
	until := h.now().Add(time.Duration(minutes) * time.Minute)
	if err := h.store.MuteHeartbeat(ctx, tenant.ID, until); err != nil {
		return "", fmt.Errorf("mute heartbeat: %w", err)
	}
	return fmt.Sprintf("Check-ins paused for %d minutes.", minutes), nil
}

func (h *Handler) unmute(ctx context.Context, tenant *store.Tenant) (string, error) {
	if err := h.store.UnmuteHeartbeat(ctx, tenant.ID); err != nil {
		return "", fmt.Errorf("unmute heartbeat: %w", err)
	}
	return "Check-ins resumed.", nil
}

func (h *Handler) search(ctx context.Context, query string) (string, error) {
	if query == "" {
		return "Usage: /search <query>", nil
	}
	if h.searcher == nil {
		return "Search isn't configured on this assistant.", nil
	}
	result, err := h.searcher.Search(ctx, query)
	if err != nil {
		h.logger.Warn("search failed", "error", err)
		return "Search failed, try again in a bit.", nil
	}
	return result, nil
}

// chat hands a free-form message to the conversation collaborator,
// recording both sides in the tenant's conversation log.
func (h *Handler) chat(ctx context.Context, tenant *store.Tenant, text string) (string, error) {
	if err := h.store.AppendMessage(ctx, tenant.ID, "user", text); err != nil {
		return "", fmt.Errorf("record message: %w", err)
	}
	if h.conv == nil {
		return "I can't chat freely yet — try /help for what I can do.", nil
	}
	history, err := h.store.History(ctx, tenant.ID, historyLimit)
	if err != nil {
		return "", fmt.Errorf("read history: %w", err)
	}
	reply, err := h.conv.Reply(ctx, tenant, history, text)
	if err != nil {
		h.logger.Warn("conversation collaborator failed", "tenant_id", tenant.ID, "error", err)
		return "Sorry, I had trouble thinking that through. Try again?", nil
	}
	if err := h.store.AppendMessage(ctx, tenant.ID, "assistant", reply); err != nil {
		return "", fmt.Errorf("record reply: %w", err)
	}
	return reply, nil
}

func (h *Handler) location(tenant *store.Tenant) *time.Location {
	if tenant.Timezone != "" {
		if loc, err := time.LoadLocation(tenant.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

func (h *Handler) endOfDay(tenant *store.Tenant) time.Time {
	now := h.now().In(h.location(tenant))
	y, m, d := now.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, now.Location())
}

func splitCommand(text string) (cmd, args string) {
	fields := strings.SplitN(text, " ", 2)
	cmd = strings.ToLower(strings.TrimSpace(fields[0]))
	if len(fields) > 1 {
		args = strings.TrimSpace(fields[1])
	}
	return cmd, args
}

// rfc3339Parser is the default TimeParser: strict RFC3339 plus a local
// date-time form.
type rfc3339Parser struct{}

func (rfc3339Parser) Parse(expr string, loc *time.Location, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, expr); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04", expr, loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", expr)
}
