package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hartley-dev/concierge/pkg/concierge/handlers"
	"github.com/hartley-dev/concierge/pkg/concierge/onboarding"
	"github.com/hartley-dev/concierge/pkg/concierge/pool"
	"github.com/hartley-dev/concierge/pkg/concierge/router"
	"github.com/hartley-dev/concierge/pkg/concierge/store"
	"github.com/hartley-dev/concierge/pkg/concierge/telegram"
)

// newServeCmd creates the `concierge serve` command: the inbound router
// daemon polling every bot in the credential pool.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the message router daemon",
		Long: `Start the router daemon. It long-polls every bot in the credential
pool, resolves each inbound message to its tenant (onboarding new users
on first contact), and dispatches commands.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.RequirePool(); err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	st, err := store.Open(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fleet := telegram.NewFleet(cfg.Pool.Tokens, cfg.Telegram, logger)
	alloc := pool.New(cfg.Pool.Tokens, st, logger)
	onboard := onboarding.NewMachine(st, cfg.Assistant.Name, logger)
	handler := handlers.New(st, cfg.Handlers, nil, nil, nil, logger)
	rt := router.New(st, alloc, onboard, handler, fleet, logger)

	poller := telegram.NewPoller(fleet, cfg.Pool.Tokens, logger)
	if err := poller.Start(ctx); err != nil {
		return err
	}

	logger.Info("concierge serving", "pool_size", len(cfg.Pool.Tokens))

	// Dispatch inbound messages; the router serializes per identity, so
	// concurrent handling here only parallelizes across tenants.
	var wg sync.WaitGroup
	go func() {
		for msg := range poller.Messages() {
			wg.Add(1)
			go func(m *telegram.Update) {
				defer wg.Done()
				inbound := &router.Inbound{
					BotToken: m.BotToken,
					ChatID:   m.ChatID,
					FromName: m.FromName,
					Text:     m.Text,
					MediaRef: m.MediaRef,
				}
				if err := rt.Route(ctx, inbound); err != nil {
					switch {
					case errors.Is(err, router.ErrIdentityMismatch):
						// Already logged at the router; nothing to send.
					case errors.Is(err, pool.ErrPoolExhausted):
						logger.Warn("pool exhausted", "chat_id", m.ChatID)
					default:
						logger.Error("routing failed", "chat_id", m.ChatID, "error", err)
					}
				}
			}(msg)
		}
	}()

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	done := make(chan struct{})
	go func() {
		poller.Stop()
		cancel()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}
	return nil
}
