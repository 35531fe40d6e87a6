package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hartley-dev/concierge/pkg/concierge/store"
	"github.com/hartley-dev/concierge/pkg/concierge/telegram"
	"github.com/hartley-dev/concierge/pkg/concierge/worker"
)

// newWorkerCmd creates the `concierge worker` command: the background
// scheduling loop, run as a process separate from the router daemon.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the background scheduling loop",
		Long: `Start the worker process. It polls the shared store on fixed
intervals, delivers due reminders exactly once, and runs the proactive
heartbeat cycle for every onboarded tenant.`,
		RunE: runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
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

	// Email and calendar sources are external collaborators; without
	// them the heartbeat covers overdue tasks only.
	w := worker.New(st, fleet, nil, nil, nil, cfg.WorkerRuntime(), logger)
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	w.Stop()
	return nil
}
