package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hartley-dev/concierge/pkg/concierge/pool"
	"github.com/hartley-dev/concierge/pkg/concierge/store"
)

// newAdminCmd groups the administrative maintenance commands. These are
// the only sanctioned paths for backward onboarding transitions and
// tenant deletion.
func newAdminCmd() *cobra.Command {
	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Administrative tenant maintenance",
	}
	adminCmd.AddCommand(
		newListTenantsCmd(),
		newResetTenantCmd(),
		newDeleteTenantCmd(),
		newPoolStatusCmd(),
	)
	return adminCmd
}

func newListTenantsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-tenants",
		Short: "List all tenants and their onboarding state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, st *store.Store) error {
				tenants, err := st.AllTenants(ctx, "")
				if err != nil {
					return err
				}
				if len(tenants) == 0 {
					fmt.Println("no tenants")
					return nil
				}
				for _, t := range tenants {
					fmt.Printf("%s  chat=%d  state=%s  name=%q  tz=%q\n",
						t.ID, t.ChatID, t.OnboardingState, t.Name, t.Timezone)
				}
				return nil
			})
		},
	}
}

func newResetTenantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-tenant <chat-id>",
		Short: "Reset a tenant's onboarding to the initial state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd, args[0], func(ctx context.Context, st *store.Store, t *store.Tenant) error {
				if err := st.ResetOnboarding(ctx, t.ID); err != nil {
					return err
				}
				fmt.Printf("tenant %s reset to %s\n", t.ID, store.StateNew)
				return nil
			})
		},
	}
}

func newDeleteTenantCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-tenant <chat-id>",
		Short: "Delete a tenant and all data scoped to them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTenant(cmd, args[0], func(ctx context.Context, st *store.Store, t *store.Tenant) error {
				if err := st.DeleteTenant(ctx, t.ID); err != nil {
					return err
				}
				fmt.Printf("tenant %s deleted, credential freed\n", t.ID)
				return nil
			})
		},
	}
}

func newPoolStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pool-status",
		Short: "Show free and assigned credentials in the pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg)
			st, err := store.Open(cfg.Database, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			alloc := pool.New(cfg.Pool.Tokens, st, logger)
			free, err := alloc.Free(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("pool: %d total, %d free\n", alloc.Size(), len(free))
			return nil
		},
	}
}

// withStore opens the store for a one-shot admin operation.
func withStore(cmd *cobra.Command, fn func(context.Context, *store.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.Database, newLogger(cmd, cfg))
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(cmd.Context(), st)
}

// withTenant resolves a chat-id argument to a tenant first.
func withTenant(cmd *cobra.Command, arg string, fn func(context.Context, *store.Store, *store.Tenant) error) error {
	chatID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q", arg)
	}
	return withStore(cmd, func(ctx context.Context, st *store.Store) error {
		t, err := st.TenantByChatID(ctx, chatID)
		if err != nil {
			return fmt.Errorf("tenant for chat %d: %w", chatID, err)
		}
		return fn(ctx, st, t)
	})
}
