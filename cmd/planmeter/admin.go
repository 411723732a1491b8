package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mihaimyh/planmeter/internal/config"
	"github.com/mihaimyh/planmeter/pkg/billing"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply PostgreSQL schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		switch cfg.Storage.Backend {
		case config.BackendPostgres, config.BackendTiered:
		default:
			return fmt.Errorf("migrate needs the postgres or tiered backend, got %q", cfg.Storage.Backend)
		}

		a := &app{cfg: cfg, log: log}
		defer a.Close()

		// Auto-migrate is skipped here so the version below reflects this run
		cfg.Storage.Postgres.AutoMigrate = false
		pg, err := a.openPostgres(ctx)
		if err != nil {
			return err
		}
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		version, err := pg.MigrationVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
		return nil
	},
}

var replayLimit int

var replayCmd = &cobra.Command{
	Use:   "replay-unresolved",
	Short: "Re-run dead-lettered webhook events and drop those that now resolve",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withProvider(cmd.Context(), func(a *app) error {
			replayed, err := a.provider.ReplayUnresolved(cmd.Context(), replayLimit)
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d event(s)\n", replayed)
			return err
		})
	},
}

var syncUserCmd = &cobra.Command{
	Use:   "sync-user <user-id>",
	Short: "Re-read a user's subscriptions from Stripe and store the current plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProvider(cmd.Context(), func(a *app) error {
			plan, err := a.provider.SyncUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], plan)
			return nil
		})
	},
}

func init() {
	replayCmd.Flags().IntVar(&replayLimit, "limit", 100, "maximum number of events to replay")
}

// withProvider builds the app and runs fn with a configured Stripe provider
func withProvider(ctx context.Context, fn func(*app) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.provider == nil {
		return billing.ErrProviderNotConfigured
	}
	return fn(a)
}
