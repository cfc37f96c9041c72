package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/towerbot/internal/config"
	"github.com/parsascontentcorner/towerbot/internal/database"
	"github.com/parsascontentcorner/towerbot/internal/telegram"
)

func openDB(cfg *config.Config, log *zap.Logger) (*database.DB, error) {
	if cfg.Database.ConnString == "" {
		return nil, errors.New("POSTGRES_CONN_STRING is required for this command")
	}
	return database.NewDB(&cfg.Database, log)
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			db, err := openDB(cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			return db.RunMigrations()
		},
	}

	down := &cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations (one step by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return fmt.Errorf("steps must be a positive integer, got %q", args[0])
				}
				steps = n
			}

			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			db, err := openDB(cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			return db.RollbackMigrations(steps)
		},
	}

	cmd.AddCommand(up, down)
	return cmd
}

func newSetWebhookCmd() *cobra.Command {
	var dropPending bool

	cmd := &cobra.Command{
		Use:   "set-webhook",
		Short: "Register WEBHOOK_URL/platform-events with the Bot API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			tg, err := telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.APIBaseURL, log)
			if err != nil {
				return err
			}
			if err := tg.SetWebhook(cmd.Context(), cfg.UpdatesURL(), cfg.Telegram.WebhookSecret, dropPending); err != nil {
				return fmt.Errorf("failed to set webhook: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "webhook set to %s\n", cfg.UpdatesURL())
			return nil
		},
	}

	cmd.Flags().BoolVar(&dropPending, "drop-pending", false, "discard updates queued while no webhook was set")
	return cmd
}

func newCreateAPIKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-api-key <name>",
		Short: "Create an operator key for the /metrics endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := bootstrap()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			db, err := openDB(cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			key, err := db.CreateAPIKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			// The key is shown once; only this output carries it.
			fmt.Fprintln(cmd.OutOrStdout(), key.Key)
			return nil
		},
	}
}
