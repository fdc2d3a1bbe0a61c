package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/banner-inspector/internal/logging"
	"github.com/JakeFAU/banner-inspector/internal/storage/migrations"
	pgstore "github.com/JakeFAU/banner-inspector/internal/storage/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "migrate",
		Short:       "Applies pending database migrations",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipApp: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return fmt.Errorf("database.dsn is required to migrate")
			}
			logger, err := logging.New(cfg.Logging.Development)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			pool, err := pgstore.NewPool(cmd.Context(), pgstore.Config{
				DSN:             cfg.Database.DSN,
				MaxConns:        2,
				MaxConnLifetime: time.Duration(cfg.Database.MaxConnLifetimeMinutes) * time.Minute,
			})
			if err != nil {
				return err
			}
			defer pool.Close()

			applied, err := migrations.Up(cmd.Context(), pool, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", len(applied))
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}
