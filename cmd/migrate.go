package cmd

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/siteaudit-crawler/internal/config"
	"github.com/JakeFAU/siteaudit-crawler/internal/storage/postgres"
)

// migrateFunc is replaced in tests.
var migrateFunc = postgres.Migrate

func newMigrateCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema migrations",
		Long: `Applies every pending migration against db.dsn. --steps moves the schema
that many versions up (positive) or down (negative) instead.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := resolve(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Backend != config.BackendPostgres || cfg.DB.DSN == "" {
				return errors.New("migrate requires backend=postgres and db.dsn")
			}
			return migrateFunc(cfg.DB.DSN, steps, logger.Named("migrate"))
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to apply (negative rolls back); 0 applies all")
	return cmd
}
