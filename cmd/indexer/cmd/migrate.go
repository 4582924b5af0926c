package cmd

import (
	"context"
	"fmt"

	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/proposals/internal/storage/postgres"
)

func newMigrateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	var skipRiver bool
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Long: `Apply the indexer schema migrations, then River's job queue migrations.

Examples:
  indexer migrate up
  indexer migrate up --skip-river`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if err := postgres.MigrateUp(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
				return err
			}
			if !skipRiver {
				if err := a.migrateRiver(cmd.Context(), rivermigrate.DirectionUp); err != nil {
					return err
				}
			}
			return a.printVersion(cmd)
		},
	}
	upCmd.Flags().BoolVar(&skipRiver, "skip-river", false, "do not apply River's migrations")

	var steps int
	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back indexer schema migrations",
		Long: `Roll back the given number of indexer schema migrations. River's tables
are left in place.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if err := postgres.MigrateDown(cfg.Database.URL, cfg.Database.MigrationsPath, steps); err != nil {
				return err
			}
			return a.printVersion(cmd)
		},
	}
	downCmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.loadConfig(); err != nil {
				return err
			}
			return a.printVersion(cmd)
		},
	}

	cmd.AddCommand(upCmd, downCmd, versionCmd)
	return cmd
}

func (a *app) printVersion(cmd *cobra.Command) error {
	version, dirty, err := postgres.MigrationVersion(a.cfg.Database.URL, a.cfg.Database.MigrationsPath)
	if err != nil {
		return err
	}
	state := "clean"
	if dirty {
		state = "dirty"
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Schema version: %d (%s)\n", version, state)
	return err
}

func (a *app) migrateRiver(ctx context.Context, direction rivermigrate.Direction) error {
	if _, err := a.openStore(ctx); err != nil {
		return err
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(a.pool), nil)
	if err != nil {
		return fmt.Errorf("init river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, direction, &rivermigrate.MigrateOpts{})
	if err != nil {
		return fmt.Errorf("river migrate %s: %w", direction, err)
	}
	for _, v := range res.Versions {
		a.logger.Info().Int("version", v.Version).Str("direction", string(direction)).Msg("river migration applied")
	}
	return nil
}
