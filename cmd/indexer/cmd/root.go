package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/proposals/internal/config"
	"github.com/Togather-Foundation/proposals/internal/storage"
	"github.com/Togather-Foundation/proposals/internal/storage/postgres"
)

// app carries what every subcommand shares: flags, configuration, the
// logger and a lazily opened store.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	store  storage.Repository
}

// Execute runs the command tree. It is called by main.main().
func Execute() {
	if err := newRootCommand(&app{}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "indexer",
		Short: "Proposal indexer - history of improvement proposals across protocols",
		Long: `The indexer crawls the commit history of improvement-proposal repositories,
stores every version of every proposal document, links moved proposals to
their destinations, merges duplicate author identities and computes monthly
statistics snapshots per protocol and across protocols.`,
		SilenceUsage: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file path (default: $CONFIG_PATH or ./config.yaml, env vars otherwise)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error) (default: info)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "log format (json, console) (default: json)")

	root.AddCommand(
		newCrawlCommand(a),
		newReposCommand(a),
		newRelocationsCommand(a),
		newAuthorsCommand(a),
		newSnapshotCommand(a),
		newMigrateCommand(a),
		newWorkerCommand(a),
		newVersionCommand(),
	)
	return root
}

// loadConfig reads configuration once and builds the logger. Flags override
// the logging section.
func (a *app) loadConfig() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}
	a.cfg = cfg
	a.logger = config.NewLogger(cfg.Logging)
	return cfg, nil
}

// openStore connects to PostgreSQL unless a store was already provided.
func (a *app) openStore(ctx context.Context) (storage.Repository, error) {
	if a.store != nil {
		return a.store, nil
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := postgres.Open(openCtx, cfg.Database.URL, cfg.Database.MaxConnections)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	repo, err := postgres.NewRepository(pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	a.pool = pool
	a.store = repo
	return repo, nil
}

func (a *app) close() {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}
