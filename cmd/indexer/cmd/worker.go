package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Togather-Foundation/proposals/internal/config"
	"github.com/Togather-Foundation/proposals/internal/jobs"
	"github.com/Togather-Foundation/proposals/internal/metrics"
	"github.com/Togather-Foundation/proposals/internal/telemetry"
)

func newWorkerCommand(a *app) *cobra.Command {
	var periodic bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the background job worker",
		Long: `Run River workers for crawl, relocation, author merge and snapshot jobs
until SIGINT or SIGTERM. With the periodic schedule enabled (jobs.periodic
or --periodic) the worker crawls every repository on start and each
jobs.crawl_interval, snapshots the running month each
jobs.snapshot_interval and merges authors each jobs.merge_interval.

When metrics.addr is set a Prometheus /metrics listener runs alongside.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("periodic") {
				cfg.Jobs.Periodic = periodic
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.runWorker(ctx, cfg)
		},
	}
	cmd.Flags().BoolVar(&periodic, "periodic", false, "enable the periodic schedule (overrides jobs.periodic)")
	cmd.AddCommand(newEnqueueCommand(a))
	return cmd
}

func (a *app) runWorker(ctx context.Context, cfg *config.Config) error {
	logger := a.logger
	logger.Info().Str("version", Version).Bool("periodic", cfg.Jobs.Periodic).Msg("starting worker")

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown error")
		}
	}()

	metrics.Init(Version, GitCommit, BuildDate)

	c, err := a.components(ctx)
	if err != nil {
		return err
	}

	jobLogger := config.NewJobLogger(cfg.Logging)
	workers := jobs.NewWorkers(jobs.Dependencies{
		Crawler:  c.crawler,
		Resolver: c.relocation,
		Merger:   c.identity,
		Engine:   c.stats,
		Policy:   jobs.NewRetryPolicy(cfg.Jobs),
		Logger:   jobLogger,
	})
	client, err := jobs.NewClient(a.pool, cfg.Jobs, workers, jobLogger,
		[]rivertype.Hook{metrics.NewRiverMetricsHook()},
		jobs.NewPeriodicJobs(cfg.Jobs),
	)
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Addr, logger)
		})
		g.Go(func() error {
			metrics.CollectPoolStats(gctx, a.pool, cfg.Metrics.PoolInterval)
			return nil
		})
	}

	// River hard-stops when its start context is cancelled; shutdown goes
	// through Stop instead.
	riverCtx, riverCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer riverCancel()
	if err := client.Start(riverCtx); err != nil {
		return fmt.Errorf("river workers failed to start: %w", err)
	}
	logger.Info().Msg("river background job workers started")

	<-gctx.Done()
	logger.Info().Msg("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := client.Stop(stopCtx); err != nil {
		logger.Error().Err(err).Msg("river workers shutdown error")
	} else {
		logger.Info().Msg("river workers stopped")
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newEnqueueCommand(a *app) *cobra.Command {
	var (
		repoKey string
		dryRun  bool
		asOf    string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <crawl|resolve|merge|snapshot|backfill>",
		Short: "Hand a job to a running worker",
		Long: `Insert one job into the River queue without working it. A running
'indexer worker' picks it up.

Examples:
  indexer worker enqueue crawl
  indexer worker enqueue crawl --repo ethereum/EIPs/EIPS
  indexer worker enqueue merge --dry-run
  indexer worker enqueue snapshot --as-of 2024-01`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"crawl", "resolve", "merge", "snapshot", "backfill"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			jobArgs, err := enqueueArgs(args[0], repoKey, dryRun, asOf)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if _, err := a.openStore(ctx); err != nil {
				return err
			}
			client, err := jobs.NewInsertOnlyClient(a.pool)
			if err != nil {
				return fmt.Errorf("create river client: %w", err)
			}
			res, err := client.Insert(ctx, jobArgs, jobs.NewRetryPolicy(cfg.Jobs).InsertOpts(jobArgs.Kind()))
			if err != nil {
				return fmt.Errorf("enqueue %s: %w", jobArgs.Kind(), err)
			}
			if res.UniqueSkippedAsDuplicate {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s already queued as job %d\n", jobArgs.Kind(), res.Job.ID)
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Enqueued %s as job %d\n", jobArgs.Kind(), res.Job.ID)
			return err
		},
	}
	cmd.Flags().StringVar(&repoKey, "repo", "", "crawl one repository, as owner/repo or owner/repo/subdir")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "merge: only plan")
	cmd.Flags().StringVar(&asOf, "as-of", "", "snapshot: a date inside the month to compute (default: when the job runs)")
	return cmd
}

func enqueueArgs(kind, repoKey string, dryRun bool, asOf string) (river.JobArgs, error) {
	switch kind {
	case "crawl":
		if repoKey == "" {
			return jobs.CrawlAllArgs{}, nil
		}
		owner, repo, subdir, err := splitRepoKey(repoKey)
		if err != nil {
			return nil, err
		}
		return jobs.CrawlRepositoryArgs{Owner: owner, Repo: repo, Subdir: subdir}, nil
	case "resolve":
		return jobs.ResolveRelocationsArgs{}, nil
	case "merge":
		return jobs.MergeAuthorsArgs{DryRun: dryRun}, nil
	case "snapshot":
		if asOf == "" {
			return jobs.SnapshotPeriodArgs{}, nil
		}
		t, err := parseAsOf(asOf)
		if err != nil {
			return nil, err
		}
		return jobs.SnapshotPeriodArgs{Year: t.Year(), Month: int(t.Month())}, nil
	case "backfill":
		return jobs.SnapshotBackfillArgs{}, nil
	default:
		return nil, fmt.Errorf("unknown job %q (crawl, resolve, merge, snapshot, backfill)", kind)
	}
}
