package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"

	"github.com/Togather-Foundation/proposals/internal/crawler"
	"github.com/Togather-Foundation/proposals/internal/domain/snapshots"
	"github.com/Togather-Foundation/proposals/internal/identity"
	"github.com/Togather-Foundation/proposals/internal/relocation"
	"github.com/Togather-Foundation/proposals/internal/stats"
)

// Crawler walks repository histories.
type Crawler interface {
	CrawlAll(ctx context.Context) ([]crawler.RepoResult, error)
	CrawlByKey(ctx context.Context, owner, repo, subdir string) (crawler.RepoResult, error)
}

// RelocationResolver links moved proposals to their destinations.
type RelocationResolver interface {
	ResolvePending(ctx context.Context) (relocation.Result, error)
}

// AuthorMerger merges duplicate author identities.
type AuthorMerger interface {
	Run(ctx context.Context, dryRun bool) (identity.Report, error)
}

// SnapshotEngine computes statistics snapshots.
type SnapshotEngine interface {
	RunPeriod(ctx context.Context, period snapshots.Period) (stats.PeriodReport, error)
	Backfill(ctx context.Context) ([]stats.PeriodReport, error)
}

// EnqueueFunc inserts a follow-up job.
type EnqueueFunc func(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) error

// enqueueFromContext inserts through the client that is working the current job.
func enqueueFromContext(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) error {
	client, err := river.ClientFromContextSafely[pgx.Tx](ctx)
	if err != nil {
		return fmt.Errorf("river client from context: %w", err)
	}
	_, err = client.Insert(ctx, args, opts)
	return err
}

func loggerOrDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// CrawlRepositoryArgs crawls one repository, identified by its key parts.
type CrawlRepositoryArgs struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Subdir string `json:"subdir,omitempty"`
}

func (CrawlRepositoryArgs) Kind() string { return JobKindCrawlRepository }

// CrawlAllArgs crawls every enabled repository.
type CrawlAllArgs struct{}

func (CrawlAllArgs) Kind() string { return JobKindCrawlAll }

type ResolveRelocationsArgs struct{}

func (ResolveRelocationsArgs) Kind() string { return JobKindResolveRelocations }

type MergeAuthorsArgs struct {
	DryRun bool `json:"dry_run,omitempty"`
}

func (MergeAuthorsArgs) Kind() string { return JobKindMergeAuthors }

// SnapshotPeriodArgs computes one month. A zero Year selects the month
// containing the time the job runs.
type SnapshotPeriodArgs struct {
	Year  int `json:"year,omitempty"`
	Month int `json:"month,omitempty"`
}

func (SnapshotPeriodArgs) Kind() string { return JobKindSnapshotPeriod }

type SnapshotBackfillArgs struct{}

func (SnapshotBackfillArgs) Kind() string { return JobKindSnapshotBackfill }

// CrawlRepositoryWorker crawls a single repository and then schedules
// relocation resolution, since new commits may add move targets.
type CrawlRepositoryWorker struct {
	river.WorkerDefaults[CrawlRepositoryArgs]
	Crawler Crawler
	Policy  *RetryPolicy
	Enqueue EnqueueFunc
	Logger  *slog.Logger
}

func (CrawlRepositoryWorker) Kind() string { return JobKindCrawlRepository }

func (w CrawlRepositoryWorker) Work(ctx context.Context, job *river.Job[CrawlRepositoryArgs]) error {
	if job == nil {
		return fmt.Errorf("crawl repository job missing")
	}
	if w.Crawler == nil {
		return fmt.Errorf("crawler not configured")
	}
	if job.Args.Owner == "" || job.Args.Repo == "" {
		return river.JobCancel(fmt.Errorf("crawl repository job needs owner and repo, got %q/%q", job.Args.Owner, job.Args.Repo))
	}
	logger := loggerOrDefault(w.Logger)

	res, err := w.Crawler.CrawlByKey(ctx, job.Args.Owner, job.Args.Repo, job.Args.Subdir)
	if err != nil {
		return fmt.Errorf("crawl %s/%s/%s: %w", job.Args.Owner, job.Args.Repo, job.Args.Subdir, err)
	}
	logger.InfoContext(ctx, "repository crawled",
		"repository", res.Repository,
		"commits_processed", res.CommitsProcessed,
		"files_parsed", res.FilesParsed,
	)
	return enqueueResolve(ctx, w.Enqueue, w.Policy)
}

// CrawlAllWorker crawls every enabled repository. Repositories are isolated
// from each other; the job fails only after the whole pass when any of them
// failed, so the retry re-walks just what is behind its cursor.
type CrawlAllWorker struct {
	river.WorkerDefaults[CrawlAllArgs]
	Crawler Crawler
	Policy  *RetryPolicy
	Enqueue EnqueueFunc
	Logger  *slog.Logger
}

func (CrawlAllWorker) Kind() string { return JobKindCrawlAll }

// Timeout leaves room for large histories; River's default is one minute.
func (CrawlAllWorker) Timeout(*river.Job[CrawlAllArgs]) time.Duration { return 2 * time.Hour }

func (w CrawlAllWorker) Work(ctx context.Context, job *river.Job[CrawlAllArgs]) error {
	if job == nil {
		return fmt.Errorf("crawl all job missing")
	}
	if w.Crawler == nil {
		return fmt.Errorf("crawler not configured")
	}
	logger := loggerOrDefault(w.Logger)

	results, err := w.Crawler.CrawlAll(ctx)
	if err != nil {
		return fmt.Errorf("crawl all: %w", err)
	}
	failed := crawler.Failed(results)
	logger.InfoContext(ctx, "crawl pass finished",
		"repositories", len(results),
		"failed", failed,
	)

	// Even a partial pass may have ingested destinations of pending moves.
	if err := enqueueResolve(ctx, w.Enqueue, w.Policy); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d repositories failed to crawl", failed, len(results))
	}
	return nil
}

func enqueueResolve(ctx context.Context, enqueue EnqueueFunc, policy *RetryPolicy) error {
	if enqueue == nil {
		enqueue = enqueueFromContext
	}
	if err := enqueue(ctx, ResolveRelocationsArgs{}, policy.InsertOpts(JobKindResolveRelocations)); err != nil {
		return fmt.Errorf("enqueue relocation resolution: %w", err)
	}
	return nil
}

type ResolveRelocationsWorker struct {
	river.WorkerDefaults[ResolveRelocationsArgs]
	Resolver RelocationResolver
	Logger   *slog.Logger
}

func (ResolveRelocationsWorker) Kind() string { return JobKindResolveRelocations }

func (w ResolveRelocationsWorker) Work(ctx context.Context, job *river.Job[ResolveRelocationsArgs]) error {
	if job == nil {
		return fmt.Errorf("resolve relocations job missing")
	}
	if w.Resolver == nil {
		return fmt.Errorf("relocation resolver not configured")
	}
	res, err := w.Resolver.ResolvePending(ctx)
	if err != nil {
		return fmt.Errorf("resolve relocations: %w", err)
	}
	loggerOrDefault(w.Logger).InfoContext(ctx, "relocations resolved",
		"pending", res.Pending,
		"resolved", res.Resolved,
		"unresolved", res.Unresolved,
		"refused", res.Refused,
		"failed", res.Failed,
	)
	if res.Failed > 0 {
		return fmt.Errorf("%d relocations failed to resolve", res.Failed)
	}
	return nil
}

type MergeAuthorsWorker struct {
	river.WorkerDefaults[MergeAuthorsArgs]
	Merger AuthorMerger
	Logger *slog.Logger
}

func (MergeAuthorsWorker) Kind() string { return JobKindMergeAuthors }

func (w MergeAuthorsWorker) Work(ctx context.Context, job *river.Job[MergeAuthorsArgs]) error {
	if job == nil {
		return fmt.Errorf("merge authors job missing")
	}
	if w.Merger == nil {
		return fmt.Errorf("author merger not configured")
	}
	report, err := w.Merger.Run(ctx, job.Args.DryRun)
	if err != nil {
		return fmt.Errorf("merge authors: %w", err)
	}
	loggerOrDefault(w.Logger).InfoContext(ctx, "author merge finished",
		"dry_run", report.DryRun,
		"groups", len(report.Groups),
		"merged", report.Merged,
		"absorbed", report.Absorbed,
		"failed", report.Failed,
	)
	// Failed groups are retried by the next scheduled run, not by River.
	return nil
}

type SnapshotPeriodWorker struct {
	river.WorkerDefaults[SnapshotPeriodArgs]
	Engine SnapshotEngine
	Now    func() time.Time
	Logger *slog.Logger
}

func (SnapshotPeriodWorker) Kind() string { return JobKindSnapshotPeriod }

func (w SnapshotPeriodWorker) Work(ctx context.Context, job *river.Job[SnapshotPeriodArgs]) error {
	if job == nil {
		return fmt.Errorf("snapshot period job missing")
	}
	if w.Engine == nil {
		return fmt.Errorf("snapshot engine not configured")
	}

	period := snapshots.Period{Year: job.Args.Year, Month: job.Args.Month}
	if period.Year == 0 {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		period = snapshots.PeriodOf(now())
	} else if period.Month < 1 || period.Month > 12 {
		return river.JobCancel(fmt.Errorf("invalid snapshot month %d", period.Month))
	}

	report, err := w.Engine.RunPeriod(ctx, period)
	loggerOrDefault(w.Logger).InfoContext(ctx, "period snapshot computed",
		"period", period.String(),
		"stored", len(report.Stored),
		"empty", len(report.Empty),
		"failed", len(report.Failed),
	)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", period, err)
	}
	return nil
}

type SnapshotBackfillWorker struct {
	river.WorkerDefaults[SnapshotBackfillArgs]
	Engine SnapshotEngine
	Logger *slog.Logger
}

func (SnapshotBackfillWorker) Kind() string { return JobKindSnapshotBackfill }

func (SnapshotBackfillWorker) Timeout(*river.Job[SnapshotBackfillArgs]) time.Duration {
	return time.Hour
}

func (w SnapshotBackfillWorker) Work(ctx context.Context, job *river.Job[SnapshotBackfillArgs]) error {
	if job == nil {
		return fmt.Errorf("snapshot backfill job missing")
	}
	if w.Engine == nil {
		return fmt.Errorf("snapshot engine not configured")
	}
	reports, err := w.Engine.Backfill(ctx)
	incomplete := 0
	for _, r := range reports {
		if len(r.Failed) > 0 {
			incomplete++
		}
	}
	loggerOrDefault(w.Logger).InfoContext(ctx, "snapshot backfill finished",
		"periods", len(reports),
		"incomplete", incomplete,
	)
	if err != nil {
		if errors.Is(err, stats.ErrIncompletePeriod) {
			return fmt.Errorf("backfill left %d incomplete periods: %w", incomplete, err)
		}
		return fmt.Errorf("backfill: %w", err)
	}
	return nil
}

// Dependencies holds what the workers need.
type Dependencies struct {
	Crawler  Crawler
	Resolver RelocationResolver
	Merger   AuthorMerger
	Engine   SnapshotEngine
	Policy   *RetryPolicy
	Logger   *slog.Logger
}

// NewWorkers registers every worker with its dependencies.
func NewWorkers(deps Dependencies) *river.Workers {
	workers := river.NewWorkers()
	river.AddWorker(workers, CrawlRepositoryWorker{Crawler: deps.Crawler, Policy: deps.Policy, Logger: deps.Logger})
	river.AddWorker(workers, CrawlAllWorker{Crawler: deps.Crawler, Policy: deps.Policy, Logger: deps.Logger})
	river.AddWorker(workers, ResolveRelocationsWorker{Resolver: deps.Resolver, Logger: deps.Logger})
	river.AddWorker(workers, MergeAuthorsWorker{Merger: deps.Merger, Logger: deps.Logger})
	river.AddWorker(workers, SnapshotPeriodWorker{Engine: deps.Engine, Logger: deps.Logger})
	river.AddWorker(workers, SnapshotBackfillWorker{Engine: deps.Engine, Logger: deps.Logger})
	return workers
}
