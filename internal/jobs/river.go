package jobs

import (
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"

	"github.com/Togather-Foundation/proposals/internal/config"
)

const (
	JobKindCrawlRepository    = "crawl_repository"
	JobKindCrawlAll           = "crawl_all"
	JobKindResolveRelocations = "resolve_relocations"
	JobKindMergeAuthors       = "merge_authors"
	JobKindSnapshotPeriod     = "snapshot_period"
	JobKindSnapshotBackfill   = "snapshot_backfill"
)

// QueueCrawl holds crawl jobs so they cannot starve the maintenance jobs.
const QueueCrawl = "crawl"

const (
	CrawlMaxAttempts    = 3
	ResolveMaxAttempts  = 3
	MergeMaxAttempts    = 1
	SnapshotMaxAttempts = 5
)

// RetryConfig controls per-kind retry behavior.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// RetryPolicy implements River's ClientRetryPolicy with per-kind exponential backoff.
type RetryPolicy struct {
	Default RetryConfig
	ByKind  map[string]RetryConfig
}

// NewRetryPolicy builds the retry policy. Attempt counts come from cfg; a
// zero count keeps the built-in default for that kind.
func NewRetryPolicy(cfg config.JobsConfig) *RetryPolicy {
	attempts := func(configured, fallback int) int {
		if configured > 0 {
			return configured
		}
		return fallback
	}
	crawl := RetryConfig{
		MaxAttempts: attempts(cfg.RetryCrawl, CrawlMaxAttempts),
		BaseDelay:   1 * time.Minute,
		MaxDelay:    30 * time.Minute,
	}
	snapshot := RetryConfig{
		MaxAttempts: attempts(cfg.RetrySnapshot, SnapshotMaxAttempts),
		BaseDelay:   30 * time.Second,
		MaxDelay:    15 * time.Minute,
	}
	return &RetryPolicy{
		Default: RetryConfig{
			MaxAttempts: CrawlMaxAttempts,
			BaseDelay:   30 * time.Second,
			MaxDelay:    30 * time.Minute,
		},
		ByKind: map[string]RetryConfig{
			JobKindCrawlRepository: crawl,
			JobKindCrawlAll:        crawl,
			JobKindResolveRelocations: {
				MaxAttempts: attempts(cfg.RetryResolve, ResolveMaxAttempts),
				BaseDelay:   30 * time.Second,
				MaxDelay:    10 * time.Minute,
			},
			// Merges are destructive; a failed run waits for the next schedule.
			JobKindMergeAuthors: {
				MaxAttempts: attempts(cfg.RetryMerge, MergeMaxAttempts),
				BaseDelay:   0,
				MaxDelay:    0,
			},
			JobKindSnapshotPeriod:   snapshot,
			JobKindSnapshotBackfill: snapshot,
		},
	}
}

// NextRetry determines the next retry time for a failed job.
func (p *RetryPolicy) NextRetry(job *rivertype.JobRow) time.Time {
	cfg := p.configFor(job.Kind)
	if cfg.BaseDelay == 0 {
		return time.Now()
	}

	attempt := max(job.Attempt, 1)
	delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if job.AttemptedAt != nil {
		return job.AttemptedAt.Add(delay)
	}
	return time.Now().Add(delay)
}

// InsertOpts returns the insert options for a job kind: its attempt budget
// and, for crawl jobs, the crawl queue. A repository crawl is unique while
// pending or running, so one repository is never walked twice at once.
func (p *RetryPolicy) InsertOpts(kind string) *river.InsertOpts {
	opts := &river.InsertOpts{MaxAttempts: p.configFor(kind).MaxAttempts}
	switch kind {
	case JobKindCrawlRepository, JobKindCrawlAll:
		opts.Queue = QueueCrawl
		opts.UniqueOpts = river.UniqueOpts{
			ByArgs: true,
			ByState: []rivertype.JobState{
				rivertype.JobStateAvailable,
				rivertype.JobStatePending,
				rivertype.JobStateRunning,
				rivertype.JobStateRetryable,
				rivertype.JobStateScheduled,
			},
		}
	}
	return opts
}

func (p *RetryPolicy) configFor(kind string) RetryConfig {
	if p == nil {
		return RetryConfig{MaxAttempts: CrawlMaxAttempts, BaseDelay: 1 * time.Minute, MaxDelay: 30 * time.Minute}
	}
	if cfg, ok := p.ByKind[kind]; ok {
		return cfg
	}
	return p.Default
}

// NewClientConfig builds a River client configuration with retry policy.
func NewClientConfig(cfg config.JobsConfig, workers *river.Workers, logger *slog.Logger, hooks []rivertype.Hook, periodicJobs []*river.PeriodicJob) *river.Config {
	policy := NewRetryPolicy(cfg)
	maxWorkers := max(cfg.MaxWorkers, 1)
	rc := &river.Config{
		Workers:      workers,
		RetryPolicy:  policy,
		MaxAttempts:  policy.Default.MaxAttempts,
		PeriodicJobs: periodicJobs,
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 2},
			QueueCrawl:         {MaxWorkers: maxWorkers},
		},
		Hooks: hooks,
	}
	if logger != nil {
		rc.Logger = logger
		rc.ErrorHandler = NewAlertingErrorHandler(logger, nil)
	}
	return rc
}

// NewClient creates a River client using pgx v5.
func NewClient(pool *pgxpool.Pool, cfg config.JobsConfig, workers *river.Workers, logger *slog.Logger, hooks []rivertype.Hook, periodicJobs []*river.PeriodicJob) (*river.Client[pgx.Tx], error) {
	return river.NewClient(riverpgxv5.New(pool), NewClientConfig(cfg, workers, logger, hooks, periodicJobs))
}

// NewInsertOnlyClient creates a River client that can enqueue jobs but does
// not work them, for CLI commands that hand work to a running worker.
func NewInsertOnlyClient(pool *pgxpool.Pool) (*river.Client[pgx.Tx], error) {
	return river.NewClient(riverpgxv5.New(pool), &river.Config{})
}

// NewPeriodicJobs creates the schedule of the worker:
//   - crawl of every repository each CrawlInterval, run on start; a
//     successful crawl enqueues relocation resolution
//   - snapshot of the running month each SnapshotInterval
//   - author merge each MergeInterval
//
// It returns nil when the schedule is disabled.
func NewPeriodicJobs(cfg config.JobsConfig) []*river.PeriodicJob {
	if !cfg.Periodic {
		return nil
	}
	policy := NewRetryPolicy(cfg)
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(cfg.CrawlInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				return CrawlAllArgs{}, policy.InsertOpts(JobKindCrawlAll)
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(cfg.SnapshotInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				return SnapshotPeriodArgs{}, policy.InsertOpts(JobKindSnapshotPeriod)
			},
			&river.PeriodicJobOpts{RunOnStart: false},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(cfg.MergeInterval),
			func() (river.JobArgs, *river.InsertOpts) {
				return MergeAuthorsArgs{}, policy.InsertOpts(JobKindMergeAuthors)
			},
			&river.PeriodicJobOpts{RunOnStart: false},
		),
	}
}
