// Package crawler walks the commit log of tracked repositories and feeds each
// commit to the ingester, oldest first, resuming from the stored cursor.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/Togather-Foundation/proposals/internal/domain/sources"
	"github.com/Togather-Foundation/proposals/internal/ingest"
	"github.com/Togather-Foundation/proposals/internal/metrics"
	"github.com/Togather-Foundation/proposals/internal/sourcehost"
	"github.com/Togather-Foundation/proposals/internal/storage"
	"github.com/Togather-Foundation/proposals/internal/telemetry"
)

// DefaultConcurrency is the number of repositories crawled at once by CrawlAll.
const DefaultConcurrency = 4

var tracer = telemetry.GetTracer("github.com/Togather-Foundation/proposals/internal/crawler")

// RepoResult summarises one crawl pass over a repository.
type RepoResult struct {
	Repository       string
	RunID            string
	CommitsSeen      int
	CommitsProcessed int
	SharedFork       int
	FilesParsed      int
	FilesSkipped     int
	Head             string
	Err              error
}

// Failed counts the results that carry an error.
func Failed(results []RepoResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// Crawler drives ingestion for tracked repositories.
type Crawler struct {
	store       storage.Repository
	host        sourcehost.Client
	ingester    *ingest.Ingester
	concurrency int
	now         func() time.Time
	logger      zerolog.Logger
}

// Option configures a Crawler.
type Option func(*Crawler)

// WithConcurrency bounds how many repositories CrawlAll processes at once.
func WithConcurrency(n int) Option {
	return func(c *Crawler) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithClock overrides the time source used for run records and cursors.
func WithClock(now func() time.Time) Option {
	return func(c *Crawler) {
		c.now = now
	}
}

// New creates a Crawler.
func New(store storage.Repository, host sourcehost.Client, ingester *ingest.Ingester, logger zerolog.Logger, opts ...Option) *Crawler {
	c := &Crawler{
		store:       store,
		host:        host,
		ingester:    ingester,
		concurrency: DefaultConcurrency,
		now:         time.Now,
		logger:      logger.With().Str("component", "crawler").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CrawlRepository processes every commit of repo newer than its cursor,
// strictly in order. The cursor advances only after the whole pass succeeds,
// so a failed pass is retried from the same point next time.
func (c *Crawler) CrawlRepository(ctx context.Context, repo sources.Repository) (RepoResult, error) {
	start := c.now()
	result := RepoResult{Repository: repo.Key(), RunID: ulid.Make().String()}
	log := c.logger.With().Str("repo", repo.FullName()).Str("protocol", repo.Protocol).Str("run_id", result.RunID).Logger()

	ctx, span := tracer.Start(ctx, "crawler.CrawlRepository")
	defer span.End()
	span.SetAttributes(
		attribute.String("repo", repo.Key()),
		attribute.String("run_id", result.RunID),
	)

	run := sources.CrawlRun{
		ID:           result.RunID,
		RepositoryID: repo.ID,
		Status:       sources.RunStatusRunning,
		StartedAt:    start,
	}
	if err := c.store.Runs().StartRun(ctx, run); err != nil {
		log.Warn().Err(err).Msg("failed to record crawl run start")
	}

	err := c.crawl(ctx, repo, &result, log)

	finished := c.now()
	run.FinishedAt = &finished
	run.CommitsSeen = result.CommitsSeen
	run.CommitsProcessed = result.CommitsProcessed
	run.FilesParsed = result.FilesParsed
	run.FilesSkipped = result.FilesSkipped
	run.Status = sources.RunStatusCompleted
	if err != nil {
		run.Status = sources.RunStatusFailed
		run.Error = err.Error()
		result.Err = err
		span.RecordError(err)
		span.SetStatus(codes.Error, "crawl failed")
	}
	// The run record may outlive a cancelled crawl context.
	if ferr := c.store.Runs().FinishRun(context.WithoutCancel(ctx), run); ferr != nil {
		log.Warn().Err(ferr).Msg("failed to record crawl run finish")
	}

	metrics.CrawlRunsTotal.WithLabelValues(repo.Key(), run.Status).Inc()
	metrics.CrawlDuration.WithLabelValues(repo.Key()).Observe(finished.Sub(start).Seconds())

	event := log.Info()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.
		Int("commits_seen", result.CommitsSeen).
		Int("commits_processed", result.CommitsProcessed).
		Int("shared_fork", result.SharedFork).
		Int("files_parsed", result.FilesParsed).
		Int("files_skipped", result.FilesSkipped).
		Str("head", result.Head).
		Dur("duration", finished.Sub(start)).
		Msg("crawl pass finished")

	return result, err
}

func (c *Crawler) crawl(ctx context.Context, repo sources.Repository, result *RepoResult, log zerolog.Logger) error {
	var upstream *sources.Repository
	if repo.ForkedFromID != nil {
		up, err := c.store.Sources().GetByID(ctx, *repo.ForkedFromID)
		if err != nil {
			return fmt.Errorf("load upstream repository %d: %w", *repo.ForkedFromID, err)
		}
		upstream = up
	}

	target := sourcehost.Repo{Owner: repo.Owner, Name: repo.Repo, Branch: repo.Branch}
	commits, err := c.host.ListCommits(ctx, target, repo.LastCrawledCommitSHA)
	if err != nil {
		return fmt.Errorf("list commits: %w", err)
	}
	result.CommitsSeen = len(commits)
	result.Head = repo.LastCrawledCommitSHA
	if len(commits) == 0 {
		log.Debug().Msg("no new commits")
		return nil
	}

	for _, commit := range commits {
		detail, err := c.host.GetCommit(ctx, target, commit.SHA)
		if err != nil {
			metrics.CommitsTotal.WithLabelValues(repo.Protocol, "failed").Inc()
			return fmt.Errorf("get commit %s: %w", commit.SHA, err)
		}
		res, err := c.ingester.Apply(ctx, repo, upstream, *detail)
		if err != nil {
			metrics.CommitsTotal.WithLabelValues(repo.Protocol, "failed").Inc()
			return fmt.Errorf("apply commit %s: %w", commit.SHA, err)
		}

		result.CommitsProcessed++
		if res.SharedFork {
			result.SharedFork++
			metrics.CommitsTotal.WithLabelValues(repo.Protocol, "shared_fork").Inc()
		} else {
			metrics.CommitsTotal.WithLabelValues(repo.Protocol, "processed").Inc()
		}
		result.FilesParsed += res.Parsed()
		result.FilesSkipped += res.Actions[ingest.ActionUnparsed]
	}

	head := commits[len(commits)-1].SHA
	if err := c.store.Sources().UpdateCursor(ctx, repo.ID, head, c.now()); err != nil {
		return fmt.Errorf("update cursor: %w", err)
	}
	result.Head = head
	return nil
}

// CrawlAll crawls every enabled repository, at most concurrency at a time. A
// failing repository is reported in its result and does not stop the others.
// The returned error covers only failures to list repositories.
func (c *Crawler) CrawlAll(ctx context.Context) ([]RepoResult, error) {
	enabled := true
	repos, err := c.store.Sources().List(ctx, &enabled)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}

	results := make([]RepoResult, len(repos))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, repo := range repos {
		g.Go(func() error {
			res, _ := c.CrawlRepository(ctx, repo)
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info().
		Int("repositories", len(results)).
		Int("failed", Failed(results)).
		Msg("crawl finished")
	return results, nil
}

// CrawlByKey crawls the repository identified by owner, repo and subdir.
func (c *Crawler) CrawlByKey(ctx context.Context, owner, repo, subdir string) (RepoResult, error) {
	src, err := c.store.Sources().GetByKey(ctx, owner, repo, subdir)
	if errors.Is(err, sources.ErrNotFound) {
		return RepoResult{Repository: owner + "/" + repo + "/" + subdir}, fmt.Errorf("repository %s/%s/%s is not configured: %w", owner, repo, subdir, err)
	}
	if err != nil {
		return RepoResult{}, fmt.Errorf("load repository: %w", err)
	}
	return c.CrawlRepository(ctx, *src)
}
