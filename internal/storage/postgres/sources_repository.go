package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/Togather-Foundation/proposals/internal/domain/sources"
	"github.com/georgysavva/scany/v2/pgxscan"
)

var (
	_ sources.RepositoryStore = (*SourceRepository)(nil)
	_ sources.RunStore        = (*RunRepository)(nil)
)

// SourceRepository implements sources.RepositoryStore.
type SourceRepository struct {
	db DBTX
}

const sourceColumns = `id, owner, repo, branch, subdir, protocol, prefix, format, enabled, forked_from_id,
       COALESCE(last_crawled_commit_sha, '') AS last_crawled_commit_sha, last_crawled_at, created_at, updated_at`

type sourceRow struct {
	ID                   int64      `db:"id"`
	Owner                string     `db:"owner"`
	Repo                 string     `db:"repo"`
	Branch               string     `db:"branch"`
	Subdir               string     `db:"subdir"`
	Protocol             string     `db:"protocol"`
	Prefix               string     `db:"prefix"`
	Format               string     `db:"format"`
	Enabled              bool       `db:"enabled"`
	ForkedFromID         *int64     `db:"forked_from_id"`
	LastCrawledCommitSHA string     `db:"last_crawled_commit_sha"`
	LastCrawledAt        *time.Time `db:"last_crawled_at"`
	CreatedAt            time.Time  `db:"created_at"`
	UpdatedAt            time.Time  `db:"updated_at"`
}

func (row sourceRow) toDomain() sources.Repository {
	return sources.Repository{
		ID:                   row.ID,
		Owner:                row.Owner,
		Repo:                 row.Repo,
		Branch:               row.Branch,
		Subdir:               row.Subdir,
		Protocol:             row.Protocol,
		Prefix:               row.Prefix,
		Format:               row.Format,
		Enabled:              row.Enabled,
		ForkedFromID:         row.ForkedFromID,
		LastCrawledCommitSHA: row.LastCrawledCommitSHA,
		LastCrawledAt:        row.LastCrawledAt,
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
	}
}

// Upsert inserts or updates a repository by (owner, repo, subdir).
func (r *SourceRepository) Upsert(ctx context.Context, params sources.UpsertParams) (*sources.Repository, error) {
	var row sourceRow
	err := pgxscan.Get(ctx, r.db, &row, `
INSERT INTO source_repositories (owner, repo, branch, subdir, protocol, prefix, format, enabled, forked_from_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (owner, repo, subdir) DO UPDATE SET
	branch = EXCLUDED.branch,
	protocol = EXCLUDED.protocol,
	prefix = EXCLUDED.prefix,
	format = EXCLUDED.format,
	enabled = EXCLUDED.enabled,
	forked_from_id = EXCLUDED.forked_from_id,
	updated_at = now()
RETURNING `+sourceColumns,
		params.Owner, params.Repo, params.Branch, params.Subdir, params.Protocol,
		params.Prefix, params.Format, params.Enabled, params.ForkedFromID,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert source repository %s/%s/%s: %w", params.Owner, params.Repo, params.Subdir, err)
	}
	src := row.toDomain()
	return &src, nil
}

func (r *SourceRepository) GetByKey(ctx context.Context, owner, repo, subdir string) (*sources.Repository, error) {
	return r.getOne(ctx, sq.Eq{"owner": owner, "repo": repo, "subdir": subdir})
}

func (r *SourceRepository) GetByID(ctx context.Context, id int64) (*sources.Repository, error) {
	return r.getOne(ctx, sq.Eq{"id": id})
}

func (r *SourceRepository) getOne(ctx context.Context, where sq.Eq) (*sources.Repository, error) {
	query, args, err := psql.Select(sourceColumns).From("source_repositories").Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build source repository query: %w", err)
	}
	var row sourceRow
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, sources.ErrNotFound
		}
		return nil, fmt.Errorf("get source repository: %w", err)
	}
	src := row.toDomain()
	return &src, nil
}

// List returns all repositories, optionally filtered by enabled state.
func (r *SourceRepository) List(ctx context.Context, enabled *bool) ([]sources.Repository, error) {
	builder := psql.Select(sourceColumns).From("source_repositories").OrderBy("owner", "repo", "subdir")
	if enabled != nil {
		builder = builder.Where(sq.Eq{"enabled": *enabled})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build source repository list: %w", err)
	}

	var rows []sourceRow
	if err := pgxscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list source repositories: %w", err)
	}
	out := make([]sources.Repository, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *SourceRepository) UpdateCursor(ctx context.Context, id int64, sha string, crawledAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
UPDATE source_repositories
   SET last_crawled_commit_sha = $2, last_crawled_at = $3, updated_at = now()
 WHERE id = $1
`, id, sha, crawledAt)
	if err != nil {
		return fmt.Errorf("update crawl cursor for repository %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return sources.ErrNotFound
	}
	return nil
}

// RunRepository implements sources.RunStore.
type RunRepository struct {
	db DBTX
}

type runRow struct {
	ID               string     `db:"id"`
	RepositoryID     int64      `db:"repository_id"`
	Status           string     `db:"status"`
	CommitsSeen      int        `db:"commits_seen"`
	CommitsProcessed int        `db:"commits_processed"`
	FilesParsed      int        `db:"files_parsed"`
	FilesSkipped     int        `db:"files_skipped"`
	Error            string     `db:"error"`
	StartedAt        time.Time  `db:"started_at"`
	FinishedAt       *time.Time `db:"finished_at"`
}

func (r *RunRepository) StartRun(ctx context.Context, run sources.CrawlRun) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO crawl_runs (id, repository_id, status, started_at)
VALUES ($1, $2, $3, $4)
`, run.ID, run.RepositoryID, run.Status, run.StartedAt)
	if err != nil {
		return fmt.Errorf("start crawl run: %w", err)
	}
	return nil
}

func (r *RunRepository) FinishRun(ctx context.Context, run sources.CrawlRun) error {
	_, err := r.db.Exec(ctx, `
UPDATE crawl_runs
   SET status = $2,
       commits_seen = $3,
       commits_processed = $4,
       files_parsed = $5,
       files_skipped = $6,
       error = $7,
       finished_at = $8
 WHERE id = $1
`, run.ID, run.Status, run.CommitsSeen, run.CommitsProcessed, run.FilesParsed, run.FilesSkipped,
		nullIfEmpty(run.Error), run.FinishedAt)
	if err != nil {
		return fmt.Errorf("finish crawl run %s: %w", run.ID, err)
	}
	return nil
}

func (r *RunRepository) ListRuns(ctx context.Context, repositoryID int64, limit int) ([]sources.CrawlRun, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []runRow
	err := pgxscan.Select(ctx, r.db, &rows, `
SELECT id, repository_id, status, commits_seen, commits_processed, files_parsed, files_skipped,
       COALESCE(error, '') AS error, started_at, finished_at
  FROM crawl_runs
 WHERE repository_id = $1
 ORDER BY started_at DESC
 LIMIT $2
`, repositoryID, limit)
	if err != nil {
		return nil, fmt.Errorf("list crawl runs: %w", err)
	}
	out := make([]sources.CrawlRun, 0, len(rows))
	for _, row := range rows {
		out = append(out, sources.CrawlRun(row))
	}
	return out, nil
}
