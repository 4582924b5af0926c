package postgres

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/Togather-Foundation/proposals/internal/domain/proposals"
	"github.com/georgysavva/scany/v2/pgxscan"
)

var _ proposals.Repository = (*ProposalRepository)(nil)

// ProposalRepository implements proposals.Repository.
type ProposalRepository struct {
	db DBTX
}

const proposalColumns = `id, owner, repo, protocol, number, path, title, status, type, category, created,
       discussions_to, requires, moved_to_id, COALESCE(moved_to_path, '') AS moved_to_path,
       moved_at, last_commit_at, created_at, updated_at`

const versionColumns = `id, proposal_id, commit_sha, commit_date, body, content_hash, title, status, type,
       category, created, discussions_to, requires, created_at`

type proposalRow struct {
	ID            int64      `db:"id"`
	Owner         string     `db:"owner"`
	Repo          string     `db:"repo"`
	Protocol      string     `db:"protocol"`
	Number        int        `db:"number"`
	Path          string     `db:"path"`
	Title         string     `db:"title"`
	Status        string     `db:"status"`
	Type          string     `db:"type"`
	Category      string     `db:"category"`
	Created       *time.Time `db:"created"`
	DiscussionsTo string     `db:"discussions_to"`
	Requires      []int32    `db:"requires"`
	MovedToID     *int64     `db:"moved_to_id"`
	MovedToPath   string     `db:"moved_to_path"`
	MovedAt       *time.Time `db:"moved_at"`
	LastCommitAt  *time.Time `db:"last_commit_at"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

func (row proposalRow) toDomain() proposals.Proposal {
	return proposals.Proposal{
		ID:       row.ID,
		Owner:    row.Owner,
		Repo:     row.Repo,
		Protocol: row.Protocol,
		Number:   row.Number,
		Path:     row.Path,
		Metadata: proposals.Metadata{
			Title:         row.Title,
			Status:        row.Status,
			Type:          row.Type,
			Category:      row.Category,
			Created:       row.Created,
			DiscussionsTo: row.DiscussionsTo,
			Requires:      fromInt32s(row.Requires),
		},
		MovedToID:    row.MovedToID,
		MovedToPath:  row.MovedToPath,
		MovedAt:      row.MovedAt,
		LastCommitAt: row.LastCommitAt,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}

type versionRow struct {
	ID            int64      `db:"id"`
	ProposalID    int64      `db:"proposal_id"`
	CommitSHA     string     `db:"commit_sha"`
	CommitDate    time.Time  `db:"commit_date"`
	Body          string     `db:"body"`
	ContentHash   string     `db:"content_hash"`
	Title         string     `db:"title"`
	Status        string     `db:"status"`
	Type          string     `db:"type"`
	Category      string     `db:"category"`
	Created       *time.Time `db:"created"`
	DiscussionsTo string     `db:"discussions_to"`
	Requires      []int32    `db:"requires"`
	CreatedAt     time.Time  `db:"created_at"`
}

func (row versionRow) toDomain() proposals.Version {
	return proposals.Version{
		ID:          row.ID,
		ProposalID:  row.ProposalID,
		CommitSHA:   row.CommitSHA,
		CommitDate:  row.CommitDate,
		Body:        row.Body,
		ContentHash: row.ContentHash,
		Metadata: proposals.Metadata{
			Title:         row.Title,
			Status:        row.Status,
			Type:          row.Type,
			Category:      row.Category,
			Created:       row.Created,
			DiscussionsTo: row.DiscussionsTo,
			Requires:      fromInt32s(row.Requires),
		},
		CreatedAt: row.CreatedAt,
	}
}

func (r *ProposalRepository) GetByKey(ctx context.Context, key proposals.Key) (*proposals.Proposal, error) {
	return r.getOne(ctx, sq.Eq{"owner": key.Owner, "repo": key.Repo, "protocol": key.Protocol, "number": key.Number})
}

func (r *ProposalRepository) GetByID(ctx context.Context, id int64) (*proposals.Proposal, error) {
	return r.getOne(ctx, sq.Eq{"id": id})
}

func (r *ProposalRepository) getOne(ctx context.Context, where sq.Eq) (*proposals.Proposal, error) {
	query, args, err := psql.Select(proposalColumns).From("proposals").Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build proposal query: %w", err)
	}
	var row proposalRow
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, proposals.ErrNotFound
		}
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	p := row.toDomain()
	return &p, nil
}

// Upsert writes the proposal's current metadata unless a newer commit has
// already written it. In that case the stored row is returned unchanged.
func (r *ProposalRepository) Upsert(ctx context.Context, params proposals.UpsertParams) (*proposals.Proposal, error) {
	md := params.Metadata
	var row proposalRow
	err := pgxscan.Get(ctx, r.db, &row, `
INSERT INTO proposals (owner, repo, protocol, number, path, title, status, type, category, created,
                       discussions_to, requires, last_commit_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (owner, repo, protocol, number) DO UPDATE SET
	path = EXCLUDED.path,
	title = EXCLUDED.title,
	status = EXCLUDED.status,
	type = EXCLUDED.type,
	category = EXCLUDED.category,
	created = EXCLUDED.created,
	discussions_to = EXCLUDED.discussions_to,
	requires = EXCLUDED.requires,
	last_commit_at = EXCLUDED.last_commit_at,
	updated_at = now()
WHERE proposals.last_commit_at IS NULL OR proposals.last_commit_at <= EXCLUDED.last_commit_at
RETURNING `+proposalColumns,
		params.Owner, params.Repo, params.Protocol, params.Number, params.Path,
		md.Title, md.Status, md.Type, md.Category, md.Created, md.DiscussionsTo,
		toInt32s(md.Requires), params.CommitDate,
	)
	if err != nil {
		if pgxscan.NotFound(err) {
			return r.GetByKey(ctx, params.Key)
		}
		return nil, fmt.Errorf("upsert proposal %s/%s %s-%d: %w", params.Owner, params.Repo, params.Protocol, params.Number, err)
	}
	p := row.toDomain()
	return &p, nil
}

func (r *ProposalRepository) UpdateLocation(ctx context.Context, id int64, path string, number int) error {
	return r.exec(ctx, "update proposal location", `
UPDATE proposals SET path = $2, number = $3, updated_at = now() WHERE id = $1
`, id, path, number)
}

func (r *ProposalRepository) SetStatus(ctx context.Context, id int64, status string) error {
	return r.exec(ctx, "set proposal status", `
UPDATE proposals SET status = $2, updated_at = now() WHERE id = $1
`, id, status)
}

func (r *ProposalRepository) MarkMoved(ctx context.Context, id int64, movedToPath string, at time.Time) error {
	return r.exec(ctx, "mark proposal moved", `
UPDATE proposals
   SET status = $2,
       moved_to_path = $3,
       moved_to_id = CASE WHEN moved_to_path IS DISTINCT FROM $3 THEN NULL ELSE moved_to_id END,
       moved_at = CASE
           WHEN status = $2 AND moved_to_path IS NOT DISTINCT FROM $3 AND moved_at IS NOT NULL
           THEN LEAST(moved_at, $4)
           ELSE $4
       END,
       updated_at = now()
 WHERE id = $1
`, id, proposals.StatusMoved, movedToPath, at)
}

func (r *ProposalRepository) SetMovedTo(ctx context.Context, id int64, movedToID int64) error {
	return r.exec(ctx, "link moved proposal", `
UPDATE proposals SET moved_to_id = $2, updated_at = now() WHERE id = $1
`, id, movedToID)
}

func (r *ProposalRepository) exec(ctx context.Context, op string, sql string, args ...any) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return proposals.ErrNotFound
	}
	return nil
}

func (r *ProposalRepository) ListPendingMoves(ctx context.Context) ([]proposals.Proposal, error) {
	return r.list(ctx, psql.Select(proposalColumns).From("proposals").
		Where(sq.Eq{"status": proposals.StatusMoved, "moved_to_id": nil}).
		Where(sq.NotEq{"moved_to_path": nil}).
		Where(sq.NotEq{"moved_to_path": ""}).
		OrderBy("id"))
}

func (r *ProposalRepository) ListByMovedTo(ctx context.Context, ids []int64) ([]proposals.Proposal, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.list(ctx, psql.Select(proposalColumns).From("proposals").
		Where(sq.Eq{"moved_to_id": ids}).
		OrderBy("id"))
}

func (r *ProposalRepository) ListByProtocol(ctx context.Context, protocol string) ([]proposals.Proposal, error) {
	return r.list(ctx, psql.Select(proposalColumns).From("proposals").
		Where(sq.Eq{"protocol": protocol}).
		OrderBy("number", "id"))
}

func (r *ProposalRepository) ListAll(ctx context.Context) ([]proposals.Proposal, error) {
	return r.list(ctx, psql.Select(proposalColumns).From("proposals").OrderBy("id"))
}

func (r *ProposalRepository) list(ctx context.Context, builder sq.SelectBuilder) ([]proposals.Proposal, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build proposal list: %w", err)
	}
	var rows []proposalRow
	if err := pgxscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	out := make([]proposals.Proposal, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *ProposalRepository) ListProtocols(ctx context.Context) ([]string, error) {
	var out []string
	if err := pgxscan.Select(ctx, r.db, &out, `SELECT DISTINCT protocol FROM proposals ORDER BY protocol`); err != nil {
		return nil, fmt.Errorf("list protocols: %w", err)
	}
	return out, nil
}

// UpsertVersion inserts a version; reprocessing the same commit returns the
// existing row.
func (r *ProposalRepository) UpsertVersion(ctx context.Context, params proposals.VersionParams) (*proposals.Version, bool, error) {
	md := params.Metadata
	var row versionRow
	err := pgxscan.Get(ctx, r.db, &row, `
INSERT INTO proposal_versions (proposal_id, commit_sha, commit_date, body, content_hash, title, status,
                               type, category, created, discussions_to, requires)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (proposal_id, commit_sha) DO NOTHING
RETURNING `+versionColumns,
		params.ProposalID, params.CommitSHA, params.CommitDate, params.Body, params.ContentHash,
		md.Title, md.Status, md.Type, md.Category, md.Created, md.DiscussionsTo, toInt32s(md.Requires),
	)
	if err == nil {
		v := row.toDomain()
		return &v, true, nil
	}
	if !pgxscan.NotFound(err) {
		return nil, false, fmt.Errorf("insert version %s for proposal %d: %w", params.CommitSHA, params.ProposalID, err)
	}

	query, args, err := psql.Select(versionColumns).From("proposal_versions").
		Where(sq.Eq{"proposal_id": params.ProposalID, "commit_sha": params.CommitSHA}).ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("build version query: %w", err)
	}
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		return nil, false, fmt.Errorf("get existing version %s for proposal %d: %w", params.CommitSHA, params.ProposalID, err)
	}
	v := row.toDomain()
	return &v, false, nil
}

func (r *ProposalRepository) ListVersions(ctx context.Context, proposalIDs []int64, asOf *time.Time) ([]proposals.Version, error) {
	if len(proposalIDs) == 0 {
		return nil, nil
	}
	builder := psql.Select(versionColumns).From("proposal_versions").
		Where(sq.Eq{"proposal_id": proposalIDs}).
		OrderBy("commit_date DESC", "id DESC")
	if asOf != nil {
		builder = builder.Where(sq.LtOrEq{"commit_date": *asOf})
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build version list: %w", err)
	}
	var rows []versionRow
	if err := pgxscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	out := make([]proposals.Version, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *ProposalRepository) EarliestCommitDate(ctx context.Context) (*time.Time, error) {
	var earliest *time.Time
	if err := r.db.QueryRow(ctx, `SELECT min(commit_date) FROM proposal_versions`).Scan(&earliest); err != nil {
		return nil, fmt.Errorf("earliest commit date: %w", err)
	}
	return earliest, nil
}

func (r *ProposalRepository) HasCommit(ctx context.Context, owner, repo, sha string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
SELECT EXISTS (
	SELECT 1
	  FROM proposal_versions v
	  JOIN proposals p ON p.id = v.proposal_id
	 WHERE p.owner = $1 AND p.repo = $2 AND v.commit_sha = $3
)`, owner, repo, sha).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check commit %s in %s/%s: %w", sha, owner, repo, err)
	}
	return exists, nil
}

func toInt32s(values []int) []int32 {
	out := make([]int32, len(values))
	for i, v := range values {
		out[i] = int32(v)
	}
	return out
}

func fromInt32s(values []int32) []int {
	if len(values) == 0 {
		return nil
	}
	out := make([]int, len(values))
	for i, v := range values {
		out[i] = int(v)
	}
	return out
}
