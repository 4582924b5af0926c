package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/Togather-Foundation/proposals/internal/domain/authors"
	"github.com/georgysavva/scany/v2/pgxscan"
)

var _ authors.Repository = (*AuthorRepository)(nil)

// AuthorRepository implements authors.Repository. Email and handle
// uniqueness is enforced by case-insensitive partial unique indexes; unique
// violations surface as authors.ErrConflict.
type AuthorRepository struct {
	db DBTX
}

const authorColumns = `id, COALESCE(name, '') AS name, COALESCE(email, '') AS email,
       COALESCE(handle, '') AS handle, created_at`

type authorRow struct {
	ID        int64     `db:"id"`
	Name      string    `db:"name"`
	Email     string    `db:"email"`
	Handle    string    `db:"handle"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *AuthorRepository) GetByID(ctx context.Context, id int64) (*authors.Author, error) {
	return r.getOne(ctx, sq.Eq{"id": id})
}

func (r *AuthorRepository) GetByHandle(ctx context.Context, handle string) (*authors.Author, error) {
	if handle == "" {
		return nil, authors.ErrNotFound
	}
	return r.getOne(ctx, sq.Expr("lower(handle) = lower(?)", handle))
}

func (r *AuthorRepository) GetByEmail(ctx context.Context, email string) (*authors.Author, error) {
	if email == "" {
		return nil, authors.ErrNotFound
	}
	return r.getOne(ctx, sq.Expr("lower(email) = lower(?)", email))
}

func (r *AuthorRepository) getOne(ctx context.Context, where sq.Sqlizer) (*authors.Author, error) {
	query, args, err := psql.Select(authorColumns).From("authors").Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build author query: %w", err)
	}
	var row authorRow
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, authors.ErrNotFound
		}
		return nil, fmt.Errorf("get author: %w", err)
	}
	a := authors.Author(row)
	return &a, nil
}

func (r *AuthorRepository) ListByName(ctx context.Context, name string) ([]authors.Author, error) {
	if name == "" {
		return nil, nil
	}
	return r.list(ctx, psql.Select(authorColumns).From("authors").Where(sq.Eq{"name": name}).OrderBy("id"))
}

func (r *AuthorRepository) ListAll(ctx context.Context) ([]authors.Author, error) {
	return r.list(ctx, psql.Select(authorColumns).From("authors").OrderBy("id"))
}

func (r *AuthorRepository) list(ctx context.Context, builder sq.SelectBuilder) ([]authors.Author, error) {
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build author list: %w", err)
	}
	var rows []authorRow
	if err := pgxscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list authors: %w", err)
	}
	out := make([]authors.Author, 0, len(rows))
	for _, row := range rows {
		out = append(out, authors.Author(row))
	}
	return out, nil
}

func (r *AuthorRepository) Create(ctx context.Context, d authors.Descriptor) (*authors.Author, error) {
	var row authorRow
	err := pgxscan.Get(ctx, r.db, &row, `
INSERT INTO authors (name, email, handle)
VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING
RETURNING `+authorColumns,
		nullIfEmpty(d.Name), nullIfEmpty(d.Email), nullIfEmpty(d.Handle),
	)
	if err != nil {
		// A skipped insert returns no row and leaves an enclosing
		// transaction usable, unlike a raised unique violation.
		if pgxscan.NotFound(err) || isUniqueViolation(err) {
			return nil, authors.ErrConflict
		}
		return nil, fmt.Errorf("create author: %w", err)
	}
	a := authors.Author(row)
	return &a, nil
}

func (r *AuthorRepository) Update(ctx context.Context, a authors.Author) error {
	tag, err := r.db.Exec(ctx, `
UPDATE authors SET name = $2, email = $3, handle = $4 WHERE id = $1
`, a.ID, nullIfEmpty(a.Name), nullIfEmpty(a.Email), nullIfEmpty(a.Handle))
	if err != nil {
		if isUniqueViolation(err) {
			return authors.ErrConflict
		}
		return fmt.Errorf("update author %d: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return authors.ErrNotFound
	}
	return nil
}

func (r *AuthorRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM authors WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete author %d: %w", id, err)
	}
	return nil
}

func (r *AuthorRepository) LinkVersion(ctx context.Context, versionID, authorID int64) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO authors_on_versions (version_id, author_id) VALUES ($1, $2)
ON CONFLICT (version_id, author_id) DO NOTHING
`, versionID, authorID)
	if err != nil {
		return fmt.Errorf("link author %d to version %d: %w", authorID, versionID, err)
	}
	return nil
}

func (r *AuthorRepository) HasVersionLink(ctx context.Context, versionID, authorID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM authors_on_versions WHERE version_id = $1 AND author_id = $2)
`, versionID, authorID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check version link: %w", err)
	}
	return exists, nil
}

type versionLinkRow struct {
	VersionID int64 `db:"version_id"`
	AuthorID  int64 `db:"author_id"`
}

func (r *AuthorRepository) ListVersionLinks(ctx context.Context, authorID int64) ([]authors.VersionLink, error) {
	return r.listLinks(ctx, sq.Eq{"author_id": authorID})
}

func (r *AuthorRepository) ListVersionAuthors(ctx context.Context, versionIDs []int64) ([]authors.VersionLink, error) {
	if len(versionIDs) == 0 {
		return nil, nil
	}
	return r.listLinks(ctx, sq.Eq{"version_id": versionIDs})
}

func (r *AuthorRepository) listLinks(ctx context.Context, where sq.Eq) ([]authors.VersionLink, error) {
	query, args, err := psql.Select("version_id", "author_id").From("authors_on_versions").
		Where(where).OrderBy("version_id", "author_id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build version link query: %w", err)
	}
	var rows []versionLinkRow
	if err := pgxscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list version links: %w", err)
	}
	out := make([]authors.VersionLink, 0, len(rows))
	for _, row := range rows {
		out = append(out, authors.VersionLink(row))
	}
	return out, nil
}

func (r *AuthorRepository) RepointVersionLink(ctx context.Context, versionID, fromAuthorID, toAuthorID int64) error {
	_, err := r.db.Exec(ctx, `
UPDATE authors_on_versions SET author_id = $3 WHERE version_id = $1 AND author_id = $2
`, versionID, fromAuthorID, toAuthorID)
	if err != nil {
		return fmt.Errorf("repoint version %d from author %d to %d: %w", versionID, fromAuthorID, toAuthorID, err)
	}
	return nil
}

func (r *AuthorRepository) DeleteVersionLink(ctx context.Context, versionID, authorID int64) error {
	_, err := r.db.Exec(ctx, `
DELETE FROM authors_on_versions WHERE version_id = $1 AND author_id = $2
`, versionID, authorID)
	if err != nil {
		return fmt.Errorf("delete version link: %w", err)
	}
	return nil
}

func (r *AuthorRepository) UpsertMaintainer(ctx context.Context, m authors.Maintainer) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO maintainers (author_id, owner, repo, protocol) VALUES ($1, $2, $3, $4)
ON CONFLICT (author_id, owner, repo, protocol) DO NOTHING
`, m.AuthorID, m.Owner, m.Repo, m.Protocol)
	if err != nil {
		return fmt.Errorf("upsert maintainer %d for %s/%s: %w", m.AuthorID, m.Owner, m.Repo, err)
	}
	return nil
}

func (r *AuthorRepository) HasMaintainer(ctx context.Context, m authors.Maintainer) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `
SELECT EXISTS (
	SELECT 1 FROM maintainers WHERE author_id = $1 AND owner = $2 AND repo = $3 AND protocol = $4
)`, m.AuthorID, m.Owner, m.Repo, m.Protocol).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check maintainer: %w", err)
	}
	return exists, nil
}

type maintainerRow struct {
	AuthorID int64  `db:"author_id"`
	Owner    string `db:"owner"`
	Repo     string `db:"repo"`
	Protocol string `db:"protocol"`
}

func (r *AuthorRepository) ListMaintainers(ctx context.Context, authorID int64) ([]authors.Maintainer, error) {
	var rows []maintainerRow
	err := pgxscan.Select(ctx, r.db, &rows, `
SELECT author_id, owner, repo, protocol FROM maintainers WHERE author_id = $1 ORDER BY owner, repo, protocol
`, authorID)
	if err != nil {
		return nil, fmt.Errorf("list maintainers for author %d: %w", authorID, err)
	}
	out := make([]authors.Maintainer, 0, len(rows))
	for _, row := range rows {
		out = append(out, authors.Maintainer(row))
	}
	return out, nil
}

func (r *AuthorRepository) RepointMaintainer(ctx context.Context, m authors.Maintainer, toAuthorID int64) error {
	_, err := r.db.Exec(ctx, `
UPDATE maintainers SET author_id = $5
 WHERE author_id = $1 AND owner = $2 AND repo = $3 AND protocol = $4
`, m.AuthorID, m.Owner, m.Repo, m.Protocol, toAuthorID)
	if err != nil {
		return fmt.Errorf("repoint maintainer %d to %d: %w", m.AuthorID, toAuthorID, err)
	}
	return nil
}

func (r *AuthorRepository) DeleteMaintainer(ctx context.Context, m authors.Maintainer) error {
	_, err := r.db.Exec(ctx, `
DELETE FROM maintainers WHERE author_id = $1 AND owner = $2 AND repo = $3 AND protocol = $4
`, m.AuthorID, m.Owner, m.Repo, m.Protocol)
	if err != nil {
		return fmt.Errorf("delete maintainer: %w", err)
	}
	return nil
}

type mergedAuthor struct {
	ID     int64  `json:"id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Handle string `json:"handle,omitempty"`
}

func (r *AuthorRepository) RecordMerge(ctx context.Context, rec authors.MergeRecord) error {
	absorbed := make([]mergedAuthor, 0, len(rec.Absorbed))
	for _, a := range rec.Absorbed {
		absorbed = append(absorbed, mergedAuthor{ID: a.ID, Name: a.Name, Email: a.Email, Handle: a.Handle})
	}
	payload, err := json.Marshal(absorbed)
	if err != nil {
		return fmt.Errorf("encode merged authors: %w", err)
	}
	enriched := rec.EnrichedFields
	if enriched == nil {
		enriched = []string{}
	}

	_, err = r.db.Exec(ctx, `
INSERT INTO author_merges (id, primary_id, absorbed_ids, absorbed, enriched_fields, merged_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, rec.ID, rec.PrimaryID, rec.AbsorbedIDs, payload, enriched, rec.MergedAt)
	if err != nil {
		return fmt.Errorf("record merge into author %d: %w", rec.PrimaryID, err)
	}
	return nil
}
