// Package sources defines the domain types and interfaces for tracked
// proposal repositories.
package sources

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when a source repository is not found.
var ErrNotFound = errors.New("source repository not found")

// Repository identifies one tracked proposal repository. It mirrors the
// source_repositories table and maps to/from the repositories YAML file.
// Everything but the crawl cursor is fixed by configuration.
type Repository struct {
	ID       int64
	Owner    string
	Repo     string
	Branch   string
	Subdir   string
	Protocol string
	Prefix   string
	Format   string
	Enabled  bool

	// ForkedFromID points at the upstream Repository when this one is a copy
	// of another proposal set.
	ForkedFromID *int64

	LastCrawledCommitSHA string
	LastCrawledAt        *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// FullName returns "owner/repo".
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Repo
}

// Key returns "owner/repo/subdir", unique per tracked folder.
func (r Repository) Key() string {
	return r.Owner + "/" + r.Repo + "/" + r.Subdir
}

// SubdirName is the last element of the tracked subdirectory, used to map a
// relocation target path back to its repository.
func (r Repository) SubdirName() string {
	return strings.ToLower(path.Base(strings.Trim(r.Subdir, "/")))
}

// InScope reports whether a repository-relative file path is a tracked
// proposal document.
func (r Repository) InScope(filePath string) bool {
	if filePath == "" {
		return false
	}
	dir := strings.Trim(r.Subdir, "/")
	if dir != "" && !strings.HasPrefix(filePath, dir+"/") {
		return false
	}
	return strings.EqualFold(path.Ext(filePath), ".md")
}

// UpsertParams contains the fields used to create or update a source
// repository. The crawl cursor is never touched by an upsert.
type UpsertParams struct {
	Owner        string
	Repo         string
	Branch       string
	Subdir       string
	Protocol     string
	Prefix       string
	Format       string
	Enabled      bool
	ForkedFromID *int64
}

// RepositoryStore defines the persistence interface for source repositories.
type RepositoryStore interface {
	// Upsert inserts or updates a repository by (owner, repo, subdir).
	Upsert(ctx context.Context, params UpsertParams) (*Repository, error)

	// GetByKey returns a repository by owner, repo and subdir.
	GetByKey(ctx context.Context, owner, repo, subdir string) (*Repository, error)

	// GetByID returns a repository by id.
	GetByID(ctx context.Context, id int64) (*Repository, error)

	// List returns all repositories, optionally filtered by enabled state.
	// Pass nil to return all repositories regardless of enabled status.
	List(ctx context.Context, enabled *bool) ([]Repository, error)

	// UpdateCursor records the newest commit of a completed crawl pass.
	UpdateCursor(ctx context.Context, id int64, sha string, crawledAt time.Time) error
}
