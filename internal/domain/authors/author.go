// Package authors defines contributor identities and the join records that
// attribute versions and repositories to them.
package authors

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("author not found")

	// ErrConflict is returned when a write would give two authors the same
	// email or handle. Writers racing on creation re-query on this error.
	ErrConflict = errors.New("author email or handle already taken")
)

// Author is a contributor identity. Empty strings mean the field is unknown.
// Email and handle are unique (case-insensitively) across all authors.
type Author struct {
	ID        int64
	Name      string
	Email     string
	Handle    string
	CreatedAt time.Time
}

// Score ranks how complete an identity is. A handle outweighs an email, which
// outweighs a name.
func (a Author) Score() int {
	score := 0
	if a.Handle != "" {
		score += 4
	}
	if a.Email != "" {
		score += 2
	}
	if a.Name != "" {
		score++
	}
	return score
}

// Descriptor is a partial identity observed in a document header or on a
// commit.
type Descriptor struct {
	Name   string
	Email  string
	Handle string
}

// Empty reports whether d carries no identifying field at all.
func (d Descriptor) Empty() bool {
	return d.Name == "" && d.Email == "" && d.Handle == ""
}

// VersionLink attributes a proposal version to an author.
type VersionLink struct {
	VersionID int64
	AuthorID  int64
}

// Maintainer records that an author has committed to a repository.
type Maintainer struct {
	AuthorID int64
	Owner    string
	Repo     string
	Protocol string
}

// MergeRecord is the audit entry written for each applied merge group.
type MergeRecord struct {
	ID             uuid.UUID
	PrimaryID      int64
	AbsorbedIDs    []int64
	Absorbed       []Author
	EnrichedFields []string
	MergedAt       time.Time
}

// Repository persists authors and their links.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*Author, error)
	GetByHandle(ctx context.Context, handle string) (*Author, error)
	GetByEmail(ctx context.Context, email string) (*Author, error)
	ListByName(ctx context.Context, name string) ([]Author, error)
	ListAll(ctx context.Context) ([]Author, error)

	// Create inserts an author. It returns ErrConflict if the email or handle
	// is already held by another author.
	Create(ctx context.Context, d Descriptor) (*Author, error)

	// Update overwrites name, email and handle. It returns ErrConflict on a
	// uniqueness violation.
	Update(ctx context.Context, a Author) error
	Delete(ctx context.Context, id int64) error

	// LinkVersion attributes a version to an author; existing links are kept.
	LinkVersion(ctx context.Context, versionID, authorID int64) error
	HasVersionLink(ctx context.Context, versionID, authorID int64) (bool, error)
	ListVersionLinks(ctx context.Context, authorID int64) ([]VersionLink, error)
	ListVersionAuthors(ctx context.Context, versionIDs []int64) ([]VersionLink, error)
	RepointVersionLink(ctx context.Context, versionID, fromAuthorID, toAuthorID int64) error
	DeleteVersionLink(ctx context.Context, versionID, authorID int64) error

	// UpsertMaintainer records m; existing rows are kept.
	UpsertMaintainer(ctx context.Context, m Maintainer) error
	HasMaintainer(ctx context.Context, m Maintainer) (bool, error)
	ListMaintainers(ctx context.Context, authorID int64) ([]Maintainer, error)
	RepointMaintainer(ctx context.Context, m Maintainer, toAuthorID int64) error
	DeleteMaintainer(ctx context.Context, m Maintainer) error

	RecordMerge(ctx context.Context, rec MergeRecord) error
}
