// Package sourcehost defines the narrow contract the crawler needs from a
// source-control host: commit listing, commit detail and file content.
package sourcehost

import (
	"context"
	"errors"
	"time"

	"github.com/Togather-Foundation/proposals/internal/domain/authors"
)

// ErrNotFound is returned when a commit or file does not exist at the ref.
var ErrNotFound = errors.New("not found on source host")

// File change statuses.
const (
	StatusAdded    = "added"
	StatusModified = "modified"
	StatusRenamed  = "renamed"
	StatusRemoved  = "removed"
)

// Repo addresses one branch of a hosted repository.
type Repo struct {
	Owner  string
	Name   string
	Branch string
}

func (r Repo) String() string {
	return r.Owner + "/" + r.Name
}

// Commit is one entry of a branch's commit log.
type Commit struct {
	SHA  string
	Date time.Time

	// Author is the committer identity as seen by the host. Handle is set
	// when the host could associate the commit with an account.
	Author authors.Descriptor
}

// FileChange is one path touched by a commit.
type FileChange struct {
	Path         string
	PreviousPath string
	Status       string
}

// CommitDetail is a commit with its changed files.
type CommitDetail struct {
	Commit
	Files []FileChange
}

// Client is implemented by source host API clients.
type Client interface {
	// ListCommits returns the branch's commits newer than sinceSHA, oldest
	// first. An empty sinceSHA lists the whole history.
	ListCommits(ctx context.Context, repo Repo, sinceSHA string) ([]Commit, error)

	// GetCommit returns the commit with its file change list.
	GetCommit(ctx context.Context, repo Repo, sha string) (*CommitDetail, error)

	// FileContent returns the raw file at ref.
	FileContent(ctx context.Context, repo Repo, path, ref string) (string, error)
}
