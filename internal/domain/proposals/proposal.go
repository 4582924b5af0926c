// Package proposals defines improvement-proposal documents and their
// immutable version history.
package proposals

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("proposal not found")

// Key is the natural key of a Proposal.
type Key struct {
	Owner    string
	Repo     string
	Protocol string
	Number   int
}

// Metadata is the header information extracted from one document revision.
type Metadata struct {
	Title         string
	Status        string
	Type          string
	Category      string
	Created       *time.Time
	DiscussionsTo string
	Requires      []int
}

// Proposal is the logical document. Its Metadata mirrors the newest version.
// Proposals are never deleted: removal is a status transition plus a
// terminal version.
type Proposal struct {
	ID       int64
	Owner    string
	Repo     string
	Protocol string
	Number   int
	Path     string
	Metadata

	// MovedToID is a weak reference to the Proposal this one was relocated
	// to. MovedToPath holds the raw relocation target until it is resolved.
	// MovedAt is the commit time of the move.
	MovedToID   *int64
	MovedToPath string
	MovedAt     *time.Time

	// LastCommitAt is the commit time of the version that last wrote the
	// denormalized metadata.
	LastCommitAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Key returns the natural key of p.
func (p Proposal) Key() Key {
	return Key{Owner: p.Owner, Repo: p.Repo, Protocol: p.Protocol, Number: p.Number}
}

// Version is one immutable snapshot of a Proposal at a commit.
type Version struct {
	ID          int64
	ProposalID  int64
	CommitSHA   string
	CommitDate  time.Time
	Body        string
	ContentHash string
	Metadata
	CreatedAt time.Time
}

// UpsertParams creates or updates a Proposal by its natural key. Metadata is
// only overwritten when CommitDate is not older than the proposal's
// LastCommitAt.
type UpsertParams struct {
	Key
	Path       string
	Metadata   Metadata
	CommitDate time.Time
}

// VersionParams creates a version keyed by (ProposalID, CommitSHA).
type VersionParams struct {
	ProposalID  int64
	CommitSHA   string
	CommitDate  time.Time
	Body        string
	ContentHash string
	Metadata    Metadata
}
