package proposals

import (
	"context"
	"time"
)

// Repository persists proposals and their versions.
type Repository interface {
	GetByKey(ctx context.Context, key Key) (*Proposal, error)
	GetByID(ctx context.Context, id int64) (*Proposal, error)

	// Upsert inserts or updates a proposal by natural key and returns the
	// stored row.
	Upsert(ctx context.Context, params UpsertParams) (*Proposal, error)

	// UpdateLocation moves a proposal to a new path and number in place.
	UpdateLocation(ctx context.Context, id int64, path string, number int) error

	// SetStatus overwrites the current status of a proposal.
	SetStatus(ctx context.Context, id int64, status string) error

	// MarkMoved sets status Moved and records the unresolved target path
	// and the commit time of the move. Marking the same target again keeps
	// the earliest time.
	MarkMoved(ctx context.Context, id int64, movedToPath string, at time.Time) error

	// SetMovedTo links a moved proposal to its resolved destination.
	SetMovedTo(ctx context.Context, id int64, movedToID int64) error

	// ListPendingMoves returns Moved proposals with a target path and no
	// resolved destination.
	ListPendingMoves(ctx context.Context) ([]Proposal, error)

	// ListByMovedTo returns proposals whose MovedToID is one of ids.
	ListByMovedTo(ctx context.Context, ids []int64) ([]Proposal, error)

	ListByProtocol(ctx context.Context, protocol string) ([]Proposal, error)
	ListAll(ctx context.Context) ([]Proposal, error)
	ListProtocols(ctx context.Context) ([]string, error)

	// UpsertVersion inserts a version unless (proposal, commit) already
	// exists. The bool reports whether a new row was created.
	UpsertVersion(ctx context.Context, params VersionParams) (*Version, bool, error)

	// ListVersions returns versions of the given proposals, optionally only
	// those committed at or before asOf.
	ListVersions(ctx context.Context, proposalIDs []int64, asOf *time.Time) ([]Version, error)

	// EarliestCommitDate returns the oldest version commit date, or nil when
	// no versions exist.
	EarliestCommitDate(ctx context.Context) (*time.Time, error)

	// HasCommit reports whether any proposal of owner/repo has a version at
	// commit sha.
	HasCommit(ctx context.Context, owner, repo, sha string) (bool, error)
}
