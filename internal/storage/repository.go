package storage

import (
	"context"

	"github.com/Togather-Foundation/proposals/internal/domain/authors"
	"github.com/Togather-Foundation/proposals/internal/domain/proposals"
	"github.com/Togather-Foundation/proposals/internal/domain/snapshots"
	"github.com/Togather-Foundation/proposals/internal/domain/sources"
)

// Repository groups data access by domain.
type Repository interface {
	Sources() sources.RepositoryStore
	Runs() sources.RunStore
	Proposals() proposals.Repository
	Authors() authors.Repository
	Snapshots() snapshots.Repository

	// WithTx runs fn in a single transaction. Calling WithTx on a repository
	// that is already transactional reuses the open transaction.
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
}
