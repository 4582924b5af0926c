package postgres

import (
	"context"
	"fmt"

	"github.com/Togather-Foundation/proposals/internal/domain/authors"
	"github.com/Togather-Foundation/proposals/internal/domain/proposals"
	"github.com/Togather-Foundation/proposals/internal/domain/snapshots"
	"github.com/Togather-Foundation/proposals/internal/domain/sources"
	"github.com/Togather-Foundation/proposals/internal/storage"
	"github.com/jackc/pgx/v5"
)

var _ storage.Repository = (*Repository)(nil)

// Repository implements storage.Repository with a PostgreSQL backend.
type Repository struct {
	pool Beginner
	tx   pgx.Tx
}

// NewRepository creates a new PostgreSQL-backed repository.
func NewRepository(pool Beginner) (*Repository, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres repository: pool is nil")
	}
	return &Repository{pool: pool}, nil
}

func (r *Repository) queryer() DBTX {
	if r.tx != nil {
		return r.tx
	}
	return r.pool
}

func (r *Repository) Sources() sources.RepositoryStore {
	return &SourceRepository{db: r.queryer()}
}

func (r *Repository) Runs() sources.RunStore {
	return &RunRepository{db: r.queryer()}
}

func (r *Repository) Proposals() proposals.Repository {
	return &ProposalRepository{db: r.queryer()}
}

func (r *Repository) Authors() authors.Repository {
	return &AuthorRepository{db: r.queryer()}
}

func (r *Repository) Snapshots() snapshots.Repository {
	return &SnapshotRepository{db: r.queryer(), tx: r.tx, pool: r.pool}
}

// WithTx executes fn within a database transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, storage.Repository) error) error {
	if r.tx != nil {
		return fn(ctx, r)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	wrapped := &Repository{pool: r.pool, tx: tx}
	if err := fn(ctx, wrapped); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback after error %v: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
