package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Togather-Foundation/proposals/internal/domain/authors"
	"github.com/Togather-Foundation/proposals/internal/domain/proposals"
	"github.com/Togather-Foundation/proposals/internal/domain/snapshots"
	"github.com/Togather-Foundation/proposals/internal/domain/sources"
	"github.com/Togather-Foundation/proposals/internal/storage"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

var proposalColumnNames = []string{
	"id", "owner", "repo", "protocol", "number", "path", "title", "status", "type", "category", "created",
	"discussions_to", "requires", "moved_to_id", "moved_to_path", "moved_at", "last_commit_at", "created_at", "updated_at",
}

func proposalMockRow(rows *pgxmock.Rows, id int64, status string, commitAt time.Time) *pgxmock.Rows {
	return rows.AddRow(
		id, "o", "r", "alpha", 1, "docs/alpha-1.md", "Title", status, "Standards Track", "Core",
		(*time.Time)(nil), "", []int32{4}, (*int64)(nil), "", (*time.Time)(nil), &commitAt, commitAt, commitAt,
	)
}

func TestProposalRepository_Upsert(t *testing.T) {
	commitAt := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	params := proposals.UpsertParams{
		Key:        proposals.Key{Owner: "o", Repo: "r", Protocol: "alpha", Number: 1},
		Path:       "docs/alpha-1.md",
		Metadata:   proposals.Metadata{Title: "Title", Status: "Draft", Requires: []int{4}},
		CommitDate: commitAt,
	}

	tests := []struct {
		name       string
		setup      func(mock pgxmock.PgxPoolIface)
		wantStatus string
		wantErr    bool
	}{
		{
			name: "inserted or updated",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO proposals`).
					WithArgs("o", "r", "alpha", 1, "docs/alpha-1.md", "Title", "Draft", "", "",
						(*time.Time)(nil), "", []int32{4}, commitAt).
					WillReturnRows(proposalMockRow(pgxmock.NewRows(proposalColumnNames), 10, "Draft", commitAt))
			},
			wantStatus: "Draft",
		},
		{
			name: "newer row kept",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO proposals`).
					WillReturnRows(pgxmock.NewRows(proposalColumnNames))
				mock.ExpectQuery(`(?s)SELECT .* FROM proposals WHERE`).
					WithArgs(1, "o", "alpha", "r").
					WillReturnRows(proposalMockRow(pgxmock.NewRows(proposalColumnNames), 10, "Final", commitAt.Add(time.Hour)))
			},
			wantStatus: "Final",
		},
		{
			name: "database error",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO proposals`).WillReturnError(errors.New("connection reset"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			tt.setup(mock)
			repo := &ProposalRepository{db: mock}

			got, err := repo.Upsert(context.Background(), params)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
				require.Equal(t, int64(10), got.ID)
				require.Equal(t, tt.wantStatus, got.Status)
				require.Equal(t, []int{4}, got.Requires)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestProposalRepository_SetStatusNotFound(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec(`UPDATE proposals SET status`).
		WithArgs(int64(5), "Deleted").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	repo := &ProposalRepository{db: mock}
	err := repo.SetStatus(context.Background(), 5, "Deleted")
	require.ErrorIs(t, err, proposals.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProposalRepository_MarkMoved(t *testing.T) {
	mock := newMock(t)
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`(?s)UPDATE proposals.*moved_at = CASE`).
		WithArgs(int64(5), "Moved", "archive/alpha-1.md", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	repo := &ProposalRepository{db: mock}
	require.NoError(t, repo.MarkMoved(context.Background(), 5, "archive/alpha-1.md", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProposalRepository_ListByMovedToEmpty(t *testing.T) {
	mock := newMock(t)
	repo := &ProposalRepository{db: mock}

	got, err := repo.ListByMovedTo(context.Background(), nil)
	require.NoError(t, err)
	require.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthorRepository_Create(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name    string
		setup   func(mock pgxmock.PgxPoolIface)
		wantErr error
	}{
		{
			name: "created",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO authors`).
					WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
					WillReturnRows(pgxmock.NewRows([]string{"id", "name", "email", "handle", "created_at"}).
						AddRow(int64(3), "Alice", "", "alice", now))
			},
		},
		{
			name: "skipped insert maps to conflict",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`(?s)INSERT INTO authors.*ON CONFLICT DO NOTHING`).
					WillReturnRows(pgxmock.NewRows([]string{"id", "name", "email", "handle", "created_at"}))
			},
			wantErr: authors.ErrConflict,
		},
		{
			name: "unique violation maps to conflict",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`INSERT INTO authors`).
					WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "authors_handle_key"})
			},
			wantErr: authors.ErrConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			tt.setup(mock)
			repo := &AuthorRepository{db: mock}

			got, err := repo.Create(context.Background(), authors.Descriptor{Name: "Alice", Handle: "alice"})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				require.Equal(t, int64(3), got.ID)
				require.Equal(t, "alice", got.Handle)
				require.Empty(t, got.Email)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAuthorRepository_GetByHandleBlank(t *testing.T) {
	mock := newMock(t)
	repo := &AuthorRepository{db: mock}

	_, err := repo.GetByHandle(context.Background(), "")
	require.ErrorIs(t, err, authors.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSourceRepository_UpdateCursorNotFound(t *testing.T) {
	mock := newMock(t)
	at := time.Now()
	mock.ExpectExec(`UPDATE source_repositories`).
		WithArgs(int64(1), "sha", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	repo := &SourceRepository{db: mock}
	require.ErrorIs(t, repo.UpdateCursor(context.Background(), 1, "sha", at), sources.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_WithTx(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		setup   func(mock pgxmock.PgxPoolIface)
		fnErr   error
		wantErr error
	}{
		{
			name: "commit on success",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectExec(`INSERT INTO maintainers`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "rollback on error",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectExec(`INSERT INTO maintainers`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
				mock.ExpectRollback()
			},
			fnErr:   boom,
			wantErr: boom,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			tt.setup(mock)
			repo, err := NewRepository(mock)
			require.NoError(t, err)

			err = repo.WithTx(context.Background(), func(ctx context.Context, tx storage.Repository) error {
				if err := tx.Authors().UpsertMaintainer(ctx, authors.Maintainer{AuthorID: 1, Owner: "o", Repo: "r", Protocol: "alpha"}); err != nil {
					return err
				}
				return tt.fnErr
			})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestNewRepositoryRequiresPool(t *testing.T) {
	_, err := NewRepository(nil)
	require.Error(t, err)
}

func TestSnapshotRepository_DeleteProtocol(t *testing.T) {
	period := snapshots.Period{Year: 2024, Month: 2}

	tests := []struct {
		name    string
		setup   func(mock pgxmock.PgxPoolIface)
		wantErr bool
	}{
		{
			name: "tracks then snapshot in one transaction",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectExec(`DELETE FROM track_snapshots WHERE`).
					WithArgs(2, "gamma", 2024).
					WillReturnResult(pgxmock.NewResult("DELETE", 2))
				mock.ExpectExec(`DELETE FROM protocol_snapshots WHERE`).
					WithArgs(2, "gamma", 2024).
					WillReturnResult(pgxmock.NewResult("DELETE", 1))
				mock.ExpectCommit()
			},
		},
		{
			name: "failure rolls back",
			setup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectBegin()
				mock.ExpectExec(`DELETE FROM track_snapshots WHERE`).WillReturnError(errors.New("lock timeout"))
				mock.ExpectRollback()
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMock(t)
			tt.setup(mock)
			repo, err := NewRepository(mock)
			require.NoError(t, err)

			err = repo.Snapshots().DeleteProtocol(context.Background(), "gamma", period)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
