package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/Togather-Foundation/proposals/internal/domain/snapshots"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
)

var _ snapshots.Repository = (*SnapshotRepository)(nil)

// SnapshotRepository implements snapshots.Repository.
type SnapshotRepository struct {
	db   DBTX
	tx   pgx.Tx
	pool Beginner
}

type protocolSnapshotRow struct {
	Protocol         string    `db:"protocol"`
	Year             int       `db:"year"`
	Month            int       `db:"month"`
	AsOf             time.Time `db:"as_of"`
	Proposals        int       `db:"proposals"`
	Active           int       `db:"active"`
	Authors          int       `db:"authors"`
	EligibleAuthors  int       `db:"eligible_authors"`
	FinalizedAuthors int       `db:"finalized_authors"`
	AcceptanceRate   float64   `db:"acceptance_rate"`
	StatusCounts     []byte    `db:"status_counts"`
	TypeCounts       []byte    `db:"type_counts"`
	YearCounts       []byte    `db:"year_counts"`
}

type trackSnapshotRow struct {
	Protocol         string  `db:"protocol"`
	Track            string  `db:"track"`
	Year             int     `db:"year"`
	Month            int     `db:"month"`
	Proposals        int     `db:"proposals"`
	Active           int     `db:"active"`
	Authors          int     `db:"authors"`
	EligibleAuthors  int     `db:"eligible_authors"`
	FinalizedAuthors int     `db:"finalized_authors"`
	AcceptanceRate   float64 `db:"acceptance_rate"`
}

type globalSnapshotRow struct {
	Year               int     `db:"year"`
	Month              int     `db:"month"`
	Protocols          int     `db:"protocols"`
	Proposals          int     `db:"proposals"`
	Active             int     `db:"active"`
	Authors            int     `db:"authors"`
	EligibleAuthors    int     `db:"eligible_authors"`
	FinalizedAuthors   int     `db:"finalized_authors"`
	AcceptanceRate     float64 `db:"acceptance_rate"`
	CentralizationRate float64 `db:"centralization_rate"`
}

const protocolSnapshotColumns = `protocol, year, month, as_of, proposals, active, authors, eligible_authors,
       finalized_authors, acceptance_rate, status_counts, type_counts, year_counts`

const trackSnapshotColumns = `protocol, track, year, month, proposals, active, authors, eligible_authors,
       finalized_authors, acceptance_rate`

func (row protocolSnapshotRow) toDomain() (snapshots.ProtocolSnapshot, error) {
	s := snapshots.ProtocolSnapshot{
		Protocol: row.Protocol,
		Period:   snapshots.Period{Year: row.Year, Month: row.Month},
		AsOf:     row.AsOf,
		Counts: snapshots.Counts{
			Proposals:        row.Proposals,
			Active:           row.Active,
			Authors:          row.Authors,
			EligibleAuthors:  row.EligibleAuthors,
			FinalizedAuthors: row.FinalizedAuthors,
		},
		AcceptanceRate: row.AcceptanceRate,
	}
	for _, field := range []struct {
		raw []byte
		dst *map[string]int
	}{
		{row.StatusCounts, &s.StatusCounts},
		{row.TypeCounts, &s.TypeCounts},
		{row.YearCounts, &s.YearCounts},
	} {
		if len(field.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(field.raw, field.dst); err != nil {
			return s, fmt.Errorf("decode snapshot histogram: %w", err)
		}
	}
	return s, nil
}

func (row trackSnapshotRow) toDomain() snapshots.TrackSnapshot {
	return snapshots.TrackSnapshot{
		Protocol: row.Protocol,
		Track:    row.Track,
		Period:   snapshots.Period{Year: row.Year, Month: row.Month},
		Counts: snapshots.Counts{
			Proposals:        row.Proposals,
			Active:           row.Active,
			Authors:          row.Authors,
			EligibleAuthors:  row.EligibleAuthors,
			FinalizedAuthors: row.FinalizedAuthors,
		},
		AcceptanceRate: row.AcceptanceRate,
	}
}

// UpsertProtocol stores the snapshot and replaces its tracks atomically.
func (r *SnapshotRepository) UpsertProtocol(ctx context.Context, s snapshots.ProtocolSnapshot) error {
	if r.tx != nil {
		return upsertProtocolSnapshot(ctx, r.tx, s)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	if err := upsertProtocolSnapshot(ctx, tx, s); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot transaction: %w", err)
	}
	return nil
}

func upsertProtocolSnapshot(ctx context.Context, db DBTX, s snapshots.ProtocolSnapshot) error {
	statusCounts, err := encodeHistogram(s.StatusCounts)
	if err != nil {
		return err
	}
	typeCounts, err := encodeHistogram(s.TypeCounts)
	if err != nil {
		return err
	}
	yearCounts, err := encodeHistogram(s.YearCounts)
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx, `
INSERT INTO protocol_snapshots (protocol, year, month, as_of, proposals, active, authors, eligible_authors,
                                finalized_authors, acceptance_rate, status_counts, type_counts, year_counts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (protocol, year, month) DO UPDATE SET
	as_of = EXCLUDED.as_of,
	proposals = EXCLUDED.proposals,
	active = EXCLUDED.active,
	authors = EXCLUDED.authors,
	eligible_authors = EXCLUDED.eligible_authors,
	finalized_authors = EXCLUDED.finalized_authors,
	acceptance_rate = EXCLUDED.acceptance_rate,
	status_counts = EXCLUDED.status_counts,
	type_counts = EXCLUDED.type_counts,
	year_counts = EXCLUDED.year_counts,
	updated_at = now()
`, s.Protocol, s.Year, s.Month, s.AsOf, s.Proposals, s.Active, s.Authors, s.EligibleAuthors,
		s.FinalizedAuthors, s.AcceptanceRate, statusCounts, typeCounts, yearCounts)
	if err != nil {
		return fmt.Errorf("upsert %s snapshot %s: %w", s.Protocol, s.Period, err)
	}

	if _, err := db.Exec(ctx, `
DELETE FROM track_snapshots WHERE protocol = $1 AND year = $2 AND month = $3
`, s.Protocol, s.Year, s.Month); err != nil {
		return fmt.Errorf("clear %s track snapshots %s: %w", s.Protocol, s.Period, err)
	}

	if len(s.Tracks) == 0 {
		return nil
	}
	insert := psql.Insert("track_snapshots").Columns(
		"protocol", "track", "year", "month", "proposals", "active", "authors",
		"eligible_authors", "finalized_authors", "acceptance_rate",
	)
	for _, t := range s.Tracks {
		insert = insert.Values(s.Protocol, t.Track, s.Year, s.Month, t.Proposals, t.Active, t.Authors,
			t.EligibleAuthors, t.FinalizedAuthors, t.AcceptanceRate)
	}
	query, args, err := insert.ToSql()
	if err != nil {
		return fmt.Errorf("build track snapshot insert: %w", err)
	}
	if _, err := db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %s track snapshots %s: %w", s.Protocol, s.Period, err)
	}
	return nil
}

// DeleteProtocol removes a protocol snapshot and its tracks atomically.
func (r *SnapshotRepository) DeleteProtocol(ctx context.Context, protocol string, p snapshots.Period) error {
	if r.tx != nil {
		return deleteProtocolSnapshot(ctx, r.tx, protocol, p)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	if err := deleteProtocolSnapshot(ctx, tx, protocol, p); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot transaction: %w", err)
	}
	return nil
}

func deleteProtocolSnapshot(ctx context.Context, db DBTX, protocol string, p snapshots.Period) error {
	for _, table := range []string{"track_snapshots", "protocol_snapshots"} {
		query, args, err := psql.Delete(table).
			Where(sq.Eq{"protocol": protocol, "year": p.Year, "month": p.Month}).ToSql()
		if err != nil {
			return fmt.Errorf("build %s delete: %w", table, err)
		}
		if _, err := db.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("delete %s snapshot %s from %s: %w", protocol, p, table, err)
		}
	}
	return nil
}

func encodeHistogram(h map[string]int) ([]byte, error) {
	if h == nil {
		h = map[string]int{}
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot histogram: %w", err)
	}
	return raw, nil
}

func (r *SnapshotRepository) GetProtocol(ctx context.Context, protocol string, p snapshots.Period) (*snapshots.ProtocolSnapshot, error) {
	query, args, err := psql.Select(protocolSnapshotColumns).From("protocol_snapshots").
		Where(sq.Eq{"protocol": protocol, "year": p.Year, "month": p.Month}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build snapshot query: %w", err)
	}
	var row protocolSnapshotRow
	if err := pgxscan.Get(ctx, r.db, &row, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, snapshots.ErrNotFound
		}
		return nil, fmt.Errorf("get %s snapshot %s: %w", protocol, p, err)
	}
	s, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	tracks, err := r.listTracks(ctx, sq.Eq{"protocol": protocol, "year": p.Year, "month": p.Month})
	if err != nil {
		return nil, err
	}
	s.Tracks = tracks
	return &s, nil
}

// ListProtocol returns every protocol snapshot for a period, with tracks.
func (r *SnapshotRepository) ListProtocol(ctx context.Context, p snapshots.Period) ([]snapshots.ProtocolSnapshot, error) {
	query, args, err := psql.Select(protocolSnapshotColumns).From("protocol_snapshots").
		Where(sq.Eq{"year": p.Year, "month": p.Month}).OrderBy("protocol").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build snapshot list: %w", err)
	}
	var rows []protocolSnapshotRow
	if err := pgxscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list snapshots %s: %w", p, err)
	}
	tracks, err := r.listTracks(ctx, sq.Eq{"year": p.Year, "month": p.Month})
	if err != nil {
		return nil, err
	}
	byProtocol := make(map[string][]snapshots.TrackSnapshot)
	for _, t := range tracks {
		byProtocol[t.Protocol] = append(byProtocol[t.Protocol], t)
	}

	out := make([]snapshots.ProtocolSnapshot, 0, len(rows))
	for _, row := range rows {
		s, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		s.Tracks = byProtocol[s.Protocol]
		out = append(out, s)
	}
	return out, nil
}

func (r *SnapshotRepository) listTracks(ctx context.Context, where sq.Eq) ([]snapshots.TrackSnapshot, error) {
	query, args, err := psql.Select(trackSnapshotColumns).From("track_snapshots").
		Where(where).OrderBy("protocol", "track").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build track snapshot query: %w", err)
	}
	var rows []trackSnapshotRow
	if err := pgxscan.Select(ctx, r.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list track snapshots: %w", err)
	}
	out := make([]snapshots.TrackSnapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *SnapshotRepository) UpsertGlobal(ctx context.Context, s snapshots.GlobalSnapshot) error {
	_, err := r.db.Exec(ctx, `
INSERT INTO global_snapshots (year, month, protocols, proposals, active, authors, eligible_authors,
                              finalized_authors, acceptance_rate, centralization_rate)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (year, month) DO UPDATE SET
	protocols = EXCLUDED.protocols,
	proposals = EXCLUDED.proposals,
	active = EXCLUDED.active,
	authors = EXCLUDED.authors,
	eligible_authors = EXCLUDED.eligible_authors,
	finalized_authors = EXCLUDED.finalized_authors,
	acceptance_rate = EXCLUDED.acceptance_rate,
	centralization_rate = EXCLUDED.centralization_rate,
	updated_at = now()
`, s.Year, s.Month, s.Protocols, s.Proposals, s.Active, s.Authors, s.EligibleAuthors,
		s.FinalizedAuthors, s.AcceptanceRate, s.CentralizationRate)
	if err != nil {
		return fmt.Errorf("upsert global snapshot %s: %w", s.Period, err)
	}
	return nil
}

func (r *SnapshotRepository) GetGlobal(ctx context.Context, p snapshots.Period) (*snapshots.GlobalSnapshot, error) {
	var row globalSnapshotRow
	err := pgxscan.Get(ctx, r.db, &row, `
SELECT year, month, protocols, proposals, active, authors, eligible_authors, finalized_authors,
       acceptance_rate, centralization_rate
  FROM global_snapshots
 WHERE year = $1 AND month = $2
`, p.Year, p.Month)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, snapshots.ErrNotFound
		}
		return nil, fmt.Errorf("get global snapshot %s: %w", p, err)
	}
	return &snapshots.GlobalSnapshot{
		Period:    snapshots.Period{Year: row.Year, Month: row.Month},
		Protocols: row.Protocols,
		Counts: snapshots.Counts{
			Proposals:        row.Proposals,
			Active:           row.Active,
			Authors:          row.Authors,
			EligibleAuthors:  row.EligibleAuthors,
			FinalizedAuthors: row.FinalizedAuthors,
		},
		AcceptanceRate:     row.AcceptanceRate,
		CentralizationRate: row.CentralizationRate,
	}, nil
}

func (r *SnapshotRepository) DeleteGlobal(ctx context.Context, p snapshots.Period) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM global_snapshots WHERE year = $1 AND month = $2`, p.Year, p.Month); err != nil {
		return fmt.Errorf("delete global snapshot %s: %w", p, err)
	}
	return nil
}
