// Package snapshots defines point-in-time aggregate statistics over the
// proposal history. Every snapshot can be recomputed from proposal versions.
package snapshots

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("snapshot not found")

// Period is a calendar month.
type Period struct {
	Year  int
	Month int
}

// PeriodOf returns the UTC month containing t.
func PeriodOf(t time.Time) Period {
	t = t.UTC()
	return Period{Year: t.Year(), Month: int(t.Month())}
}

// End returns the last instant of the month in UTC.
func (p Period) End() time.Time {
	return time.Date(p.Year, time.Month(p.Month)+1, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond)
}

// AsOf returns the snapshot cut-off for the period: its end, or now if the
// month is still running.
func (p Period) AsOf(now time.Time) time.Time {
	end := p.End()
	if now.Before(end) {
		return now.UTC()
	}
	return end
}

// Next returns the following month.
func (p Period) Next() Period {
	if p.Month == 12 {
		return Period{Year: p.Year + 1, Month: 1}
	}
	return Period{Year: p.Year, Month: p.Month + 1}
}

// Before reports whether p is earlier than o.
func (p Period) Before(o Period) bool {
	return p.Year < o.Year || (p.Year == o.Year && p.Month < o.Month)
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, p.Month)
}

// Counts are the additive fields shared by every snapshot kind.
type Counts struct {
	Proposals        int
	Active           int
	Authors          int
	EligibleAuthors  int
	FinalizedAuthors int
}

// Acceptance is finalized authors over eligible authors, zero when there
// are no eligible authors.
func (c Counts) Acceptance() float64 {
	if c.EligibleAuthors == 0 {
		return 0
	}
	return float64(c.FinalizedAuthors) / float64(c.EligibleAuthors)
}

// Add returns the field-wise sum of c and o.
func (c Counts) Add(o Counts) Counts {
	return Counts{
		Proposals:        c.Proposals + o.Proposals,
		Active:           c.Active + o.Active,
		Authors:          c.Authors + o.Authors,
		EligibleAuthors:  c.EligibleAuthors + o.EligibleAuthors,
		FinalizedAuthors: c.FinalizedAuthors + o.FinalizedAuthors,
	}
}

// ProtocolSnapshot aggregates one protocol as of a month.
type ProtocolSnapshot struct {
	Protocol string
	Period
	AsOf time.Time
	Counts
	AcceptanceRate float64
	StatusCounts   map[string]int
	TypeCounts     map[string]int
	YearCounts     map[string]int
	Tracks         []TrackSnapshot
}

// TrackSnapshot breaks a protocol snapshot down by category, or type when
// the category is missing.
type TrackSnapshot struct {
	Protocol string
	Track    string
	Period
	Counts
	AcceptanceRate float64
}

// GlobalSnapshot sums every protocol snapshot of a month.
type GlobalSnapshot struct {
	Period
	Protocols int
	Counts
	AcceptanceRate     float64
	CentralizationRate float64
}

// Repository persists snapshots. Writes are upserts keyed by period.
type Repository interface {
	// UpsertProtocol stores s and replaces its track rows.
	UpsertProtocol(ctx context.Context, s ProtocolSnapshot) error
	GetProtocol(ctx context.Context, protocol string, p Period) (*ProtocolSnapshot, error)
	ListProtocol(ctx context.Context, p Period) ([]ProtocolSnapshot, error)
	// DeleteProtocol removes the snapshot of protocol for p with its track
	// rows. Deleting a missing snapshot is not an error.
	DeleteProtocol(ctx context.Context, protocol string, p Period) error
	UpsertGlobal(ctx context.Context, s GlobalSnapshot) error
	GetGlobal(ctx context.Context, p Period) (*GlobalSnapshot, error)
	DeleteGlobal(ctx context.Context, p Period) error
}
