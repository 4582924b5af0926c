package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Togather-Foundation/proposals/internal/domain/authors"
	"github.com/Togather-Foundation/proposals/internal/domain/proposals"
	"github.com/Togather-Foundation/proposals/internal/domain/snapshots"
	"github.com/Togather-Foundation/proposals/internal/storage"
	"github.com/Togather-Foundation/proposals/internal/storage/memstore"
)

type history struct {
	store *memstore.Store
	ada   int64
	bob   int64
}

func (h *history) proposal(t *testing.T, protocol string, number int) *proposals.Proposal {
	t.Helper()
	p, err := h.store.Proposals().Upsert(context.Background(), proposals.UpsertParams{
		Key:        proposals.Key{Owner: "o", Repo: "r", Protocol: protocol, Number: number},
		Path:       protocol + "/doc.md",
		CommitDate: day(2023, time.January, 1),
	})
	require.NoError(t, err)
	return p
}

func (h *history) version(t *testing.T, proposalID int64, sha string, at time.Time, status string, authorIDs ...int64) {
	t.Helper()
	ctx := context.Background()
	v, _, err := h.store.Proposals().UpsertVersion(ctx, proposals.VersionParams{
		ProposalID: proposalID,
		CommitSHA:  sha,
		CommitDate: at,
		Body:       sha,
		Metadata:   proposals.Metadata{Status: status, Type: "Standards Track", Category: "Core"},
	})
	require.NoError(t, err)
	for _, id := range authorIDs {
		require.NoError(t, h.store.Authors().LinkVersion(ctx, v.ID, id))
	}
}

// newHistory builds alpha-1 moved to beta-1, plus alpha-2:
//
//	alpha-1  2023-01-10 Draft (ada)   -> moved to beta-1
//	beta-1   2023-02-10 Final (bob)
//	alpha-2  2023-01-20 Draft (ada)
func newHistory(t *testing.T) *history {
	t.Helper()
	ctx := context.Background()
	h := &history{store: memstore.New()}

	ada, err := h.store.Authors().Create(ctx, authors.Descriptor{Name: "Ada", Handle: "ada"})
	require.NoError(t, err)
	bob, err := h.store.Authors().Create(ctx, authors.Descriptor{Name: "Bob", Handle: "bob"})
	require.NoError(t, err)
	h.ada, h.bob = ada.ID, bob.ID

	a1 := h.proposal(t, "alpha", 1)
	b1 := h.proposal(t, "beta", 1)
	a2 := h.proposal(t, "alpha", 2)

	h.version(t, a1.ID, "c1", day(2023, time.January, 10), "Draft", h.ada)
	h.version(t, b1.ID, "c2", day(2023, time.February, 10), "Final", h.bob)
	h.version(t, a2.ID, "c3", day(2023, time.January, 20), "Draft", h.ada)

	require.NoError(t, h.store.Proposals().MarkMoved(ctx, a1.ID, "beta/doc-1.md", day(2023, time.February, 10)))
	require.NoError(t, h.store.Proposals().SetMovedTo(ctx, a1.ID, b1.ID))
	return h
}

func fixedClock(at time.Time) Option {
	return WithClock(func() time.Time { return at })
}

func TestRunPeriodFollowsRelocations(t *testing.T) {
	ctx := context.Background()
	h := newHistory(t)
	engine := NewEngine(h.store, zerolog.Nop(), fixedClock(day(2023, time.June, 1)))

	jan := snapshots.Period{Year: 2023, Month: 1}
	report, err := engine.RunPeriod(ctx, jan)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "beta"}, report.Stored)

	alpha, err := h.store.Snapshots().GetProtocol(ctx, "alpha", jan)
	require.NoError(t, err)
	require.Equal(t, 1, alpha.Proposals, "the moved proposal is counted under its destination")

	beta, err := h.store.Snapshots().GetProtocol(ctx, "beta", jan)
	require.NoError(t, err)
	require.Equal(t, snapshots.Counts{Proposals: 1, Active: 1, Authors: 1, EligibleAuthors: 1}, beta.Counts)

	feb := snapshots.Period{Year: 2023, Month: 2}
	report, err = engine.RunPeriod(ctx, feb)
	require.NoError(t, err)
	require.NotNil(t, report.Global)

	beta, err = h.store.Snapshots().GetProtocol(ctx, "beta", feb)
	require.NoError(t, err)
	require.Equal(t, snapshots.Counts{Proposals: 1, Active: 1, Authors: 2, EligibleAuthors: 2, FinalizedAuthors: 2}, beta.Counts)
	require.Equal(t, map[string]int{"Final": 1}, beta.StatusCounts)
	require.Equal(t, feb.End(), beta.AsOf)
}

func TestRunPeriodIsDeterministic(t *testing.T) {
	ctx := context.Background()
	h := newHistory(t)
	engine := NewEngine(h.store, zerolog.Nop(), fixedClock(day(2023, time.June, 1)), WithConcurrency(1))
	feb := snapshots.Period{Year: 2023, Month: 2}

	_, err := engine.RunPeriod(ctx, feb)
	require.NoError(t, err)
	first, err := h.store.Snapshots().ListProtocol(ctx, feb)
	require.NoError(t, err)
	firstGlobal, err := h.store.Snapshots().GetGlobal(ctx, feb)
	require.NoError(t, err)

	_, err = engine.RunPeriod(ctx, feb)
	require.NoError(t, err)
	second, err := h.store.Snapshots().ListProtocol(ctx, feb)
	require.NoError(t, err)
	secondGlobal, err := h.store.Snapshots().GetGlobal(ctx, feb)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, firstGlobal, secondGlobal)
}

func TestGlobalIsSumOfProtocols(t *testing.T) {
	ctx := context.Background()
	h := newHistory(t)
	engine := NewEngine(h.store, zerolog.Nop(), fixedClock(day(2023, time.June, 1)))
	feb := snapshots.Period{Year: 2023, Month: 2}

	report, err := engine.RunPeriod(ctx, feb)
	require.NoError(t, err)

	stored, err := h.store.Snapshots().ListProtocol(ctx, feb)
	require.NoError(t, err)
	var sum snapshots.Counts
	for _, s := range stored {
		sum = sum.Add(s.Counts)
	}

	global, err := h.store.Snapshots().GetGlobal(ctx, feb)
	require.NoError(t, err)
	require.Equal(t, report.Global, global)
	require.Equal(t, len(stored), global.Protocols)
	require.Equal(t, sum, global.Counts)
	require.Equal(t, snapshots.Counts{Proposals: 2, Active: 2, Authors: 3, EligibleAuthors: 3, FinalizedAuthors: 2}, global.Counts)
	require.InDelta(t, 1-2.0/3.0, global.CentralizationRate, 1e-9)
}

func TestComputeProtocolWithoutData(t *testing.T) {
	ctx := context.Background()
	h := newHistory(t)
	engine := NewEngine(h.store, zerolog.Nop(), fixedClock(day(2023, time.June, 1)))

	before := snapshots.Period{Year: 2022, Month: 12}
	snap, err := engine.ComputeProtocol(ctx, "alpha", before)
	require.NoError(t, err)
	require.Nil(t, snap)

	snap, err = engine.ComputeProtocol(ctx, "gamma", snapshots.Period{Year: 2023, Month: 3})
	require.NoError(t, err)
	require.Nil(t, snap)

	_, err = h.store.Snapshots().GetProtocol(ctx, "alpha", before)
	require.ErrorIs(t, err, snapshots.ErrNotFound)

	report, err := engine.RunPeriod(ctx, before)
	require.NoError(t, err)
	require.Nil(t, report.Global)
	require.Equal(t, []string{"alpha", "beta"}, report.Empty)
}

func TestBackfill(t *testing.T) {
	ctx := context.Background()
	h := newHistory(t)
	now := day(2023, time.March, 15)
	engine := NewEngine(h.store, zerolog.Nop(), fixedClock(now))

	reports, err := engine.Backfill(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	require.Equal(t, snapshots.Period{Year: 2023, Month: 1}, reports[0].Period)
	require.Equal(t, snapshots.Period{Year: 2023, Month: 3}, reports[2].Period)

	for _, r := range reports {
		_, err := h.store.Snapshots().GetGlobal(ctx, r.Period)
		require.NoError(t, err)
	}

	march, err := h.store.Snapshots().GetProtocol(ctx, "beta", snapshots.Period{Year: 2023, Month: 3})
	require.NoError(t, err)
	require.Equal(t, now, march.AsOf, "the running month is cut off at now")
}

func TestBackfillEmptyStore(t *testing.T) {
	engine := NewEngine(memstore.New(), zerolog.Nop())
	reports, err := engine.Backfill(context.Background())
	require.NoError(t, err)
	require.Empty(t, reports)
}

// failingSnapshots rejects writes for one protocol.
type failingSnapshots struct {
	snapshots.Repository
	protocol string
}

func (f failingSnapshots) UpsertProtocol(ctx context.Context, s snapshots.ProtocolSnapshot) error {
	if s.Protocol == f.protocol {
		return errors.New("disk full")
	}
	return f.Repository.UpsertProtocol(ctx, s)
}

type failingStore struct {
	storage.Repository
	snaps failingSnapshots
}

func (f failingStore) Snapshots() snapshots.Repository { return f.snaps }

func TestRunPeriodSkipsGlobalWhenIncomplete(t *testing.T) {
	ctx := context.Background()
	h := newHistory(t)
	store := failingStore{
		Repository: h.store,
		snaps:      failingSnapshots{Repository: h.store.Snapshots(), protocol: "beta"},
	}
	engine := NewEngine(store, zerolog.Nop(), fixedClock(day(2023, time.June, 1)))
	feb := snapshots.Period{Year: 2023, Month: 2}

	report, err := engine.RunPeriod(ctx, feb)
	require.ErrorIs(t, err, ErrIncompletePeriod)
	require.Equal(t, []string{"alpha"}, report.Stored)
	require.Contains(t, report.Failed, "beta")
	require.Nil(t, report.Global)

	_, err = h.store.Snapshots().GetGlobal(ctx, feb)
	require.ErrorIs(t, err, snapshots.ErrNotFound)
}

func TestRecomputeDropsEmptiedProtocol(t *testing.T) {
	ctx := context.Background()
	h := &history{store: memstore.New()}
	engine := NewEngine(h.store, zerolog.Nop(), fixedClock(day(2023, time.June, 1)))
	feb := snapshots.Period{Year: 2023, Month: 2}

	a1 := h.proposal(t, "alpha", 1)
	b1 := h.proposal(t, "beta", 1)
	g7 := h.proposal(t, "gamma", 7)
	h.version(t, a1.ID, "c1", day(2023, time.January, 10), "Draft")
	h.version(t, b1.ID, "c2", day(2023, time.February, 10), "Final")
	h.version(t, g7.ID, "c3", day(2023, time.January, 20), "Draft")

	report, err := engine.RunPeriod(ctx, feb)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "beta", "gamma"}, report.Stored)
	require.Equal(t, 3, report.Global.Proposals)

	// gamma-7 turns out to be a relocated copy of beta-1.
	require.NoError(t, h.store.Proposals().MarkMoved(ctx, g7.ID, "beta/doc-1.md", day(2023, time.February, 20)))
	require.NoError(t, h.store.Proposals().SetMovedTo(ctx, g7.ID, b1.ID))

	report, err = engine.RunPeriod(ctx, feb)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "beta"}, report.Stored)
	require.Equal(t, []string{"gamma"}, report.Empty)

	_, err = h.store.Snapshots().GetProtocol(ctx, "gamma", feb)
	require.ErrorIs(t, err, snapshots.ErrNotFound)

	stored, err := h.store.Snapshots().ListProtocol(ctx, feb)
	require.NoError(t, err)
	var sum snapshots.Counts
	for _, s := range stored {
		sum = sum.Add(s.Counts)
	}
	global, err := h.store.Snapshots().GetGlobal(ctx, feb)
	require.NoError(t, err)
	require.Equal(t, 2, global.Protocols)
	require.Equal(t, sum, global.Counts)
	require.Equal(t, 2, global.Proposals)
}

func TestRunPeriodClearsSnapshotsOfVanishedProtocols(t *testing.T) {
	ctx := context.Background()
	h := newHistory(t)
	engine := NewEngine(h.store, zerolog.Nop(), fixedClock(day(2023, time.June, 1)))
	before := snapshots.Period{Year: 2022, Month: 12}

	require.NoError(t, h.store.Snapshots().UpsertProtocol(ctx, snapshots.ProtocolSnapshot{
		Protocol: "retired", Period: before, Counts: snapshots.Counts{Proposals: 4},
	}))
	require.NoError(t, h.store.Snapshots().UpsertGlobal(ctx, snapshots.GlobalSnapshot{
		Period: before, Protocols: 1, Counts: snapshots.Counts{Proposals: 4},
	}))

	report, err := engine.RunPeriod(ctx, before)
	require.NoError(t, err)
	require.Equal(t, []string{"alpha", "beta", "retired"}, report.Empty)
	require.Nil(t, report.Global)

	_, err = h.store.Snapshots().GetProtocol(ctx, "retired", before)
	require.ErrorIs(t, err, snapshots.ErrNotFound)
	_, err = h.store.Snapshots().GetGlobal(ctx, before)
	require.ErrorIs(t, err, snapshots.ErrNotFound)
}

func TestRunPeriodCountsUnresolvedMoveFromItsDate(t *testing.T) {
	ctx := context.Background()
	h := &history{store: memstore.New()}
	ada, err := h.store.Authors().Create(ctx, authors.Descriptor{Name: "Ada", Handle: "ada"})
	require.NoError(t, err)
	engine := NewEngine(h.store, zerolog.Nop(), fixedClock(day(2023, time.June, 1)))

	p := h.proposal(t, "alpha", 3)
	h.version(t, p.ID, "c1", day(2023, time.January, 10), "Draft", ada.ID)
	require.NoError(t, h.store.Proposals().MarkMoved(ctx, p.ID, "archive/doc-3.md", day(2023, time.February, 15)))

	jan := snapshots.Period{Year: 2023, Month: 1}
	_, err = engine.RunPeriod(ctx, jan)
	require.NoError(t, err)
	snap, err := h.store.Snapshots().GetProtocol(ctx, "alpha", jan)
	require.NoError(t, err)
	require.Equal(t, 1, snap.Active, "not moved yet")
	require.Equal(t, map[string]int{"Draft": 1}, snap.StatusCounts)

	feb := snapshots.Period{Year: 2023, Month: 2}
	_, err = engine.RunPeriod(ctx, feb)
	require.NoError(t, err)
	snap, err = h.store.Snapshots().GetProtocol(ctx, "alpha", feb)
	require.NoError(t, err)
	require.Equal(t, snapshots.Counts{Proposals: 1, Authors: 1, EligibleAuthors: 1}, snap.Counts)
	require.Equal(t, map[string]int{"Moved": 1}, snap.StatusCounts)
	require.Len(t, snap.Tracks, 1)
	require.Equal(t, "Core", snap.Tracks[0].Track, "the track comes from the last content before the move")
}
