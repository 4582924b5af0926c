package identity

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Togather-Foundation/proposals/internal/domain/authors"
	"github.com/Togather-Foundation/proposals/internal/domain/proposals"
	"github.com/Togather-Foundation/proposals/internal/storage"
	"github.com/Togather-Foundation/proposals/internal/storage/memstore"
)

func TestUnionFind(t *testing.T) {
	uf := NewUnionFind()
	for id := int64(1); id <= 6; id++ {
		uf.Add(id)
	}
	uf.Union(1, 2)
	uf.Union(3, 4)
	uf.Union(2, 4)
	uf.Union(5, 5)

	require.Equal(t, uf.Find(1), uf.Find(3))
	require.NotEqual(t, uf.Find(1), uf.Find(5))
	require.Equal(t, [][]int64{{1, 2, 3, 4}}, uf.Groups())
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Bob", "bob"},
		{"José Müller", "josemuller"},
		{"Søren Ærø-Łukasz", "sorenaerolukasz"},
		{"  j.o.h.n_doe (ACME) ", "johndoeacme"},
		{"Straße", "strasse"},
		{"!!!", ""},
		{"李雷", "李雷"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			require.Equal(t, tt.want, NormalizeName(tt.in))
		})
	}
}

func TestPlanTransitiveGroup(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	all := []authors.Author{
		{ID: 1, Handle: "abc", CreatedAt: base},
		{ID: 2, Handle: "ABC", Email: "e1", CreatedAt: base.Add(time.Hour)},
		{ID: 3, Email: "E1", Name: "Bob", CreatedAt: base.Add(2 * time.Hour)},
		{ID: 4, Name: "Unrelated", CreatedAt: base},
	}

	groups := Plan(all)
	require.Len(t, groups, 1)
	require.Equal(t, int64(2), groups[0].Primary.ID, "handle+email outranks handle alone")
	require.ElementsMatch(t, []int64{2, 1, 3}, groups[0].IDs())
}

func TestPlanPrimaryTieBreak(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	all := []authors.Author{
		{ID: 5, Name: "Ann Lee", CreatedAt: base.Add(time.Hour)},
		{ID: 6, Name: "ann lee", CreatedAt: base},
		{ID: 7, Name: "Ann-Lee", CreatedAt: base},
	}

	groups := Plan(all)
	require.Len(t, groups, 1)
	require.Equal(t, int64(6), groups[0].Primary.ID)
	require.Equal(t, []int64{6, 7, 5}, groups[0].IDs())
}

type fixture struct {
	store    *memstore.Store
	versions []int64
}

func newFixture(t *testing.T, versions int) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	p, err := store.Proposals().Upsert(ctx, proposals.UpsertParams{
		Key:        proposals.Key{Owner: "o", Repo: "r", Protocol: "p", Number: 1},
		Path:       "p/doc-1.md",
		CommitDate: time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	f := &fixture{store: store}
	for i := range versions {
		v, _, err := store.Proposals().UpsertVersion(ctx, proposals.VersionParams{
			ProposalID: p.ID,
			CommitSHA:  fmt.Sprintf("sha%d", i),
			CommitDate: time.Date(2021, 1, 1+i, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
		f.versions = append(f.versions, v.ID)
	}
	return f
}

func (f *fixture) author(t *testing.T, d authors.Descriptor) int64 {
	t.Helper()
	a, err := f.store.Authors().Create(context.Background(), d)
	require.NoError(t, err)
	return a.ID
}

func (f *fixture) links(t *testing.T) []authors.VersionLink {
	t.Helper()
	links, err := f.store.Authors().ListVersionAuthors(context.Background(), f.versions)
	require.NoError(t, err)
	return links
}

func TestResolverMerge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	repo := f.store.Authors()

	a := f.author(t, authors.Descriptor{Name: "Alice Ng", Handle: "alice"})
	b := f.author(t, authors.Descriptor{Name: "alice ng", Email: "alice@example.org"})
	c := f.author(t, authors.Descriptor{Name: "Álice Ng"})
	other := f.author(t, authors.Descriptor{Name: "Bob", Handle: "bob"})

	v1, v2, v3 := f.versions[0], f.versions[1], f.versions[2]
	for _, l := range []authors.VersionLink{{VersionID: v1, AuthorID: a}, {VersionID: v1, AuthorID: b}, {VersionID: v2, AuthorID: b}, {VersionID: v3, AuthorID: c}, {VersionID: v3, AuthorID: other}} {
		require.NoError(t, repo.LinkVersion(ctx, l.VersionID, l.AuthorID))
	}
	for _, m := range []authors.Maintainer{
		{AuthorID: a, Owner: "o", Repo: "r", Protocol: "p"},
		{AuthorID: b, Owner: "o", Repo: "r", Protocol: "p"},
		{AuthorID: c, Owner: "o", Repo: "r", Protocol: "q"},
	} {
		require.NoError(t, repo.UpsertMaintainer(ctx, m))
	}

	r := NewResolver(f.store, zerolog.Nop())

	dry, err := r.Run(ctx, true)
	require.NoError(t, err)
	require.True(t, dry.DryRun)
	require.Len(t, dry.Groups, 1)
	require.Zero(t, dry.Merged)
	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4, "dry run leaves authors untouched")

	report, err := r.Run(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, report.Merged)
	require.Equal(t, 2, report.Absorbed)
	require.Zero(t, report.Failed)

	all, err = repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	primary, err := repo.GetByID(ctx, a)
	require.NoError(t, err)
	require.Equal(t, "alice", primary.Handle)
	require.Equal(t, "alice@example.org", primary.Email, "email moves over from the absorbed record")
	require.Equal(t, "Alice Ng", primary.Name)

	require.ElementsMatch(t, []authors.VersionLink{{VersionID: v1, AuthorID: a}, {VersionID: v2, AuthorID: a}, {VersionID: v3, AuthorID: a}, {VersionID: v3, AuthorID: other}}, f.links(t))

	maintainers, err := repo.ListMaintainers(ctx, a)
	require.NoError(t, err)
	require.ElementsMatch(t, []authors.Maintainer{
		{AuthorID: a, Owner: "o", Repo: "r", Protocol: "p"},
		{AuthorID: a, Owner: "o", Repo: "r", Protocol: "q"},
	}, maintainers)

	records := f.store.MergeRecords()
	require.Len(t, records, 1)
	require.Equal(t, a, records[0].PrimaryID)
	require.ElementsMatch(t, []int64{b, c}, records[0].AbsorbedIDs)
	require.Equal(t, []string{"email"}, records[0].EnrichedFields)

	again, err := r.Run(ctx, false)
	require.NoError(t, err)
	require.Empty(t, again.Groups, "a second run finds nothing to merge")
}

func TestEnrichSkipsTakenFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	repo := f.store.Authors()

	holder := f.author(t, authors.Descriptor{Name: "Holder", Email: "taken@example.org"})
	primaryID := f.author(t, authors.Descriptor{Name: "Pat"})
	primary, err := repo.GetByID(ctx, primaryID)
	require.NoError(t, err)

	dups := []authors.Author{
		{ID: 99, Email: "taken@example.org", Handle: "pat"},
		{ID: 100, Email: "free@example.org"},
	}
	got, fields, err := enrich(ctx, repo, *primary, dups)
	require.NoError(t, err)
	require.Equal(t, []string{"handle", "email"}, fields)
	require.Equal(t, "pat", got.Handle)
	require.Equal(t, "free@example.org", got.Email)
	require.NotEqual(t, holder, got.ID)
}

// failingRepo fails RecordMerge for one primary id, inside the transaction.
type failingRepo struct {
	storage.Repository
	failPrimary int64
}

type failingAuthors struct {
	authors.Repository
	failPrimary int64
}

func (f failingAuthors) RecordMerge(ctx context.Context, rec authors.MergeRecord) error {
	if rec.PrimaryID == f.failPrimary {
		return errors.New("audit table unavailable")
	}
	return f.Repository.RecordMerge(ctx, rec)
}

func (f failingRepo) Authors() authors.Repository {
	return failingAuthors{Repository: f.Repository.Authors(), failPrimary: f.failPrimary}
}

func (f failingRepo) WithTx(ctx context.Context, fn func(context.Context, storage.Repository) error) error {
	return f.Repository.WithTx(ctx, func(ctx context.Context, tx storage.Repository) error {
		return fn(ctx, failingRepo{Repository: tx, failPrimary: f.failPrimary})
	})
}

func TestResolverGroupFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	a1 := f.author(t, authors.Descriptor{Name: "Ann", Handle: "ann"})
	f.author(t, authors.Descriptor{Name: "ann"})
	b1 := f.author(t, authors.Descriptor{Name: "Ben", Handle: "ben"})
	b2 := f.author(t, authors.Descriptor{Name: "BEN"})
	require.NoError(t, f.store.Authors().LinkVersion(ctx, f.versions[0], b2))

	r := NewResolver(failingRepo{Repository: f.store, failPrimary: a1}, zerolog.Nop())
	report, err := r.Run(ctx, false)
	require.NoError(t, err)
	require.Equal(t, 1, report.Merged)
	require.Equal(t, 1, report.Failed)

	all, err := f.store.Authors().ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3, "the failed group is rolled back, the other is merged")
	require.Equal(t, []authors.VersionLink{{VersionID: f.versions[0], AuthorID: b1}}, f.links(t))
}

// TestMergeNeverIncreasesContributions checks on random author tables that
// merging keeps exactly the distinct (version, effective author) pairs.
func TestMergeNeverIncreasesContributions(t *testing.T) {
	names := []string{"Ada", "ada", "Ádá", "Grace", "GRACE", "Linus", "Ken"}

	for seed := uint64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			ctx := context.Background()
			rng := rand.New(rand.NewPCG(seed, seed+1))
			f := newFixture(t, 8)

			var ids []int64
			for i := range 10 {
				d := authors.Descriptor{Name: names[rng.IntN(len(names))]}
				if rng.IntN(3) == 0 {
					d.Handle = fmt.Sprintf("h%d", i)
				}
				if rng.IntN(3) == 0 {
					d.Email = fmt.Sprintf("e%d@example.org", i)
				}
				ids = append(ids, f.author(t, d))
			}
			for range 25 {
				v := f.versions[rng.IntN(len(f.versions))]
				a := ids[rng.IntN(len(ids))]
				require.NoError(t, f.store.Authors().LinkVersion(ctx, v, a))
			}

			all, err := f.store.Authors().ListAll(ctx)
			require.NoError(t, err)
			effective := make(map[int64]int64)
			for _, g := range Plan(all) {
				for _, id := range g.IDs() {
					effective[id] = g.Primary.ID
				}
			}
			before := f.links(t)
			want := make(map[authors.VersionLink]struct{})
			for _, l := range before {
				if p, ok := effective[l.AuthorID]; ok {
					l.AuthorID = p
				}
				want[l] = struct{}{}
			}

			_, err = NewResolver(f.store, zerolog.Nop()).Run(ctx, false)
			require.NoError(t, err)

			after := f.links(t)
			got := make(map[authors.VersionLink]struct{})
			for _, l := range after {
				_, dup := got[l]
				require.False(t, dup, "duplicate link %v", l)
				got[l] = struct{}{}
			}
			require.Equal(t, want, got)
			require.LessOrEqual(t, len(after), len(before))
		})
	}
}
