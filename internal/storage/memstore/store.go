// Package memstore is an in-memory storage.Repository. It enforces the same
// uniqueness rules as the PostgreSQL schema and gives WithTx all-or-nothing
// semantics by working on a copy of the data.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/Togather-Foundation/proposals/internal/domain/authors"
	"github.com/Togather-Foundation/proposals/internal/domain/proposals"
	"github.com/Togather-Foundation/proposals/internal/domain/snapshots"
	"github.com/Togather-Foundation/proposals/internal/domain/sources"
	"github.com/Togather-Foundation/proposals/internal/storage"
)

var _ storage.Repository = (*Store)(nil)

type protocolKey struct {
	protocol string
	period   snapshots.Period
}

type state struct {
	nextID      int64
	sources     map[int64]sources.Repository
	runs        map[string]sources.CrawlRun
	proposals   map[int64]proposals.Proposal
	versions    map[int64]proposals.Version
	authors     map[int64]authors.Author
	links       map[authors.VersionLink]struct{}
	maintainers map[authors.Maintainer]struct{}
	merges      []authors.MergeRecord
	protocol    map[protocolKey]snapshots.ProtocolSnapshot
	global      map[snapshots.Period]snapshots.GlobalSnapshot
}

func newState() *state {
	return &state{
		sources:     make(map[int64]sources.Repository),
		runs:        make(map[string]sources.CrawlRun),
		proposals:   make(map[int64]proposals.Proposal),
		versions:    make(map[int64]proposals.Version),
		authors:     make(map[int64]authors.Author),
		links:       make(map[authors.VersionLink]struct{}),
		maintainers: make(map[authors.Maintainer]struct{}),
		protocol:    make(map[protocolKey]snapshots.ProtocolSnapshot),
		global:      make(map[snapshots.Period]snapshots.GlobalSnapshot),
	}
}

func (s *state) clone() *state {
	return &state{
		nextID:      s.nextID,
		sources:     maps.Clone(s.sources),
		runs:        maps.Clone(s.runs),
		proposals:   maps.Clone(s.proposals),
		versions:    maps.Clone(s.versions),
		authors:     maps.Clone(s.authors),
		links:       maps.Clone(s.links),
		maintainers: maps.Clone(s.maintainers),
		merges:      slices.Clone(s.merges),
		protocol:    maps.Clone(s.protocol),
		global:      maps.Clone(s.global),
	}
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store is an in-memory repository. The zero value is not usable; call New.
type Store struct {
	mu   *sync.Mutex
	data *state
	inTx bool
	now  func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{mu: &sync.Mutex{}, data: newState(), now: time.Now}
}

// WithClock overrides the time source used for created/updated stamps.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) run(fn func(d *state) error) error {
	if !s.inTx {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return fn(s.data)
}

func (s *Store) Sources() sources.RepositoryStore { return &sourceStore{s} }
func (s *Store) Runs() sources.RunStore          { return &runStore{s} }
func (s *Store) Proposals() proposals.Repository { return &proposalStore{s} }
func (s *Store) Authors() authors.Repository     { return &authorStore{s} }
func (s *Store) Snapshots() snapshots.Repository { return &snapshotStore{s} }

// WithTx runs fn against a private copy of the data and publishes it only if
// fn succeeds. Transactions are serialized with each other and with
// non-transactional calls.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, storage.Repository) error) error {
	if s.inTx {
		return fn(ctx, s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Store{mu: s.mu, data: s.data.clone(), inTx: true, now: s.now}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	*s.data = *tx.data
	return nil
}

// MergeRecords returns the author merge audit trail.
func (s *Store) MergeRecords() []authors.MergeRecord {
	var out []authors.MergeRecord
	_ = s.run(func(d *state) error {
		out = slices.Clone(d.merges)
		return nil
	})
	return out
}
