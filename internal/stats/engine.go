// Package stats computes point-in-time protocol, track and global snapshots
// from the proposal history and stores them as upserts.
package stats

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/Togather-Foundation/proposals/internal/domain/proposals"
	"github.com/Togather-Foundation/proposals/internal/domain/snapshots"
	"github.com/Togather-Foundation/proposals/internal/metrics"
	"github.com/Togather-Foundation/proposals/internal/relocation"
	"github.com/Togather-Foundation/proposals/internal/storage"
	"github.com/Togather-Foundation/proposals/internal/telemetry"
)

// DefaultConcurrency is the number of protocols computed at once.
const DefaultConcurrency = 4

// ErrIncompletePeriod is returned when a protocol snapshot of a period could
// not be stored. No global snapshot is written for such a period.
var ErrIncompletePeriod = errors.New("period has failed protocol snapshots")

var tracer = telemetry.GetTracer("github.com/Togather-Foundation/proposals/internal/stats")

// PeriodReport summarises one period run.
type PeriodReport struct {
	Period   snapshots.Period
	Stored   []string
	Empty    []string
	Failed   map[string]error
	Global   *snapshots.GlobalSnapshot
	Duration time.Duration
}

// Engine computes and stores snapshots.
type Engine struct {
	store       storage.Repository
	concurrency int
	now         func() time.Time
	logger      zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithConcurrency bounds how many protocols are computed in parallel.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithClock overrides the time source that bounds the current period.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an Engine.
func NewEngine(store storage.Repository, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		concurrency: DefaultConcurrency,
		now:         time.Now,
		logger:      logger.With().Str("component", "stats").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lineageSet is the relocation structure of every proposal, loaded once and
// shared by the protocol computations of a period.
type lineageSet struct {
	byID      map[int64]proposals.Proposal
	terminals map[string][]int64 // protocol -> terminal ids, ascending
	lineages  map[int64][]int64
}

func (e *Engine) loadLineages(ctx context.Context) (*lineageSet, error) {
	all, err := e.store.Proposals().ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	set := &lineageSet{
		byID:      make(map[int64]proposals.Proposal, len(all)),
		terminals: map[string][]int64{},
		lineages:  relocation.Lineages(all),
	}
	for _, p := range all {
		set.byID[p.ID] = p
	}
	for id := range set.lineages {
		p := set.byID[id]
		set.terminals[p.Protocol] = append(set.terminals[p.Protocol], id)
	}
	for _, ids := range set.terminals {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}
	return set, nil
}

// documents loads the unified histories of protocol's terminal proposals up
// to asOf.
func (e *Engine) documents(ctx context.Context, set *lineageSet, protocol string, asOf time.Time) ([]Document, error) {
	terminals := set.terminals[protocol]
	if len(terminals) == 0 {
		return nil, nil
	}

	owner := make(map[int64]int64) // member proposal id -> terminal id
	var members []int64
	for _, t := range terminals {
		for _, id := range set.lineages[t] {
			owner[id] = t
			members = append(members, id)
		}
	}

	versions, err := e.store.Proposals().ListVersions(ctx, members, &asOf)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	if len(versions) == 0 {
		return nil, nil
	}

	versionIDs := make([]int64, len(versions))
	versionOwner := make(map[int64]int64, len(versions))
	docs := make(map[int64]*Document, len(terminals))
	for i, v := range versions {
		t := owner[v.ProposalID]
		versionIDs[i] = v.ID
		versionOwner[v.ID] = t
		d := docs[t]
		if d == nil {
			d = &Document{ProposalID: t}
			docs[t] = d
		}
		d.Versions = append(d.Versions, v)
	}

	links, err := e.store.Authors().ListVersionAuthors(ctx, versionIDs)
	if err != nil {
		return nil, fmt.Errorf("list version authors: %w", err)
	}
	seen := make(map[[2]int64]struct{}, len(links))
	for _, l := range links {
		t := versionOwner[l.VersionID]
		if _, dup := seen[[2]int64{t, l.AuthorID}]; dup {
			continue
		}
		seen[[2]int64{t, l.AuthorID}] = struct{}{}
		docs[t].AuthorIDs = append(docs[t].AuthorIDs, l.AuthorID)
	}

	out := make([]Document, 0, len(docs))
	for _, t := range terminals {
		if d, ok := docs[t]; ok {
			if p := set.byID[t]; proposals.StatusIs(p.Status, proposals.StatusMoved) && p.MovedAt != nil && !p.MovedAt.After(asOf) {
				d.MovedAt = p.MovedAt
			}
			sort.Slice(d.AuthorIDs, func(i, j int) bool { return d.AuthorIDs[i] < d.AuthorIDs[j] })
			out = append(out, *d)
		}
	}
	return out, nil
}

// ComputeProtocol computes and stores the snapshot of protocol for period.
// When the protocol has no versions by the period's cut-off it returns nil
// and removes any snapshot stored for it earlier.
func (e *Engine) ComputeProtocol(ctx context.Context, protocol string, period snapshots.Period) (*snapshots.ProtocolSnapshot, error) {
	set, err := e.loadLineages(ctx)
	if err != nil {
		return nil, err
	}
	return e.computeProtocol(ctx, set, protocol, period)
}

func (e *Engine) computeProtocol(ctx context.Context, set *lineageSet, protocol string, period snapshots.Period) (*snapshots.ProtocolSnapshot, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "stats.ComputeProtocol")
	defer span.End()
	span.SetAttributes(
		attribute.String("protocol", protocol),
		attribute.String("period", period.String()),
	)

	asOf := period.AsOf(e.now())
	docs, err := e.documents(ctx, set, protocol, asOf)
	if err != nil {
		metrics.SnapshotsTotal.WithLabelValues("protocol", "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "load failed")
		return nil, err
	}
	if len(docs) == 0 {
		if err := e.store.Snapshots().DeleteProtocol(ctx, protocol, period); err != nil {
			metrics.SnapshotsTotal.WithLabelValues("protocol", "failed").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "clear failed")
			return nil, fmt.Errorf("clear snapshot %s %s: %w", protocol, period, err)
		}
		metrics.SnapshotsTotal.WithLabelValues("protocol", "empty").Inc()
		return nil, nil
	}

	snap := Fold(protocol, period, asOf, docs)
	if err := e.store.Snapshots().UpsertProtocol(ctx, snap); err != nil {
		metrics.SnapshotsTotal.WithLabelValues("protocol", "failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "store failed")
		return nil, fmt.Errorf("store snapshot %s %s: %w", protocol, period, err)
	}
	metrics.SnapshotsTotal.WithLabelValues("protocol", "stored").Inc()
	metrics.SnapshotDuration.WithLabelValues("protocol").Observe(time.Since(start).Seconds())
	return &snap, nil
}

// ComputeGlobal sums the stored protocol snapshots of period into the global
// snapshot. It returns nil, and removes any earlier global snapshot, when
// the period has no protocol snapshots.
func (e *Engine) ComputeGlobal(ctx context.Context, period snapshots.Period) (*snapshots.GlobalSnapshot, error) {
	stored, err := e.store.Snapshots().ListProtocol(ctx, period)
	if err != nil {
		metrics.SnapshotsTotal.WithLabelValues("global", "failed").Inc()
		return nil, fmt.Errorf("list protocol snapshots %s: %w", period, err)
	}
	if len(stored) == 0 {
		if err := e.store.Snapshots().DeleteGlobal(ctx, period); err != nil {
			metrics.SnapshotsTotal.WithLabelValues("global", "failed").Inc()
			return nil, fmt.Errorf("clear global snapshot %s: %w", period, err)
		}
		metrics.SnapshotsTotal.WithLabelValues("global", "empty").Inc()
		return nil, nil
	}

	g := Global(period, stored)
	if err := e.store.Snapshots().UpsertGlobal(ctx, g); err != nil {
		metrics.SnapshotsTotal.WithLabelValues("global", "failed").Inc()
		return nil, fmt.Errorf("store global snapshot %s: %w", period, err)
	}
	metrics.SnapshotsTotal.WithLabelValues("global", "stored").Inc()
	return &g, nil
}

// RunPeriod computes every protocol snapshot of period, at most concurrency
// at a time, then the global snapshot. If any protocol fails the global
// snapshot is skipped and the error wraps ErrIncompletePeriod.
func (e *Engine) RunPeriod(ctx context.Context, period snapshots.Period) (PeriodReport, error) {
	start := time.Now()
	report := PeriodReport{Period: period, Failed: map[string]error{}}
	log := e.logger.With().Str("period", period.String()).Logger()

	ctx, span := tracer.Start(ctx, "stats.RunPeriod")
	defer span.End()
	span.SetAttributes(attribute.String("period", period.String()))

	set, err := e.loadLineages(ctx)
	if err != nil {
		return report, err
	}
	protocols, err := e.periodProtocols(ctx, period)
	if err != nil {
		return report, err
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, protocol := range protocols {
		g.Go(func() error {
			snap, err := e.computeProtocol(ctx, set, protocol, period)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed[protocol] = err
				log.Error().Err(err).Str("protocol", protocol).Msg("protocol snapshot failed")
			case snap == nil:
				report.Empty = append(report.Empty, protocol)
			default:
				report.Stored = append(report.Stored, protocol)
			}
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(report.Stored)
	sort.Strings(report.Empty)

	if len(report.Failed) > 0 {
		report.Duration = time.Since(start)
		err := fmt.Errorf("%s: %d of %d protocols failed: %w", period, len(report.Failed), len(protocols), ErrIncompletePeriod)
		span.RecordError(err)
		span.SetStatus(codes.Error, "incomplete period")
		return report, err
	}

	global, err := e.ComputeGlobal(ctx, period)
	if err != nil {
		return report, err
	}
	report.Global = global
	report.Duration = time.Since(start)
	metrics.SnapshotDuration.WithLabelValues("period").Observe(report.Duration.Seconds())

	log.Info().
		Int("stored", len(report.Stored)).
		Int("empty", len(report.Empty)).
		Dur("duration", report.Duration).
		Msg("period snapshots computed")
	return report, nil
}

// periodProtocols lists the protocols with proposals plus any protocol that
// still has a snapshot stored for period, so stale rows are recomputed away.
func (e *Engine) periodProtocols(ctx context.Context, period snapshots.Period) ([]string, error) {
	protocols, err := e.store.Proposals().ListProtocols(ctx)
	if err != nil {
		return nil, fmt.Errorf("list protocols: %w", err)
	}
	stored, err := e.store.Snapshots().ListProtocol(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("list protocol snapshots %s: %w", period, err)
	}
	for _, s := range stored {
		if !slices.Contains(protocols, s.Protocol) {
			protocols = append(protocols, s.Protocol)
		}
	}
	sort.Strings(protocols)
	return protocols, nil
}

// Backfill runs every period from the month of the earliest version up to
// the current month, in order. A failed period is reported and the backfill
// moves on; the returned error then wraps ErrIncompletePeriod.
func (e *Engine) Backfill(ctx context.Context) ([]PeriodReport, error) {
	earliest, err := e.store.Proposals().EarliestCommitDate(ctx)
	if err != nil {
		return nil, fmt.Errorf("find earliest version: %w", err)
	}
	if earliest == nil {
		e.logger.Info().Msg("no versions stored; nothing to backfill")
		return nil, nil
	}

	current := snapshots.PeriodOf(e.now())
	var reports []PeriodReport
	var failed []string
	for p := snapshots.PeriodOf(*earliest); !current.Before(p); p = p.Next() {
		report, err := e.RunPeriod(ctx, p)
		reports = append(reports, report)
		if errors.Is(err, ErrIncompletePeriod) {
			failed = append(failed, p.String())
			continue
		}
		if err != nil {
			return reports, err
		}
	}

	e.logger.Info().
		Int("periods", len(reports)).
		Int("failed", len(failed)).
		Msg("backfill finished")
	if len(failed) > 0 {
		return reports, fmt.Errorf("backfill periods %v: %w", failed, ErrIncompletePeriod)
	}
	return reports, nil
}
