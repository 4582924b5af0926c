// Package relocation links proposals that were moved to their destination
// and walks the resulting graph in both directions.
package relocation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Togather-Foundation/proposals/internal/domain/proposals"
	"github.com/Togather-Foundation/proposals/internal/domain/sources"
	"github.com/Togather-Foundation/proposals/internal/metrics"
	"github.com/Togather-Foundation/proposals/internal/parser"
	"github.com/Togather-Foundation/proposals/internal/storage"
	"github.com/Togather-Foundation/proposals/internal/telemetry"
)

var tracer = telemetry.GetTracer("github.com/Togather-Foundation/proposals/internal/relocation")

// ErrCycle is returned when following moved-to links revisits a proposal, or
// when a new link would make a proposal its own ancestor.
var ErrCycle = errors.New("relocation cycle")

// Result counts the outcome of one ResolvePending pass.
type Result struct {
	Pending    int
	Resolved   int
	Unresolved int
	Invalid    int
	Refused    int
	Failed     int
}

// Resolver resolves pending relocation targets against the store.
type Resolver struct {
	store  storage.Repository
	logger zerolog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(store storage.Repository, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger.With().Str("component", "relocation").Logger(),
	}
}

// ResolvePending links every Moved proposal with an unresolved target path
// whose destination is already in the store. Destinations that are not
// ingested yet stay pending for a later pass.
func (r *Resolver) ResolvePending(ctx context.Context) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "relocation.ResolvePending")
	defer func() {
		span.SetAttributes(
			attribute.Int("relocation.pending", res.Pending),
			attribute.Int("relocation.resolved", res.Resolved),
			attribute.Int("relocation.failed", res.Failed),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	pending, err := r.store.Proposals().ListPendingMoves(ctx)
	if err != nil {
		return res, fmt.Errorf("list pending moves: %w", err)
	}
	res.Pending = len(pending)
	if len(pending) == 0 {
		return res, nil
	}

	repos, err := r.store.Sources().List(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("list source repositories: %w", err)
	}

	for _, p := range pending {
		log := r.logger.With().
			Int64("proposal_id", p.ID).
			Str("protocol", p.Protocol).
			Str("moved_to_path", p.MovedToPath).
			Logger()

		outcome := r.resolveOne(ctx, p, repos, log)
		metrics.RelocationsTotal.WithLabelValues(outcome).Inc()
		switch outcome {
		case "resolved":
			res.Resolved++
		case "unresolved":
			res.Unresolved++
		case "invalid":
			res.Invalid++
		case "refused":
			res.Refused++
		default:
			res.Failed++
		}
	}

	r.logger.Info().
		Int("pending", res.Pending).
		Int("resolved", res.Resolved).
		Int("unresolved", res.Unresolved).
		Int("invalid", res.Invalid).
		Int("refused", res.Refused).
		Int("failed", res.Failed).
		Msg("relocation pass finished")
	return res, nil
}

func (r *Resolver) resolveOne(ctx context.Context, p proposals.Proposal, repos []sources.Repository, log zerolog.Logger) string {
	dest, ok := parser.ParseDestination(p.MovedToPath)
	if !ok {
		log.Warn().Msg("relocation target has no folder and file")
		return "invalid"
	}

	repo := destinationRepository(repos, p, dest.Subdir)
	if repo == nil {
		log.Debug().Str("subdir", dest.Subdir).Msg("no repository tracks the relocation folder")
		return "unresolved"
	}

	number, ok := parser.NumberFromPath(dest.File, repo.Prefix)
	if !ok {
		log.Warn().Str("file", dest.File).Msg("relocation target has no document number")
		return "invalid"
	}

	key := proposals.Key{Owner: repo.Owner, Repo: repo.Repo, Protocol: repo.Protocol, Number: number}
	target, err := r.store.Proposals().GetByKey(ctx, key)
	if errors.Is(err, proposals.ErrNotFound) {
		log.Debug().Str("protocol_to", key.Protocol).Int("number_to", number).Msg("relocation destination not ingested yet")
		return "unresolved"
	}
	if err != nil {
		log.Error().Err(err).Msg("look up relocation destination")
		return "failed"
	}

	err = r.store.WithTx(ctx, func(ctx context.Context, tx storage.Repository) error {
		return link(ctx, tx.Proposals(), p.ID, target.ID)
	})
	if errors.Is(err, ErrCycle) {
		log.Warn().Int64("moved_to_id", target.ID).Msg("refusing relocation link that would form a cycle")
		return "refused"
	}
	if err != nil {
		log.Error().Err(err).Int64("moved_to_id", target.ID).Msg("link relocation")
		return "failed"
	}

	log.Info().Int64("moved_to_id", target.ID).Msg("relocation resolved")
	return "resolved"
}

// destinationRepository maps a relocation folder to the repository tracking
// it. A folder in the proposal's own repository wins over the same folder
// name elsewhere.
func destinationRepository(repos []sources.Repository, p proposals.Proposal, subdir string) *sources.Repository {
	var fallback *sources.Repository
	for i := range repos {
		repo := &repos[i]
		if repo.SubdirName() != subdir {
			continue
		}
		if repo.Owner == p.Owner && repo.Repo == p.Repo {
			return repo
		}
		if fallback == nil {
			fallback = repo
		}
	}
	return fallback
}

// link sets src.MovedToID = dst unless dst already leads back to src.
func link(ctx context.Context, repo proposals.Repository, srcID, dstID int64) error {
	if srcID == dstID {
		return ErrCycle
	}
	reaches, err := reaches(ctx, repo, dstID, srcID)
	if err != nil {
		return err
	}
	if reaches {
		return ErrCycle
	}
	if err := repo.SetMovedTo(ctx, srcID, dstID); err != nil {
		return fmt.Errorf("set moved to: %w", err)
	}
	return nil
}

// reaches reports whether following moved-to links from fromID arrives at
// targetID.
func reaches(ctx context.Context, repo proposals.Repository, fromID, targetID int64) (bool, error) {
	visited := map[int64]struct{}{}
	id := fromID
	for {
		if id == targetID {
			return true, nil
		}
		if _, ok := visited[id]; ok {
			return false, ErrCycle
		}
		visited[id] = struct{}{}

		p, err := repo.GetByID(ctx, id)
		if err != nil {
			return false, fmt.Errorf("get proposal %d: %w", id, err)
		}
		if p.MovedToID == nil {
			return false, nil
		}
		id = *p.MovedToID
	}
}

// Forward follows moved-to links from id and returns the proposal at the
// end of the chain.
func (r *Resolver) Forward(ctx context.Context, id int64) (*proposals.Proposal, error) {
	visited := map[int64]struct{}{}
	for {
		if _, ok := visited[id]; ok {
			return nil, fmt.Errorf("proposal %d: %w", id, ErrCycle)
		}
		visited[id] = struct{}{}

		p, err := r.store.Proposals().GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.MovedToID == nil {
			return p, nil
		}
		id = *p.MovedToID
	}
}

// Lineage returns id followed by every proposal that was moved, directly or
// transitively, into it, in breadth-first order.
func (r *Resolver) Lineage(ctx context.Context, id int64) ([]int64, error) {
	ids := []int64{id}
	visited := map[int64]struct{}{id: {}}
	frontier := []int64{id}

	for len(frontier) > 0 {
		preds, err := r.store.Proposals().ListByMovedTo(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("list predecessors: %w", err)
		}
		frontier = frontier[:0]
		for _, p := range preds {
			if _, ok := visited[p.ID]; ok {
				continue
			}
			visited[p.ID] = struct{}{}
			ids = append(ids, p.ID)
			frontier = append(frontier, p.ID)
		}
	}
	return ids, nil
}

// History returns the unified version history of the proposal id: its own
// versions plus those of every predecessor, newest first. A non-nil asOf
// drops versions committed after it.
func (r *Resolver) History(ctx context.Context, id int64, asOf *time.Time) ([]proposals.Version, error) {
	ids, err := r.Lineage(ctx, id)
	if err != nil {
		return nil, err
	}
	versions, err := r.store.Proposals().ListVersions(ctx, ids, asOf)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return SortHistory(versions), nil
}

// SortHistory removes duplicate versions and orders them newest first, with
// the version id breaking ties between equal commit times.
func SortHistory(versions []proposals.Version) []proposals.Version {
	seen := make(map[int64]struct{}, len(versions))
	out := versions[:0]
	for _, v := range versions {
		if _, ok := seen[v.ID]; ok {
			continue
		}
		seen[v.ID] = struct{}{}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CommitDate.Equal(out[j].CommitDate) {
			return out[i].ID > out[j].ID
		}
		return out[i].CommitDate.After(out[j].CommitDate)
	})
	return out
}
