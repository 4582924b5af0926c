package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Togather-Foundation/proposals/internal/domain/authors"
	"github.com/Togather-Foundation/proposals/internal/metrics"
	"github.com/Togather-Foundation/proposals/internal/storage"
	"github.com/Togather-Foundation/proposals/internal/telemetry"
)

var tracer = telemetry.GetTracer("github.com/Togather-Foundation/proposals/internal/identity")

// Report summarizes one resolver run.
type Report struct {
	DryRun   bool
	Groups   []Group
	Merged   int
	Failed   int
	Absorbed int
}

// Resolver merges duplicate authors.
type Resolver struct {
	store  storage.Repository
	logger zerolog.Logger
	now    func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(store storage.Repository, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger.With().Str("component", "identity").Logger(),
		now:    time.Now,
	}
}

// Run plans merge groups over the whole author table and, unless dryRun is
// set, applies each group in its own transaction. A failing group is logged
// and skipped; it never blocks the other groups.
func (r *Resolver) Run(ctx context.Context, dryRun bool) (Report, error) {
	ctx, span := tracer.Start(ctx, "identity.Run")
	defer span.End()

	all, err := r.store.Authors().ListAll(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list authors: %w", err)
	}

	report := Report{DryRun: dryRun, Groups: Plan(all)}
	span.SetAttributes(
		attribute.Int("authors", len(all)),
		attribute.Int("groups", len(report.Groups)),
		attribute.Bool("dry_run", dryRun),
	)

	for _, g := range report.Groups {
		log := r.logger.With().Int64("primary_id", g.Primary.ID).Ints64("absorbed_ids", g.IDs()[1:]).Logger()
		if dryRun {
			metrics.AuthorMergeGroupsTotal.WithLabelValues("planned").Inc()
			log.Info().Msg("planned author merge")
			continue
		}

		absorbed, err := r.merge(ctx, g)
		if err != nil {
			report.Failed++
			metrics.AuthorMergeGroupsTotal.WithLabelValues("failed").Inc()
			log.Error().Err(err).Msg("author merge failed")
			continue
		}
		report.Merged++
		report.Absorbed += absorbed
		metrics.AuthorMergeGroupsTotal.WithLabelValues("merged").Inc()
		metrics.AuthorsAbsorbedTotal.Add(float64(absorbed))
		log.Info().Int("absorbed", absorbed).Msg("authors merged")
	}

	r.logger.Info().
		Bool("dry_run", dryRun).
		Int("groups", len(report.Groups)).
		Int("merged", report.Merged).
		Int("failed", report.Failed).
		Msg("author merge run finished")
	return report, nil
}

// merge folds a group into its primary in one transaction and returns the
// number of absorbed authors.
func (r *Resolver) merge(ctx context.Context, g Group) (int, error) {
	var absorbed int
	err := r.store.WithTx(ctx, func(ctx context.Context, tx storage.Repository) error {
		repo := tx.Authors()

		primary, err := repo.GetByID(ctx, g.Primary.ID)
		if err != nil {
			return fmt.Errorf("load primary: %w", err)
		}

		var dups []authors.Author
		for _, d := range g.Duplicates {
			current, err := repo.GetByID(ctx, d.ID)
			if errors.Is(err, authors.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("load duplicate %d: %w", d.ID, err)
			}
			dups = append(dups, *current)
		}
		if len(dups) == 0 {
			return nil
		}

		for _, dup := range dups {
			if err := relinkVersions(ctx, repo, dup.ID, primary.ID); err != nil {
				return err
			}
			if err := relinkMaintainers(ctx, repo, dup.ID, primary.ID); err != nil {
				return err
			}
			if err := repo.Delete(ctx, dup.ID); err != nil {
				return fmt.Errorf("delete duplicate %d: %w", dup.ID, err)
			}
		}

		// Duplicates are gone, so their email and handle are free to move.
		enriched, fields, err := enrich(ctx, repo, *primary, dups)
		if err != nil {
			return err
		}
		if len(fields) > 0 {
			if err := repo.Update(ctx, enriched); err != nil {
				return fmt.Errorf("enrich primary: %w", err)
			}
		}

		ids := make([]int64, 0, len(dups))
		for _, d := range dups {
			ids = append(ids, d.ID)
		}
		absorbed = len(dups)
		return repo.RecordMerge(ctx, authors.MergeRecord{
			ID:             uuid.New(),
			PrimaryID:      primary.ID,
			AbsorbedIDs:    ids,
			Absorbed:       dups,
			EnrichedFields: fields,
			MergedAt:       r.now().UTC(),
		})
	})
	return absorbed, err
}

// relinkVersions moves each version link of from to to, one row at a time.
// A row the primary already has is dropped instead, which keeps the
// (version, author) key unique.
func relinkVersions(ctx context.Context, repo authors.Repository, from, to int64) error {
	links, err := repo.ListVersionLinks(ctx, from)
	if err != nil {
		return fmt.Errorf("list version links of %d: %w", from, err)
	}
	for _, l := range links {
		exists, err := repo.HasVersionLink(ctx, l.VersionID, to)
		if err != nil {
			return fmt.Errorf("check version link %d: %w", l.VersionID, err)
		}
		if exists {
			err = repo.DeleteVersionLink(ctx, l.VersionID, from)
		} else {
			err = repo.RepointVersionLink(ctx, l.VersionID, from, to)
		}
		if err != nil {
			return fmt.Errorf("relink version %d: %w", l.VersionID, err)
		}
	}
	return nil
}

func relinkMaintainers(ctx context.Context, repo authors.Repository, from, to int64) error {
	rows, err := repo.ListMaintainers(ctx, from)
	if err != nil {
		return fmt.Errorf("list maintainers of %d: %w", from, err)
	}
	for _, m := range rows {
		target := m
		target.AuthorID = to
		exists, err := repo.HasMaintainer(ctx, target)
		if err != nil {
			return fmt.Errorf("check maintainer %s/%s: %w", m.Owner, m.Repo, err)
		}
		if exists {
			err = repo.DeleteMaintainer(ctx, m)
		} else {
			err = repo.RepointMaintainer(ctx, m, to)
		}
		if err != nil {
			return fmt.Errorf("relink maintainer %s/%s: %w", m.Owner, m.Repo, err)
		}
	}
	return nil
}

// enrich fills fields the primary lacks from the duplicates, in rank order.
// An email or handle still held by some other author is skipped.
func enrich(ctx context.Context, repo authors.Repository, primary authors.Author, dups []authors.Author) (authors.Author, []string, error) {
	var fields []string

	if primary.Handle == "" {
		for _, d := range dups {
			if d.Handle == "" {
				continue
			}
			free, err := available(ctx, repo.GetByHandle, d.Handle, primary.ID)
			if err != nil {
				return primary, nil, fmt.Errorf("check handle: %w", err)
			}
			if free {
				primary.Handle = d.Handle
				fields = append(fields, "handle")
				break
			}
		}
	}

	if primary.Email == "" {
		for _, d := range dups {
			if d.Email == "" {
				continue
			}
			free, err := available(ctx, repo.GetByEmail, d.Email, primary.ID)
			if err != nil {
				return primary, nil, fmt.Errorf("check email: %w", err)
			}
			if free {
				primary.Email = strings.ToLower(d.Email)
				fields = append(fields, "email")
				break
			}
		}
	}

	if primary.Name == "" {
		for _, d := range dups {
			if d.Name != "" {
				primary.Name = d.Name
				fields = append(fields, "name")
				break
			}
		}
	}

	return primary, fields, nil
}

func available(ctx context.Context, get func(context.Context, string) (*authors.Author, error), value string, self int64) (bool, error) {
	holder, err := get(ctx, value)
	if errors.Is(err, authors.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return holder.ID == self, nil
}
