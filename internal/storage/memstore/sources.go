package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/Togather-Foundation/proposals/internal/domain/sources"
)

type sourceStore struct{ s *Store }

func (r *sourceStore) Upsert(_ context.Context, params sources.UpsertParams) (*sources.Repository, error) {
	var out sources.Repository
	err := r.s.run(func(d *state) error {
		now := r.s.now()
		for id, existing := range d.sources {
			if existing.Owner == params.Owner && existing.Repo == params.Repo && existing.Subdir == params.Subdir {
				existing.Branch = params.Branch
				existing.Protocol = params.Protocol
				existing.Prefix = params.Prefix
				existing.Format = params.Format
				existing.Enabled = params.Enabled
				existing.ForkedFromID = params.ForkedFromID
				existing.UpdatedAt = now
				d.sources[id] = existing
				out = existing
				return nil
			}
		}
		out = sources.Repository{
			ID:           d.id(),
			Owner:        params.Owner,
			Repo:         params.Repo,
			Branch:       params.Branch,
			Subdir:       params.Subdir,
			Protocol:     params.Protocol,
			Prefix:       params.Prefix,
			Format:       params.Format,
			Enabled:      params.Enabled,
			ForkedFromID: params.ForkedFromID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		d.sources[out.ID] = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *sourceStore) GetByKey(_ context.Context, owner, repo, subdir string) (*sources.Repository, error) {
	var out *sources.Repository
	err := r.s.run(func(d *state) error {
		for _, src := range d.sources {
			if src.Owner == owner && src.Repo == repo && src.Subdir == subdir {
				out = &src
				return nil
			}
		}
		return sources.ErrNotFound
	})
	return out, err
}

func (r *sourceStore) GetByID(_ context.Context, id int64) (*sources.Repository, error) {
	var out *sources.Repository
	err := r.s.run(func(d *state) error {
		src, ok := d.sources[id]
		if !ok {
			return sources.ErrNotFound
		}
		out = &src
		return nil
	})
	return out, err
}

func (r *sourceStore) List(_ context.Context, enabled *bool) ([]sources.Repository, error) {
	var out []sources.Repository
	err := r.s.run(func(d *state) error {
		for _, src := range d.sources {
			if enabled != nil && src.Enabled != *enabled {
				continue
			}
			out = append(out, src)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, err
}

func (r *sourceStore) UpdateCursor(_ context.Context, id int64, sha string, crawledAt time.Time) error {
	return r.s.run(func(d *state) error {
		src, ok := d.sources[id]
		if !ok {
			return sources.ErrNotFound
		}
		src.LastCrawledCommitSHA = sha
		src.LastCrawledAt = &crawledAt
		src.UpdatedAt = r.s.now()
		d.sources[id] = src
		return nil
	})
}

type runStore struct{ s *Store }

func (r *runStore) StartRun(_ context.Context, run sources.CrawlRun) error {
	return r.s.run(func(d *state) error {
		d.runs[run.ID] = run
		return nil
	})
}

func (r *runStore) FinishRun(_ context.Context, run sources.CrawlRun) error {
	return r.s.run(func(d *state) error {
		d.runs[run.ID] = run
		return nil
	})
}

func (r *runStore) ListRuns(_ context.Context, repositoryID int64, limit int) ([]sources.CrawlRun, error) {
	var out []sources.CrawlRun
	err := r.s.run(func(d *state) error {
		for _, run := range d.runs {
			if run.RepositoryID == repositoryID {
				out = append(out, run)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, err
}
