package memstore

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/Togather-Foundation/proposals/internal/domain/proposals"
)

type proposalStore struct{ s *Store }

func copyMetadata(md proposals.Metadata) proposals.Metadata {
	md.Requires = slices.Clone(md.Requires)
	if md.Created != nil {
		created := *md.Created
		md.Created = &created
	}
	return md
}

func findProposal(d *state, key proposals.Key) (proposals.Proposal, bool) {
	for _, p := range d.proposals {
		if p.Key() == key {
			return p, true
		}
	}
	return proposals.Proposal{}, false
}

func (r *proposalStore) GetByKey(_ context.Context, key proposals.Key) (*proposals.Proposal, error) {
	var out *proposals.Proposal
	err := r.s.run(func(d *state) error {
		p, ok := findProposal(d, key)
		if !ok {
			return proposals.ErrNotFound
		}
		out = &p
		return nil
	})
	return out, err
}

func (r *proposalStore) GetByID(_ context.Context, id int64) (*proposals.Proposal, error) {
	var out *proposals.Proposal
	err := r.s.run(func(d *state) error {
		p, ok := d.proposals[id]
		if !ok {
			return proposals.ErrNotFound
		}
		out = &p
		return nil
	})
	return out, err
}

func (r *proposalStore) Upsert(_ context.Context, params proposals.UpsertParams) (*proposals.Proposal, error) {
	var out proposals.Proposal
	err := r.s.run(func(d *state) error {
		now := r.s.now()
		commitAt := params.CommitDate
		p, ok := findProposal(d, params.Key)
		if !ok {
			p = proposals.Proposal{
				ID:        d.id(),
				Owner:     params.Owner,
				Repo:      params.Repo,
				Protocol:  params.Protocol,
				Number:    params.Number,
				CreatedAt: now,
			}
		} else if p.LastCommitAt != nil && p.LastCommitAt.After(commitAt) {
			out = p
			return nil
		}
		p.Path = params.Path
		p.Metadata = copyMetadata(params.Metadata)
		p.LastCommitAt = &commitAt
		p.UpdatedAt = now
		d.proposals[p.ID] = p
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *proposalStore) update(id int64, fn func(p *proposals.Proposal)) error {
	return r.s.run(func(d *state) error {
		p, ok := d.proposals[id]
		if !ok {
			return proposals.ErrNotFound
		}
		fn(&p)
		p.UpdatedAt = r.s.now()
		d.proposals[id] = p
		return nil
	})
}

func (r *proposalStore) UpdateLocation(_ context.Context, id int64, path string, number int) error {
	return r.s.run(func(d *state) error {
		p, ok := d.proposals[id]
		if !ok {
			return proposals.ErrNotFound
		}
		key := p.Key()
		key.Number = number
		if other, exists := findProposal(d, key); exists && other.ID != id {
			return errUnique("proposals (owner, repo, protocol, number)")
		}
		p.Path = path
		p.Number = number
		p.UpdatedAt = r.s.now()
		d.proposals[id] = p
		return nil
	})
}

func (r *proposalStore) SetStatus(_ context.Context, id int64, status string) error {
	return r.update(id, func(p *proposals.Proposal) { p.Status = status })
}

func (r *proposalStore) MarkMoved(_ context.Context, id int64, movedToPath string, at time.Time) error {
	return r.update(id, func(p *proposals.Proposal) {
		same := p.Status == proposals.StatusMoved && p.MovedToPath == movedToPath
		if !same || p.MovedAt == nil || at.Before(*p.MovedAt) {
			p.MovedAt = &at
		}
		if p.MovedToPath != movedToPath {
			p.MovedToID = nil
		}
		p.Status = proposals.StatusMoved
		p.MovedToPath = movedToPath
	})
}

func (r *proposalStore) SetMovedTo(_ context.Context, id int64, movedToID int64) error {
	if id == movedToID {
		return errCheck("proposals moved_to_id <> id")
	}
	return r.update(id, func(p *proposals.Proposal) { p.MovedToID = &movedToID })
}

func (r *proposalStore) filter(keep func(p proposals.Proposal) bool) []proposals.Proposal {
	var out []proposals.Proposal
	_ = r.s.run(func(d *state) error {
		for _, p := range d.proposals {
			if keep(p) {
				out = append(out, p)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *proposalStore) ListPendingMoves(_ context.Context) ([]proposals.Proposal, error) {
	return r.filter(func(p proposals.Proposal) bool {
		return p.Status == proposals.StatusMoved && p.MovedToPath != "" && p.MovedToID == nil
	}), nil
}

func (r *proposalStore) ListByMovedTo(_ context.Context, ids []int64) ([]proposals.Proposal, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.filter(func(p proposals.Proposal) bool {
		return p.MovedToID != nil && slices.Contains(ids, *p.MovedToID)
	}), nil
}

func (r *proposalStore) ListByProtocol(_ context.Context, protocol string) ([]proposals.Proposal, error) {
	out := r.filter(func(p proposals.Proposal) bool { return p.Protocol == protocol })
	sort.SliceStable(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (r *proposalStore) ListAll(_ context.Context) ([]proposals.Proposal, error) {
	return r.filter(func(proposals.Proposal) bool { return true }), nil
}

func (r *proposalStore) ListProtocols(_ context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, p := range r.filter(func(proposals.Proposal) bool { return true }) {
		seen[p.Protocol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for protocol := range seen {
		out = append(out, protocol)
	}
	sort.Strings(out)
	return out, nil
}

func (r *proposalStore) UpsertVersion(_ context.Context, params proposals.VersionParams) (*proposals.Version, bool, error) {
	var (
		out     proposals.Version
		created bool
	)
	err := r.s.run(func(d *state) error {
		if _, ok := d.proposals[params.ProposalID]; !ok {
			return errForeignKey("proposal_versions.proposal_id")
		}
		for _, v := range d.versions {
			if v.ProposalID == params.ProposalID && v.CommitSHA == params.CommitSHA {
				out = v
				return nil
			}
		}
		out = proposals.Version{
			ID:          d.id(),
			ProposalID:  params.ProposalID,
			CommitSHA:   params.CommitSHA,
			CommitDate:  params.CommitDate,
			Body:        params.Body,
			ContentHash: params.ContentHash,
			Metadata:    copyMetadata(params.Metadata),
			CreatedAt:   r.s.now(),
		}
		d.versions[out.ID] = out
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &out, created, nil
}

func (r *proposalStore) ListVersions(_ context.Context, proposalIDs []int64, asOf *time.Time) ([]proposals.Version, error) {
	if len(proposalIDs) == 0 {
		return nil, nil
	}
	var out []proposals.Version
	err := r.s.run(func(d *state) error {
		for _, v := range d.versions {
			if !slices.Contains(proposalIDs, v.ProposalID) {
				continue
			}
			if asOf != nil && v.CommitDate.After(*asOf) {
				continue
			}
			out = append(out, v)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CommitDate.Equal(out[j].CommitDate) {
			return out[i].ID > out[j].ID
		}
		return out[i].CommitDate.After(out[j].CommitDate)
	})
	return out, err
}

func (r *proposalStore) EarliestCommitDate(_ context.Context) (*time.Time, error) {
	var earliest *time.Time
	err := r.s.run(func(d *state) error {
		for _, v := range d.versions {
			if earliest == nil || v.CommitDate.Before(*earliest) {
				date := v.CommitDate
				earliest = &date
			}
		}
		return nil
	})
	return earliest, err
}

func (r *proposalStore) HasCommit(_ context.Context, owner, repo, sha string) (bool, error) {
	var found bool
	err := r.s.run(func(d *state) error {
		for _, v := range d.versions {
			if v.CommitSHA != sha {
				continue
			}
			if p, ok := d.proposals[v.ProposalID]; ok && p.Owner == owner && p.Repo == repo {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}
