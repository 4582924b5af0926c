package memstore

import (
	"context"
	"slices"
	"sort"
	"strings"

	"github.com/Togather-Foundation/proposals/internal/domain/authors"
)

type authorStore struct{ s *Store }

// taken reports whether another author already holds email or handle.
func taken(d *state, self int64, email, handle string) bool {
	for id, a := range d.authors {
		if id == self {
			continue
		}
		if email != "" && strings.EqualFold(a.Email, email) {
			return true
		}
		if handle != "" && strings.EqualFold(a.Handle, handle) {
			return true
		}
	}
	return false
}

func (r *authorStore) GetByID(_ context.Context, id int64) (*authors.Author, error) {
	return r.find(func(a authors.Author) bool { return a.ID == id })
}

func (r *authorStore) GetByHandle(_ context.Context, handle string) (*authors.Author, error) {
	if handle == "" {
		return nil, authors.ErrNotFound
	}
	return r.find(func(a authors.Author) bool { return strings.EqualFold(a.Handle, handle) })
}

func (r *authorStore) GetByEmail(_ context.Context, email string) (*authors.Author, error) {
	if email == "" {
		return nil, authors.ErrNotFound
	}
	return r.find(func(a authors.Author) bool { return strings.EqualFold(a.Email, email) })
}

func (r *authorStore) find(match func(a authors.Author) bool) (*authors.Author, error) {
	var out *authors.Author
	err := r.s.run(func(d *state) error {
		for _, a := range d.authors {
			if match(a) {
				out = &a
				return nil
			}
		}
		return authors.ErrNotFound
	})
	return out, err
}

func (r *authorStore) list(match func(a authors.Author) bool) []authors.Author {
	var out []authors.Author
	_ = r.s.run(func(d *state) error {
		for _, a := range d.authors {
			if match(a) {
				out = append(out, a)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *authorStore) ListByName(_ context.Context, name string) ([]authors.Author, error) {
	if name == "" {
		return nil, nil
	}
	return r.list(func(a authors.Author) bool { return a.Name == name }), nil
}

func (r *authorStore) ListAll(_ context.Context) ([]authors.Author, error) {
	return r.list(func(authors.Author) bool { return true }), nil
}

func (r *authorStore) Create(_ context.Context, desc authors.Descriptor) (*authors.Author, error) {
	var out authors.Author
	err := r.s.run(func(d *state) error {
		if taken(d, 0, desc.Email, desc.Handle) {
			return authors.ErrConflict
		}
		out = authors.Author{
			ID:        d.id(),
			Name:      desc.Name,
			Email:     desc.Email,
			Handle:    desc.Handle,
			CreatedAt: r.s.now(),
		}
		d.authors[out.ID] = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *authorStore) Update(_ context.Context, a authors.Author) error {
	return r.s.run(func(d *state) error {
		existing, ok := d.authors[a.ID]
		if !ok {
			return authors.ErrNotFound
		}
		if taken(d, a.ID, a.Email, a.Handle) {
			return authors.ErrConflict
		}
		existing.Name = a.Name
		existing.Email = a.Email
		existing.Handle = a.Handle
		d.authors[a.ID] = existing
		return nil
	})
}

// Delete removes the author and cascades to its links.
func (r *authorStore) Delete(_ context.Context, id int64) error {
	return r.s.run(func(d *state) error {
		delete(d.authors, id)
		for link := range d.links {
			if link.AuthorID == id {
				delete(d.links, link)
			}
		}
		for m := range d.maintainers {
			if m.AuthorID == id {
				delete(d.maintainers, m)
			}
		}
		return nil
	})
}

func (r *authorStore) LinkVersion(_ context.Context, versionID, authorID int64) error {
	return r.s.run(func(d *state) error {
		if _, ok := d.versions[versionID]; !ok {
			return errForeignKey("authors_on_versions.version_id")
		}
		if _, ok := d.authors[authorID]; !ok {
			return errForeignKey("authors_on_versions.author_id")
		}
		d.links[authors.VersionLink{VersionID: versionID, AuthorID: authorID}] = struct{}{}
		return nil
	})
}

func (r *authorStore) HasVersionLink(_ context.Context, versionID, authorID int64) (bool, error) {
	var ok bool
	err := r.s.run(func(d *state) error {
		_, ok = d.links[authors.VersionLink{VersionID: versionID, AuthorID: authorID}]
		return nil
	})
	return ok, err
}

func (r *authorStore) links(match func(l authors.VersionLink) bool) []authors.VersionLink {
	var out []authors.VersionLink
	_ = r.s.run(func(d *state) error {
		for l := range d.links {
			if match(l) {
				out = append(out, l)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].VersionID == out[j].VersionID {
			return out[i].AuthorID < out[j].AuthorID
		}
		return out[i].VersionID < out[j].VersionID
	})
	return out
}

func (r *authorStore) ListVersionLinks(_ context.Context, authorID int64) ([]authors.VersionLink, error) {
	return r.links(func(l authors.VersionLink) bool { return l.AuthorID == authorID }), nil
}

func (r *authorStore) ListVersionAuthors(_ context.Context, versionIDs []int64) ([]authors.VersionLink, error) {
	if len(versionIDs) == 0 {
		return nil, nil
	}
	return r.links(func(l authors.VersionLink) bool { return slices.Contains(versionIDs, l.VersionID) }), nil
}

func (r *authorStore) RepointVersionLink(_ context.Context, versionID, fromAuthorID, toAuthorID int64) error {
	return r.s.run(func(d *state) error {
		from := authors.VersionLink{VersionID: versionID, AuthorID: fromAuthorID}
		if _, ok := d.links[from]; !ok {
			return nil
		}
		to := authors.VersionLink{VersionID: versionID, AuthorID: toAuthorID}
		if _, ok := d.links[to]; ok {
			return errUnique("authors_on_versions (version_id, author_id)")
		}
		delete(d.links, from)
		d.links[to] = struct{}{}
		return nil
	})
}

func (r *authorStore) DeleteVersionLink(_ context.Context, versionID, authorID int64) error {
	return r.s.run(func(d *state) error {
		delete(d.links, authors.VersionLink{VersionID: versionID, AuthorID: authorID})
		return nil
	})
}

func (r *authorStore) UpsertMaintainer(_ context.Context, m authors.Maintainer) error {
	return r.s.run(func(d *state) error {
		if _, ok := d.authors[m.AuthorID]; !ok {
			return errForeignKey("maintainers.author_id")
		}
		d.maintainers[m] = struct{}{}
		return nil
	})
}

func (r *authorStore) HasMaintainer(_ context.Context, m authors.Maintainer) (bool, error) {
	var ok bool
	err := r.s.run(func(d *state) error {
		_, ok = d.maintainers[m]
		return nil
	})
	return ok, err
}

func (r *authorStore) ListMaintainers(_ context.Context, authorID int64) ([]authors.Maintainer, error) {
	var out []authors.Maintainer
	err := r.s.run(func(d *state) error {
		for m := range d.maintainers {
			if m.AuthorID == authorID {
				out = append(out, m)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Owner != b.Owner {
			return a.Owner < b.Owner
		}
		if a.Repo != b.Repo {
			return a.Repo < b.Repo
		}
		return a.Protocol < b.Protocol
	})
	return out, err
}

func (r *authorStore) RepointMaintainer(_ context.Context, m authors.Maintainer, toAuthorID int64) error {
	return r.s.run(func(d *state) error {
		if _, ok := d.maintainers[m]; !ok {
			return nil
		}
		to := m
		to.AuthorID = toAuthorID
		if _, ok := d.maintainers[to]; ok {
			return errUnique("maintainers (author_id, owner, repo, protocol)")
		}
		delete(d.maintainers, m)
		d.maintainers[to] = struct{}{}
		return nil
	})
}

func (r *authorStore) DeleteMaintainer(_ context.Context, m authors.Maintainer) error {
	return r.s.run(func(d *state) error {
		delete(d.maintainers, m)
		return nil
	})
}

func (r *authorStore) RecordMerge(_ context.Context, rec authors.MergeRecord) error {
	return r.s.run(func(d *state) error {
		d.merges = append(d.merges, rec)
		return nil
	})
}
