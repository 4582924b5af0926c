package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Togather-Foundation/proposals/internal/domain/authors"
)

// resolveAuthor finds the author a descriptor refers to, by handle, then
// email, then by name when exactly one author carries it. Missing fields are
// filled in on a match. With no match a new author is created; a creation
// that loses a uniqueness race re-reads the winner.
func resolveAuthor(ctx context.Context, repo authors.Repository, d authors.Descriptor, matchName bool) (*authors.Author, error) {
	d.Email = strings.ToLower(strings.TrimSpace(d.Email))
	d.Handle = strings.TrimSpace(d.Handle)
	d.Name = strings.TrimSpace(d.Name)

	found, err := lookupAuthor(ctx, repo, d, matchName)
	if err != nil {
		return nil, err
	}
	if found != nil {
		return enrichAuthor(ctx, repo, *found, d)
	}

	created, err := repo.Create(ctx, d)
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, authors.ErrConflict) {
		return nil, fmt.Errorf("create author: %w", err)
	}

	found, err = lookupAuthor(ctx, repo, d, false)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("author conflict on create but no holder found: %w", authors.ErrConflict)
	}
	return enrichAuthor(ctx, repo, *found, d)
}

func lookupAuthor(ctx context.Context, repo authors.Repository, d authors.Descriptor, matchName bool) (*authors.Author, error) {
	if d.Handle != "" {
		a, err := repo.GetByHandle(ctx, d.Handle)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, authors.ErrNotFound) {
			return nil, fmt.Errorf("find author by handle: %w", err)
		}
	}
	if d.Email != "" {
		a, err := repo.GetByEmail(ctx, d.Email)
		if err == nil {
			return a, nil
		}
		if !errors.Is(err, authors.ErrNotFound) {
			return nil, fmt.Errorf("find author by email: %w", err)
		}
	}
	if matchName && d.Name != "" {
		named, err := repo.ListByName(ctx, d.Name)
		if err != nil {
			return nil, fmt.Errorf("find author by name: %w", err)
		}
		// Several authors share the name: leave it to the identity merge.
		if len(named) == 1 {
			return &named[0], nil
		}
	}
	return nil, nil
}

// enrichAuthor copies fields a lacks from d. An email or handle already held
// by another author is skipped.
func enrichAuthor(ctx context.Context, repo authors.Repository, a authors.Author, d authors.Descriptor) (*authors.Author, error) {
	changed := false

	if a.Name == "" && d.Name != "" {
		a.Name = d.Name
		changed = true
	}
	if a.Email == "" && d.Email != "" {
		free, err := unclaimed(ctx, repo.GetByEmail, d.Email)
		if err != nil {
			return nil, fmt.Errorf("check email: %w", err)
		}
		if free {
			a.Email = d.Email
			changed = true
		}
	}
	if a.Handle == "" && d.Handle != "" {
		free, err := unclaimed(ctx, repo.GetByHandle, d.Handle)
		if err != nil {
			return nil, fmt.Errorf("check handle: %w", err)
		}
		if free {
			a.Handle = d.Handle
			changed = true
		}
	}

	if !changed {
		return &a, nil
	}
	if err := repo.Update(ctx, a); err != nil {
		return nil, fmt.Errorf("enrich author %d: %w", a.ID, err)
	}
	return &a, nil
}

func unclaimed(ctx context.Context, get func(context.Context, string) (*authors.Author, error), value string) (bool, error) {
	_, err := get(ctx, value)
	if errors.Is(err, authors.ErrNotFound) {
		return true, nil
	}
	return false, err
}
