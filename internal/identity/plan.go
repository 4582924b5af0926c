// Package identity finds and merges author records that describe the same
// contributor.
package identity

import (
	"sort"
	"strings"

	"github.com/Togather-Foundation/proposals/internal/domain/authors"
)

// Group is one set of authors believed to be the same person.
type Group struct {
	Primary    authors.Author
	Duplicates []authors.Author
}

// IDs returns the primary id followed by the duplicate ids.
func (g Group) IDs() []int64 {
	ids := []int64{g.Primary.ID}
	for _, d := range g.Duplicates {
		ids = append(ids, d.ID)
	}
	return ids
}

// Plan partitions all by lower-cased handle, lower-cased email and
// normalized name, joins the partitions transitively and returns every
// component with more than one author. Two authors land in the same group
// when any chain of shared handles, emails or names connects them.
func Plan(all []authors.Author) []Group {
	uf := NewUnionFind()
	byID := make(map[int64]authors.Author, len(all))

	byHandle := make(map[string]int64)
	byEmail := make(map[string]int64)
	byName := make(map[string]int64)
	join := func(index map[string]int64, key string, id int64) {
		if key == "" {
			return
		}
		if first, ok := index[key]; ok {
			uf.Union(first, id)
			return
		}
		index[key] = id
	}

	for _, a := range all {
		byID[a.ID] = a
		uf.Add(a.ID)
		join(byHandle, strings.ToLower(strings.TrimSpace(a.Handle)), a.ID)
		join(byEmail, strings.ToLower(strings.TrimSpace(a.Email)), a.ID)
		join(byName, NormalizeName(a.Name), a.ID)
	}

	var groups []Group
	for _, ids := range uf.Groups() {
		members := make([]authors.Author, 0, len(ids))
		for _, id := range ids {
			members = append(members, byID[id])
		}
		rank(members)
		groups = append(groups, Group{Primary: members[0], Duplicates: members[1:]})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Primary.ID < groups[j].Primary.ID })
	return groups
}

// rank orders members so the most complete, then oldest, record is first.
func rank(members []authors.Author) {
	sort.SliceStable(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if a.Score() != b.Score() {
			return a.Score() > b.Score()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
