package identity

import "sort"

// UnionFind is a disjoint-set forest over author ids with path compression
// and union by rank.
type UnionFind struct {
	parent map[int64]int64
	rank   map[int64]int
}

// NewUnionFind returns an empty forest.
func NewUnionFind() *UnionFind {
	return &UnionFind{
		parent: make(map[int64]int64),
		rank:   make(map[int64]int),
	}
}

// Add inserts id as a singleton set if it is not present yet.
func (u *UnionFind) Add(id int64) {
	if _, ok := u.parent[id]; !ok {
		u.parent[id] = id
	}
}

// Find returns the representative of id's set, adding id if needed.
func (u *UnionFind) Find(id int64) int64 {
	u.Add(id)
	root := id
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for id != root {
		next := u.parent[id]
		u.parent[id] = root
		id = next
	}
	return root
}

// Union merges the sets containing a and b.
func (u *UnionFind) Union(a, b int64) {
	ra, rb := u.Find(a), u.Find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}

// Groups returns every set with more than one member, each sorted by id,
// ordered by their smallest id.
func (u *UnionFind) Groups() [][]int64 {
	byRoot := make(map[int64][]int64)
	for id := range u.parent {
		root := u.Find(id)
		byRoot[root] = append(byRoot[root], id)
	}

	var out [][]int64
	for _, members := range byRoot {
		if len(members) < 2 {
			continue
		}
		sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
		out = append(out, members)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}
