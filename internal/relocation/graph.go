package relocation

import (
	"sort"

	"github.com/Togather-Foundation/proposals/internal/domain/proposals"
)

// Lineages groups an in-memory proposal set by terminal proposal. Each key
// is a proposal with no moved-to link; its value lists the terminal id first,
// then every proposal that leads to it, breadth-first. Proposals caught in a
// cycle have no terminal and appear in no lineage.
func Lineages(all []proposals.Proposal) map[int64][]int64 {
	preds := make(map[int64][]int64)
	var terminals []int64
	for _, p := range all {
		if p.MovedToID == nil {
			terminals = append(terminals, p.ID)
			continue
		}
		preds[*p.MovedToID] = append(preds[*p.MovedToID], p.ID)
	}
	for _, ids := range preds {
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}

	out := make(map[int64][]int64, len(terminals))
	for _, id := range terminals {
		lineage := []int64{id}
		visited := map[int64]struct{}{id: {}}
		for queue := []int64{id}; len(queue) > 0; queue = queue[1:] {
			for _, pred := range preds[queue[0]] {
				if _, ok := visited[pred]; ok {
					continue
				}
				visited[pred] = struct{}{}
				lineage = append(lineage, pred)
				queue = append(queue, pred)
			}
		}
		out[id] = lineage
	}
	return out
}
