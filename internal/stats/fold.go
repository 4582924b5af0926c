package stats

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Togather-Foundation/proposals/internal/domain/proposals"
	"github.com/Togather-Foundation/proposals/internal/domain/snapshots"
)

// Unknown labels a histogram bucket or track with no value.
const Unknown = "Unknown"

var knownStatuses = []string{
	proposals.StatusDraft,
	proposals.StatusReview,
	proposals.StatusLastCall,
	proposals.StatusFinal,
	proposals.StatusLiving,
	proposals.StatusStagnant,
	proposals.StatusWithdrawn,
	proposals.StatusMoved,
	proposals.StatusDeleted,
}

// Document is one terminal proposal with its unified history, restricted to
// versions committed at or before the snapshot date.
type Document struct {
	ProposalID int64
	Versions   []proposals.Version
	AuthorIDs  []int64

	// MovedAt is set when the proposal had moved to a target that is not
	// tracked, or not yet resolved, by the snapshot date. Its state is
	// Moved from then on.
	MovedAt *time.Time
}

// docState is what a Document looks like as of the snapshot date.
type docState struct {
	id      int64
	state   proposals.Version
	current proposals.Metadata // last live metadata when state is Deleted or Moved
	first   time.Time
	authors []int64
}

func newDocState(d Document) (docState, bool) {
	if len(d.Versions) == 0 {
		return docState{}, false
	}
	versions := make([]proposals.Version, len(d.Versions))
	copy(versions, d.Versions)
	sort.Slice(versions, func(i, j int) bool {
		if versions[i].CommitDate.Equal(versions[j].CommitDate) {
			return versions[i].ID > versions[j].ID
		}
		return versions[i].CommitDate.After(versions[j].CommitDate)
	})

	s := docState{
		id:      d.ProposalID,
		state:   versions[0],
		current: versions[0].Metadata,
		first:   versions[len(versions)-1].CommitDate,
		authors: d.AuthorIDs,
	}
	if d.MovedAt != nil {
		s.state.Status = proposals.StatusMoved
	}
	if !proposals.IsActive(s.state.Status) {
		for _, v := range versions {
			if proposals.IsActive(v.Status) {
				s.current = v.Metadata
				break
			}
		}
	}
	return s, true
}

// newer orders documents by the commit time of their state, then by id.
func (s docState) newer(o docState) bool {
	if s.state.CommitDate.Equal(o.state.CommitDate) {
		return s.id > o.id
	}
	return s.state.CommitDate.After(o.state.CommitDate)
}

func (s docState) track() string {
	if c := strings.TrimSpace(s.current.Category); c != "" {
		return c
	}
	if t := strings.TrimSpace(s.current.Type); t != "" {
		return t
	}
	return Unknown
}

func (s docState) year() string {
	if s.current.Created != nil {
		return strconv.Itoa(s.current.Created.UTC().Year())
	}
	return strconv.Itoa(s.first.UTC().Year())
}

func statusKey(raw string) string {
	for _, known := range knownStatuses {
		if proposals.StatusIs(raw, known) {
			return known
		}
	}
	if raw = strings.TrimSpace(raw); raw != "" {
		return raw
	}
	return Unknown
}

func labelOr(raw string) string {
	if raw = strings.TrimSpace(raw); raw != "" {
		return raw
	}
	return Unknown
}

// Fold computes the snapshot of protocol for period from its documents. It
// is a pure function of its arguments; documents without versions are
// ignored.
func Fold(protocol string, period snapshots.Period, asOf time.Time, docs []Document) snapshots.ProtocolSnapshot {
	states := make([]docState, 0, len(docs))
	for _, d := range docs {
		if s, ok := newDocState(d); ok {
			states = append(states, s)
		}
	}

	snap := snapshots.ProtocolSnapshot{
		Protocol:     protocol,
		Period:       period,
		AsOf:         asOf,
		Counts:       count(states),
		StatusCounts: map[string]int{},
		TypeCounts:   map[string]int{},
		YearCounts:   map[string]int{},
	}
	snap.AcceptanceRate = snap.Counts.Acceptance()

	byTrack := map[string][]docState{}
	for _, s := range states {
		snap.StatusCounts[statusKey(s.state.Status)]++
		snap.TypeCounts[labelOr(s.current.Type)]++
		snap.YearCounts[s.year()]++
		byTrack[s.track()] = append(byTrack[s.track()], s)
	}

	tracks := make([]string, 0, len(byTrack))
	for t := range byTrack {
		tracks = append(tracks, t)
	}
	sort.Strings(tracks)
	for _, t := range tracks {
		c := count(byTrack[t])
		snap.Tracks = append(snap.Tracks, snapshots.TrackSnapshot{
			Protocol:       protocol,
			Track:          t,
			Period:         period,
			Counts:         c,
			AcceptanceRate: c.Acceptance(),
		})
	}
	return snap
}

type authorTally struct {
	finalized bool
	latest    docState
	seen      bool
}

// count folds document states into counts. An author is finalized when any
// of their documents is Final or Living. An author is eligible unless their
// most recent document is Withdrawn or Stagnant; finalized authors are always
// eligible.
func count(states []docState) snapshots.Counts {
	var c snapshots.Counts
	tallies := map[int64]*authorTally{}

	for _, s := range states {
		c.Proposals++
		if proposals.IsActive(s.state.Status) {
			c.Active++
		}
		for _, id := range s.authors {
			t := tallies[id]
			if t == nil {
				t = &authorTally{}
				tallies[id] = t
			}
			if proposals.IsFinalized(s.current.Status) {
				t.finalized = true
			}
			if !t.seen || s.newer(t.latest) {
				t.latest = s
				t.seen = true
			}
		}
	}

	c.Authors = len(tallies)
	for _, t := range tallies {
		if t.finalized {
			c.FinalizedAuthors++
			c.EligibleAuthors++
			continue
		}
		if !proposals.IsAbandoned(t.latest.current.Status) {
			c.EligibleAuthors++
		}
	}
	return c
}

// Global sums protocol snapshots of one period. The centralization rate is
// one minus the summed acceptance rate, or zero when no author is eligible.
func Global(period snapshots.Period, protocols []snapshots.ProtocolSnapshot) snapshots.GlobalSnapshot {
	g := snapshots.GlobalSnapshot{Period: period, Protocols: len(protocols)}
	for _, p := range protocols {
		g.Counts = g.Counts.Add(p.Counts)
	}
	g.AcceptanceRate = g.Counts.Acceptance()
	if g.EligibleAuthors > 0 {
		g.CentralizationRate = 1 - g.AcceptanceRate
	}
	return g
}
