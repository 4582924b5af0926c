package memstore

import (
	"context"
	"maps"
	"slices"
	"sort"

	"github.com/Togather-Foundation/proposals/internal/domain/snapshots"
)

type snapshotStore struct{ s *Store }

func copyProtocolSnapshot(s snapshots.ProtocolSnapshot) snapshots.ProtocolSnapshot {
	s.StatusCounts = maps.Clone(s.StatusCounts)
	s.TypeCounts = maps.Clone(s.TypeCounts)
	s.YearCounts = maps.Clone(s.YearCounts)
	s.Tracks = slices.Clone(s.Tracks)
	return s
}

func (r *snapshotStore) UpsertProtocol(_ context.Context, s snapshots.ProtocolSnapshot) error {
	return r.s.run(func(d *state) error {
		d.protocol[protocolKey{protocol: s.Protocol, period: s.Period}] = copyProtocolSnapshot(s)
		return nil
	})
}

func (r *snapshotStore) GetProtocol(_ context.Context, protocol string, p snapshots.Period) (*snapshots.ProtocolSnapshot, error) {
	var out *snapshots.ProtocolSnapshot
	err := r.s.run(func(d *state) error {
		s, ok := d.protocol[protocolKey{protocol: protocol, period: p}]
		if !ok {
			return snapshots.ErrNotFound
		}
		s = copyProtocolSnapshot(s)
		out = &s
		return nil
	})
	return out, err
}

func (r *snapshotStore) ListProtocol(_ context.Context, p snapshots.Period) ([]snapshots.ProtocolSnapshot, error) {
	var out []snapshots.ProtocolSnapshot
	err := r.s.run(func(d *state) error {
		for key, s := range d.protocol {
			if key.period == p {
				out = append(out, copyProtocolSnapshot(s))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Protocol < out[j].Protocol })
	return out, err
}

func (r *snapshotStore) DeleteProtocol(_ context.Context, protocol string, p snapshots.Period) error {
	return r.s.run(func(d *state) error {
		delete(d.protocol, protocolKey{protocol: protocol, period: p})
		return nil
	})
}

func (r *snapshotStore) UpsertGlobal(_ context.Context, s snapshots.GlobalSnapshot) error {
	return r.s.run(func(d *state) error {
		d.global[s.Period] = s
		return nil
	})
}

func (r *snapshotStore) GetGlobal(_ context.Context, p snapshots.Period) (*snapshots.GlobalSnapshot, error) {
	var out *snapshots.GlobalSnapshot
	err := r.s.run(func(d *state) error {
		s, ok := d.global[p]
		if !ok {
			return snapshots.ErrNotFound
		}
		out = &s
		return nil
	})
	return out, err
}

func (r *snapshotStore) DeleteGlobal(_ context.Context, p snapshots.Period) error {
	return r.s.run(func(d *state) error {
		delete(d.global, p)
		return nil
	})
}
