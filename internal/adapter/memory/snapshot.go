package memory

import (
	"context"
	"sort"
	"time"

	"github.com/uroplatus666/geosensors-app/internal/domain"
)

// Snapshot is a point-in-time copy of every table. Slices are ordered by id,
// intervals by thing and start, aggregates by datastream and hour.
type Snapshot struct {
	Locations   []domain.Location
	Things      []domain.Thing
	Properties  []domain.ObservedProperty
	Datastreams []domain.Datastream
	Intervals   []domain.Interval
	Raw         map[int64]int
	Aggregates  []domain.HourlyAggregate
	Watermarks  map[int64]time.Time
}

// Snapshot copies the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Raw:        make(map[int64]int, len(s.raw)),
		Watermarks: make(map[int64]time.Time, len(s.watermarks)),
	}
	for _, l := range s.cat.locations {
		snap.Locations = append(snap.Locations, l)
	}
	sort.Slice(snap.Locations, func(i, j int) bool { return snap.Locations[i].ID < snap.Locations[j].ID })
	for _, th := range s.cat.things {
		snap.Things = append(snap.Things, th)
	}
	sort.Slice(snap.Things, func(i, j int) bool { return snap.Things[i].ID < snap.Things[j].ID })
	for _, p := range s.cat.properties {
		snap.Properties = append(snap.Properties, p)
	}
	sort.Slice(snap.Properties, func(i, j int) bool { return snap.Properties[i].ID < snap.Properties[j].ID })
	for _, ds := range s.cat.datastreams {
		snap.Datastreams = append(snap.Datastreams, ds)
	}
	sort.Slice(snap.Datastreams, func(i, j int) bool { return snap.Datastreams[i].ID < snap.Datastreams[j].ID })
	for _, ivs := range s.cat.intervals {
		snap.Intervals = append(snap.Intervals, ivs...)
	}
	sort.Slice(snap.Intervals, func(i, j int) bool {
		a, b := snap.Intervals[i], snap.Intervals[j]
		if a.ThingID != b.ThingID {
			return a.ThingID < b.ThingID
		}
		return a.Start.Before(b.Start)
	})
	for id, raw := range s.raw {
		snap.Raw[id] = len(raw)
	}
	for _, a := range s.aggregates {
		snap.Aggregates = append(snap.Aggregates, a)
	}
	sort.Slice(snap.Aggregates, func(i, j int) bool {
		a, b := snap.Aggregates[i], snap.Aggregates[j]
		if a.DatastreamID != b.DatastreamID {
			return a.DatastreamID < b.DatastreamID
		}
		return a.Hour.Before(b.Hour)
	})
	for id, w := range s.watermarks {
		snap.Watermarks[id] = w
	}
	return snap
}

// Intervals returns the intervals of a Thing in ascending start order.
func (s *Store) Intervals(thingID int64) []domain.Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Interval(nil), s.cat.intervals[thingID]...)
}

// Watermark returns the watermark of a datastream, if any.
func (s *Store) Watermark(_ context.Context, datastreamID int64) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watermarks[datastreamID]
	return w, ok, nil
}

// RawCount returns the number of raw readings stored for a datastream.
func (s *Store) RawCount(datastreamID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.raw[datastreamID])
}

// Aggregates returns the hourly rows of a datastream in hour order.
func (s *Store) Aggregates(datastreamID int64) []domain.HourlyAggregate {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.HourlyAggregate
	for k, a := range s.aggregates {
		if k.datastreamID == datastreamID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out
}

// DatastreamID looks up the local id of a (source, remote id) datastream.
func (s *Store) DatastreamID(source string, remoteID domain.RemoteID) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.cat.dsByKey[entityKey{source, remoteID}]
	return id, ok
}
