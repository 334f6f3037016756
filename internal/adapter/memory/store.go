// Package memory is an in-process implementation of the ingestion store. It
// backs DRY_RUN and serves as the store in pipeline tests. Entity batches
// are applied copy-on-write so a failed batch leaves no trace.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"

	"github.com/uroplatus666/geosensors-app/internal/domain"
)

type entityKey struct {
	source   string
	remoteID domain.RemoteID
}

type propertyKey struct {
	name string
	unit string
}

type aggregateKey struct {
	datastreamID int64
	hour         int64
}

// catalog holds the entity tables.
type catalog struct {
	nextID      int64
	locations   map[int64]domain.Location
	locByKey    map[entityKey]int64
	things      map[int64]domain.Thing
	thingByKey  map[entityKey]int64
	properties  map[int64]domain.ObservedProperty
	propByKey   map[propertyKey]int64
	datastreams map[int64]domain.Datastream
	dsByKey     map[entityKey]int64
	intervals   map[int64][]domain.Interval // by thing, ascending start
}

func newCatalog() *catalog {
	return &catalog{
		locations:   make(map[int64]domain.Location),
		locByKey:    make(map[entityKey]int64),
		things:      make(map[int64]domain.Thing),
		thingByKey:  make(map[entityKey]int64),
		properties:  make(map[int64]domain.ObservedProperty),
		propByKey:   make(map[propertyKey]int64),
		datastreams: make(map[int64]domain.Datastream),
		dsByKey:     make(map[entityKey]int64),
		intervals:   make(map[int64][]domain.Interval),
	}
}

func (c *catalog) clone() *catalog {
	n := &catalog{
		nextID:      c.nextID,
		locations:   make(map[int64]domain.Location, len(c.locations)),
		locByKey:    make(map[entityKey]int64, len(c.locByKey)),
		things:      make(map[int64]domain.Thing, len(c.things)),
		thingByKey:  make(map[entityKey]int64, len(c.thingByKey)),
		properties:  make(map[int64]domain.ObservedProperty, len(c.properties)),
		propByKey:   make(map[propertyKey]int64, len(c.propByKey)),
		datastreams: make(map[int64]domain.Datastream, len(c.datastreams)),
		dsByKey:     make(map[entityKey]int64, len(c.dsByKey)),
		intervals:   make(map[int64][]domain.Interval, len(c.intervals)),
	}
	for k, v := range c.locations {
		n.locations[k] = v
	}
	for k, v := range c.locByKey {
		n.locByKey[k] = v
	}
	for k, v := range c.things {
		n.things[k] = v
	}
	for k, v := range c.thingByKey {
		n.thingByKey[k] = v
	}
	for k, v := range c.properties {
		n.properties[k] = v
	}
	for k, v := range c.propByKey {
		n.propByKey[k] = v
	}
	for k, v := range c.datastreams {
		n.datastreams[k] = v
	}
	for k, v := range c.dsByKey {
		n.dsByKey[k] = v
	}
	for k, v := range c.intervals {
		n.intervals[k] = append([]domain.Interval(nil), v...)
	}
	return n
}

// Store keeps every table in memory.
type Store struct {
	mu         sync.Mutex
	cat        *catalog
	raw        map[int64]map[int64]float64 // datastream -> unix nanos -> value
	aggregates map[aggregateKey]domain.HourlyAggregate
	watermarks map[int64]time.Time
	locked     bool

	// CommitHook, when set, runs before a commit is applied. A non-nil error
	// aborts the commit.
	CommitHook func(windows []domain.Window) error
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		cat:        newCatalog(),
		raw:        make(map[int64]map[int64]float64),
		aggregates: make(map[aggregateKey]domain.HourlyAggregate),
		watermarks: make(map[int64]time.Time),
	}
}

// Lock marks a run as in progress. A second caller gets domain.ErrRunInProgress.
func (s *Store) Lock(_ context.Context) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return nil, domain.ErrRunInProgress
	}
	s.locked = true
	return func() {
		s.mu.Lock()
		s.locked = false
		s.mu.Unlock()
	}, nil
}

// InTx runs fn against a copy of the catalog and publishes the copy only
// when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(domain.EntityWriter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.cat.clone()
	if err := fn(&writer{cat: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStorage, err)
	}
	s.cat = work
	return nil
}

// Targets lists the local datastreams of a source grouped by remote stream.
func (s *Store) Targets(_ context.Context, source string) ([]domain.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	datastreams := make([]domain.Datastream, 0, len(s.cat.datastreams))
	for _, ds := range s.cat.datastreams {
		datastreams = append(datastreams, ds)
	}
	sort.Slice(datastreams, func(i, j int) bool { return datastreams[i].ID < datastreams[j].ID })
	return domain.GroupTargets(source, datastreams, s.watermarks), nil
}

// CommitWindows stores raw readings, recomputes every touched hour from the
// stored raw readings and advances watermarks, all or nothing.
func (s *Store) CommitWindows(ctx context.Context, windows []domain.Window) ([]domain.HourlyAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.CommitHook != nil {
		if err := s.CommitHook(windows); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrStorage, err)
		}
	}
	for _, w := range windows {
		if _, ok := s.cat.datastreams[w.DatastreamID]; !ok {
			return nil, fmt.Errorf("%w: unknown datastream %d", domain.ErrStorage, w.DatastreamID)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStorage, err)
	}

	var out []domain.HourlyAggregate
	for _, w := range windows {
		raw, ok := s.raw[w.DatastreamID]
		if !ok {
			raw = make(map[int64]float64)
			s.raw[w.DatastreamID] = raw
		}
		for _, r := range w.Readings {
			k := r.Time.UnixNano()
			if _, exists := raw[k]; !exists {
				raw[k] = r.Value
			}
		}

		for _, hour := range domain.Hours(w.Readings) {
			agg, ok := s.recompute(w, hour)
			if !ok {
				continue
			}
			s.aggregates[aggregateKey{w.DatastreamID, hour.UnixNano()}] = agg
			out = append(out, agg)
		}

		if !w.Through.IsZero() {
			if cur, ok := s.watermarks[w.DatastreamID]; !ok || w.Through.After(cur) {
				s.watermarks[w.DatastreamID] = w.Through.UTC()
			}
		}
	}
	return out, nil
}

func (s *Store) recompute(w domain.Window, hour time.Time) (domain.HourlyAggregate, bool) {
	from, to := hour.UnixNano(), hour.Add(time.Hour).UnixNano()
	var readings []domain.Reading
	for k, v := range s.raw[w.DatastreamID] {
		if k >= from && k < to {
			readings = append(readings, domain.Reading{Time: time.Unix(0, k).UTC(), Value: v})
		}
	}
	buckets := domain.AggregateHourly(readings)
	if len(buckets) == 0 {
		return domain.HourlyAggregate{}, false
	}
	b := buckets[0]
	agg := domain.HourlyAggregate{
		DatastreamID: w.DatastreamID,
		ThingID:      w.ThingID,
		Hour:         b.Hour,
		Avg:          b.Avg(),
		Min:          b.Min,
		Max:          b.Max,
		Count:        b.Count,
	}
	if loc, ok := domain.LocationAt(s.cat.intervals[w.ThingID], hour); ok {
		agg.LocationID = &loc
	}
	return agg, true
}

// writer applies entity upserts to a working copy of the catalog.
type writer struct {
	cat *catalog
}

func (w *writer) id() int64 {
	w.cat.nextID++
	return w.cat.nextID
}

func (w *writer) LocationID(_ context.Context, source string, remoteID domain.RemoteID) (int64, bool, error) {
	id, ok := w.cat.locByKey[entityKey{source, remoteID}]
	return id, ok, nil
}

func (w *writer) LocationIDByName(_ context.Context, name string) (int64, bool, error) {
	var best int64
	for id, l := range w.cat.locations {
		if l.Name == name && (best == 0 || id < best) {
			best = id
		}
	}
	return best, best != 0, nil
}

func (w *writer) UpsertLocation(_ context.Context, loc domain.Location) (int64, error) {
	k := entityKey{loc.Source, loc.RemoteID}
	if id, ok := w.cat.locByKey[k]; ok {
		cur := w.cat.locations[id]
		if cur.Name != loc.Name || !orb.Equal(cur.Geometry, loc.Geometry) {
			cur.Name = loc.Name
			cur.Geometry = orb.Clone(loc.Geometry)
			w.cat.locations[id] = cur
		}
		return id, nil
	}
	loc.ID = w.id()
	loc.Geometry = orb.Clone(loc.Geometry)
	w.cat.locations[loc.ID] = loc
	w.cat.locByKey[k] = loc.ID
	return loc.ID, nil
}

func (w *writer) UpsertThing(_ context.Context, thing domain.Thing) (int64, error) {
	k := entityKey{thing.Source, thing.RemoteID}
	if id, ok := w.cat.thingByKey[k]; ok {
		cur := w.cat.things[id]
		cur.Name, cur.Description = thing.Name, thing.Description
		w.cat.things[id] = cur
		return id, nil
	}
	thing.ID = w.id()
	w.cat.things[thing.ID] = thing
	w.cat.thingByKey[k] = thing.ID
	return thing.ID, nil
}

func (w *writer) ResolveProperty(_ context.Context, prop domain.ObservedProperty) (int64, error) {
	k := propertyKey{prop.Name, prop.Unit}
	if id, ok := w.cat.propByKey[k]; ok {
		return id, nil
	}
	prop.ID = w.id()
	w.cat.properties[prop.ID] = prop
	w.cat.propByKey[k] = prop.ID
	return prop.ID, nil
}

func (w *writer) UpsertDatastream(_ context.Context, ds domain.Datastream) (int64, error) {
	if _, ok := w.cat.things[ds.ThingID]; !ok {
		return 0, fmt.Errorf("%w: datastream %s references unknown thing %d", domain.ErrStorage, ds.RemoteID, ds.ThingID)
	}
	if _, ok := w.cat.properties[ds.PropertyID]; !ok {
		return 0, fmt.Errorf("%w: datastream %s references unknown property %d", domain.ErrStorage, ds.RemoteID, ds.PropertyID)
	}
	k := entityKey{ds.Source, ds.RemoteID}
	if id, ok := w.cat.dsByKey[k]; ok {
		ds.ID = id
		w.cat.datastreams[id] = ds
		return id, nil
	}
	ds.ID = w.id()
	w.cat.datastreams[ds.ID] = ds
	w.cat.dsByKey[k] = ds.ID
	return ds.ID, nil
}

func (w *writer) Intervals(_ context.Context, thingID int64) ([]domain.Interval, error) {
	return append([]domain.Interval(nil), w.cat.intervals[thingID]...), nil
}

func (w *writer) WriteIntervals(_ context.Context, intervals []domain.Interval) error {
	for _, iv := range intervals {
		rows := w.cat.intervals[iv.ThingID]
		replaced := false
		for i := range rows {
			if rows[i].Start.Equal(iv.Start) {
				rows[i] = iv
				replaced = true
				break
			}
		}
		if !replaced {
			rows = append(rows, iv)
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].Start.Before(rows[j].Start) })
		open := 0
		for _, r := range rows {
			if r.Open() {
				open++
			}
		}
		if open > 1 {
			return fmt.Errorf("%w: thing %d would have %d open intervals", domain.ErrStorage, iv.ThingID, open)
		}
		w.cat.intervals[iv.ThingID] = rows
	}
	return nil
}
