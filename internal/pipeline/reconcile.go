package pipeline

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/uroplatus666/geosensors-app/internal/domain"
	"github.com/uroplatus666/geosensors-app/internal/observability"
)

// Reconciliation reports what one source's catalog reconciliation touched.
type Reconciliation struct {
	Counts     map[domain.EntityKind]int
	Violations int
}

// Reconciler maps the remote catalog of a source onto local rows: Locations,
// Things with their location intervals, ObservedProperties, Datastreams and
// the per-dimension Datastreams of MultiDatastreams. Entities are written in
// transactions of batchSize remote records.
type Reconciler struct {
	store     Store
	geocoder  domain.Geocoder
	batchSize int
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewReconciler creates a Reconciler. geocoder may be nil.
func NewReconciler(store Store, geocoder domain.Geocoder, batchSize int, logger *slog.Logger, metrics *observability.Metrics) *Reconciler {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Reconciler{
		store:     store,
		geocoder:  geocoder,
		batchSize: batchSize,
		logger:    logger,
		metrics:   metrics,
	}
}

// reconcileRun holds the remote to local id maps of one Reconcile call.
type reconcileRun struct {
	*Reconciler
	src       domain.Source
	logger    *slog.Logger
	locations map[domain.RemoteID]int64
	things    map[domain.RemoteID]int64
	result    Reconciliation
}

// Reconcile upserts the catalog of src. Only Things reconciled in this call
// receive Datastreams, so entities of other sources are never linked.
// A remote or storage error aborts the source; batches already committed
// stay committed.
func (r *Reconciler) Reconcile(ctx context.Context, catalog Catalog, src domain.Source) (Reconciliation, error) {
	run := &reconcileRun{
		Reconciler: r,
		src:        src,
		logger:     r.logger.With("source", src.Name),
		locations:  make(map[domain.RemoteID]int64),
		things:     make(map[domain.RemoteID]int64),
		result:     Reconciliation{Counts: make(map[domain.EntityKind]int)},
	}

	steps := []struct {
		name string
		fn   func(context.Context, Catalog) error
	}{
		{"locations", run.locationsStep},
		{"things", run.thingsStep},
		{"datastreams", run.datastreamsStep},
		{"multidatastreams", run.multiDatastreamsStep},
	}
	for _, step := range steps {
		if err := step.fn(ctx, catalog); err != nil {
			return run.result, fmt.Errorf("reconcile %s of %s: %w", step.name, src.Name, err)
		}
	}

	run.logger.Info("catalog reconciled",
		"locations", run.result.Counts[domain.EntityLocation],
		"things", run.result.Counts[domain.EntityThing],
		"datastreams", run.result.Counts[domain.EntityDatastream],
		"intervals", run.result.Counts[domain.EntityInterval],
		"integrity_violations", run.result.Violations,
	)
	return run.result, nil
}

func (run *reconcileRun) violation(kind domain.EntityKind, id domain.RemoteID, err error) {
	run.result.Violations++
	run.metrics.IntegrityViolations.WithLabelValues(string(kind)).Inc()
	run.logger.Warn("skipping malformed remote entity", "kind", kind, "remote_id", id, "error", err)
}

func (run *reconcileRun) count(counts map[domain.EntityKind]int) {
	for kind, n := range counts {
		run.result.Counts[kind] += n
		run.metrics.EntitiesReconciled.WithLabelValues(string(kind)).Add(float64(n))
	}
}

// --- locations ---

func (run *reconcileRun) locationsStep(ctx context.Context, catalog Catalog) error {
	prepare := func(rl domain.RemoteLocation) (domain.Location, bool) {
		geom, err := domain.NormalizeGeometry(rl.Geometry)
		if err != nil {
			run.violation(domain.EntityLocation, rl.ID, err)
			return domain.Location{}, false
		}
		name := domain.LocationName(ctx, rl, geom, run.geocoder, run.logger)
		if !run.src.AllowsLocation(name) {
			return domain.Location{}, false
		}
		return domain.Location{Source: run.src.Name, RemoteID: rl.ID, Name: name, Geometry: geom}, true
	}

	return batched(catalog.Locations(ctx), run.batchSize, prepare, func(batch []domain.Location) error {
		ids := make(map[domain.RemoteID]int64, len(batch))
		err := run.store.InTx(ctx, func(w domain.EntityWriter) error {
			for _, loc := range batch {
				id, err := run.upsertLocation(ctx, w, loc)
				if err != nil {
					return err
				}
				ids[loc.RemoteID] = id
			}
			return nil
		})
		if err != nil {
			return err
		}
		for k, v := range ids {
			run.locations[k] = v
		}
		run.count(map[domain.EntityKind]int{domain.EntityLocation: len(batch)})
		return nil
	})
}

// upsertLocation writes loc unless name matching is enabled and a Location
// of the same name already exists under another identity.
func (run *reconcileRun) upsertLocation(ctx context.Context, w domain.EntityWriter, loc domain.Location) (int64, error) {
	if !run.src.MatchLocationsByName {
		return w.UpsertLocation(ctx, loc)
	}
	_, known, err := w.LocationID(ctx, loc.Source, loc.RemoteID)
	if err != nil {
		return 0, err
	}
	if !known {
		id, found, err := w.LocationIDByName(ctx, loc.Name)
		if err != nil {
			return 0, err
		}
		if found {
			run.logger.Debug("location matched by name", "remote_id", loc.RemoteID, "name", loc.Name, "location_id", id)
			return id, nil
		}
	}
	return w.UpsertLocation(ctx, loc)
}

// --- things and intervals ---

type pendingThing struct {
	thing   domain.Thing
	changes []domain.LocationChange
}

func (run *reconcileRun) thingsStep(ctx context.Context, catalog Catalog) error {
	restricted := len(run.src.LocationNames) > 0

	prepare := func(rt domain.RemoteThing) (pendingThing, bool) {
		var changes []domain.LocationChange
		for _, h := range rt.History {
			id, ok := run.locations[h.LocationID]
			if !ok {
				if !restricted {
					run.logger.Debug("history references unknown location", "thing", rt.ID, "location", h.LocationID)
				}
				continue
			}
			changes = append(changes, domain.LocationChange{Time: h.Time, LocationID: id, Seq: h.Seq})
		}

		var current []int64
		for _, rid := range rt.Locations {
			if id, ok := run.locations[rid]; ok {
				current = append(current, id)
			}
		}
		if len(changes) == 0 && len(current) > 0 {
			changes = append(changes, domain.LocationChange{Time: domain.Epoch, LocationID: current[0]})
		}

		if restricted && len(changes) == 0 {
			return pendingThing{}, false
		}
		return pendingThing{
			thing: domain.Thing{
				Source:      run.src.Name,
				RemoteID:    rt.ID,
				Name:        rt.Name,
				Description: rt.Description,
			},
			changes: changes,
		}, true
	}

	return batched(catalog.Things(ctx), run.batchSize, prepare, func(batch []pendingThing) error {
		ids := make(map[domain.RemoteID]int64, len(batch))
		intervals := 0
		err := run.store.InTx(ctx, func(w domain.EntityWriter) error {
			for _, p := range batch {
				id, err := w.UpsertThing(ctx, p.thing)
				if err != nil {
					return err
				}
				ids[p.thing.RemoteID] = id

				persisted, err := w.Intervals(ctx, id)
				if err != nil {
					return err
				}
				writes := domain.MergeIntervals(persisted, domain.BuildIntervals(id, p.changes))
				if err := w.WriteIntervals(ctx, writes); err != nil {
					return err
				}
				intervals += len(writes)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for k, v := range ids {
			run.things[k] = v
		}
		run.count(map[domain.EntityKind]int{domain.EntityThing: len(batch), domain.EntityInterval: intervals})
		return nil
	})
}

// --- datastreams ---

type pendingDatastream struct {
	property   domain.ObservedProperty
	datastream domain.Datastream
}

func (run *reconcileRun) datastreamsStep(ctx context.Context, catalog Catalog) error {
	prepare := func(rd domain.RemoteDatastream) ([]pendingDatastream, bool) {
		thingID, ok := run.things[rd.ThingID]
		if !ok {
			run.logger.Debug("skipping datastream of unreconciled thing", "datastream", rd.ID, "thing", rd.ThingID)
			return nil, false
		}
		if rd.Property.Name == "" {
			run.violation(domain.EntityDatastream, rd.ID, fmt.Errorf("%w: datastream has no observed property", domain.ErrDataIntegrity))
			return nil, false
		}
		unit := rd.Unit.Key()
		return []pendingDatastream{{
			property: domain.ObservedProperty{Name: rd.Property.Name, Unit: unit, Definition: rd.Property.Definition},
			datastream: domain.Datastream{
				Source:    run.src.Name,
				RemoteID:  rd.ID,
				ThingID:   thingID,
				Name:      rd.Name,
				Unit:      unit,
				Dimension: domain.NoDimension,
			},
		}}, true
	}
	return batched(catalog.Datastreams(ctx), run.batchSize, prepare, run.writeDatastreams(ctx))
}

func (run *reconcileRun) multiDatastreamsStep(ctx context.Context, catalog Catalog) error {
	prepare := func(md domain.RemoteMultiDatastream) ([]pendingDatastream, bool) {
		thingID, ok := run.things[md.ThingID]
		if !ok {
			run.logger.Debug("skipping multidatastream of unreconciled thing", "multidatastream", md.ID, "thing", md.ThingID)
			return nil, false
		}
		if len(md.Units) == 0 {
			run.violation(domain.EntityDatastream, md.ID, fmt.Errorf("%w: multidatastream has no dimensions", domain.ErrDataIntegrity))
			return nil, false
		}
		if len(md.Properties) > 0 && len(md.Properties) != len(md.Units) {
			run.violation(domain.EntityDatastream, md.ID, fmt.Errorf("%w: %d units but %d observed properties",
				domain.ErrDataIntegrity, len(md.Units), len(md.Properties)))
			return nil, false
		}

		out := make([]pendingDatastream, len(md.Units))
		for i, u := range md.Units {
			prop := dimensionProperty(run.src, md, i)
			if prop.Unit == "" {
				prop.Unit = u.Key()
			}
			out[i] = pendingDatastream{
				property: prop,
				datastream: domain.Datastream{
					Source:         run.src.Name,
					RemoteID:       domain.VirtualDatastreamID(md.ID, i),
					ThingID:        thingID,
					Name:           fmt.Sprintf("%s: %s", md.Name, prop.Name),
					Unit:           prop.Unit,
					ParentRemoteID: md.ID,
					Dimension:      i,
				},
			}
		}
		return out, true
	}
	return batched(catalog.MultiDatastreams(ctx), run.batchSize, prepare, run.writeDatastreams(ctx))
}

// dimensionProperty names dimension i of md: a configured override first,
// then the remote ObservedProperty, then a synthetic name. An empty Unit
// means the dimension's unit of measurement applies.
func dimensionProperty(src domain.Source, md domain.RemoteMultiDatastream, i int) domain.ObservedProperty {
	var prop domain.ObservedProperty
	if i < len(md.Properties) {
		prop.Name = md.Properties[i].Name
		prop.Definition = md.Properties[i].Definition
	}
	if o, ok := src.PropertyOverrides[i]; ok {
		if o.Name != "" {
			prop.Name = o.Name
		}
		prop.Unit = o.Unit
	}
	if prop.Name == "" {
		prop.Name = fmt.Sprintf("MD%s_c%d", md.ID, i)
	}
	return prop
}

func (run *reconcileRun) writeDatastreams(ctx context.Context) func([][]pendingDatastream) error {
	return func(batch [][]pendingDatastream) error {
		written := 0
		properties := make(map[int64]struct{})
		err := run.store.InTx(ctx, func(w domain.EntityWriter) error {
			for _, group := range batch {
				for _, p := range group {
					propID, err := w.ResolveProperty(ctx, p.property)
					if err != nil {
						return err
					}
					properties[propID] = struct{}{}
					ds := p.datastream
					ds.PropertyID = propID
					if _, err := w.UpsertDatastream(ctx, ds); err != nil {
						return err
					}
					written++
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		run.count(map[domain.EntityKind]int{domain.EntityDatastream: written, domain.EntityProperty: len(properties)})
		return nil
	}
}

// batched drains seq, converts each item with prepare (dropping those it
// rejects) and hands the results to flush in groups of at most size.
func batched[T, U any](seq iter.Seq2[T, error], size int, prepare func(T) (U, bool), flush func([]U) error) error {
	batch := make([]U, 0, size)
	for item, err := range seq {
		if err != nil {
			return err
		}
		u, ok := prepare(item)
		if !ok {
			continue
		}
		batch = append(batch, u)
		if len(batch) >= size {
			if err := flush(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		return flush(batch)
	}
	return nil
}
