package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/uroplatus666/geosensors-app/internal/domain"
)

// writer implements domain.EntityWriter inside one transaction.
type writer struct {
	tx pgx.Tx
}

func (w *writer) LocationID(ctx context.Context, source string, remoteID domain.RemoteID) (int64, bool, error) {
	return w.lookup(ctx, `SELECT location_id FROM location WHERE source = $1 AND remote_id = $2`, source, string(remoteID))
}

func (w *writer) LocationIDByName(ctx context.Context, name string) (int64, bool, error) {
	return w.lookup(ctx, `SELECT location_id FROM location WHERE name = $1 ORDER BY location_id LIMIT 1`, name)
}

func (w *writer) lookup(ctx context.Context, sql string, args ...any) (int64, bool, error) {
	var id int64
	err := w.tx.QueryRow(ctx, sql, args...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storageErr("lookup location", err)
	}
	return id, true, nil
}

const upsertLocationSQL = `
INSERT INTO location (source, remote_id, name, geom)
VALUES ($1, $2, $3, ST_GeomFromText($4, 4326))
ON CONFLICT (source, remote_id) DO UPDATE
SET name = EXCLUDED.name,
    geom = EXCLUDED.geom
RETURNING location_id`

func (w *writer) UpsertLocation(ctx context.Context, loc domain.Location) (int64, error) {
	if loc.Geometry == nil {
		return 0, fmt.Errorf("%w: location %s has no geometry", domain.ErrDataIntegrity, loc.RemoteID)
	}
	var id int64
	err := w.tx.QueryRow(ctx, upsertLocationSQL, loc.Source, string(loc.RemoteID), loc.Name, wkt.MarshalString(loc.Geometry)).Scan(&id)
	if err != nil {
		return 0, storageErr(fmt.Sprintf("upsert location %s", loc.RemoteID), err)
	}
	return id, nil
}

const upsertThingSQL = `
INSERT INTO thing (source, remote_id, name, description)
VALUES ($1, $2, $3, $4)
ON CONFLICT (source, remote_id) DO UPDATE
SET name = EXCLUDED.name,
    description = EXCLUDED.description
RETURNING thing_id`

func (w *writer) UpsertThing(ctx context.Context, thing domain.Thing) (int64, error) {
	var id int64
	err := w.tx.QueryRow(ctx, upsertThingSQL, thing.Source, string(thing.RemoteID), thing.Name, thing.Description).Scan(&id)
	if err != nil {
		return 0, storageErr(fmt.Sprintf("upsert thing %s", thing.RemoteID), err)
	}
	return id, nil
}

// The no-op update makes RETURNING yield the existing row.
const resolvePropertySQL = `
INSERT INTO observed_property (name, unit_symbol, definition)
VALUES ($1, $2, $3)
ON CONFLICT (name, unit_symbol) DO UPDATE
SET name = EXCLUDED.name
RETURNING obs_prop_id`

func (w *writer) ResolveProperty(ctx context.Context, prop domain.ObservedProperty) (int64, error) {
	var id int64
	err := w.tx.QueryRow(ctx, resolvePropertySQL, prop.Name, prop.Unit, prop.Definition).Scan(&id)
	if err != nil {
		return 0, storageErr(fmt.Sprintf("resolve property %q", prop.Name), err)
	}
	return id, nil
}

const upsertDatastreamSQL = `
INSERT INTO datastream (source, remote_id, thing_id, obs_prop_id, name, unit_symbol, parent_remote_id, dimension)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (source, remote_id) DO UPDATE
SET thing_id = EXCLUDED.thing_id,
    obs_prop_id = EXCLUDED.obs_prop_id,
    name = EXCLUDED.name,
    unit_symbol = EXCLUDED.unit_symbol,
    parent_remote_id = EXCLUDED.parent_remote_id,
    dimension = EXCLUDED.dimension
RETURNING datastream_id`

func (w *writer) UpsertDatastream(ctx context.Context, ds domain.Datastream) (int64, error) {
	var parent *string
	if ds.IsVirtual() {
		p := string(ds.ParentRemoteID)
		parent = &p
	}
	var id int64
	err := w.tx.QueryRow(ctx, upsertDatastreamSQL,
		ds.Source, string(ds.RemoteID), ds.ThingID, ds.PropertyID, ds.Name, ds.Unit, parent, ds.Dimension,
	).Scan(&id)
	if err != nil {
		return 0, storageErr(fmt.Sprintf("upsert datastream %s", ds.RemoteID), err)
	}
	return id, nil
}

func (w *writer) Intervals(ctx context.Context, thingID int64) ([]domain.Interval, error) {
	rows, err := w.tx.Query(ctx, `
SELECT location_id, start_time, end_time
FROM thing_location
WHERE thing_id = $1
ORDER BY start_time`, thingID)
	if err != nil {
		return nil, storageErr("list intervals", err)
	}
	defer rows.Close()

	var out []domain.Interval
	for rows.Next() {
		iv := domain.Interval{ThingID: thingID}
		var end *time.Time
		if err := rows.Scan(&iv.LocationID, &iv.Start, &end); err != nil {
			return nil, storageErr("scan interval", err)
		}
		iv.Start = iv.Start.UTC()
		if end != nil {
			e := end.UTC()
			iv.End = &e
		}
		out = append(out, iv)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list intervals", err)
	}
	return out, nil
}

const upsertIntervalSQL = `
INSERT INTO thing_location (thing_id, location_id, start_time, end_time)
VALUES ($1, $2, $3, $4)
ON CONFLICT (thing_id, start_time) DO UPDATE
SET location_id = EXCLUDED.location_id,
    end_time = EXCLUDED.end_time`

// WriteIntervals sends the upserts as one batch. The batch runs in order, so
// an interval is closed before its successor is opened.
func (w *writer) WriteIntervals(ctx context.Context, intervals []domain.Interval) error {
	if len(intervals) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, iv := range intervals {
		var end *time.Time
		if iv.End != nil {
			e := iv.End.UTC()
			end = &e
		}
		batch.Queue(upsertIntervalSQL, iv.ThingID, iv.LocationID, iv.Start.UTC(), end)
	}

	res := w.tx.SendBatch(ctx, batch)
	defer res.Close()

	for _, iv := range intervals {
		if _, err := res.Exec(); err != nil {
			return storageErr(fmt.Sprintf("write interval for thing %d at %s", iv.ThingID, iv.Start.Format(time.RFC3339)), err)
		}
	}
	return nil
}
