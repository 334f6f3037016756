// Package postgres persists the ingestion catalog, raw observations, hourly
// aggregates and watermarks in PostgreSQL with PostGIS.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/uroplatus666/geosensors-app/internal/domain"
)

//go:embed schema.sql
var schemaSQL string

// runLockKey identifies the session advisory lock held for the length of a run.
const runLockKey int64 = 0x53454e53 // "SENS"

// Store wraps a pgx pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL and verifies the connection.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", domain.ErrStorage, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %w", domain.ErrStorage, err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool resources.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the tables this service owns when they are missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("%w: ensure schema: %w", domain.ErrStorage, err)
	}
	return nil
}

// Lock takes the run advisory lock on a dedicated connection. The returned
// function releases it.
func (s *Store) Lock(ctx context.Context) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: acquire lock connection: %w", domain.ErrStorage, err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, runLockKey).Scan(&ok); err != nil {
		conn.Release()
		return nil, fmt.Errorf("%w: advisory lock: %w", domain.ErrStorage, err)
	}
	if !ok {
		conn.Release()
		return nil, domain.ErrRunInProgress
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Closing the session releases the lock even if the unlock fails.
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, runLockKey); err != nil {
			_ = conn.Conn().Close(ctx)
		}
		conn.Release()
	}, nil
}

// InTx runs fn in one transaction, committed only when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(domain.EntityWriter) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storageErr("begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&writer{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

const targetsSQL = `
SELECT d.datastream_id, d.remote_id, d.thing_id, d.parent_remote_id, d.dimension, s.last_time
FROM datastream d
LEFT JOIN ingestion_state s ON s.datastream_id = d.datastream_id
WHERE d.source = $1
ORDER BY d.datastream_id`

// Targets lists the local datastreams of a source grouped by remote stream,
// with their watermarks.
func (s *Store) Targets(ctx context.Context, source string) ([]domain.Target, error) {
	rows, err := s.pool.Query(ctx, targetsSQL, source)
	if err != nil {
		return nil, storageErr("list datastreams", err)
	}
	defer rows.Close()

	var datastreams []domain.Datastream
	watermarks := make(map[int64]time.Time)
	for rows.Next() {
		var (
			ds       domain.Datastream
			remoteID string
			parent   *string
			last     *time.Time
		)
		if err := rows.Scan(&ds.ID, &remoteID, &ds.ThingID, &parent, &ds.Dimension, &last); err != nil {
			return nil, storageErr("scan datastream", err)
		}
		ds.Source = source
		ds.RemoteID = domain.RemoteID(remoteID)
		if parent != nil {
			ds.ParentRemoteID = domain.RemoteID(*parent)
		}
		if last != nil {
			watermarks[ds.ID] = last.UTC()
		}
		datastreams = append(datastreams, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list datastreams", err)
	}
	return domain.GroupTargets(source, datastreams, watermarks), nil
}

// Watermark returns the last processed phenomenon time of a datastream.
func (s *Store) Watermark(ctx context.Context, datastreamID int64) (time.Time, bool, error) {
	var last time.Time
	err := s.pool.QueryRow(ctx, `SELECT last_time FROM ingestion_state WHERE datastream_id = $1`, datastreamID).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, storageErr("read watermark", err)
	}
	return last.UTC(), true, nil
}

const insertRawSQL = `
INSERT INTO raw_observation (datastream_id, phenomenon_time, value)
SELECT $1, r.t, r.v FROM unnest($2::timestamptz[], $3::float8[]) AS r(t, v)
ON CONFLICT (datastream_id, phenomenon_time) DO NOTHING`

// recomputeSQL rebuilds the given hours of one datastream from its raw rows.
// The location is the Thing's interval covering the hour start, if any.
const recomputeSQL = `
INSERT INTO observation_hour (datastream_id, thing_id, location_id, hour, avg_val, min_val, max_val, cnt)
SELECT $1, $2,
       (SELECT tl.location_id FROM thing_location tl
         WHERE tl.thing_id = $2 AND tl.start_time <= h.hour
           AND (tl.end_time IS NULL OR tl.end_time > h.hour)
         ORDER BY tl.start_time DESC LIMIT 1),
       h.hour, avg(r.value), min(r.value), max(r.value), count(*)
FROM unnest($3::timestamptz[]) AS h(hour)
JOIN raw_observation r
  ON r.datastream_id = $1
 AND r.phenomenon_time >= h.hour
 AND r.phenomenon_time < h.hour + interval '1 hour'
GROUP BY h.hour
ON CONFLICT (datastream_id, hour) DO UPDATE
SET thing_id = EXCLUDED.thing_id,
    location_id = EXCLUDED.location_id,
    avg_val = EXCLUDED.avg_val,
    min_val = EXCLUDED.min_val,
    max_val = EXCLUDED.max_val,
    cnt = EXCLUDED.cnt
RETURNING datastream_id, thing_id, location_id, hour, avg_val, min_val, max_val, cnt`

const advanceWatermarkSQL = `
INSERT INTO ingestion_state (datastream_id, last_time) VALUES ($1, $2)
ON CONFLICT (datastream_id) DO UPDATE
SET last_time = GREATEST(ingestion_state.last_time, EXCLUDED.last_time)`

// CommitWindows writes raw readings, recomputes the touched hours and
// advances watermarks in a single transaction.
func (s *Store) CommitWindows(ctx context.Context, windows []domain.Window) ([]domain.HourlyAggregate, error) {
	var out []domain.HourlyAggregate
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		out = out[:0]
		for _, w := range windows {
			aggs, err := commitWindow(ctx, tx, w)
			if err != nil {
				return err
			}
			out = append(out, aggs...)
		}
		return nil
	})
	if err != nil {
		return nil, storageErr("commit observations", err)
	}
	return out, nil
}

func commitWindow(ctx context.Context, tx pgx.Tx, w domain.Window) ([]domain.HourlyAggregate, error) {
	var out []domain.HourlyAggregate
	if len(w.Readings) > 0 {
		times := make([]time.Time, len(w.Readings))
		values := make([]float64, len(w.Readings))
		for i, r := range w.Readings {
			times[i] = r.Time.UTC()
			values[i] = r.Value
		}
		if _, err := tx.Exec(ctx, insertRawSQL, w.DatastreamID, times, values); err != nil {
			return nil, fmt.Errorf("insert raw observations for datastream %d: %w", w.DatastreamID, err)
		}

		rows, err := tx.Query(ctx, recomputeSQL, w.DatastreamID, w.ThingID, domain.Hours(w.Readings))
		if err != nil {
			return nil, fmt.Errorf("recompute hours for datastream %d: %w", w.DatastreamID, err)
		}
		for rows.Next() {
			var a domain.HourlyAggregate
			if err := rows.Scan(&a.DatastreamID, &a.ThingID, &a.LocationID, &a.Hour, &a.Avg, &a.Min, &a.Max, &a.Count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan hourly aggregate: %w", err)
			}
			a.Hour = a.Hour.UTC()
			out = append(out, a)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("recompute hours for datastream %d: %w", w.DatastreamID, err)
		}
	}

	if !w.Through.IsZero() {
		if _, err := tx.Exec(ctx, advanceWatermarkSQL, w.DatastreamID, w.Through.UTC()); err != nil {
			return nil, fmt.Errorf("advance watermark for datastream %d: %w", w.DatastreamID, err)
		}
	}
	return out, nil
}

func storageErr(op string, err error) error {
	if errors.Is(err, domain.ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrStorage, op, err)
}
