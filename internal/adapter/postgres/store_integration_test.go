//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/uroplatus666/geosensors-app/internal/adapter/postgres"
	"github.com/uroplatus666/geosensors-app/internal/domain"
)

func startStore(ctx context.Context, t *testing.T) *postgres.Store {
	t.Helper()

	ctr, err := tcpostgres.Run(ctx, "postgis/postgis:16-3.4",
		tcpostgres.WithDatabase("geosensors"),
		tcpostgres.WithUsername("ingest"),
		tcpostgres.WithPassword("secret"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err, "start postgis container")

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := postgres.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.EnsureSchema(ctx), "schema bootstrap is idempotent")
	return store
}

func at(h, m int) time.Time {
	return time.Date(2024, 3, 1, h, m, 0, 0, time.UTC)
}

func TestStore_RoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	store := startStore(ctx, t)

	var thingID, roofID, yardID, dsID, virtID int64
	require.NoError(t, store.InTx(ctx, func(w domain.EntityWriter) error {
		var err error
		roofID, err = w.UpsertLocation(ctx, domain.Location{Source: "hse", RemoteID: "1", Name: "Roof", Geometry: orb.Point{37.6, 55.7}})
		require.NoError(t, err)
		yardID, err = w.UpsertLocation(ctx, domain.Location{Source: "hse", RemoteID: "2", Name: "Yard", Geometry: orb.Polygon{{{37, 55}, {38, 55}, {38, 56}, {37, 55}}}})
		require.NoError(t, err)
		thingID, err = w.UpsertThing(ctx, domain.Thing{Source: "hse", RemoteID: "10", Name: "Station"})
		require.NoError(t, err)
		propID, err := w.ResolveProperty(ctx, domain.ObservedProperty{Name: "Temperature", Unit: "degC"})
		require.NoError(t, err)
		again, err := w.ResolveProperty(ctx, domain.ObservedProperty{Name: "Temperature", Unit: "degC"})
		require.NoError(t, err)
		assert.Equal(t, propID, again)

		dsID, err = w.UpsertDatastream(ctx, domain.Datastream{Source: "hse", RemoteID: "100", ThingID: thingID, PropertyID: propID, Dimension: domain.NoDimension})
		require.NoError(t, err)
		virtID, err = w.UpsertDatastream(ctx, domain.Datastream{Source: "hse", RemoteID: "7#0", ParentRemoteID: "7", ThingID: thingID, PropertyID: propID, Dimension: 0})
		require.NoError(t, err)

		end := at(12, 0)
		return w.WriteIntervals(ctx, []domain.Interval{
			{ThingID: thingID, LocationID: roofID, Start: at(0, 0), End: &end},
			{ThingID: thingID, LocationID: yardID, Start: at(12, 0)},
		})
	}))

	targets, err := store.Targets(ctx, "hse")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, domain.StreamRef{Kind: domain.KindDatastream, ID: "100"}, targets[0].Ref)
	assert.Equal(t, domain.StreamRef{Kind: domain.KindMultiDatastream, ID: "7"}, targets[1].Ref)
	assert.Equal(t, virtID, targets[1].Streams[0].DatastreamID)

	aggs, err := store.CommitWindows(ctx, []domain.Window{{
		DatastreamID: dsID,
		ThingID:      thingID,
		Readings: []domain.Reading{
			{Time: at(11, 10), Value: 1},
			{Time: at(11, 50), Value: 3},
			{Time: at(12, 30), Value: 10},
		},
		Through: at(12, 30),
	}})
	require.NoError(t, err)
	require.Len(t, aggs, 2)

	byHour := map[time.Time]domain.HourlyAggregate{}
	for _, a := range aggs {
		byHour[a.Hour] = a
	}
	require.NotNil(t, byHour[at(11, 0)].LocationID)
	assert.Equal(t, roofID, *byHour[at(11, 0)].LocationID)
	assert.InDelta(t, 2.0, byHour[at(11, 0)].Avg, 1e-9)
	require.NotNil(t, byHour[at(12, 0)].LocationID)
	assert.Equal(t, yardID, *byHour[at(12, 0)].LocationID)

	// Replaying the same readings leaves the hour unchanged.
	aggs, err = store.CommitWindows(ctx, []domain.Window{{
		DatastreamID: dsID, ThingID: thingID,
		Readings: []domain.Reading{{Time: at(11, 10), Value: 1}},
		Through:  at(11, 10),
	}})
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, 2, aggs[0].Count)

	w, ok, err := store.Watermark(ctx, dsID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, at(12, 30), w, "watermark never regresses")

	targets, err = store.Targets(ctx, "hse")
	require.NoError(t, err)
	require.NotNil(t, targets[0].Streams[0].Watermark)
	assert.Equal(t, at(12, 30), *targets[0].Streams[0].Watermark)
}

func TestStore_InTxRollsBack(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	store := startStore(ctx, t)

	err := store.InTx(ctx, func(w domain.EntityWriter) error {
		thingID, err := w.UpsertThing(ctx, domain.Thing{Source: "hse", RemoteID: "10", Name: "Station"})
		require.NoError(t, err)
		// No location 999 exists.
		return w.WriteIntervals(ctx, []domain.Interval{{ThingID: thingID, LocationID: 999, Start: at(0, 0)}})
	})
	require.ErrorIs(t, err, domain.ErrStorage)

	targets, err := store.Targets(ctx, "hse")
	require.NoError(t, err)
	assert.Empty(t, targets)

	require.NoError(t, store.InTx(ctx, func(w domain.EntityWriter) error {
		_, ok, err := w.LocationID(ctx, "hse", "1")
		assert.False(t, ok)
		return err
	}))
}

func TestStore_LockIsExclusive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	store := startStore(ctx, t)

	unlock, err := store.Lock(ctx)
	require.NoError(t, err)

	_, err = store.Lock(ctx)
	require.ErrorIs(t, err, domain.ErrRunInProgress)

	unlock()
	unlock, err = store.Lock(ctx)
	require.NoError(t, err)
	unlock()
}
