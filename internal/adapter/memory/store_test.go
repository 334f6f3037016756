package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uroplatus666/geosensors-app/internal/domain"
)

func at(h, m int) time.Time {
	return time.Date(2024, 3, 1, h, m, 0, 0, time.UTC)
}

// seed creates one Thing with a scalar and a virtual datastream.
func seed(t *testing.T, s *Store) (thingID, locID, dsID, virtID int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.InTx(ctx, func(w domain.EntityWriter) error {
		var err error
		locID, err = w.UpsertLocation(ctx, domain.Location{Source: "hse", RemoteID: "1", Name: "Roof", Geometry: orb.Point{37.6, 55.7}})
		require.NoError(t, err)
		thingID, err = w.UpsertThing(ctx, domain.Thing{Source: "hse", RemoteID: "10", Name: "Station"})
		require.NoError(t, err)
		propID, err := w.ResolveProperty(ctx, domain.ObservedProperty{Name: "Temperature", Unit: "degC"})
		require.NoError(t, err)
		dsID, err = w.UpsertDatastream(ctx, domain.Datastream{Source: "hse", RemoteID: "100", ThingID: thingID, PropertyID: propID, Dimension: domain.NoDimension})
		require.NoError(t, err)
		virtID, err = w.UpsertDatastream(ctx, domain.Datastream{Source: "hse", RemoteID: "7#0", ParentRemoteID: "7", ThingID: thingID, PropertyID: propID, Dimension: 0})
		require.NoError(t, err)
		return w.WriteIntervals(ctx, []domain.Interval{{ThingID: thingID, LocationID: locID, Start: at(0, 0)}})
	}))
	return
}

func TestInTx_RollsBackOnError(t *testing.T) {
	s := New()
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(w domain.EntityWriter) error {
		_, err := w.UpsertThing(ctx, domain.Thing{Source: "hse", RemoteID: "1"})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.InTx(ctx, func(w domain.EntityWriter) error {
		_, ok, err := w.LocationID(ctx, "hse", "1")
		assert.False(t, ok)
		return err
	}))
	assert.Empty(t, s.Snapshot().Things)
}

func TestUpserts_AreKeyedByIdentity(t *testing.T) {
	s := New()
	ctx := context.Background()
	thingID, locID, _, _ := seed(t, s)

	require.NoError(t, s.InTx(ctx, func(w domain.EntityWriter) error {
		id, err := w.UpsertThing(ctx, domain.Thing{Source: "hse", RemoteID: "10", Name: "Renamed"})
		require.NoError(t, err)
		assert.Equal(t, thingID, id)

		id, err = w.UpsertLocation(ctx, domain.Location{Source: "hse", RemoteID: "1", Name: "Roof", Geometry: orb.Point{37.6, 55.7}})
		require.NoError(t, err)
		assert.Equal(t, locID, id)

		other, err := w.UpsertLocation(ctx, domain.Location{Source: "rudn", RemoteID: "1", Name: "Roof", Geometry: orb.Point{37.5, 55.6}})
		require.NoError(t, err)
		assert.NotEqual(t, locID, other)

		byName, ok, err := w.LocationIDByName(ctx, "Roof")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, locID, byName)
		return nil
	}))

	snap := s.Snapshot()
	assert.Len(t, snap.Things, 1)
	assert.Equal(t, "Renamed", snap.Things[0].Name)
	assert.Len(t, snap.Locations, 2)
	assert.Len(t, snap.Properties, 1)
}

func TestResolveProperty_SharesNameAndUnit(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InTx(ctx, func(w domain.EntityWriter) error {
		a, _ := w.ResolveProperty(ctx, domain.ObservedProperty{Name: "PM2.5", Unit: "ug/m3"})
		b, _ := w.ResolveProperty(ctx, domain.ObservedProperty{Name: "PM2.5", Unit: "ug/m3", Definition: "other"})
		c, _ := w.ResolveProperty(ctx, domain.ObservedProperty{Name: "PM2.5", Unit: "mg/m3"})
		assert.Equal(t, a, b)
		assert.NotEqual(t, a, c)
		return nil
	}))
}

func TestUpsertDatastream_RequiresThingAndProperty(t *testing.T) {
	s := New()
	ctx := context.Background()
	err := s.InTx(ctx, func(w domain.EntityWriter) error {
		_, err := w.UpsertDatastream(ctx, domain.Datastream{Source: "hse", RemoteID: "1", ThingID: 42, PropertyID: 1})
		return err
	})
	require.ErrorIs(t, err, domain.ErrStorage)
}

func TestWriteIntervals_RejectsSecondOpenInterval(t *testing.T) {
	s := New()
	ctx := context.Background()
	thingID, locID, _, _ := seed(t, s)

	err := s.InTx(ctx, func(w domain.EntityWriter) error {
		return w.WriteIntervals(ctx, []domain.Interval{{ThingID: thingID, LocationID: locID, Start: at(5, 0)}})
	})
	require.ErrorIs(t, err, domain.ErrStorage)

	end := at(5, 0)
	require.NoError(t, s.InTx(ctx, func(w domain.EntityWriter) error {
		return w.WriteIntervals(ctx, []domain.Interval{
			{ThingID: thingID, LocationID: locID, Start: at(0, 0), End: &end},
			{ThingID: thingID, LocationID: locID + 100, Start: at(5, 0)},
		})
	}))
	assert.Len(t, s.Intervals(thingID), 2)
}

func TestTargets_GroupsVirtualDatastreams(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, _, dsID, virtID := seed(t, s)

	targets, err := s.Targets(ctx, "hse")
	require.NoError(t, err)
	require.Len(t, targets, 2)

	assert.Equal(t, domain.StreamRef{Kind: domain.KindDatastream, ID: "100"}, targets[0].Ref)
	assert.Equal(t, dsID, targets[0].Streams[0].DatastreamID)
	assert.Equal(t, domain.StreamRef{Kind: domain.KindMultiDatastream, ID: "7"}, targets[1].Ref)
	assert.Equal(t, virtID, targets[1].Streams[0].DatastreamID)
	assert.Nil(t, targets[1].Streams[0].Watermark)

	other, err := s.Targets(ctx, "rudn")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestCommitWindows_RecomputesFromRawAndAdvancesWatermark(t *testing.T) {
	s := New()
	ctx := context.Background()
	thingID, locID, dsID, _ := seed(t, s)

	aggs, err := s.CommitWindows(ctx, []domain.Window{{
		DatastreamID: dsID, ThingID: thingID,
		Readings: []domain.Reading{{Time: at(10, 5), Value: 1}, {Time: at(10, 20), Value: 3}},
		Through:  at(10, 20),
	}})
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.InDelta(t, 2.0, aggs[0].Avg, 1e-9)
	require.NotNil(t, aggs[0].LocationID)
	assert.Equal(t, locID, *aggs[0].LocationID)

	// A duplicate reading is ignored; the hour is recomputed from all raw rows.
	aggs, err = s.CommitWindows(ctx, []domain.Window{{
		DatastreamID: dsID, ThingID: thingID,
		Readings: []domain.Reading{{Time: at(10, 20), Value: 100}, {Time: at(10, 40), Value: 5}},
		Through:  at(10, 40),
	}})
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, 3, aggs[0].Count)
	assert.InDelta(t, 3.0, aggs[0].Avg, 1e-9)
	assert.InDelta(t, 1.0, aggs[0].Min, 1e-9)
	assert.InDelta(t, 5.0, aggs[0].Max, 1e-9)

	// An older Through never moves the watermark back.
	_, err = s.CommitWindows(ctx, []domain.Window{{DatastreamID: dsID, ThingID: thingID, Through: at(9, 0)}})
	require.NoError(t, err)
	w, ok, err := s.Watermark(ctx, dsID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, at(10, 40), w)
	assert.Equal(t, 3, s.RawCount(dsID))
}

func TestCommitWindows_UnlocatedHour(t *testing.T) {
	s := New()
	ctx := context.Background()
	thingID, _, dsID, _ := seed(t, s)

	aggs, err := s.CommitWindows(ctx, []domain.Window{{
		DatastreamID: dsID, ThingID: thingID,
		Readings: []domain.Reading{{Time: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), Value: 1}},
	}})
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Nil(t, aggs[0].LocationID)
}

func TestCommitWindows_IsAllOrNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	thingID, _, dsID, _ := seed(t, s)

	_, err := s.CommitWindows(ctx, []domain.Window{
		{DatastreamID: dsID, ThingID: thingID, Readings: []domain.Reading{{Time: at(1, 0), Value: 1}}, Through: at(1, 0)},
		{DatastreamID: 9999, ThingID: thingID, Readings: []domain.Reading{{Time: at(1, 0), Value: 1}}},
	})
	require.ErrorIs(t, err, domain.ErrStorage)
	assert.Zero(t, s.RawCount(dsID))
	_, ok, _ := s.Watermark(ctx, dsID)
	assert.False(t, ok)

	s.CommitHook = func([]domain.Window) error { return errors.New("disk full") }
	_, err = s.CommitWindows(ctx, []domain.Window{{DatastreamID: dsID, ThingID: thingID, Through: at(1, 0)}})
	require.ErrorIs(t, err, domain.ErrStorage)
}

func TestLock_IsExclusive(t *testing.T) {
	s := New()
	ctx := context.Background()

	unlock, err := s.Lock(ctx)
	require.NoError(t, err)

	_, err = s.Lock(ctx)
	require.ErrorIs(t, err, domain.ErrRunInProgress)

	unlock()
	unlock2, err := s.Lock(ctx)
	require.NoError(t, err)
	unlock2()
}
