package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/uroplatus666/geosensors-app/internal/adapter/memory"
	"github.com/uroplatus666/geosensors-app/internal/domain"
	"github.com/uroplatus666/geosensors-app/internal/observability"
	"github.com/uroplatus666/geosensors-app/internal/pipeline"
)

// --- fake remote catalog ---

type fakeCatalog struct {
	source       string
	pingErr      error
	locations    []domain.RemoteLocation
	things       []domain.RemoteThing
	datastreams  []domain.RemoteDatastream
	multi        []domain.RemoteMultiDatastream
	observations map[domain.StreamRef][]domain.RemoteObservation

	// obsErr fails a stream after obsFailAfter[ref] observations.
	obsErr       map[domain.StreamRef]error
	obsFailAfter map[domain.StreamRef]int

	mu    sync.Mutex
	after map[domain.StreamRef][]time.Time
}

func (c *fakeCatalog) Source() string { return c.source }

func (c *fakeCatalog) Ping(context.Context) error { return c.pingErr }

func (c *fakeCatalog) Locations(context.Context) iter.Seq2[domain.RemoteLocation, error] {
	return seqOf(c.locations)
}

func (c *fakeCatalog) Things(context.Context) iter.Seq2[domain.RemoteThing, error] {
	return seqOf(c.things)
}

func (c *fakeCatalog) Datastreams(context.Context) iter.Seq2[domain.RemoteDatastream, error] {
	return seqOf(c.datastreams)
}

func (c *fakeCatalog) MultiDatastreams(context.Context) iter.Seq2[domain.RemoteMultiDatastream, error] {
	return seqOf(c.multi)
}

func (c *fakeCatalog) Observations(_ context.Context, ref domain.StreamRef, after time.Time) iter.Seq2[domain.RemoteObservation, error] {
	c.mu.Lock()
	if c.after == nil {
		c.after = make(map[domain.StreamRef][]time.Time)
	}
	c.after[ref] = append(c.after[ref], after)
	c.mu.Unlock()

	return func(yield func(domain.RemoteObservation, error) bool) {
		err, failing := c.obsErr[ref]
		limit := c.obsFailAfter[ref]
		n := 0
		for _, o := range c.observations[ref] {
			if t, perr := domain.ParsePhenomenonTime(o.PhenomenonTime); perr == nil && !t.After(after) {
				continue
			}
			if failing && n == limit {
				yield(domain.RemoteObservation{}, err)
				return
			}
			if !yield(o, nil) {
				return
			}
			n++
		}
		if failing && n <= limit {
			yield(domain.RemoteObservation{}, err)
		}
	}
}

func (c *fakeCatalog) afterCalls(ref domain.StreamRef) []time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Time(nil), c.after[ref]...)
}

func seqOf[T any](items []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

// --- builders ---

var (
	scalarRef = domain.StreamRef{Kind: domain.KindDatastream, ID: "100"}
	multiRef  = domain.StreamRef{Kind: domain.KindMultiDatastream, ID: "7"}
)

func at(h, m int) time.Time {
	return time.Date(2024, 3, 1, h, m, 0, 0, time.UTC)
}

func point(lon, lat float64) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"type":"Point","coordinates":[%g,%g]}`, lon, lat))
}

func obs(t time.Time, result any) domain.RemoteObservation {
	raw, err := json.Marshal(result)
	if err != nil {
		panic(err)
	}
	return domain.RemoteObservation{PhenomenonTime: t.Format(time.RFC3339), Result: raw}
}

// hseCatalog is a small source with one Thing that moved from the roof to
// the yard at 11:00, one scalar Datastream and a two-dimensional
// MultiDatastream.
func hseCatalog() *fakeCatalog {
	return &fakeCatalog{
		source: "hse",
		locations: []domain.RemoteLocation{
			{ID: "1", Name: "Roof", Geometry: point(37.6, 55.7)},
			{ID: "2", Geometry: point(37.61, 55.71)},
		},
		things: []domain.RemoteThing{{
			ID:        "10",
			Name:      "Station",
			Locations: []domain.RemoteID{"2"},
			History: []domain.RemoteLocationChange{
				{Time: at(0, 0), LocationID: "1", Seq: 0},
				{Time: at(11, 0), LocationID: "2", Seq: 1},
			},
		}},
		datastreams: []domain.RemoteDatastream{{
			ID:       "100",
			Name:     "Air temperature",
			ThingID:  "10",
			Unit:     domain.UnitOfMeasurement{Name: "degree Celsius", Symbol: "degC"},
			Property: domain.RemoteObservedProperty{ID: "5", Name: "Temperature"},
		}},
		multi: []domain.RemoteMultiDatastream{{
			ID:      "7",
			Name:    "Dust",
			ThingID: "10",
			Units: []domain.UnitOfMeasurement{
				{Symbol: "ug/m3"},
				{Symbol: "ug/m3"},
			},
			Properties: []domain.RemoteObservedProperty{
				{ID: "8", Name: "PM2.5"},
				{ID: "9", Name: "PM10"},
			},
		}},
		observations: map[domain.StreamRef][]domain.RemoteObservation{
			scalarRef: {
				obs(at(10, 5), 1),
				obs(at(10, 35), 3),
				obs(at(11, 10), 5),
				obs(at(11, 20), nil),
			},
			multiRef: {
				obs(at(10, 0), []any{1, 2}),
				obs(at(10, 30), []any{3, "4,5"}),
			},
		},
	}
}

func runConfig(sources ...domain.Source) domain.RunConfig {
	if len(sources) == 0 {
		sources = []domain.Source{{Name: "hse", BaseURL: "https://hse.example"}}
	}
	return domain.RunConfig{
		StartFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Sources:   sources,
		BatchSize: 1000,
		Workers:   2,
	}
}

func newOrchestrator(t *testing.T, store *memory.Store, catalogs ...*fakeCatalog) *pipeline.Orchestrator {
	t.Helper()
	byName := make(map[string]*fakeCatalog, len(catalogs))
	for _, c := range catalogs {
		byName[c.source] = c
	}
	factory := func(src domain.Source) pipeline.Catalog {
		c, ok := byName[src.Name]
		require.True(t, ok, "no catalog for source %s", src.Name)
		return c
	}
	return pipeline.NewOrchestrator(store, factory, slog.Default(), observability.NewMetricsForTesting())
}

func datastreamID(t *testing.T, store *memory.Store, source string, remoteID domain.RemoteID) int64 {
	t.Helper()
	id, ok := store.DatastreamID(source, remoteID)
	require.True(t, ok, "datastream %s:%s not reconciled", source, remoteID)
	return id
}
