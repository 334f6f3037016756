//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kafkaadapter "github.com/uroplatus666/geosensors-app/internal/adapter/kafka"
	"github.com/uroplatus666/geosensors-app/internal/adapter/sensorthings"
	"github.com/uroplatus666/geosensors-app/internal/config"
	"github.com/uroplatus666/geosensors-app/internal/domain"
	"github.com/uroplatus666/geosensors-app/internal/observability"
	"github.com/uroplatus666/geosensors-app/internal/pipeline"
)

const testTopic = "test-hourly-aggregates"

// sensorThingsServer serves a one-station catalog: a Thing that moved from
// the roof to the yard at 11:00 and one temperature Datastream.
func sensorThingsServer(t *testing.T) *httptest.Server {
	t.Helper()
	pages := map[string]any{
		"/": map[string]any{"value": []any{}},
		"/Locations": map[string]any{"value": []any{
			map[string]any{"@iot.id": 1, "name": "Roof", "encodingType": "application/geo+json",
				"location": map[string]any{"type": "Point", "coordinates": []float64{37.6, 55.7}}},
			map[string]any{"@iot.id": 2, "name": "Yard", "encodingType": "application/geo+json",
				"location": map[string]any{"type": "Point", "coordinates": []float64{4187839.9, 7509137.7}}},
		}},
		"/Things": map[string]any{"value": []any{
			map[string]any{
				"@iot.id":   10,
				"name":      "Station",
				"Locations": []any{map[string]any{"@iot.id": 2}},
				"HistoricalLocations": []any{
					map[string]any{"time": "2024-03-01T00:00:00Z", "Locations": []any{map[string]any{"@iot.id": 1}}},
					map[string]any{"time": "2024-03-01T11:00:00Z", "Locations": []any{map[string]any{"@iot.id": 2}}},
				},
			},
		}},
		"/Datastreams": map[string]any{"value": []any{
			map[string]any{
				"@iot.id":           100,
				"name":              "Air temperature",
				"unitOfMeasurement": map[string]any{"name": "degree Celsius", "symbol": "degC"},
				"Thing":             map[string]any{"@iot.id": 10},
				"ObservedProperty":  map[string]any{"@iot.id": 5, "name": "Temperature"},
			},
		}},
		"/MultiDatastreams": map[string]any{"value": []any{}},
		"/Datastreams(100)/Observations": map[string]any{"value": []any{
			map[string]any{"phenomenonTime": "2024-03-01T10:05:00Z", "result": 1},
			map[string]any{"phenomenonTime": "2024-03-01T10:35:00Z", "result": "3,0"},
			map[string]any{"phenomenonTime": "2024-03-01T11:10:00Z", "result": 5},
		}},
	}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(body))
	}))
}

// TestIngestToPostgresAndKafka runs the whole job against a fake remote
// source, PostGIS, and Kafka, then runs it again to check nothing changes.
func TestIngestToPostgresAndKafka(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	store := startStore(ctx, t)
	broker := startKafka(ctx, t)
	createTopic(t, broker, testTopic)

	remote := sensorThingsServer(t)
	defer remote.Close()

	logger := slog.Default()
	metrics := observability.NewMetricsForTesting()
	writer := kafkaadapter.NewWriter(&config.Config{KafkaBrokers: []string{broker}, KafkaTopic: testTopic}, logger)
	defer writer.Close()

	catalogs := func(src domain.Source) pipeline.Catalog {
		return sensorthings.NewClient(src.Name, src.BaseURL, 10*time.Second, 1, logger, metrics,
			sensorthings.WithBackoff(10*time.Millisecond, 50*time.Millisecond))
	}
	o := pipeline.NewOrchestrator(store, catalogs, logger, metrics, pipeline.WithNotifier(writer))

	cfg := domain.RunConfig{
		StartFrom: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Sources:   []domain.Source{{Name: "hse", BaseURL: remote.URL}},
		BatchSize: 1000,
		Workers:   2,
	}

	summary, err := o.Run(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Reconciled[domain.EntityLocation])
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 3, summary.Observations)
	assert.Equal(t, 2, summary.Buckets)
	assert.Zero(t, summary.Failed)

	// Both hourly buckets are announced.
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  []string{broker},
		Topic:    testTopic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	byHour := map[string]domain.HourlyAggregate{}
	for range 2 {
		readCtx, readCancel := context.WithTimeout(ctx, 30*time.Second)
		msg, err := reader.ReadMessage(readCtx)
		readCancel()
		require.NoError(t, err, "read aggregate notification")

		var agg domain.HourlyAggregate
		require.NoError(t, json.Unmarshal(msg.Value, &agg))
		byHour[agg.Hour.UTC().Format(time.RFC3339)] = agg
	}
	require.Contains(t, byHour, "2024-03-01T10:00:00Z")
	require.Contains(t, byHour, "2024-03-01T11:00:00Z")
	assert.InDelta(t, 2.0, byHour["2024-03-01T10:00:00Z"].Avg, 1e-9)
	assert.Equal(t, 2, byHour["2024-03-01T10:00:00Z"].Count)
	require.NotNil(t, byHour["2024-03-01T10:00:00Z"].LocationID)
	require.NotNil(t, byHour["2024-03-01T11:00:00Z"].LocationID)
	assert.NotEqual(t, *byHour["2024-03-01T10:00:00Z"].LocationID, *byHour["2024-03-01T11:00:00Z"].LocationID,
		"the station moved at 11:00")

	// A second run finds nothing new.
	again, err := o.Run(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, again.UpToDate)
	assert.Zero(t, again.Observations)

	targets, err := store.Targets(ctx, "hse")
	require.NoError(t, err)
	require.Len(t, targets, 1)
	w, ok, err := store.Watermark(ctx, targets[0].Streams[0].DatastreamID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 1, 11, 10, 0, 0, time.UTC), w)
}
