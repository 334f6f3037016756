package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sensor_ingest"

// Metrics holds the Prometheus counters, histograms, and gauges for ingestion runs.
type Metrics struct {
	RunsTotal         *prometheus.CounterVec // labels: outcome={success,error,locked}
	RunDuration       prometheus.Histogram
	LastSuccessfulRun prometheus.Gauge
	RunInProgress     prometheus.Gauge

	// Per-datastream processing.
	Datastreams          *prometheus.CounterVec // labels: outcome
	ObservationsIngested prometheus.Counter
	MalformedReadings    prometheus.Counter
	BucketsWritten       prometheus.Counter
	CommitSize           prometheus.Histogram
	CommitDuration       prometheus.Histogram

	// Catalog reconciliation.
	EntitiesReconciled  *prometheus.CounterVec // labels: kind
	IntegrityViolations *prometheus.CounterVec // labels: kind

	// Remote SensorThings requests.
	RemoteRequests        *prometheus.CounterVec   // labels: source, outcome={success,retry,not_found,error}
	RemoteRequestDuration *prometheus.HistogramVec // labels: source

	// Aggregate notifications.
	NotificationsPublished prometheus.Counter
	NotificationErrors     prometheus.Counter

	// Geocoding metrics.
	GeocodeRequests    *prometheus.CounterVec // labels: outcome={success,error,empty}
	GeocodeCache       *prometheus.CounterVec // labels: result={hit,miss}
	GeocodeAPIDuration prometheus.Histogram
	GeocodeEnabled     prometheus.Gauge
}

// NewMetrics creates and registers all ingestion metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Ingestion runs by outcome.",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a complete ingestion run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		LastSuccessfulRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_successful_run_timestamp_seconds",
			Help:      "Unix time of the last run that completed.",
		}),
		RunInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_in_progress",
			Help:      "1 while a run is executing, 0 otherwise.",
		}),
		Datastreams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datastreams_total",
			Help:      "Datastreams handled by terminal outcome.",
		}, []string{"outcome"}),
		ObservationsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_ingested_total",
			Help:      "Valid readings written as raw observations.",
		}),
		MalformedReadings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_readings_total",
			Help:      "Readings skipped because of a null or invalid value or time.",
		}),
		BucketsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hourly_buckets_written_total",
			Help:      "Hourly aggregate rows recomputed.",
		}),
		CommitSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_size",
			Help:      "Readings per committed window.",
			Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_duration_seconds",
			Help:      "Duration of a raw insert, aggregate recompute and watermark commit.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		EntitiesReconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entities_reconciled_total",
			Help:      "Catalog entities mapped onto local rows, by kind.",
		}, []string{"kind"}),
		IntegrityViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_violations_total",
			Help:      "Remote records skipped as malformed or inconsistent, by kind.",
		}, []string{"kind"}),
		RemoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_requests_total",
			Help:      "SensorThings HTTP requests by source and outcome.",
		}, []string{"source", "outcome"}),
		RemoteRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_request_duration_seconds",
			Help:      "SensorThings HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"source"}),
		NotificationsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_published_total",
			Help:      "Aggregate change notifications written to Kafka.",
		}),
		NotificationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_errors_total",
			Help:      "Failed aggregate change notification batches.",
		}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_requests_total",
			Help:      "Reverse geocoding API requests by outcome.",
		}, []string{"outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by result.",
		}, []string{"result"}),
		GeocodeAPIDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "geocode_api_duration_seconds",
			Help:      "Mapbox API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		GeocodeEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "geocode_enabled",
			Help:      "1 when nameless Locations are reverse geocoded, 0 otherwise.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RunsTotal,
		m.RunDuration,
		m.LastSuccessfulRun,
		m.RunInProgress,
		m.Datastreams,
		m.ObservationsIngested,
		m.MalformedReadings,
		m.BucketsWritten,
		m.CommitSize,
		m.CommitDuration,
		m.EntitiesReconciled,
		m.IntegrityViolations,
		m.RemoteRequests,
		m.RemoteRequestDuration,
		m.NotificationsPublished,
		m.NotificationErrors,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeAPIDuration,
		m.GeocodeEnabled,
	}
}
