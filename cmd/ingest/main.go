package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpadapter "github.com/uroplatus666/geosensors-app/internal/adapter/http"
	kafkaadapter "github.com/uroplatus666/geosensors-app/internal/adapter/kafka"
	"github.com/uroplatus666/geosensors-app/internal/adapter/mapbox"
	"github.com/uroplatus666/geosensors-app/internal/adapter/memory"
	"github.com/uroplatus666/geosensors-app/internal/adapter/postgres"
	"github.com/uroplatus666/geosensors-app/internal/adapter/sensorthings"
	"github.com/uroplatus666/geosensors-app/internal/config"
	"github.com/uroplatus666/geosensors-app/internal/domain"
	"github.com/uroplatus666/geosensors-app/internal/observability"
	"github.com/uroplatus666/geosensors-app/internal/pipeline"
)

// store is what the binary needs from either store implementation.
type store interface {
	pipeline.Store
	Ping(ctx context.Context) error
}

func main() {
	os.Exit(run())
}

// run wires the adapters and returns the process exit code.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		return 1
	}
	defer closeStore()

	var opts []pipeline.Option

	// Geocoder is feature-flagged via MAPBOX_ENABLED / MAPBOX_TOKEN.
	if cfg.MapboxEnabled {
		client := mapbox.NewClient(cfg.MapboxToken, cfg.MapboxTimeout, logger, metrics)
		cached, err := mapbox.NewCachedGeocoder(client, cfg.MapboxCacheSize, metrics)
		if err != nil {
			logger.Error("failed to create geocoder", "error", err)
			return 1
		}
		defer cached.Close()
		opts = append(opts, pipeline.WithGeocoder(cached))
		metrics.GeocodeEnabled.Set(1)
		logger.Info("mapbox geocoding enabled", "cache_size", cfg.MapboxCacheSize, "timeout", cfg.MapboxTimeout)
	} else {
		logger.Info("mapbox geocoding disabled")
	}

	if len(cfg.KafkaBrokers) > 0 {
		writer := kafkaadapter.NewWriter(cfg, logger)
		defer func() {
			if err := writer.Close(); err != nil {
				logger.Error("kafka writer close error", "error", err)
			}
		}()
		opts = append(opts, pipeline.WithNotifier(writer))
		logger.Info("aggregate notifications enabled", "topic", cfg.KafkaTopic)
	}

	catalogs := func(src domain.Source) pipeline.Catalog {
		return sensorthings.NewClient(src.Name, src.BaseURL, cfg.RequestTimeout, cfg.RemoteMaxRetries, logger, metrics,
			sensorthings.WithPageSize(cfg.PageSize))
	}
	orchestrator := pipeline.NewOrchestrator(st, catalogs, logger, metrics, opts...)

	if cfg.RunInterval == 0 {
		return runOnce(ctx, orchestrator, cfg, logger)
	}
	serve(ctx, orchestrator, st, cfg, logger)
	return 0
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store, func(), error) {
	if cfg.DryRun {
		logger.Info("dry run: using in-memory store")
		return memoryStore{memory.New()}, func() {}, nil
	}

	pg, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.EnsureSchema {
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		logger.Info("schema ensured")
	}
	return pg, pg.Close, nil
}

// memoryStore gives the in-memory store the health check the server expects.
type memoryStore struct {
	*memory.Store
}

func (memoryStore) Ping(context.Context) error { return nil }

// runOnce performs a single run and returns the process exit code. Failed
// datastreams do not fail the process; they are retried by the next run.
func runOnce(ctx context.Context, o *pipeline.Orchestrator, cfg *config.Config, logger *slog.Logger) int {
	summary, err := o.Run(ctx, cfg.RunConfig())
	switch {
	case errors.Is(err, domain.ErrRunInProgress):
		logger.Info("another ingestion run holds the lock, exiting")
		return 0
	case err != nil:
		logger.Error("ingestion run failed", "error_kind", domain.Classify(err), "error", err)
		return 1
	}

	if cfg.DryRun {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			logger.Error("failed to print summary", "error", err)
			return 1
		}
	}
	return 0
}

// serve runs the scheduler and the health server until ctx is cancelled.
func serve(ctx context.Context, o *pipeline.Orchestrator, st store, cfg *config.Config, logger *slog.Logger) {
	scheduler := pipeline.NewScheduler(o, cfg.RunConfig(), cfg.RunInterval, logger)
	srv := httpadapter.NewServer(cfg.HTTPAddr, scheduler, logger, scheduler, httpadapter.ReadinessFunc(st.Ping))

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start scheduled ingestion.
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := scheduler.Run(ctx); err != nil {
			logger.Error("scheduler error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("ingestion run did not stop before the shutdown timeout")
	}

	logger.Info("shutdown complete")
}
