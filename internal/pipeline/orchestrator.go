package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/uroplatus666/geosensors-app/internal/domain"
	"github.com/uroplatus666/geosensors-app/internal/observability"
)

// Orchestrator runs one ingestion pass: per source a health check and
// catalog reconciliation, then a bounded pool of per-datastream
// fetch-aggregate-commit cycles.
type Orchestrator struct {
	store    Store
	catalogs CatalogFactory
	notifier Notifier
	geocoder domain.Geocoder
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier publishes recomputed aggregates after each commit.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithGeocoder names Locations that arrive without a name.
func WithGeocoder(g domain.Geocoder) Option {
	return func(o *Orchestrator) { o.geocoder = g }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(store Store, catalogs CatalogFactory, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		catalogs: catalogs,
		logger:   logger,
		metrics:  metrics,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// job is one target ready for fetching.
type job struct {
	fetcher *Fetcher
	target  domain.Target
}

// Run executes one ingestion run. Per-datastream failures are recorded in
// the summary and do not fail the run; an error is returned only when the
// run could not start, a storage failure prevented planning, or ctx was
// cancelled.
func (o *Orchestrator) Run(ctx context.Context, cfg domain.RunConfig) (domain.RunSummary, error) {
	summary := domain.NewRunSummary()

	unlock, err := o.store.Lock(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrRunInProgress) {
			o.metrics.RunsTotal.WithLabelValues("locked").Inc()
		} else {
			o.metrics.RunsTotal.WithLabelValues("error").Inc()
		}
		return summary, err
	}
	defer unlock()

	o.metrics.RunInProgress.Set(1)
	defer o.metrics.RunInProgress.Set(0)
	o.logger.Info("ingestion run started", "sources", len(cfg.Sources), "start_from", cfg.StartFrom)

	reconciler := NewReconciler(o.store, o.geocoder, cfg.BatchSize, o.logger, o.metrics)

	var (
		jobs  []job
		known []domain.Target
	)
	for _, src := range cfg.Sources {
		if err := ctx.Err(); err != nil {
			return o.abort(summary, err)
		}
		catalog := o.catalogs(src)
		logger := o.logger.With("source", src.Name)

		if err := o.prepareSource(ctx, reconciler, catalog, src, &summary); err != nil {
			if ctx.Err() != nil {
				return o.abort(summary, ctx.Err())
			}
			logger.Error("source unavailable for this run", "error_kind", domain.Classify(err), "error", err)
			summary.UnavailableSources = append(summary.UnavailableSources, src.Name)

			targets, terr := o.store.Targets(ctx, src.Name)
			if terr != nil {
				return o.abort(summary, terr)
			}
			known = append(known, targets...)
			for _, t := range selectTargets(cfg.Filter, targets) {
				o.record(&summary, domain.DatastreamResult{
					Source:    t.Source,
					RemoteID:  t.Ref.ID,
					Outcome:   domain.OutcomeFailed,
					ErrorKind: domain.Classify(err),
					Error:     err.Error(),
				})
			}
			continue
		}

		targets, err := o.store.Targets(ctx, src.Name)
		if err != nil {
			return o.abort(summary, err)
		}
		known = append(known, targets...)
		selected := selectTargets(cfg.Filter, targets)
		logger.Info("datastreams planned", "local", len(targets), "selected", len(selected))

		fetcher := NewFetcher(catalog, o.store, o.notifier, cfg.StartFrom, cfg.BatchSize, o.logger, o.metrics)
		for _, t := range selected {
			jobs = append(jobs, job{fetcher: fetcher, target: t})
		}
	}

	for _, e := range unmatchedAllowEntries(cfg.Filter, known) {
		o.logger.Warn("allowed datastream not found in any source", "datastream", e.String())
		o.record(&summary, domain.DatastreamResult{
			Source:   e.Source,
			RemoteID: e.RemoteID,
			Outcome:  domain.OutcomeSkippedMissing,
		})
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res := o.ingest(ctx, j)
			mu.Lock()
			o.record(&summary, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return o.abort(summary, err)
	}

	summary.Finish()
	o.metrics.RunsTotal.WithLabelValues("success").Inc()
	o.metrics.RunDuration.Observe(summary.Duration().Seconds())
	o.metrics.LastSuccessfulRun.Set(float64(summary.FinishedAt.Unix()))
	o.logger.Info("ingestion run complete", summary.LogAttrs()...)
	return summary, nil
}

// prepareSource checks the source answers and reconciles its catalog.
func (o *Orchestrator) prepareSource(ctx context.Context, reconciler *Reconciler, catalog Catalog, src domain.Source, summary *domain.RunSummary) error {
	if err := catalog.Ping(ctx); err != nil {
		return fmt.Errorf("health check %s: %w", src.Name, err)
	}
	rec, err := reconciler.Reconcile(ctx, catalog, src)
	for kind, n := range rec.Counts {
		summary.AddReconciled(kind, n)
	}
	summary.IntegrityViolations += rec.Violations
	return err
}

// ingest runs one target and maps its error to a terminal outcome.
func (o *Orchestrator) ingest(ctx context.Context, j job) domain.DatastreamResult {
	res, err := j.fetcher.Ingest(ctx, j.target)
	if err == nil {
		return res
	}

	kind := domain.Classify(err)
	res.ErrorKind = kind
	res.Error = err.Error()
	logger := o.logger.With("source", j.target.Source, "datastream", j.target.Ref.ID)
	if kind == domain.KindRemoteNotFound {
		res.Outcome = domain.OutcomeSkippedMissing
		logger.Warn("datastream missing on remote, skipped for this run", "error", err)
		return res
	}
	res.Outcome = domain.OutcomeFailed
	logger.Error("datastream ingestion failed, will retry next run", "error_kind", kind, "error", err)
	return res
}

func (o *Orchestrator) record(summary *domain.RunSummary, res domain.DatastreamResult) {
	summary.Record(res)
	o.metrics.Datastreams.WithLabelValues(string(res.Outcome)).Inc()
}

func (o *Orchestrator) abort(summary domain.RunSummary, err error) (domain.RunSummary, error) {
	summary.Finish()
	label := "error"
	if domain.Classify(err) == domain.KindCanceled {
		label = "canceled"
	}
	o.metrics.RunsTotal.WithLabelValues(label).Inc()
	o.logger.Warn("ingestion run aborted", append(summary.LogAttrs(), "error", err)...)
	return summary, err
}

// selectTargets applies the datastream filter. A MultiDatastream is addressed
// either as a whole by its parent id or per dimension by its synthetic id;
// only the selected dimensions are kept.
func selectTargets(f domain.Filter, targets []domain.Target) []domain.Target {
	var out []domain.Target
	for _, t := range targets {
		if t.Ref.Kind != domain.KindMultiDatastream {
			if f.Allows(t.Source, t.Ref.ID) {
				out = append(out, t)
			}
			continue
		}
		if f.Denied(t.Source, t.Ref.ID) {
			continue
		}
		parentAllowed := f.Allows(t.Source, t.Ref.ID)
		var streams []domain.StreamState
		for _, s := range t.Streams {
			if f.Denied(t.Source, s.RemoteID) {
				continue
			}
			if parentAllowed || f.Listed(t.Source, s.RemoteID) {
				streams = append(streams, s)
			}
		}
		if len(streams) > 0 {
			t.Streams = streams
			out = append(out, t)
		}
	}
	return out
}

// unmatchedAllowEntries returns the allow-list entries that name no local
// datastream of any source.
func unmatchedAllowEntries(f domain.Filter, known []domain.Target) []domain.FilterEntry {
	var out []domain.FilterEntry
	for _, e := range f.AllowEntries() {
		found := false
		for _, t := range known {
			if e.Matches(t.Source, t.Ref.ID) {
				found = true
				break
			}
			for _, s := range t.Streams {
				if e.Matches(t.Source, s.RemoteID) {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			out = append(out, e)
		}
	}
	return out
}
