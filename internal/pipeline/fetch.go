package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/uroplatus666/geosensors-app/internal/domain"
	"github.com/uroplatus666/geosensors-app/internal/observability"
)

// Fetcher pulls the new observations of one source's targets and commits
// them with their hourly aggregates.
type Fetcher struct {
	catalog   Catalog
	store     Store
	notifier  Notifier
	startFrom time.Time
	batchSize int
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewFetcher creates a Fetcher reading from catalog. notifier may be nil.
func NewFetcher(catalog Catalog, store Store, notifier Notifier, startFrom time.Time, batchSize int, logger *slog.Logger, metrics *observability.Metrics) *Fetcher {
	if batchSize <= 0 {
		batchSize = 1000
	}
	return &Fetcher{
		catalog:   catalog,
		store:     store,
		notifier:  notifier,
		startFrom: startFrom.UTC(),
		batchSize: batchSize,
		logger:    logger,
		metrics:   metrics,
	}
}

// pendingStream accumulates the uncommitted readings of one local datastream.
type pendingStream struct {
	state    domain.StreamState
	readings []domain.Reading
	through  time.Time
}

func (p *pendingStream) accepts(t time.Time) bool {
	return p.state.Watermark == nil || t.After(*p.state.Watermark)
}

func (p *pendingStream) advance(t time.Time) {
	if t.After(p.through) {
		p.through = t
	}
}

// Ingest fetches observations newer than the target's lower bound, oldest
// first, and commits them every batchSize observations. Each commit stores
// raw readings, recomputes the touched hours and advances each stream's
// watermark to the latest phenomenon time it processed, malformed readings
// included. On error nothing past the last commit is advanced.
func (f *Fetcher) Ingest(ctx context.Context, target domain.Target) (domain.DatastreamResult, error) {
	res := domain.DatastreamResult{Source: target.Source, RemoteID: target.Ref.ID}
	logger := f.logger.With("source", target.Source, "datastream", target.Ref.ID)

	streams := make([]*pendingStream, len(target.Streams))
	for i, st := range target.Streams {
		streams[i] = &pendingStream{state: st}
	}
	multi := target.Ref.Kind == domain.KindMultiDatastream

	// An hour spanning two commits is recomputed twice but reported once.
	type bucketKey struct {
		datastream int64
		hour       int64
	}
	buckets := make(map[bucketKey]bool)

	flush := func() error {
		var windows []domain.Window
		readings := 0
		for _, p := range streams {
			if len(p.readings) == 0 && p.through.IsZero() {
				continue
			}
			windows = append(windows, domain.Window{
				DatastreamID: p.state.DatastreamID,
				ThingID:      p.state.ThingID,
				Readings:     p.readings,
				Through:      p.through,
			})
			readings += len(p.readings)
		}
		if len(windows) == 0 {
			return nil
		}

		start := time.Now()
		aggs, err := f.store.CommitWindows(ctx, windows)
		if err != nil {
			return err
		}
		f.metrics.CommitDuration.Observe(time.Since(start).Seconds())
		f.metrics.CommitSize.Observe(float64(readings))
		f.metrics.ObservationsIngested.Add(float64(readings))
		f.metrics.BucketsWritten.Add(float64(len(aggs)))

		res.Observations += readings
		for _, a := range aggs {
			buckets[bucketKey{a.DatastreamID, a.Hour.UnixNano()}] = a.LocationID == nil
		}
		for _, p := range streams {
			if !p.through.IsZero() {
				w := p.through
				p.state.Watermark = &w
			}
			p.readings = nil
			p.through = time.Time{}
		}
		logger.Debug("observations committed", "readings", readings, "buckets", len(aggs))
		f.notify(ctx, logger, aggs)
		return nil
	}

	tally := func() {
		res.Buckets, res.Unlocated = len(buckets), 0
		for _, unlocated := range buckets {
			if unlocated {
				res.Unlocated++
			}
		}
	}

	malformed := func(n int) {
		res.Malformed += n
		f.metrics.MalformedReadings.Add(float64(n))
	}

	lower := target.LowerBound(f.startFrom)
	seen := 0
	for obs, err := range f.catalog.Observations(ctx, target.Ref, lower) {
		if err != nil {
			tally()
			return res, err
		}
		t, err := domain.ParsePhenomenonTime(obs.PhenomenonTime)
		if err != nil {
			logger.Warn("skipping observation", "error", err)
			malformed(1)
			continue
		}

		if !multi {
			for _, p := range streams {
				if !p.accepts(t) {
					continue
				}
				p.advance(t)
				if v, ok := domain.ParseResult(obs.Result); ok {
					p.readings = append(p.readings, domain.Reading{Time: t, Value: v})
				} else {
					malformed(1)
				}
			}
		} else {
			parts, err := domain.DecomposeMulti(target.Ref.ID, obs.Result)
			if err != nil {
				logger.Warn("skipping observation", "time", t, "error", err)
			}
			for _, p := range streams {
				if !p.accepts(t) {
					continue
				}
				p.advance(t)
				dim := p.state.Dimension
				if dim < 0 || dim >= len(parts) {
					malformed(1)
					continue
				}
				if v, ok := domain.ParseResult(parts[dim].Result); ok {
					p.readings = append(p.readings, domain.Reading{Time: t, Value: v})
				} else {
					malformed(1)
				}
			}
		}

		seen++
		if seen >= f.batchSize {
			if err := flush(); err != nil {
				tally()
				return res, err
			}
			seen = 0
		}
	}
	err := flush()
	tally()
	if err != nil {
		return res, err
	}

	res.Outcome = domain.OutcomeIngested
	if res.Observations == 0 && res.Malformed == 0 {
		res.Outcome = domain.OutcomeUpToDate
	}
	return res, nil
}

func (f *Fetcher) notify(ctx context.Context, logger *slog.Logger, aggs []domain.HourlyAggregate) {
	if f.notifier == nil || len(aggs) == 0 {
		return
	}
	if err := f.notifier.Publish(ctx, aggs); err != nil {
		f.metrics.NotificationErrors.Inc()
		logger.Warn("aggregate notification failed", "aggregates", len(aggs), "error", err)
		return
	}
	f.metrics.NotificationsPublished.Add(float64(len(aggs)))
}
