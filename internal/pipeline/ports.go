package pipeline

import (
	"context"
	"iter"
	"time"

	"github.com/uroplatus666/geosensors-app/internal/domain"
)

// Catalog reads the entity collections and observations of one remote source.
type Catalog interface {
	Source() string
	Ping(ctx context.Context) error
	Locations(ctx context.Context) iter.Seq2[domain.RemoteLocation, error]
	Things(ctx context.Context) iter.Seq2[domain.RemoteThing, error]
	Datastreams(ctx context.Context) iter.Seq2[domain.RemoteDatastream, error]
	MultiDatastreams(ctx context.Context) iter.Seq2[domain.RemoteMultiDatastream, error]
	Observations(ctx context.Context, stream domain.StreamRef, after time.Time) iter.Seq2[domain.RemoteObservation, error]
}

// CatalogFactory builds the Catalog for a configured source.
type CatalogFactory func(src domain.Source) Catalog

// Store is the local relational store.
type Store interface {
	// Lock serializes runs. It returns domain.ErrRunInProgress when another
	// run holds the lock.
	Lock(ctx context.Context) (unlock func(), err error)
	// InTx applies fn atomically.
	InTx(ctx context.Context, fn func(domain.EntityWriter) error) error
	// Targets lists the local datastreams of a source with their watermarks.
	Targets(ctx context.Context, source string) ([]domain.Target, error)
	// CommitWindows durably writes raw readings, recomputes the touched
	// hourly aggregates and advances watermarks, all or nothing.
	CommitWindows(ctx context.Context, windows []domain.Window) ([]domain.HourlyAggregate, error)
}

// Notifier announces recomputed hourly aggregates.
type Notifier interface {
	Publish(ctx context.Context, aggregates []domain.HourlyAggregate) error
}
