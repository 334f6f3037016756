package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/uroplatus666/geosensors-app/internal/domain"
)

// Runner executes one ingestion run.
type Runner interface {
	Run(ctx context.Context, cfg domain.RunConfig) (domain.RunSummary, error)
}

// Scheduler repeats ingestion runs at a fixed interval until its context is
// cancelled. The interval is measured from the end of one run to the start
// of the next, so runs never overlap.
type Scheduler struct {
	runner   Runner
	cfg      domain.RunConfig
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	ready    atomic.Bool
	runs     atomic.Int64

	mu   sync.Mutex
	last *domain.RunSummary
}

// SchedulerOption customises a Scheduler.
type SchedulerOption func(*Scheduler)

// WithClock replaces the wall clock, for tests.
func WithClock(c clockwork.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// NewScheduler creates a Scheduler running cfg every interval.
func NewScheduler(runner Runner, cfg domain.RunConfig, interval time.Duration, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		runner:   runner,
		cfg:      cfg,
		interval: interval,
		clock:    clockwork.NewRealClock(),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckReadiness returns nil once a run has completed, or an error
// describing why the service is not yet ready.
func (s *Scheduler) CheckReadiness(_ context.Context) error {
	if !s.ready.Load() {
		return errors.New("no ingestion run has completed yet")
	}
	return nil
}

// Runs reports how many runs have been attempted.
func (s *Scheduler) Runs() int64 {
	return s.runs.Load()
}

// LastSummary returns the summary of the most recent completed run.
func (s *Scheduler) LastSummary() (domain.RunSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return domain.RunSummary{}, false
	}
	return *s.last, true
}

// Run starts a run immediately and then once per interval. Run errors are
// logged and do not stop the loop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval)
	for {
		s.runOnce(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping", "reason", ctx.Err())
			return nil
		case <-s.clock.After(s.interval):
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	s.runs.Add(1)
	summary, err := s.runner.Run(ctx, s.cfg)
	switch {
	case err == nil:
		s.mu.Lock()
		s.last = &summary
		s.mu.Unlock()
		s.ready.Store(true)
	case errors.Is(err, domain.ErrRunInProgress):
		s.logger.Info("another ingestion run holds the lock, skipping")
	case ctx.Err() != nil:
	default:
		s.logger.Error("ingestion run failed", "error", err)
	}
}
