package domain

import (
	"sort"
	"time"
)

// EntityKind names a reconciled entity type in the run summary.
type EntityKind string

const (
	EntityLocation   EntityKind = "location"
	EntityThing      EntityKind = "thing"
	EntityProperty   EntityKind = "observed_property"
	EntityDatastream EntityKind = "datastream"
	EntityInterval   EntityKind = "thing_location"
)

// Outcome is the terminal state of one datastream in a run.
type Outcome string

const (
	OutcomeIngested       Outcome = "ingested"
	OutcomeUpToDate       Outcome = "up_to_date"
	OutcomeSkippedMissing Outcome = "skipped_missing"
	OutcomeFailed         Outcome = "failed"
)

// DatastreamResult is what one fetch-aggregate-commit cycle produced.
type DatastreamResult struct {
	Source       string    `json:"source"`
	RemoteID     RemoteID  `json:"remote_id"`
	Outcome      Outcome   `json:"outcome"`
	Observations int       `json:"observations"`
	Malformed    int       `json:"malformed"`
	Buckets      int       `json:"buckets"`
	Unlocated    int       `json:"unlocated_buckets"`
	ErrorKind    ErrorKind `json:"error_kind,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// RunSummary is the operator-facing report of one ingestion run.
type RunSummary struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Reconciled          map[EntityKind]int `json:"reconciled"`
	IntegrityViolations int                `json:"integrity_violations"`
	UnavailableSources  []string           `json:"unavailable_sources,omitempty"`

	Processed      int `json:"processed"`
	UpToDate       int `json:"up_to_date"`
	SkippedMissing int `json:"skipped_missing"`
	Failed         int `json:"failed"`

	Observations int `json:"observations"`
	Malformed    int `json:"malformed"`
	Buckets      int `json:"buckets"`
	Unlocated    int `json:"unlocated_buckets"`

	Datastreams []DatastreamResult `json:"datastreams"`
}

// NewRunSummary starts a summary stamped with the package clock.
func NewRunSummary() RunSummary {
	return RunSummary{StartedAt: Now(), Reconciled: make(map[EntityKind]int)}
}

// AddReconciled adds n to the reconciled count for kind.
func (s *RunSummary) AddReconciled(kind EntityKind, n int) {
	if s.Reconciled == nil {
		s.Reconciled = make(map[EntityKind]int)
	}
	s.Reconciled[kind] += n
}

// Record folds one datastream result into the totals.
func (s *RunSummary) Record(r DatastreamResult) {
	s.Datastreams = append(s.Datastreams, r)
	switch r.Outcome {
	case OutcomeIngested:
		s.Processed++
	case OutcomeUpToDate:
		s.Processed++
		s.UpToDate++
	case OutcomeSkippedMissing:
		s.SkippedMissing++
	case OutcomeFailed:
		s.Failed++
	}
	s.Observations += r.Observations
	s.Malformed += r.Malformed
	s.Buckets += r.Buckets
	s.Unlocated += r.Unlocated
}

// Finish stamps the end time and orders per-datastream results.
func (s *RunSummary) Finish() {
	s.FinishedAt = Now()
	sort.SliceStable(s.Datastreams, func(i, j int) bool {
		a, b := s.Datastreams[i], s.Datastreams[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.RemoteID < b.RemoteID
	})
}

// Duration is the wall time of the run.
func (s RunSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// LogAttrs flattens the totals into slog key/value pairs.
func (s RunSummary) LogAttrs() []any {
	return []any{
		"locations", s.Reconciled[EntityLocation],
		"things", s.Reconciled[EntityThing],
		"observed_properties", s.Reconciled[EntityProperty],
		"datastreams", s.Reconciled[EntityDatastream],
		"intervals", s.Reconciled[EntityInterval],
		"integrity_violations", s.IntegrityViolations,
		"unavailable_sources", s.UnavailableSources,
		"processed", s.Processed,
		"up_to_date", s.UpToDate,
		"skipped_missing", s.SkippedMissing,
		"failed", s.Failed,
		"observations", s.Observations,
		"malformed", s.Malformed,
		"buckets", s.Buckets,
		"unlocated_buckets", s.Unlocated,
		"duration", s.Duration(),
	}
}
