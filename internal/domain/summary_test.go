package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestRunSummary_Record(t *testing.T) {
	fc := clockwork.NewFakeClockAt(ts("2024-05-01T00:00:00Z"))
	SetClock(fc)
	defer SetClock(nil)

	s := NewRunSummary()
	s.AddReconciled(EntityThing, 2)
	s.Record(DatastreamResult{Source: "b", RemoteID: "1", Outcome: OutcomeIngested, Observations: 10, Malformed: 1, Buckets: 2, Unlocated: 1})
	s.Record(DatastreamResult{Source: "a", RemoteID: "2", Outcome: OutcomeUpToDate})
	s.Record(DatastreamResult{Source: "a", RemoteID: "1", Outcome: OutcomeSkippedMissing})
	s.Record(DatastreamResult{Source: "a", RemoteID: "3", Outcome: OutcomeFailed, ErrorKind: KindStorage})
	fc.Advance(3 * time.Second)
	s.Finish()

	assert.Equal(t, 2, s.Reconciled[EntityThing])
	assert.Equal(t, 2, s.Processed)
	assert.Equal(t, 1, s.UpToDate)
	assert.Equal(t, 1, s.SkippedMissing)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 10, s.Observations)
	assert.Equal(t, 1, s.Malformed)
	assert.Equal(t, 2, s.Buckets)
	assert.Equal(t, 1, s.Unlocated)
	assert.Equal(t, 3*time.Second, s.Duration())

	assert.Equal(t, RemoteID("1"), s.Datastreams[0].RemoteID)
	assert.Equal(t, "a", s.Datastreams[0].Source)
	assert.Equal(t, "b", s.Datastreams[3].Source)
	assert.Len(t, s.LogAttrs(), 32)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, ""},
		{fmt.Errorf("get: %w", ErrRemoteNotFound), KindRemoteNotFound},
		{fmt.Errorf("get: %w", ErrRemoteUnavailable), KindRemoteUnavailable},
		{fmt.Errorf("ds 1: %w", ErrDataIntegrity), KindDataIntegrity},
		{fmt.Errorf("commit: %w", ErrStorage), KindStorage},
		{fmt.Errorf("fetch: %w", context.Canceled), KindCanceled},
		{errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err))
	}
}
