package domain

import (
	"sort"
	"time"
)

// StreamState is a local datastream together with its watermark.
type StreamState struct {
	DatastreamID int64
	ThingID      int64
	RemoteID     RemoteID
	Dimension    int
	Watermark    *time.Time
}

// Target is one remote observation stream and the local datastreams it
// feeds: a single one for a Datastream, one per dimension for a
// MultiDatastream.
type Target struct {
	Source  string
	Ref     StreamRef
	Streams []StreamState
}

// LowerBound returns the exclusive fetch bound: the later of startFrom and
// the oldest watermark across the target's streams. A stream without a
// watermark pins the bound to startFrom.
func (t Target) LowerBound(startFrom time.Time) time.Time {
	bound := startFrom.UTC()
	var oldest *time.Time
	for _, s := range t.Streams {
		if s.Watermark == nil {
			return bound
		}
		if oldest == nil || s.Watermark.Before(*oldest) {
			w := *s.Watermark
			oldest = &w
		}
	}
	if oldest != nil && oldest.After(bound) {
		return oldest.UTC()
	}
	return bound
}

// Window is the slice of one datastream committed in a single transaction.
// Through is the latest phenomenon time processed in the window, including
// malformed readings, and becomes the watermark candidate.
type Window struct {
	DatastreamID int64
	ThingID      int64
	Readings     []Reading
	Through      time.Time
}

// GroupTargets groups the local datastreams of a source by the remote stream
// they are read from. Watermarks are looked up by local datastream id.
// Targets are ordered by kind and remote id, streams by dimension.
func GroupTargets(source string, datastreams []Datastream, watermarks map[int64]time.Time) []Target {
	byRef := make(map[StreamRef]*Target)
	var order []StreamRef
	for _, ds := range datastreams {
		if ds.Source != source {
			continue
		}
		ref := StreamRef{Kind: KindDatastream, ID: ds.RemoteID}
		if ds.IsVirtual() {
			ref = StreamRef{Kind: KindMultiDatastream, ID: ds.ParentRemoteID}
		}
		t, ok := byRef[ref]
		if !ok {
			t = &Target{Source: source, Ref: ref}
			byRef[ref] = t
			order = append(order, ref)
		}
		st := StreamState{
			DatastreamID: ds.ID,
			ThingID:      ds.ThingID,
			RemoteID:     ds.RemoteID,
			Dimension:    ds.Dimension,
		}
		if w, ok := watermarks[ds.ID]; ok {
			w = w.UTC()
			st.Watermark = &w
		}
		t.Streams = append(t.Streams, st)
	}

	out := make([]Target, 0, len(order))
	for _, ref := range order {
		t := byRef[ref]
		sort.SliceStable(t.Streams, func(i, j int) bool { return t.Streams[i].Dimension < t.Streams[j].Dimension })
		out = append(out, *t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Ref.Kind != out[j].Ref.Kind {
			return out[i].Ref.Kind < out[j].Ref.Kind
		}
		return out[i].Ref.ID < out[j].Ref.ID
	})
	return out
}
