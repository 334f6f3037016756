package domain

import (
	"sort"
	"time"
)

// Epoch is the start given to the single interval of a Thing that reports a
// current Location but no history.
var Epoch = time.Unix(0, 0).UTC()

// LocationChange is a HistoricalLocation mapped to a local Location id.
type LocationChange struct {
	Time       time.Time
	LocationID int64
	Seq        int
}

// Interval associates a Thing with a Location over [Start, End). A nil End
// is the currently active association.
type Interval struct {
	ThingID    int64
	LocationID int64
	Start      time.Time
	End        *time.Time
}

// Open reports whether the interval has no end.
func (iv Interval) Open() bool { return iv.End == nil }

// Covers reports whether t falls inside [Start, End).
func (iv Interval) Covers(t time.Time) bool {
	if t.Before(iv.Start) {
		return false
	}
	return iv.End == nil || t.Before(*iv.End)
}

func (iv Interval) equal(o Interval) bool {
	if iv.ThingID != o.ThingID || iv.LocationID != o.LocationID || !iv.Start.Equal(o.Start) {
		return false
	}
	if iv.End == nil || o.End == nil {
		return iv.End == nil && o.End == nil
	}
	return iv.End.Equal(*o.End)
}

// BuildIntervals turns a Thing's location history into ordered,
// non-overlapping intervals. Changes are sorted by time then Seq. A change
// to the location that is already active is dropped, and of several changes
// at the same instant the last one wins.
func BuildIntervals(thingID int64, changes []LocationChange) []Interval {
	sorted := make([]LocationChange, len(changes))
	copy(sorted, changes)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Time.Equal(sorted[j].Time) {
			return sorted[i].Time.Before(sorted[j].Time)
		}
		return sorted[i].Seq < sorted[j].Seq
	})

	var out []Interval
	for _, c := range sorted {
		start := c.Time.UTC()
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Start.Equal(start) {
				last.LocationID = c.LocationID
				if n > 1 && out[n-2].LocationID == c.LocationID {
					out = out[:n-1]
					out[n-2].End = nil
				}
				continue
			}
			if last.LocationID == c.LocationID {
				continue
			}
			end := start
			last.End = &end
		}
		out = append(out, Interval{ThingID: thingID, LocationID: c.LocationID, Start: start})
	}
	return out
}

// MergeIntervals combines persisted rows with freshly built ones and returns
// the rows that must be written, ordered by Start. Rows are keyed by Start:
// a built row replaces the persisted row with the same Start, unseen Starts
// are inserted and persisted rows absent from the build are kept. Each row's
// End is then clamped to the next row's Start, so the result never overlaps
// and only the last row can stay open.
func MergeIntervals(persisted, built []Interval) []Interval {
	byStart := make(map[int64]Interval, len(persisted)+len(built))
	old := make(map[int64]Interval, len(persisted))
	for _, iv := range persisted {
		k := iv.Start.UnixNano()
		byStart[k] = iv
		old[k] = iv
	}
	for _, iv := range built {
		byStart[iv.Start.UnixNano()] = iv
	}

	merged := make([]Interval, 0, len(byStart))
	for _, iv := range byStart {
		merged = append(merged, iv)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Start.Before(merged[j].Start) })

	for i := 0; i+1 < len(merged); i++ {
		next := merged[i+1].Start
		if merged[i].End == nil || merged[i].End.After(next) {
			end := next
			merged[i].End = &end
		}
	}

	var writes []Interval
	for _, iv := range merged {
		prev, seen := old[iv.Start.UnixNano()]
		if seen && prev.equal(iv) {
			continue
		}
		writes = append(writes, iv)
	}
	return writes
}

// LocationAt returns the location of the interval covering t.
func LocationAt(intervals []Interval, t time.Time) (int64, bool) {
	for _, iv := range intervals {
		if iv.Covers(t) {
			return iv.LocationID, true
		}
	}
	return 0, false
}
