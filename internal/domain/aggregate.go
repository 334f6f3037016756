package domain

import (
	"sort"
	"time"
)

// HourlyBucket accumulates the readings of one UTC hour.
type HourlyBucket struct {
	Hour  time.Time
	Count int
	Sum   float64
	Min   float64
	Max   float64
}

// Avg returns the arithmetic mean of the bucket.
func (b HourlyBucket) Avg() float64 {
	if b.Count == 0 {
		return 0
	}
	return b.Sum / float64(b.Count)
}

func (b *HourlyBucket) add(v float64) {
	if b.Count == 0 || v < b.Min {
		b.Min = v
	}
	if b.Count == 0 || v > b.Max {
		b.Max = v
	}
	b.Sum += v
	b.Count++
}

// HourOf returns the start of the UTC hour containing t.
func HourOf(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// AggregateHourly groups readings by UTC hour and returns the buckets in
// ascending hour order.
func AggregateHourly(readings []Reading) []HourlyBucket {
	byHour := make(map[time.Time]*HourlyBucket)
	for _, r := range readings {
		h := HourOf(r.Time)
		b, ok := byHour[h]
		if !ok {
			b = &HourlyBucket{Hour: h}
			byHour[h] = b
		}
		b.add(r.Value)
	}

	out := make([]HourlyBucket, 0, len(byHour))
	for _, b := range byHour {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour.Before(out[j].Hour) })
	return out
}

// Hours returns the distinct UTC hours touched by readings, ascending.
func Hours(readings []Reading) []time.Time {
	seen := make(map[time.Time]struct{})
	var out []time.Time
	for _, r := range readings {
		h := HourOf(r.Time)
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
