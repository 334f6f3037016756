package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ParsePhenomenonTime parses an ISO 8601 instant or interval. For an interval
// "start/end" the end instant is returned. Instants without a zone are UTC.
func ParsePhenomenonTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty phenomenonTime", ErrDataIntegrity)
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// No zone means UTC.
		var zerr error
		if t, zerr = time.Parse(localTimeLayout, s); zerr != nil {
			return time.Time{}, fmt.Errorf("%w: phenomenonTime %q: %v", ErrDataIntegrity, s, err)
		}
	}
	return t.UTC(), nil
}

const localTimeLayout = "2006-01-02T15:04:05.999999999"

// ParseResult coerces an observation result to a finite float. It reports
// false for null, non-numeric and non-finite values.
func ParseResult(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}

	var v float64
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		v = f
	} else if err := json.Unmarshal(raw, &v); err != nil {
		return 0, false
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// ScalarObservation is one dimension of a MultiDatastream observation,
// tagged with the virtual datastream it belongs to.
type ScalarObservation struct {
	DatastreamID RemoteID
	Result       json.RawMessage
}

// DecomposeMulti splits an array result into one scalar per dimension.
func DecomposeMulti(parent RemoteID, result json.RawMessage) ([]ScalarObservation, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(result, &parts); err != nil {
		return nil, fmt.Errorf("%w: multidatastream %s result is not an array", ErrDataIntegrity, parent)
	}
	out := make([]ScalarObservation, len(parts))
	for i, p := range parts {
		out[i] = ScalarObservation{DatastreamID: VirtualDatastreamID(parent, i), Result: p}
	}
	return out, nil
}
