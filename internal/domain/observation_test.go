package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePhenomenonTime(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"2024-01-01T10:05:00Z", "2024-01-01T10:05:00Z"},
		{"2024-01-01T10:05:00.250Z", "2024-01-01T10:05:00.25Z"},
		{"2024-01-01T13:05:00+03:00", "2024-01-01T10:05:00Z"},
		{"2024-01-01T10:00:00Z/2024-01-01T10:15:00Z", "2024-01-01T10:15:00Z"},
		{"2024-01-01T10:05:00", "2024-01-01T10:05:00Z"},
		{"2024-01-01T10:05:00.5", "2024-01-01T10:05:00.5Z"},
		{"2024-01-01T10:00:00/2024-01-01T10:15:00", "2024-01-01T10:15:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePhenomenonTime(tt.in)
			require.NoError(t, err)
			assert.True(t, got.Equal(ts(tt.want)), "got %s", got)
			assert.Equal(t, "UTC", got.Location().String())
		})
	}
}

func TestParsePhenomenonTime_Invalid(t *testing.T) {
	for _, in := range []string{"", "yesterday", "2024-01-01T10:00:00Z/", "2024-01-01 10:00", "2024-01-01T25:00:00"} {
		_, err := ParsePhenomenonTime(in)
		assert.ErrorIs(t, err, ErrDataIntegrity, in)
	}
}

func TestParseResult(t *testing.T) {
	tests := []struct {
		raw  string
		want float64
		ok   bool
	}{
		{`21.5`, 21.5, true},
		{`-3`, -3, true},
		{`"21.5"`, 21.5, true},
		{`"21,5"`, 21.5, true},
		{`" 7 "`, 7, true},
		{`null`, 0, false},
		{``, 0, false},
		{`"n/a"`, 0, false},
		{`"NaN"`, 0, false},
		{`"Inf"`, 0, false},
		{`true`, 0, false},
		{`[1,2]`, 0, false},
		{`{"v":1}`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, ok := ParseResult(json.RawMessage(tt.raw))
			assert.Equal(t, tt.ok, ok)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestDecomposeMulti(t *testing.T) {
	parts, err := DecomposeMulti("12", json.RawMessage(`[21.5, "40,1", null]`))
	require.NoError(t, err)
	require.Len(t, parts, 3)

	assert.Equal(t, RemoteID("12#0"), parts[0].DatastreamID)
	assert.Equal(t, RemoteID("12#1"), parts[1].DatastreamID)
	assert.Equal(t, RemoteID("12#2"), parts[2].DatastreamID)

	v, ok := ParseResult(parts[1].Result)
	assert.True(t, ok)
	assert.InDelta(t, 40.1, v, 1e-12)

	_, ok = ParseResult(parts[2].Result)
	assert.False(t, ok)
}

func TestDecomposeMulti_NotArray(t *testing.T) {
	_, err := DecomposeMulti("12", json.RawMessage(`21.5`))
	assert.ErrorIs(t, err, ErrDataIntegrity)
}
