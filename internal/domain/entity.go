package domain

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/paulmach/orb"
)

// RemoteID is the textual form of a SensorThings "@iot.id".
type RemoteID string

// IsNumeric reports whether the id is an integer and is addressed unquoted.
func (id RemoteID) IsNumeric() bool {
	if id == "" {
		return false
	}
	_, err := strconv.ParseInt(string(id), 10, 64)
	return err == nil
}

func (id RemoteID) String() string { return string(id) }

// UnitOfMeasurement is the SensorThings unitOfMeasurement object.
type UnitOfMeasurement struct {
	Name       string `json:"name"`
	Symbol     string `json:"symbol"`
	Definition string `json:"definition"`
}

// Key returns the unit string used in the (name, unit) property identity.
func (u UnitOfMeasurement) Key() string {
	if u.Symbol != "" {
		return u.Symbol
	}
	return u.Name
}

// Remote records as produced by a catalog client.

type RemoteLocation struct {
	ID           RemoteID
	Name         string
	Description  string
	EncodingType string
	Geometry     json.RawMessage
}

// RemoteLocationChange is one HistoricalLocation of a Thing.
type RemoteLocationChange struct {
	Time       time.Time
	LocationID RemoteID
	Seq        int // position in the remote feed, used as a tie-break
}

type RemoteThing struct {
	ID          RemoteID
	Name        string
	Description string
	Locations   []RemoteID // current
	History     []RemoteLocationChange
}

type RemoteObservedProperty struct {
	ID         RemoteID
	Name       string
	Definition string
}

type RemoteDatastream struct {
	ID          RemoteID
	Name        string
	Description string
	ThingID     RemoteID
	Unit        UnitOfMeasurement
	Property    RemoteObservedProperty
}

type RemoteMultiDatastream struct {
	ID          RemoteID
	Name        string
	Description string
	ThingID     RemoteID
	Units       []UnitOfMeasurement
	Properties  []RemoteObservedProperty
}

type RemoteObservation struct {
	PhenomenonTime string
	Result         json.RawMessage
}

// StreamKind selects the remote collection an observation stream lives in.
type StreamKind string

const (
	KindDatastream      StreamKind = "Datastreams"
	KindMultiDatastream StreamKind = "MultiDatastreams"
)

// StreamRef addresses a remote observation stream.
type StreamRef struct {
	Kind StreamKind
	ID   RemoteID
}

// Local rows.

type Location struct {
	ID       int64
	Source   string
	RemoteID RemoteID
	Name     string
	Geometry orb.Geometry // WGS84
}

type Thing struct {
	ID          int64
	Source      string
	RemoteID    RemoteID
	Name        string
	Description string
}

// ObservedProperty is identified by (Name, Unit) across all sources.
type ObservedProperty struct {
	ID         int64
	Name       string
	Unit       string
	Definition string
}

// NoDimension marks a Datastream that is not part of a MultiDatastream.
const NoDimension = -1

type Datastream struct {
	ID             int64
	Source         string
	RemoteID       RemoteID
	ThingID        int64
	PropertyID     int64
	Name           string
	Unit           string
	ParentRemoteID RemoteID
	Dimension      int
}

// IsVirtual reports whether the datastream is a MultiDatastream dimension.
func (d Datastream) IsVirtual() bool {
	return d.ParentRemoteID != ""
}

// Reading is a parsed scalar observation.
type Reading struct {
	Time  time.Time
	Value float64
}

type HourlyAggregate struct {
	DatastreamID int64     `json:"datastream_id"`
	ThingID      int64     `json:"thing_id"`
	LocationID   *int64    `json:"location_id"`
	Hour         time.Time `json:"hour_bucket"`
	Avg          float64   `json:"avg"`
	Min          float64   `json:"min"`
	Max          float64   `json:"max"`
	Count        int       `json:"count"`
}
