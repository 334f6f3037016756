package sensorthings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/uroplatus666/geosensors-app/internal/domain"
)

// remoteID accepts "@iot.id" as a JSON number or string.
type remoteID domain.RemoteID

func (id *remoteID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("@iot.id: %w", err)
		}
		*id = remoteID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("@iot.id: %w", err)
	}
	*id = remoteID(n.String())
	return nil
}

// SensorThings response types.

type page[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@iot.nextLink"`
}

type ref struct {
	ID remoteID `json:"@iot.id"`
}

type locationDTO struct {
	ID           remoteID        `json:"@iot.id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	EncodingType string          `json:"encodingType"`
	Location     json.RawMessage `json:"location"`
}

func (d locationDTO) toDomain() domain.RemoteLocation {
	return domain.RemoteLocation{
		ID:           domain.RemoteID(d.ID),
		Name:         d.Name,
		Description:  d.Description,
		EncodingType: d.EncodingType,
		Geometry:     d.Location,
	}
}

type historicalLocationDTO struct {
	Time      string `json:"time"`
	Locations []ref  `json:"Locations"`
	Location  *ref   `json:"Location"`
}

type thingDTO struct {
	ID                      remoteID                `json:"@iot.id"`
	Name                    string                  `json:"name"`
	Description             string                  `json:"description"`
	Locations               []ref                   `json:"Locations"`
	HistoricalLocations     []historicalLocationDTO `json:"HistoricalLocations"`
	HistoricalLocationsNext string                  `json:"HistoricalLocations@iot.nextLink"`
}

// toDomain converts the Thing with its complete history. History entries
// without a parsable time or Location are dropped with a warning.
func (d thingDTO) toDomain(history []historicalLocationDTO, logger *slog.Logger) domain.RemoteThing {
	t := domain.RemoteThing{
		ID:          domain.RemoteID(d.ID),
		Name:        d.Name,
		Description: d.Description,
	}
	for _, l := range d.Locations {
		t.Locations = append(t.Locations, domain.RemoteID(l.ID))
	}
	for i, h := range history {
		at, err := domain.ParsePhenomenonTime(h.Time)
		if err != nil {
			logger.Warn("skipping historical location", "thing", d.ID, "error", err)
			continue
		}
		var loc domain.RemoteID
		switch {
		case len(h.Locations) > 0:
			loc = domain.RemoteID(h.Locations[0].ID)
		case h.Location != nil:
			loc = domain.RemoteID(h.Location.ID)
		default:
			logger.Warn("skipping historical location without location", "thing", d.ID, "time", h.Time)
			continue
		}
		t.History = append(t.History, domain.RemoteLocationChange{Time: at, LocationID: loc, Seq: i})
	}
	return t
}

type observedPropertyDTO struct {
	ID         remoteID `json:"@iot.id"`
	Name       string   `json:"name"`
	Definition string   `json:"definition"`
}

func (d observedPropertyDTO) toDomain() domain.RemoteObservedProperty {
	return domain.RemoteObservedProperty{ID: domain.RemoteID(d.ID), Name: d.Name, Definition: d.Definition}
}

type datastreamDTO struct {
	ID               remoteID                 `json:"@iot.id"`
	Name             string                   `json:"name"`
	Description      string                   `json:"description"`
	Unit             domain.UnitOfMeasurement `json:"unitOfMeasurement"`
	Thing            *ref                     `json:"Thing"`
	ObservedProperty *observedPropertyDTO     `json:"ObservedProperty"`
}

func (d datastreamDTO) toDomain() domain.RemoteDatastream {
	ds := domain.RemoteDatastream{
		ID:          domain.RemoteID(d.ID),
		Name:        d.Name,
		Description: d.Description,
		Unit:        d.Unit,
	}
	if d.Thing != nil {
		ds.ThingID = domain.RemoteID(d.Thing.ID)
	}
	if d.ObservedProperty != nil {
		ds.Property = d.ObservedProperty.toDomain()
	}
	return ds
}

type multiDatastreamDTO struct {
	ID                 remoteID                   `json:"@iot.id"`
	Name               string                     `json:"name"`
	Description        string                     `json:"description"`
	Units              []domain.UnitOfMeasurement `json:"unitOfMeasurements"`
	Thing              *ref                       `json:"Thing"`
	ObservedProperties []observedPropertyDTO      `json:"ObservedProperties"`
}

func (d multiDatastreamDTO) toDomain() domain.RemoteMultiDatastream {
	md := domain.RemoteMultiDatastream{
		ID:          domain.RemoteID(d.ID),
		Name:        d.Name,
		Description: d.Description,
		Units:       d.Units,
	}
	if d.Thing != nil {
		md.ThingID = domain.RemoteID(d.Thing.ID)
	}
	for _, p := range d.ObservedProperties {
		md.Properties = append(md.Properties, p.toDomain())
	}
	return md
}

type observationDTO struct {
	PhenomenonTime string          `json:"phenomenonTime"`
	Result         json.RawMessage `json:"result"`
}

func (d observationDTO) toDomain() domain.RemoteObservation {
	return domain.RemoteObservation{PhenomenonTime: d.PhenomenonTime, Result: d.Result}
}
