package domain

import "time"

// PropertyOverride replaces the observed property name and unit reported for
// one MultiDatastream dimension.
type PropertyOverride struct {
	Name string `yaml:"name"`
	Unit string `yaml:"unit"`
}

// Source is one remote SensorThings server.
type Source struct {
	Name    string
	BaseURL string

	// LocationNames, when set, restricts reconciliation to these Locations,
	// the Things that visited them and their datastreams.
	LocationNames []string

	// MatchLocationsByName reuses an existing Location with the same name
	// from any source before inserting a new one.
	MatchLocationsByName bool

	// PropertyOverrides is keyed by MultiDatastream dimension index.
	PropertyOverrides map[int]PropertyOverride
}

// AllowsLocation reports whether a Location name passes the source's name list.
func (s Source) AllowsLocation(name string) bool {
	if len(s.LocationNames) == 0 {
		return true
	}
	for _, n := range s.LocationNames {
		if n == name {
			return true
		}
	}
	return false
}

// RunConfig is the explicit configuration handed to an ingestion run. It is
// built once at start and never changed while the run is in flight.
type RunConfig struct {
	StartFrom time.Time
	Sources   []Source
	Filter    Filter
	BatchSize int
	Workers   int
}
