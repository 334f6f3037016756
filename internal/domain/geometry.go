package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"
)

// CRS is a coordinate reference system a remote geometry may be declared in.
type CRS int

const (
	CRSUnknown CRS = iota
	CRSWGS84
	CRSWebMercator
)

// webMercatorExtent is the half width of the EPSG:3857 square in metres.
const webMercatorExtent = 20037508.342789244

// NormalizeGeometry decodes a Location's geometry and returns it in WGS84.
// Accepted shapes are a GeoJSON geometry or Feature, either of those wrapped
// in {"value": ...}, and plain {"latitude","longitude"} or {"lat","lon"}
// objects. The source CRS comes from a legacy "crs" member when present and
// is inferred from the coordinate range otherwise.
func NormalizeGeometry(raw json.RawMessage) (orb.Geometry, error) {
	return normalize(raw, true)
}

type geometryHead struct {
	Type string `json:"type"`
	CRS  *struct {
		Properties struct {
			Name string `json:"name"`
		} `json:"properties"`
	} `json:"crs"`
	Value     json.RawMessage `json:"value"`
	Latitude  json.RawMessage `json:"latitude"`
	Longitude json.RawMessage `json:"longitude"`
	Lat       json.RawMessage `json:"lat"`
	Lon       json.RawMessage `json:"lon"`
}

func normalize(raw json.RawMessage, unwrap bool) (orb.Geometry, error) {
	if isNull(raw) {
		return nil, fmt.Errorf("%w: missing geometry", ErrDataIntegrity)
	}

	var head geometryHead
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: decode geometry: %v", ErrDataIntegrity, err)
	}

	if head.Type == "" {
		if unwrap && !isNull(head.Value) {
			return normalize(head.Value, false)
		}
		if p, ok := latLonPoint(head); ok {
			return Reproject(p, CRSWGS84)
		}
	}

	var g orb.Geometry
	if head.Type == "Feature" {
		f, err := geojson.UnmarshalFeature(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: decode feature: %v", ErrDataIntegrity, err)
		}
		g = f.Geometry
	} else {
		gg, err := geojson.UnmarshalGeometry(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: decode geometry: %v", ErrDataIntegrity, err)
		}
		g = gg.Geometry()
	}

	declared := CRSUnknown
	if head.CRS != nil {
		declared = parseCRSName(head.CRS.Properties.Name)
	}
	return Reproject(g, declared)
}

// latLonPoint reads numeric latitude/longitude (or lat/lon) members.
func latLonPoint(head geometryHead) (orb.Point, bool) {
	lat, okLat := firstNumber(head.Latitude, head.Lat)
	lon, okLon := firstNumber(head.Longitude, head.Lon)
	if !okLat || !okLon {
		return orb.Point{}, false
	}
	return orb.Point{lon, lat}, true
}

func firstNumber(candidates ...json.RawMessage) (float64, bool) {
	for _, c := range candidates {
		if isNull(c) {
			continue
		}
		var v float64
		if err := json.Unmarshal(c, &v); err == nil {
			return v, true
		}
	}
	return 0, false
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Reproject returns g in WGS84. With CRSUnknown the source CRS is inferred
// via IsWebMercator.
func Reproject(g orb.Geometry, from CRS) (orb.Geometry, error) {
	if g == nil || pointCount(g) == 0 {
		return nil, fmt.Errorf("%w: empty geometry", ErrDataIntegrity)
	}
	if !finite(g.Bound()) {
		return nil, fmt.Errorf("%w: non-finite coordinates", ErrDataIntegrity)
	}

	if from == CRSUnknown {
		from = CRSWGS84
		if IsWebMercator(g) {
			from = CRSWebMercator
		}
	}

	if from == CRSWebMercator {
		b := g.Bound()
		if math.Abs(b.Min[0]) > webMercatorExtent || math.Abs(b.Max[0]) > webMercatorExtent ||
			math.Abs(b.Min[1]) > webMercatorExtent || math.Abs(b.Max[1]) > webMercatorExtent {
			return nil, fmt.Errorf("%w: coordinates outside web mercator extent", ErrDataIntegrity)
		}
		g = project.Geometry(orb.Clone(g), project.Mercator.ToWGS84)
	}

	b := g.Bound()
	if b.Min[0] < -180 || b.Max[0] > 180 || b.Min[1] < -90 || b.Max[1] > 90 {
		return nil, fmt.Errorf("%w: coordinates outside WGS84 range", ErrDataIntegrity)
	}
	return g, nil
}

// IsWebMercator reports whether any coordinate falls outside the geographic
// degree range.
func IsWebMercator(g orb.Geometry) bool {
	b := g.Bound()
	return math.Abs(b.Min[0]) > 180 || math.Abs(b.Max[0]) > 180 ||
		math.Abs(b.Min[1]) > 90 || math.Abs(b.Max[1]) > 90
}

// WebMercatorToWGS84 converts one EPSG:3857 point to lon/lat degrees.
func WebMercatorToWGS84(p orb.Point) orb.Point {
	return project.Mercator.ToWGS84(p)
}

// Representative returns the point stored as a Location's display coordinate:
// the point itself, or the area centroid for polygons.
func Representative(g orb.Geometry) orb.Point {
	if p, ok := g.(orb.Point); ok {
		return p
	}
	c, _ := planar.CentroidArea(g)
	return c
}

func parseCRSName(name string) CRS {
	n := strings.ToUpper(name)
	switch {
	case strings.Contains(n, "3857"), strings.Contains(n, "900913"), strings.Contains(n, "3785"):
		return CRSWebMercator
	case strings.Contains(n, "4326"), strings.Contains(n, "CRS84"):
		return CRSWGS84
	default:
		return CRSUnknown
	}
}

func finite(b orb.Bound) bool {
	for _, v := range []float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func pointCount(g orb.Geometry) int {
	switch g := g.(type) {
	case orb.Point:
		return 1
	case orb.MultiPoint:
		return len(g)
	case orb.LineString:
		return len(g)
	case orb.MultiLineString:
		n := 0
		for _, ls := range g {
			n += len(ls)
		}
		return n
	case orb.Ring:
		return len(g)
	case orb.Polygon:
		n := 0
		for _, r := range g {
			n += len(r)
		}
		return n
	case orb.MultiPolygon:
		n := 0
		for _, p := range g {
			n += pointCount(p)
		}
		return n
	case orb.Collection:
		n := 0
		for _, c := range g {
			n += pointCount(c)
		}
		return n
	case orb.Bound:
		return 2
	default:
		return 0
	}
}
