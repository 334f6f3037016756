// Package domain models OGC SensorThings catalog data as it is ingested into
// the local relational store.
//
// # Data Sources
//
// Observations come from independently operated SensorThings API servers.
// Each configured source is its own identity namespace: a Location with
// remote id 7 on one server is unrelated to remote id 7 on another. Cross
// source matching by Location name is opt-in per source.
//
// # SensorThings Conventions
//
// Remote ids:
//
//	"@iot.id" is either a JSON number or a JSON string depending on the
//	server. Both are kept as their textual form in [RemoteID]. Numeric ids
//	are addressed bare in entity URLs, string ids are quoted OData style.
//
// Geometry:
//
//	Location.location is GeoJSON, either a bare geometry or a Feature.
//	Coordinates are nominally WGS84 (EPSG:4326) but one known source emits
//	Web Mercator (EPSG:3857) metres. A legacy "crs" member is honoured when
//	present; otherwise any |x| > 180 or |y| > 90 is taken as Web Mercator.
//	See [NormalizeGeometry].
//
// Time:
//
//	phenomenonTime is an ISO 8601 instant or interval ("start/end"). For an
//	interval the end instant is used. All times are handled in UTC.
//
// Results:
//
//	Numbers, or strings holding a number. A decimal comma ("21,5") is
//	accepted. null, NaN and non-numeric strings are malformed readings:
//	they are counted and excluded from aggregates.
//
// # MultiDatastreams
//
// A MultiDatastream carries an array result, one element per observed
// property. Each dimension is stored locally as a virtual Datastream whose
// remote id is derived from the parent id and the dimension index by
// [VirtualDatastreamID], so repeated runs map onto the same local rows.
//
// # Hourly Aggregates
//
// Readings are grouped by UTC hour (time.Truncate(time.Hour)) into count,
// average, minimum and maximum. Buckets are recomputed from raw observations
// on every commit, so late readings inside a bucket simply replace the row.
package domain
