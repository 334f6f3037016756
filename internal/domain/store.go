package domain

import "context"

// EntityWriter is the transactional view of the local catalog used while
// reconciling one batch of remote entities. Every method is an upsert keyed
// by the entity's identity and returns the local id.
type EntityWriter interface {
	// LocationID looks up a Location by (source, remote id).
	LocationID(ctx context.Context, source string, remoteID RemoteID) (int64, bool, error)
	// LocationIDByName looks up a Location of any source by display name.
	LocationIDByName(ctx context.Context, name string) (int64, bool, error)
	UpsertLocation(ctx context.Context, loc Location) (int64, error)
	UpsertThing(ctx context.Context, thing Thing) (int64, error)
	// ResolveProperty returns the row matching (name, unit), inserting it
	// only when no row matches.
	ResolveProperty(ctx context.Context, prop ObservedProperty) (int64, error)
	UpsertDatastream(ctx context.Context, ds Datastream) (int64, error)
	Intervals(ctx context.Context, thingID int64) ([]Interval, error)
	// WriteIntervals upserts rows keyed by (thing, start) in the given order.
	WriteIntervals(ctx context.Context, intervals []Interval) error
}
