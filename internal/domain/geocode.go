package domain

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/paulmach/orb"
)

// LocationName returns the display name for a Location. A remote name wins.
// Otherwise the geocoder is asked for the place at the Location's
// representative point, and "Location-<remote id>" is the last resort.
// Geocoding failures degrade to the fallback.
func LocationName(ctx context.Context, remote RemoteLocation, geom orb.Geometry, geocoder Geocoder, logger *slog.Logger) string {
	if name := strings.TrimSpace(remote.Name); name != "" {
		return name
	}
	fallback := fmt.Sprintf("Location-%s", remote.ID)
	if geocoder == nil || geom == nil {
		return fallback
	}

	p := Representative(geom)
	result, err := geocoder.ReverseGeocode(ctx, p.Lat(), p.Lon())
	if err != nil {
		logger.Warn("reverse geocoding failed",
			"location", remote.ID,
			"lat", p.Lat(),
			"lon", p.Lon(),
			"error", err,
		)
		return fallback
	}
	if result.PlaceName != "" {
		return result.PlaceName
	}
	if result.FormattedAddress != "" {
		return result.FormattedAddress
	}
	return fallback
}
