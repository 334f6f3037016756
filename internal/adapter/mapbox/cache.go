package mapbox

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/uroplatus666/geosensors-app/internal/domain"
	"github.com/uroplatus666/geosensors-app/internal/observability"
)

// CachedGeocoder wraps a Geocoder with an in-memory cache keyed by the
// rounded coordinate.
type CachedGeocoder struct {
	inner   domain.Geocoder
	cache   *ristretto.Cache
	metrics *observability.Metrics
}

// NewCachedGeocoder creates a cache decorator holding up to maxEntries
// results.
func NewCachedGeocoder(inner domain.Geocoder, maxEntries int, metrics *observability.Metrics) (*CachedGeocoder, error) {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        int64(maxEntries) * 10,
		MaxCost:            int64(maxEntries),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create geocode cache: %w", err)
	}
	return &CachedGeocoder{inner: inner, cache: cache, metrics: metrics}, nil
}

func (c *CachedGeocoder) ReverseGeocode(ctx context.Context, lat, lon float64) (domain.GeocodingResult, error) {
	key := cacheKey(lat, lon)
	if v, ok := c.cache.Get(key); ok {
		c.metrics.GeocodeCache.WithLabelValues("hit").Inc()
		return v.(domain.GeocodingResult), nil
	}
	c.metrics.GeocodeCache.WithLabelValues("miss").Inc()

	result, err := c.inner.ReverseGeocode(ctx, lat, lon)
	if err != nil {
		return result, err
	}
	// Only cache non-empty results so "not found" answers are retried.
	if result.FormattedAddress != "" || result.PlaceName != "" {
		c.cache.Set(key, result, 1)
	}
	return result, nil
}

// Wait blocks until pending cache writes are applied.
func (c *CachedGeocoder) Wait() {
	c.cache.Wait()
}

// Close releases the cache's background goroutines.
func (c *CachedGeocoder) Close() {
	c.cache.Close()
}

func cacheKey(lat, lon float64) string {
	return fmt.Sprintf("rev:%.6f,%.6f", lat, lon)
}
