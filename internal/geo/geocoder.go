package geo

import (
	"context"
	"strings"

	"github.com/nyc-design/Gamer/pkg/cache"
	"github.com/nyc-design/Gamer/pkg/clients/nominatim"
	"github.com/nyc-design/Gamer/pkg/logging"
	"github.com/nyc-design/Gamer/pkg/models"
)

// Gazetteer is the place-name lookup the Geocoder depends on.
// *nominatim.Client satisfies it.
type Gazetteer interface {
	Search(ctx context.Context, query string) (*nominatim.Place, error)
}

// Geocoder resolves (city, region, country) tuples to coordinates.
// Every outcome, including "unknown", is memoized for the lifetime of
// the process so the optimizer never re-queries the gazetteer for a
// place it has already seen. Lookup failures are swallowed: callers
// get an unknown result and continue with degraded ranking.
type Geocoder struct {
	gazetteer Gazetteer
	cache     *cache.Cache
	logger    logging.Logger
}

type resolution struct {
	coord models.Coordinate
	known bool
}

func NewGeocoder(gazetteer Gazetteer, logger logging.Logger) *Geocoder {
	return &Geocoder{
		gazetteer: gazetteer,
		cache: cache.New(cache.Options{
			TTL:        0, // pinned for process lifetime
			MaxEntries: 8192,
		}, cache.MetricsHooks{}),
		logger: logger,
	}
}

// Resolve returns the coordinate for a place tuple, or ok=false when
// the place is unknown or the gazetteer is unreachable.
func (g *Geocoder) Resolve(ctx context.Context, city, region, country string) (models.Coordinate, bool) {
	key := normalizeKey(city, region, country)
	if key == "" {
		return models.Coordinate{}, false
	}

	v, ok, _ := g.cache.Get(ctx, key, func(ctx context.Context, _ string) (interface{}, bool, error) {
		return g.lookup(ctx, city, region, country), true, nil
	})
	if !ok {
		return models.Coordinate{}, false
	}
	res := v.(resolution)
	return res.coord, res.known
}

func (g *Geocoder) lookup(ctx context.Context, city, region, country string) resolution {
	query := joinPlace(city, region, country)
	place, err := g.gazetteer.Search(ctx, query)
	if err != nil {
		if g.logger != nil {
			g.logger.WithFields(logging.Fields{
				"query": query,
				"error": err.Error(),
			}).Warn("Geocode lookup failed, treating place as unknown")
		}
		return resolution{}
	}
	if place == nil {
		return resolution{}
	}
	coord := models.Coordinate{Lat: place.Lat, Lon: place.Lon}
	if err := ValidateCoord(coord); err != nil {
		if g.logger != nil {
			g.logger.WithFields(logging.Fields{
				"query": query,
				"lat":   place.Lat,
				"lon":   place.Lon,
			}).Warn("Gazetteer returned out-of-range coordinate")
		}
		return resolution{}
	}
	return resolution{coord: coord, known: true}
}

func normalizeKey(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		cleaned = append(cleaned, strings.ToLower(strings.TrimSpace(p)))
	}
	key := strings.Join(cleaned, "|")
	if strings.Trim(key, "|") == "" {
		return ""
	}
	return key
}

func joinPlace(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, ", ")
}
