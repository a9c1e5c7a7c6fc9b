package app

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charlesng35/otpguard/internal/geo"
)

const (
	GeoProviderNone    = "none"
	GeoProviderMaxMind = "maxmind"
	GeoProviderStatic  = "static"
)

// BuildResolver constructs the configured geolocation resolver. The returned
// closer is nil unless the resolver holds an open database.
func (c GeoConfig) BuildResolver() (geo.Resolver, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(c.Provider)) {
	case "", GeoProviderNone:
		return geo.NoopResolver{}, nil, nil
	case GeoProviderMaxMind:
		resolver, err := geo.OpenMaxMind(c.DatabasePath)
		if err != nil {
			return nil, nil, err
		}
		return resolver, resolver, nil
	case GeoProviderStatic:
		entries := make(map[string]geo.Location, len(c.Static))
		for _, entry := range c.Static {
			if strings.TrimSpace(entry.IP) == "" {
				return nil, nil, fmt.Errorf("geo: static entry without ip")
			}
			entries[entry.IP] = geo.Location{
				Country:   entry.Country,
				City:      entry.City,
				Latitude:  entry.Latitude,
				Longitude: entry.Longitude,
				TimeZone:  entry.Timezone,
			}
		}
		return geo.NewStaticResolver(entries), nil, nil
	default:
		return nil, nil, fmt.Errorf("geo: unsupported provider %q", c.Provider)
	}
}

// FallbackZone loads the zone used for unusual-hour checks when a location
// carries no timezone.
func (c GeoConfig) FallbackZone() (*time.Location, error) {
	name := strings.TrimSpace(c.FallbackTimezone)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("geo.fallback_timezone: %w", err)
	}
	return loc, nil
}
