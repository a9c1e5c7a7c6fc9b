package geo

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// MaxMindResolver resolves addresses against a local GeoLite2/GeoIP2 City database.
type MaxMindResolver struct {
	reader *geoip2.Reader
}

// OpenMaxMind opens the mmdb file at path.
func OpenMaxMind(path string) (*MaxMindResolver, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("geo: maxmind database path is required")
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geo: open maxmind database: %w", err)
	}
	return &MaxMindResolver{reader: reader}, nil
}

func (r *MaxMindResolver) Resolve(ctx context.Context, ip string) (*Location, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	parsed := net.ParseIP(strings.TrimSpace(ip))
	if !IsPublic(parsed) {
		return nil, nil
	}

	record, err := r.reader.City(parsed)
	if err != nil {
		return nil, fmt.Errorf("geo: lookup %s: %w", ip, err)
	}
	if record.Location.Latitude == 0 && record.Location.Longitude == 0 && record.Country.IsoCode == "" {
		return nil, nil
	}

	return &Location{
		Country:   record.Country.IsoCode,
		City:      record.City.Names["en"],
		Latitude:  record.Location.Latitude,
		Longitude: record.Location.Longitude,
		TimeZone:  record.Location.TimeZone,
	}, nil
}

// Close releases the underlying database.
func (r *MaxMindResolver) Close() error {
	if r == nil || r.reader == nil {
		return nil
	}
	return r.reader.Close()
}
