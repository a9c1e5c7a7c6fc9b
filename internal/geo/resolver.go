package geo

import (
	"context"
	"net"
	"strings"
	"sync"
)

// Location is a best-effort geographic fix for a client address.
type Location struct {
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	TimeZone  string  `json:"timezone,omitempty"`
}

// Resolver maps an IP address to a Location. A nil Location with a nil error
// means the address is unknown to the resolver.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (*Location, error)
}

// NoopResolver never resolves anything.
type NoopResolver struct{}

func (NoopResolver) Resolve(context.Context, string) (*Location, error) { return nil, nil }

// StaticResolver serves locations from an in-memory table keyed by IP.
type StaticResolver struct {
	mu      sync.RWMutex
	entries map[string]Location
}

// NewStaticResolver returns a StaticResolver seeded with entries.
func NewStaticResolver(entries map[string]Location) *StaticResolver {
	r := &StaticResolver{entries: make(map[string]Location, len(entries))}
	for ip, loc := range entries {
		r.entries[normalizeIP(ip)] = loc
	}
	return r
}

// Set adds or replaces the location for ip.
func (r *StaticResolver) Set(ip string, loc Location) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalizeIP(ip)] = loc
}

func (r *StaticResolver) Resolve(_ context.Context, ip string) (*Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	loc, ok := r.entries[normalizeIP(ip)]
	if !ok {
		return nil, nil
	}
	return &loc, nil
}

func normalizeIP(ip string) string {
	ip = strings.TrimSpace(ip)
	if parsed := net.ParseIP(ip); parsed != nil {
		return parsed.String()
	}
	return ip
}

// IsPublic reports whether ip is a routable address worth looking up.
func IsPublic(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast())
}
