package edge

import (
	"net/netip"
	"strings"
)

const (
	DefaultRegion = "us-east"
	LocalRegion   = "local"
)

// Geolocator resolves a client address to a region name
type Geolocator interface {
	Region(clientIP string) string
}

// PrefixGeolocator maps address prefixes to regions. Private and loopback
// addresses resolve to LocalRegion, unmatched ones to the fallback.
type PrefixGeolocator struct {
	fallback string
	prefixes []regionPrefix
}

type regionPrefix struct {
	prefix netip.Prefix
	region string
}

// NewPrefixGeolocator creates a geolocator with no prefixes beyond the private ranges
func NewPrefixGeolocator(fallback string) *PrefixGeolocator {
	return &PrefixGeolocator{fallback: fallback}
}

// Add maps a CIDR prefix to region. Longer prefixes win.
func (g *PrefixGeolocator) Add(cidr, region string) error {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return err
	}
	g.prefixes = append(g.prefixes, regionPrefix{prefix: p.Masked(), region: region})
	return nil
}

// Region implements Geolocator
func (g *PrefixGeolocator) Region(clientIP string) string {
	addr, err := netip.ParseAddr(hostOnly(clientIP))
	if err != nil {
		return g.fallback
	}
	addr = addr.Unmap()

	best := -1
	region := ""
	for _, rp := range g.prefixes {
		if rp.prefix.Contains(addr) && rp.prefix.Bits() > best {
			best = rp.prefix.Bits()
			region = rp.region
		}
	}
	if best >= 0 {
		return region
	}
	if addr.IsPrivate() || addr.IsLoopback() {
		return LocalRegion
	}
	return g.fallback
}

// hostOnly strips a port from host:port forms
func hostOnly(s string) string {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().String()
	}
	return strings.Trim(s, "[]")
}
