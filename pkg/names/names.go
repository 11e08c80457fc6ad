// Package names resolves IP addresses to configured friendly names. The
// resolver is built once from configuration and is immutable afterwards;
// it decorates log output only and has no effect on proxy behavior.
package names

import (
	"net"
	"net/netip"
)

// Mapping pairs an IP literal with its display label.
type Mapping struct {
	Address string
	Label   string
}

// Report describes entries that did not survive construction.
type Report struct {
	// Invalid lists literals that failed to parse and were dropped.
	Invalid []string

	// Duplicates lists literals that appeared more than once. The last
	// occurrence wins.
	Duplicates []string
}

// Resolver is a read-only IP-to-label lookup. Safe for concurrent use.
type Resolver struct {
	labels map[string]string
}

// New builds a resolver from mappings. Literals are parsed and keyed by
// their canonical textual form, so equivalent spellings (IPv6
// zero-compression, case) collapse to one entry.
func New(mappings []Mapping) (*Resolver, Report) {
	var report Report
	labels := make(map[string]string, len(mappings))

	for _, m := range mappings {
		addr, err := netip.ParseAddr(m.Address)
		if err != nil {
			report.Invalid = append(report.Invalid, m.Address)
			continue
		}
		key := addr.Unmap().String()
		if _, seen := labels[key]; seen {
			report.Duplicates = append(report.Duplicates, m.Address)
		}
		labels[key] = m.Label
	}

	return &Resolver{labels: labels}, report
}

// Suffix returns " (Label)" when host is an IP literal with a configured
// label, and the empty string otherwise. Domain names always yield the
// empty string.
func (r *Resolver) Suffix(host string) string {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return ""
	}
	return r.suffix(addr)
}

// SuffixAddr returns the label suffix for a TCP or UDP endpoint.
func (r *Resolver) SuffixAddr(addr net.Addr) string {
	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	case *net.UDPAddr:
		ip = a.IP
	default:
		return ""
	}
	parsed, ok := netip.AddrFromSlice(ip)
	if !ok {
		return ""
	}
	return r.suffix(parsed)
}

func (r *Resolver) suffix(addr netip.Addr) string {
	label, ok := r.labels[addr.Unmap().String()]
	if !ok {
		return ""
	}
	return " (" + label + ")"
}
