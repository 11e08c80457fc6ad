// Package dnscache provides a bounded, TTL-expiring cache in front of the
// system resolver. It is used by the UDP relay, where domain destinations
// arrive per-datagram and must not trigger a fresh lookup each time.
package dnscache

import (
	"context"
	"net"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Defaults for the process-wide cache.
const (
	DefaultSize = 1024
	DefaultTTL  = 5 * time.Minute
)

// LookupFunc resolves a host name to its addresses. It must honor
// cancellation of ctx.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

// Cache memoizes successful lookups. It is safe for concurrent use;
// failures are never cached.
type Cache struct {
	lookup LookupFunc
	lru    *expirable.LRU[string, []net.IP]
}

// New creates a cache bounded to size entries, each expiring after ttl,
// backed by the system resolver.
func New(size int, ttl time.Duration) *Cache {
	return NewWithLookup(size, ttl, nil)
}

// NewWithLookup creates a cache with a custom lookup function.
// A nil lookup uses the system resolver.
func NewWithLookup(size int, ttl time.Duration, lookup LookupFunc) *Cache {
	if lookup == nil {
		lookup = func(ctx context.Context, host string) ([]net.IP, error) {
			return net.DefaultResolver.LookupIP(ctx, "ip", host)
		}
	}
	return &Cache{
		lookup: lookup,
		lru:    expirable.NewLRU[string, []net.IP](size, nil, ttl),
	}
}

// Resolve returns the full address set for host, from cache when fresh.
// On a miss it performs one lookup with ctx and caches the result set.
func (c *Cache) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ips, ok := c.lru.Get(host); ok {
		return ips, nil
	}

	ips, err := c.lookup(ctx, host)
	if err != nil {
		return nil, err
	}
	c.lru.Add(host, ips)
	return ips, nil
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// PreferIPv4 picks the first IPv4 address from ips, falling back to the
// first address of any family. Returns nil for an empty set.
func PreferIPv4(ips []net.IP) net.IP {
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip
		}
	}
	if len(ips) > 0 {
		return ips[0]
	}
	return nil
}
