package fetchguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/hazyhaar/fetchguard/horosafe"
)

// ErrAllForbidden is returned by SafeResolver.Resolve when every candidate
// address is forbidden. No connection is attempted in that case.
var ErrAllForbidden = errors.New("fetchguard: " + ReasonAllForbidden)

// Resolver is the name lookup used by SafeResolver. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// NewNetResolver returns the system resolver, or a pure-Go resolver that
// sends every query to dnsServer (host:port) when it is set.
func NewNetResolver(dnsServer string) *net.Resolver {
	if dnsServer == "" {
		return net.DefaultResolver
	}
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, dnsServer)
		},
	}
}

// ResolvedAddress is one candidate produced by a single resolution.
type ResolvedAddress struct {
	IP        netip.Addr
	Forbidden bool
	Reason    string
}

// SafeResolver resolves host names and classifies every answer. It keeps no
// cache: each call performs a fresh lookup.
type SafeResolver struct {
	resolver   Resolver
	classifier *horosafe.Classifier
}

// NewSafeResolver wraps r. A nil classifier applies the built-in ranges.
func NewSafeResolver(r Resolver, c *horosafe.Classifier) *SafeResolver {
	if r == nil {
		r = net.DefaultResolver
	}
	if c == nil {
		c = &horosafe.Classifier{}
	}
	return &SafeResolver{resolver: r, classifier: c}
}

// Resolve returns every candidate for host, each classified. It fails with
// ErrResolution when the lookup fails or is empty, and with ErrAllForbidden
// (alongside the classified candidates) when no candidate is permitted.
func (s *SafeResolver) Resolve(ctx context.Context, host string) ([]ResolvedAddress, error) {
	var ips []netip.Addr
	if ip, err := netip.ParseAddr(host); err == nil {
		ips = []netip.Addr{ip}
	} else {
		found, err := s.resolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrResolution, host, err)
		}
		ips = found
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("%w: %s: no addresses", ErrResolution, host)
	}

	out := make([]ResolvedAddress, 0, len(ips))
	seen := make(map[netip.Addr]bool, len(ips))
	permitted := 0
	for _, ip := range ips {
		if seen[ip] {
			continue
		}
		seen[ip] = true
		forbidden, reason := s.classifier.Classify(ip)
		if !forbidden {
			permitted++
		}
		out = append(out, ResolvedAddress{IP: ip, Forbidden: forbidden, Reason: reason})
	}
	if permitted == 0 {
		return out, fmt.Errorf("%w: %s", ErrAllForbidden, host)
	}
	return out, nil
}

// Permitted filters addrs down to the addresses that may be dialed.
func Permitted(addrs []ResolvedAddress) []netip.Addr {
	var out []netip.Addr
	for _, a := range addrs {
		if !a.Forbidden {
			out = append(out, a.IP)
		}
	}
	return out
}
