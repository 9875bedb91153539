package horosafe

import "net/netip"

// metadataAddrs are cloud instance-metadata endpoints. They stay forbidden
// even when an AllowNetworks prefix covers them.
var metadataAddrs = []netip.Addr{
	netip.MustParseAddr("169.254.169.254"), // AWS, GCP, Azure, DigitalOcean, OpenStack
	netip.MustParseAddr("169.254.170.2"),   // AWS ECS task metadata
	netip.MustParseAddr("100.100.100.200"), // Alibaba Cloud
	netip.MustParseAddr("192.0.0.192"),     // Oracle Cloud IMDS
	netip.MustParseAddr("fd00:ec2::254"),   // AWS IMDS over IPv6
}

type forbiddenRange struct {
	prefix netip.Prefix
	reason string
}

var forbiddenRanges = []forbiddenRange{
	{netip.MustParsePrefix("0.0.0.0/8"), "this-network"},
	{netip.MustParsePrefix("10.0.0.0/8"), "private"},
	{netip.MustParsePrefix("100.64.0.0/10"), "carrier-grade NAT"},
	{netip.MustParsePrefix("127.0.0.0/8"), "loopback"},
	{netip.MustParsePrefix("169.254.0.0/16"), "link-local"},
	{netip.MustParsePrefix("172.16.0.0/12"), "private"},
	{netip.MustParsePrefix("192.0.0.0/24"), "IETF protocol assignment"},
	{netip.MustParsePrefix("192.88.99.0/24"), "6to4 relay anycast"},
	{netip.MustParsePrefix("192.168.0.0/16"), "private"},
	{netip.MustParsePrefix("198.18.0.0/15"), "benchmarking"},
	{netip.MustParsePrefix("224.0.0.0/4"), "multicast"},
	{netip.MustParsePrefix("240.0.0.0/4"), "reserved"},
	{netip.MustParsePrefix("::/128"), "unspecified"},
	{netip.MustParsePrefix("::1/128"), "loopback"},
	// The IPv4 position inside a local-use NAT64 prefix depends on the
	// operator's prefix length, so the whole block is refused.
	{netip.MustParsePrefix("64:ff9b:1::/48"), "local-use NAT64"},
	{netip.MustParsePrefix("100::/64"), "discard"},
	{netip.MustParsePrefix("fc00::/7"), "unique-local"},
	{netip.MustParsePrefix("fe80::/10"), "link-local"},
	{netip.MustParsePrefix("fec0::/10"), "site-local"},
	{netip.MustParsePrefix("ff00::/8"), "multicast"},
}

var (
	nat64Prefix  = netip.MustParsePrefix("64:ff9b::/96")
	v4Translated = netip.MustParsePrefix("::ffff:0:0:0/96")
	sixToFour    = netip.MustParsePrefix("2002::/16")
	teredoPrefix = netip.MustParsePrefix("2001::/32")
	v4Compatible = netip.MustParsePrefix("::/96")
)

// Classifier decides whether an address may be connected to. The zero value
// applies the built-in forbidden ranges only. A Classifier is immutable after
// construction and safe for concurrent use.
type Classifier struct {
	allow []netip.Prefix
	deny  []netip.Prefix
}

// NewClassifier returns a Classifier with operator overrides. Addresses in
// allow are exempt from the built-in ranges (metadata endpoints excepted);
// addresses in deny are forbidden in addition to them.
func NewClassifier(allow, deny []netip.Prefix) *Classifier {
	c := &Classifier{}
	for _, p := range allow {
		c.allow = append(c.allow, p.Masked())
	}
	for _, p := range deny {
		c.deny = append(c.deny, p.Masked())
	}
	return c
}

// Forbidden reports whether ip must not be connected to.
func (c *Classifier) Forbidden(ip netip.Addr) bool {
	forbidden, _ := c.Classify(ip)
	return forbidden
}

// Classify reports whether ip is forbidden and names the matching range.
func (c *Classifier) Classify(ip netip.Addr) (bool, string) {
	if !ip.IsValid() {
		return true, "invalid address"
	}
	if ip.Zone() != "" {
		return true, "zoned address"
	}
	ip = ip.Unmap()

	for _, m := range metadataAddrs {
		if ip == m {
			return true, "cloud metadata"
		}
	}
	if c != nil {
		for _, p := range c.deny {
			if p.Contains(ip) {
				return true, "denied network"
			}
		}
		for _, p := range c.allow {
			if p.Contains(ip) {
				return false, ""
			}
		}
	}

	if ip == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return true, "broadcast"
	}
	if embedded, kind, ok := embeddedIPv4(ip); ok {
		if forbidden, reason := c.Classify(embedded); forbidden {
			return true, kind + " " + reason
		}
	}
	for _, r := range forbiddenRanges {
		if r.prefix.Contains(ip) {
			return true, r.reason
		}
	}
	return false, ""
}

// embeddedIPv4 extracts an IPv4 address tunnelled in an IPv6 one.
// IPv4-mapped addresses are handled by Unmap before this is called.
func embeddedIPv4(ip netip.Addr) (netip.Addr, string, bool) {
	if !ip.Is6() {
		return netip.Addr{}, "", false
	}
	b := ip.As16()
	switch {
	case nat64Prefix.Contains(ip):
		return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}), "NAT64", true
	case v4Translated.Contains(ip):
		return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}), "SIIT", true
	case sixToFour.Contains(ip):
		return netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]}), "6to4", true
	case teredoPrefix.Contains(ip):
		// Teredo stores the client address bit-inverted in the last 32 bits.
		return netip.AddrFrom4([4]byte{^b[12], ^b[13], ^b[14], ^b[15]}), "Teredo", true
	case v4Compatible.Contains(ip) && ip != netip.IPv6Unspecified() && ip != netip.IPv6Loopback():
		return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}), "IPv4-compatible", true
	}
	return netip.Addr{}, "", false
}
