package horosafe

import (
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/idna"
)

// DefaultDeniedPorts are ports of common internal services. They are refused
// unless the policy sets an explicit allow-list.
var DefaultDeniedPorts = []int{
	22, 23, 25, 110, 135, 139, 143, 445, 2375, 2376,
	3306, 5432, 5984, 6379, 9200, 11211, 27017,
}

// DefaultDeniedHosts are names that never designate a public destination.
// A leading "*." matches any subdomain.
var DefaultDeniedHosts = []string{
	"localhost",
	"*.localhost",
	"metadata",
	"metadata.google.internal",
	"instance-data",
}

// Policy is the static configuration of a Validator.
type Policy struct {
	Schemes      []string // allowed schemes, default http and https
	AllowedPorts []int    // when non-empty, only these ports pass
	DeniedPorts  []int    // consulted only when AllowedPorts is empty
	DeniedHosts  []string // exact names or "*.suffix" patterns
}

// Target is an accepted URL. Host is normalized: lower-case ASCII for names,
// canonical text for IP literals (including decoded numeric encodings).
type Target struct {
	Scheme string
	Host   string
	Port   int
	IP     netip.Addr // set when Host is an IP literal
	URL    *url.URL   // copy of the input with Host rewritten to the normalized form
}

// IsIP reports whether the target host is an IP literal.
func (t Target) IsIP() bool { return t.IP.IsValid() }

// Validator vets URLs before any network activity. It is a pure function of
// its input and the policy it was built with.
type Validator struct {
	schemes      map[string]bool
	allowedPorts map[int]bool
	deniedPorts  map[int]bool
	deniedHosts  []string
	profile      *idna.Profile
}

// NewValidator compiles p into a Validator.
func NewValidator(p Policy) *Validator {
	v := &Validator{
		schemes:      make(map[string]bool),
		allowedPorts: make(map[int]bool),
		deniedPorts:  make(map[int]bool),
		profile:      idna.New(idna.MapForLookup(), idna.Transitional(false), idna.StrictDomainName(true), idna.VerifyDNSLength(true)),
	}
	schemes := p.Schemes
	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}
	for _, s := range schemes {
		v.schemes[strings.ToLower(s)] = true
	}
	for _, port := range p.AllowedPorts {
		v.allowedPorts[port] = true
	}
	for _, port := range p.DeniedPorts {
		v.deniedPorts[port] = true
	}
	for _, h := range p.DeniedHosts {
		v.deniedHosts = append(v.deniedHosts, strings.ToLower(strings.TrimSuffix(h, ".")))
	}
	return v
}

// Validate parses rawURL and applies the policy. Rejections wrap
// ErrInvalidURL and carry a *RejectError.
func (v *Validator) Validate(rawURL string) (Target, error) {
	if strings.TrimSpace(rawURL) == "" {
		return Target{}, reject("empty URL")
	}
	for _, r := range rawURL {
		if r <= ' ' || r == 0x7f {
			return Target{}, reject("URL contains whitespace or control characters")
		}
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return Target{}, reject("unparsable URL")
	}
	if u.Opaque != "" {
		return Target{}, reject("opaque URL")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" || u.Host == "" {
		return Target{}, reject("URL must be absolute")
	}
	if !v.schemes[scheme] {
		return Target{}, reject("scheme %q not allowed", scheme)
	}
	if u.User != nil {
		return Target{}, reject("embedded credentials not allowed")
	}
	host, ip, err := v.normalizeHost(u.Hostname())
	if err != nil {
		return Target{}, err
	}

	port, err := v.port(scheme, u.Port())
	if err != nil {
		return Target{}, err
	}

	out := *u
	out.Scheme = scheme
	out.User = nil
	hostport := host
	if ip.Is6() {
		hostport = "[" + host + "]"
	}
	if u.Port() != "" {
		hostport = net.JoinHostPort(host, strconv.Itoa(port))
	}
	if !httpguts.ValidHostHeader(hostport) {
		return Target{}, reject("malformed host")
	}
	out.Host = hostport

	return Target{Scheme: scheme, Host: host, Port: port, IP: ip, URL: &out}, nil
}

func (v *Validator) normalizeHost(raw string) (string, netip.Addr, error) {
	if raw == "" {
		return "", netip.Addr{}, reject("empty host")
	}
	if strings.Contains(raw, "%") {
		return "", netip.Addr{}, reject("zone identifiers not allowed")
	}
	if ip, ok := ParseHostIP(raw); ok {
		ip = ip.Unmap()
		return ip.String(), ip, nil
	}

	name, err := v.profile.ToASCII(strings.TrimSuffix(raw, "."))
	if err != nil {
		return "", netip.Addr{}, reject("invalid host name")
	}
	name = strings.ToLower(name)
	// IDNA mapping can turn full-width digits and dots into a numeric host.
	if ip, ok := ParseHostIP(name); ok {
		ip = ip.Unmap()
		return ip.String(), ip, nil
	}
	if v.hostDenied(name) {
		return "", netip.Addr{}, reject("host %q not allowed", name)
	}
	return name, netip.Addr{}, nil
}

func (v *Validator) hostDenied(name string) bool {
	for _, pattern := range v.deniedHosts {
		if suffix, ok := strings.CutPrefix(pattern, "*"); ok {
			if strings.HasSuffix(name, suffix) {
				return true
			}
			continue
		}
		if name == pattern {
			return true
		}
	}
	return false
}

func (v *Validator) port(scheme, raw string) (int, error) {
	var port int
	switch {
	case raw != "":
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 65535 {
			return 0, reject("invalid port %q", raw)
		}
		port = n
	case scheme == "https":
		port = 443
	case scheme == "http":
		port = 80
	default:
		return 0, reject("no default port for scheme %q", scheme)
	}
	if len(v.allowedPorts) > 0 {
		if !v.allowedPorts[port] {
			return 0, reject("port %d not allowed", port)
		}
		return port, nil
	}
	if v.deniedPorts[port] {
		return 0, reject("port %d not allowed", port)
	}
	return port, nil
}
