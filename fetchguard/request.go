package fetchguard

import "time"

// MaxLoggedURL bounds a client URL written to a log line or the fetch log.
const MaxLoggedURL = 2048

// TruncateURL cuts s to MaxLoggedURL bytes.
func TruncateURL(s string) string {
	if len(s) <= MaxLoggedURL {
		return s
	}
	return s[:MaxLoggedURL]
}

// Overrides are optional per-call limits supplied by a client. A nil field
// keeps the configured value; a set field can only tighten it.
type Overrides struct {
	MaxRedirects *int
	Timeout      *time.Duration
	MaxBodyBytes *int64
}

// Request is one fetch to perform. It is immutable once built by NewRequest.
type Request struct {
	rawURL       string
	maxRedirects int
	timeout      time.Duration
	maxBodyBytes int64
}

// NewRequest builds a Request for rawURL, clamping every override to the
// ceiling configured in cfg.
func NewRequest(cfg *Config, rawURL string, o Overrides) Request {
	r := Request{
		rawURL:       rawURL,
		maxRedirects: cfg.MaxRedirects,
		timeout:      cfg.RequestTimeout(),
		maxBodyBytes: cfg.MaxBodyBytes,
	}
	if o.MaxRedirects != nil {
		r.maxRedirects = min(max(*o.MaxRedirects, 0), cfg.MaxRedirects)
	}
	if o.Timeout != nil && *o.Timeout > 0 {
		r.timeout = min(*o.Timeout, cfg.RequestTimeout())
	}
	if o.MaxBodyBytes != nil && *o.MaxBodyBytes > 0 {
		r.maxBodyBytes = min(*o.MaxBodyBytes, cfg.MaxBodyBytes)
	}
	return r
}

// URL returns the URL as submitted by the client.
func (r Request) URL() string { return r.rawURL }

// MaxRedirects returns the hop limit.
func (r Request) MaxRedirects() int { return r.maxRedirects }

// Timeout returns the end-to-end deadline for the whole fetch.
func (r Request) Timeout() time.Duration { return r.timeout }

// MaxBodyBytes returns the body size limit.
func (r Request) MaxBodyBytes() int64 { return r.maxBodyBytes }
