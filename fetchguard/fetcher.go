// Package fetchguard retrieves client-supplied URLs on the client's behalf
// without letting them reach internal destinations.
//
// A fetch validates the URL, resolves the host afresh, dials only addresses
// the classifier permits (re-checked on the socket right before connect),
// follows redirects by hand with the same checks on every hop, and reads the
// body under a hard size limit. One deadline bounds the whole operation.
//
// Usage:
//
//	cfg := fetchguard.DefaultConfig()
//	f, err := fetchguard.NewFetcher(cfg)
//	out := f.Fetch(ctx, fetchguard.NewRequest(&cfg, rawURL, fetchguard.Overrides{}))
//	if out.Kind != fetchguard.Success { ... out.Err() ... }
package fetchguard

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hazyhaar/fetchguard/horosafe"
	"github.com/hazyhaar/fetchguard/kit"
)

// maxHeaderBytes caps upstream response headers.
const maxHeaderBytes = 64 << 10

// CauseCanceled is the failure cause when the caller cancels the fetch.
const CauseCanceled = "canceled"

// Fetcher performs guarded fetches. It is safe for concurrent use; the only
// state shared between fetches is the read-only configuration and the
// admission semaphore.
type Fetcher struct {
	cfg        Config
	validator  *horosafe.Validator
	classifier *horosafe.Classifier
	resolver   *SafeResolver
	sem        *semaphore.Weighted
	dialer     *net.Dialer
	tlsConfig  *tls.Config
	logger     *slog.Logger

	lookup Resolver
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithResolver replaces the name resolver (tests, custom DNS).
func WithResolver(r Resolver) Option { return func(f *Fetcher) { f.lookup = r } }

// WithDialer sets the template dialer. Its ControlContext, if any, runs after
// the address check.
func WithDialer(d *net.Dialer) Option { return func(f *Fetcher) { f.dialer = d } }

// WithTLSConfig sets the client TLS configuration used for https targets.
func WithTLSConfig(c *tls.Config) Option { return func(f *Fetcher) { f.tlsConfig = c } }

// WithLogger sets the fallback logger used when the context carries none.
func WithLogger(l *slog.Logger) Option { return func(f *Fetcher) { f.logger = l } }

// NewFetcher validates cfg and builds a Fetcher from it.
func NewFetcher(cfg Config, opts ...Option) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	f := &Fetcher{
		cfg:        cfg,
		validator:  horosafe.NewValidator(cfg.Policy()),
		classifier: cfg.Classifier(),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentFetches)),
		dialer:     &net.Dialer{KeepAlive: -1},
	}
	for _, o := range opts {
		o(f)
	}
	if f.lookup == nil {
		f.lookup = NewNetResolver(cfg.DNSServer)
	}
	f.resolver = NewSafeResolver(f.lookup, f.classifier)
	return f, nil
}

// Config returns a copy of the fetch policy.
func (f *Fetcher) Config() Config { return f.cfg }

// Fetch runs req to completion and returns its classified outcome. It never
// returns a partial body: Body is set only on Success.
func (f *Fetcher) Fetch(ctx context.Context, req Request) Outcome {
	start := time.Now()
	if !f.sem.TryAcquire(1) {
		out := Outcome{Kind: Overloaded, Reason: "too many concurrent fetches", Chain: []string{req.URL()}}
		f.log(ctx, req, &out)
		return out
	}
	defer f.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, req.Timeout())
	defer cancel()

	out := f.run(ctx, req)
	out.Duration = time.Since(start)
	f.log(ctx, req, &out)
	return out
}

func (f *Fetcher) run(ctx context.Context, req Request) Outcome {
	chain := NewRedirectChain(req.MaxRedirects())
	current := req.URL()

	for hop := 0; ; hop++ {
		target, err := f.validator.Validate(current)
		if err != nil {
			reason := err.Error()
			var re *horosafe.RejectError
			if errors.As(err, &re) {
				reason = re.Reason
			}
			if hop == 0 {
				out := invalid(reason, err)
				out.Chain = []string{current}
				return out
			}
			return f.finish(blocked("redirect target rejected: "+reason), chain, "")
		}
		if err := chain.Push(target.URL.String()); err != nil {
			return f.finish(blocked(err.Error()), chain, "")
		}

		addrs, err := f.resolver.Resolve(ctx, target.Host)
		if err != nil {
			if errors.Is(err, ErrAllForbidden) {
				return f.finish(blocked(ReasonAllForbidden), chain, "")
			}
			return f.finish(f.failure(ctx, err), chain, "")
		}

		resp, dialer, err := f.roundTrip(ctx, target, Permitted(addrs))
		if err != nil {
			return f.finish(f.failure(ctx, err), chain, "")
		}

		if loc := resp.Header.Get("Location"); isRedirect(resp.StatusCode) && loc != "" {
			resp.Body.Close()
			if chain.Full() {
				return f.finish(blocked(ReasonRedirectLimit), chain, dialer.Remote())
			}
			next, err := target.URL.Parse(loc)
			if err != nil {
				return f.finish(blocked("redirect target rejected: unparsable Location"), chain, dialer.Remote())
			}
			next.Fragment = ""
			current = next.String()
			continue
		}

		out := f.readBody(ctx, resp, req.MaxBodyBytes())
		resp.Body.Close()
		return f.finish(out, chain, dialer.Remote())
	}
}

func (f *Fetcher) finish(out Outcome, chain *RedirectChain, remote string) Outcome {
	out.Chain = chain.URLs()
	out.RemoteAddr = remote
	return out
}

// roundTrip issues one GET over a transport bound to addrs. Every hop gets
// its own transport so no connection or resolution survives between hops.
func (f *Fetcher) roundTrip(ctx context.Context, target horosafe.Target, addrs []netip.Addr) (*http.Response, *pinnedDialer, error) {
	dialer := newPinnedDialer(f.dialer, f.classifier, addrs)
	tr := &http.Transport{
		Proxy:                  nil,
		DialContext:            dialer.DialContext,
		TLSClientConfig:        f.tlsConfig.Clone(),
		ForceAttemptHTTP2:      true,
		DisableKeepAlives:      true,
		MaxResponseHeaderBytes: maxHeaderBytes,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.URL.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: build request: %w", ErrNetwork, err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := tr.RoundTrip(req)
	if err != nil {
		tr.CloseIdleConnections()
		return nil, nil, err
	}
	resp.Body = &closeTransport{ReadCloser: resp.Body, tr: tr}
	return resp, dialer, nil
}

func (f *Fetcher) readBody(ctx context.Context, resp *http.Response, limit int64) Outcome {
	if resp.ContentLength > limit {
		return blocked(ReasonBodyTooLarge)
	}
	body, err := horosafe.LimitedReadAll(resp.Body, limit)
	if errors.Is(err, horosafe.ErrTooLarge) {
		return blocked(ReasonBodyTooLarge)
	}
	if err != nil {
		return f.failure(ctx, err)
	}
	return Outcome{
		Kind:       Success,
		StatusCode: resp.StatusCode,
		Header:     FilterHeaders(resp.Header),
		Body:       body,
	}
}

// failure classifies a resolution or transport error.
func (f *Fetcher) failure(ctx context.Context, err error) Outcome {
	if errors.Is(err, ErrBlocked) {
		var dbe *DialBlockedError
		if errors.As(err, &dbe) {
			return blocked("connection to forbidden address refused: " + dbe.Reason)
		}
		return blocked(err.Error())
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return failed(CauseTimeout, err)
	case errors.Is(ctx.Err(), context.Canceled):
		return failed(CauseCanceled, err)
	case errors.Is(err, ErrResolution):
		return failed(CauseDNS, err)
	}

	var (
		dnsErr      *net.DNSError
		netErr      net.Error
		certErr     *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		alertErr    tls.AlertError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidCert x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &dnsErr):
		return failed(CauseDNS, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return failed(CauseRefused, err)
	case errors.As(err, &certErr), errors.As(err, &recordErr), errors.As(err, &alertErr),
		errors.As(err, &unknownAuth), errors.As(err, &hostErr), errors.As(err, &invalidCert):
		return failed(CauseTLS, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return failed(CauseTimeout, err)
	}
	return failed(CauseNetwork, err)
}

func (f *Fetcher) log(ctx context.Context, req Request, out *Outcome) {
	logger := f.logger
	if l := kit.Logger(ctx); l != slog.Default() || logger == nil {
		logger = l
	}
	attrs := []any{
		"outcome", out.Kind.String(),
		"url", TruncateURL(req.URL()),
		"hops", max(len(out.Chain)-1, 0),
		"duration_ms", out.Duration.Milliseconds(),
	}
	if out.RemoteAddr != "" {
		attrs = append(attrs, "remote_addr", out.RemoteAddr)
	}
	switch out.Kind {
	case Success:
		logger.InfoContext(ctx, "fetch", append(attrs, "status", out.StatusCode, "bytes", len(out.Body))...)
	case Failed:
		logger.ErrorContext(ctx, "fetch failed", append(attrs, "cause", out.Reason, "error", out.Cause)...)
	default:
		logger.WarnContext(ctx, "fetch refused", append(attrs, "reason", out.Reason)...)
	}
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// closeTransport releases the per-hop transport with the response body.
type closeTransport struct {
	io.ReadCloser
	tr *http.Transport
}

func (c *closeTransport) Close() error {
	err := c.ReadCloser.Close()
	c.tr.CloseIdleConnections()
	return err
}
